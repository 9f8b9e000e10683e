package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mdsagent/internal/creds"
	"mdsagent/internal/metrics"
	"mdsagent/internal/store"
	"mdsagent/internal/tracing"
	"mdsagent/pkg/types"
)

// Block-blob append geometry: each flush appends one block, sized to
// stay under the service's 4 MiB block limit with headroom.
const blobBlockTarget = 4*1024*1024 - 64*1024

// The six statistics a metric document must carry.
var metricStats = []string{"Average", "Minimum", "Maximum", "Total", "Last", "Count"}

// JsonBlobSink appends rows as JSON documents to one block blob per
// rounded interval window. The block list is reconstructed from a
// persisted count file so an agent restart keeps appending instead of
// truncating.
type JsonBlobSink struct {
	target        creds.EntityName
	client        store.BlobClient
	logger        *logrus.Logger
	resourceID    string
	eventDuration string          // ISO 8601; non-empty enables metric classification
	interval      int64           // blob window seconds
	stateDir      string          // count-file directory
	identity      [3]string       // Tenant, Role, RoleInstance dimensions

	mu      sync.Mutex
	pending []json.RawMessage
	bytes   int
	window  types.TimeValue
	blocks  map[string]int // blob path -> appended block count
	uploads sync.WaitGroup
}

// JsonBlobOptions carries the construction parameters beyond target and
// client.
type JsonBlobOptions struct {
	ResourceID    string
	EventDuration string
	IntervalSec   int64
	StateDir      string
	Tenant        string
	Role          string
	RoleInstance  string
}

// NewJsonBlobSink builds the sink. The resource id is required: without
// it no document can be attributed, so construction fails.
func NewJsonBlobSink(target creds.EntityName, client store.BlobClient, opts JsonBlobOptions, logger *logrus.Logger) (*JsonBlobSink, error) {
	if opts.ResourceID == "" {
		return nil, fmt.Errorf("json blob sink %s: resourceId partition field is required", target.Name())
	}
	if opts.IntervalSec <= 0 {
		opts.IntervalSec = 3600 // PT1H
	}
	return &JsonBlobSink{
		target:        target,
		client:        client,
		logger:        logger,
		resourceID:    opts.ResourceID,
		eventDuration: opts.EventDuration,
		interval:      opts.IntervalSec,
		stateDir:      opts.StateDir,
		identity:      [3]string{opts.Tenant, opts.Role, opts.RoleInstance},
		blocks:        make(map[string]int),
	}, nil
}

// StoreType identifies this as a JSON-blob destination.
func (s *JsonBlobSink) StoreType() store.Type { return store.XJsonBlob }

// AddRow renders the row as a log or metric document and queues it for
// the current window's blob, flushing a block when the target block
// size fills or the window rolls.
func (s *JsonBlobSink) AddRow(row *types.Row, _ types.TimeValue) {
	doc, ok := s.render(row)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	window := row.Timestamp.Round(s.interval)
	if !s.window.IsZero() && !window.Equal(s.window) && len(s.pending) > 0 {
		s.flushLocked("window_roll")
	}
	s.window = window

	s.pending = append(s.pending, doc)
	s.bytes += len(doc)
	if s.bytes >= blobBlockTarget {
		s.flushLocked("block_full")
	}
}

// Flush appends the pending documents as one block.
func (s *JsonBlobSink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked("explicit")
}

// WaitUploads blocks until dispatched appends finish.
func (s *JsonBlobSink) WaitUploads() {
	s.uploads.Wait()
}

func (s *JsonBlobSink) flushLocked(trigger string) {
	if len(s.pending) == 0 {
		return
	}
	docs := s.pending
	window := s.window
	s.pending = nil
	s.bytes = 0

	metrics.RecordFlush("XJsonBlob", trigger)
	s.uploads.Add(1)
	go func() {
		defer s.uploads.Done()
		s.appendBlock(window, docs)
	}()
}

// appendBlock serializes docs as a JSON array block and appends it to
// the window's blob, committing the refreshed block list.
func (s *JsonBlobSink) appendBlock(window types.TimeValue, docs []json.RawMessage) {
	path := s.blobPath(window)
	started := time.Now()

	ctx, span := tracing.StartSpan(context.Background(), "jsonblob.append")
	defer span.End()

	data, err := json.Marshal(docs)
	if err != nil {
		s.logger.WithError(err).WithField("blob", path).Error("Failed to serialize block")
		metrics.RecordError("jsonblob_sink", "serialize")
		return
	}

	s.mu.Lock()
	count, known := s.blocks[path]
	s.mu.Unlock()
	if !known {
		count = s.readCountFile(path)
	}

	blockID := blockIDFor(count)
	opCtx, cancel := context.WithTimeout(ctx, store.OpTimeout)
	defer cancel()

	if err := s.client.PutBlock(opCtx, s.container(), path, blockID, data); err != nil {
		s.recordFailure(path, len(docs), err, started)
		return
	}

	ids := make([]string, count+1)
	for i := range ids {
		ids[i] = blockIDFor(i)
	}
	if err := s.client.PutBlockList(opCtx, s.container(), path, ids); err != nil {
		s.recordFailure(path, len(docs), err, started)
		return
	}

	s.mu.Lock()
	s.blocks[path] = count + 1
	s.mu.Unlock()
	s.writeCountFile(path, count+1)

	metrics.RecordUpload("XJsonBlob", "success", len(docs), time.Since(started))
}

func (s *JsonBlobSink) recordFailure(path string, docs int, err error, started time.Time) {
	outcome := store.Classify(err)
	metrics.RecordUpload("XJsonBlob", outcome.String(), docs, time.Since(started))
	s.logger.WithError(err).WithFields(logrus.Fields{
		"blob":    path,
		"docs":    docs,
		"outcome": outcome.String(),
	}).Error("Block append failed")
}

func (s *JsonBlobSink) container() string {
	return strings.ToLower(s.target.Basename())
}

// blobPath names one blob per interval window under the resource id.
func (s *JsonBlobSink) blobPath(window types.TimeValue) string {
	y, m, d := window.YMD()
	hh := window.Time().Hour()
	mm := window.Time().Minute()
	return fmt.Sprintf("resourceId=%s/y=%04d/m=%02d/d=%02d/h=%02d/m=%02d/%s.json",
		strings.Trim(s.resourceID, "/"), y, int(m), d, hh, mm, s.blobWindowTag())
}

func (s *JsonBlobSink) blobWindowTag() string {
	if s.interval%3600 == 0 {
		return fmt.Sprintf("PT%dH", s.interval/3600)
	}
	return fmt.Sprintf("PT%dM", s.interval/60)
}

func blockIDFor(index int) string {
	return fmt.Sprintf("%08d", index)
}

// Count-file persistence: one small file per blob path records how many
// blocks were committed, so a restarted agent resumes the block list.

func (s *JsonBlobSink) countFilePath(blobPath string) string {
	name := strings.NewReplacer("/", "_", "=", "-").Replace(blobPath) + ".count"
	return filepath.Join(s.stateDir, name)
}

func (s *JsonBlobSink) readCountFile(blobPath string) int {
	if s.stateDir == "" {
		return 0
	}
	data, err := os.ReadFile(s.countFilePath(blobPath))
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (s *JsonBlobSink) writeCountFile(blobPath string, count int) {
	if s.stateDir == "" {
		return
	}
	if err := os.MkdirAll(s.stateDir, 0o755); err != nil {
		return
	}
	_ = os.WriteFile(s.countFilePath(blobPath), []byte(strconv.Itoa(count)), 0o644)
}

// render builds the JSON document for a row. A row is a metric iff it
// carries both CounterName and Last columns and the configured event
// duration is non-empty; everything else renders as a log document.
func (s *JsonBlobSink) render(row *types.Row) (json.RawMessage, bool) {
	isMetric := s.eventDuration != "" && row.Find("CounterName") != nil && row.Find("Last") != nil
	if isMetric {
		return s.renderMetric(row)
	}
	return s.renderLog(row)
}

func (s *JsonBlobSink) renderMetric(row *types.Row) (json.RawMessage, bool) {
	doc := map[string]interface{}{
		"time":       row.Timestamp.String(),
		"resourceId": s.resourceID,
		"timeGrain":  s.eventDuration,
		"metricName": row.Find("CounterName").String(),
		"dimensions": map[string]string{
			"Tenant":       s.identity[0],
			"Role":         s.identity[1],
			"RoleInstance": s.identity[2],
		},
	}
	for _, stat := range metricStats {
		v := row.Find(stat)
		if v == nil {
			s.logger.WithFields(logrus.Fields{
				"metric":  row.Find("CounterName").String(),
				"missing": stat,
			}).Warn("Dropping metric row: incomplete statistics")
			metrics.RecordRowDropped(s.target.EventName(), "incomplete_metric")
			return nil, false
		}
		doc[strings.ToLower(stat[:1])+stat[1:]] = statValue(v)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		metrics.RecordError("jsonblob_sink", "serialize")
		return nil, false
	}
	return data, true
}

func (s *JsonBlobSink) renderLog(row *types.Row) (json.RawMessage, bool) {
	properties := make(map[string]interface{}, row.Len())
	var category, level, operationName string
	for _, col := range row.Columns() {
		switch col.Name {
		case "category":
			category = col.Value.String()
		case "level":
			level = col.Value.String()
		case "operationName":
			operationName = col.Value.String()
		default:
			properties[col.Name] = renderValue(col.Value)
		}
	}
	doc := map[string]interface{}{
		"time":          row.Timestamp.String(),
		"resourceId":    s.resourceID,
		"properties":    properties,
		"category":      category,
		"level":         level,
		"operationName": operationName,
	}

	data, err := json.Marshal(doc)
	if err != nil {
		metrics.RecordError("jsonblob_sink", "serialize")
		return nil, false
	}
	return data, true
}

func statValue(v *types.Value) interface{} {
	if v.Kind() == types.KindInt32 || v.Kind() == types.KindInt64 {
		return v.Int()
	}
	return v.ToDouble()
}
