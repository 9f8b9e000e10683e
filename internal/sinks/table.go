package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"mdsagent/internal/creds"
	"mdsagent/internal/metrics"
	"mdsagent/internal/store"
	"mdsagent/internal/tracing"
	"mdsagent/pkg/types"
)

// Table sink limits. A batch flushes at 100 rows or when its estimated
// size would pass the service's 4 MB payload ceiling; individual rows
// are dropped when they cannot fit the per-entity limits at all.
const (
	tableBatchMaxRows  = 100
	tableBatchMaxBytes = 4000000
	tableRowMaxBytes   = 1 << 20
	tableStringMax     = 64 << 10
)

// TableSink accumulates rows into entity-group batches and uploads them
// asynchronously with retry, create-on-404, and conflict tolerance.
type TableSink struct {
	target     creds.EntityName
	client     store.TableClient
	logger     *logrus.Logger
	idempotent bool
	onFailed   FailedUploadFunc

	mu       sync.Mutex
	rows     []*types.Row
	estBytes int
	curPKey  string

	uploads sync.WaitGroup
}

// NewTableSink builds a table sink. idempotent selects insert-or-replace
// uploads (schema-metadata destinations take these).
func NewTableSink(target creds.EntityName, client store.TableClient, idempotent bool, onFailed FailedUploadFunc, logger *logrus.Logger) *TableSink {
	return &TableSink{
		target:     target,
		client:     client,
		logger:     logger,
		idempotent: idempotent,
		onFailed:   onFailed,
	}
}

// StoreType identifies this as a table destination.
func (s *TableSink) StoreType() store.Type { return store.XTable }

// AddRow queues a row for upload, flushing first when the row would
// break the batch invariants (partition-key change or byte budget).
// Rows that exceed the per-entity limits are dropped with a warning.
func (s *TableSink) AddRow(row *types.Row, _ types.TimeValue) {
	for _, col := range row.Columns() {
		if col.Value.IsString() && len(col.Value.Str()) >= tableStringMax {
			s.logger.WithFields(logrus.Fields{
				"table":  s.target.Name(),
				"column": col.Name,
				"bytes":  len(col.Value.Str()),
			}).Warn("Dropping row: string column exceeds 64KiB limit")
			metrics.RecordRowDropped(s.target.EventName(), "string_too_large")
			return
		}
	}
	est := row.WireSize()
	if est > tableRowMaxBytes {
		s.logger.WithFields(logrus.Fields{
			"table": s.target.Name(),
			"bytes": est,
		}).Warn("Dropping row: estimated size exceeds 1MiB limit")
		metrics.RecordRowDropped(s.target.EventName(), "row_too_large")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.rows) > 0 && row.PartitionKey != s.curPKey {
		s.flushLocked("pkey_change")
	}
	if s.estBytes+est > tableBatchMaxBytes {
		s.flushLocked("size")
	}

	s.curPKey = row.PartitionKey
	s.rows = append(s.rows, row)
	s.estBytes += est

	if len(s.rows) >= tableBatchMaxRows {
		s.flushLocked("count")
	}
}

// Flush uploads whatever is queued.
func (s *TableSink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked("explicit")
}

// WaitUploads blocks until all dispatched uploads finish; used by
// shutdown and tests.
func (s *TableSink) WaitUploads() {
	s.uploads.Wait()
}

func (s *TableSink) flushLocked(trigger string) {
	if len(s.rows) == 0 {
		return
	}
	batch := s.rows
	s.rows = nil
	s.estBytes = 0

	metrics.RecordFlush("XTable", trigger)
	s.uploads.Add(1)
	go func() {
		defer s.uploads.Done()
		s.upload(batch)
	}()
}

// upload pushes one batch with the standard policy: exponential retry
// at 3s for up to 5 attempts, 30s per operation, create-if-not-exists
// once on 404, and 409 tolerated on retries.
func (s *TableSink) upload(batch []*types.Row) {
	tableName := s.target.Name()
	started := time.Now()

	ctx, span := tracing.StartSpan(context.Background(), "table.upload")
	defer span.End()

	attempt := 0
	createdTable := false

	op := func() error {
		opCtx, cancel := context.WithTimeout(ctx, store.OpTimeout)
		defer cancel()

		err := s.client.InsertBatch(opCtx, tableName, batch, s.idempotent)
		if err == nil {
			return nil
		}
		attempt++

		switch store.Classify(err) {
		case store.Conflict:
			// Insert collided with an earlier successful attempt. On a
			// first submit this is a genuine conflict worth an error.
			if attempt == 1 {
				s.logger.WithError(err).WithField("table", tableName).Error("Insert conflict on first submit")
				metrics.RecordError("table_sink", "conflict")
			}
			return nil
		case store.Permanent:
			if store.StatusOf(err) == 404 && !createdTable {
				createdTable = true
				metrics.TableCreatesTotal.Inc()
				createCtx, createCancel := context.WithTimeout(ctx, store.OpTimeout)
				defer createCancel()
				if cerr := s.client.CreateTableIfNotExists(createCtx, tableName); cerr != nil {
					s.logger.WithError(cerr).WithField("table", tableName).Error("Table creation failed")
					return backoff.Permanent(err)
				}
				// Reissue the batch exactly once after creating; any
				// further failure is final for this upload.
				retryCtx, retryCancel := context.WithTimeout(ctx, store.OpTimeout)
				defer retryCancel()
				if rerr := s.client.InsertBatch(retryCtx, tableName, batch, s.idempotent); rerr != nil {
					s.logger.WithError(rerr).WithField("table", tableName).Error("Upload failed after table creation")
					return backoff.Permanent(rerr)
				}
				metrics.RetriesTotal.WithLabelValues("XTable").Inc()
				return nil
			}
			return backoff.Permanent(err)
		default:
			metrics.RetriesTotal.WithLabelValues("XTable").Inc()
			return err
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = store.RetryInterval
	policy.RandomizationFactor = 0

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, store.RetryCount-1), ctx))
	duration := time.Since(started)

	if err == nil {
		metrics.RecordUpload("XTable", "success", len(batch), duration)
		return
	}

	outcome := store.Classify(err)
	metrics.RecordUpload("XTable", outcome.String(), len(batch), duration)
	s.logger.WithError(err).WithFields(logrus.Fields{
		"table":   tableName,
		"rows":    len(batch),
		"outcome": outcome.String(),
	}).Error("Batch upload failed")

	// Retryable exhaustion hands the rows to the persistence queue;
	// permanent failures drop them.
	if outcome == store.Retryable && s.onFailed != nil {
		s.onFailed(tableName, batch)
	}
}
