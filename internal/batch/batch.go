// Package batch is the hand-off point between pipelines and sinks. A
// Batch accumulates rows for one destination under one flush interval;
// a BatchSet shares batches between all pipelines targeting the same
// destination with the same credentials.
package batch

import (
	"sync"

	"github.com/sirupsen/logrus"

	"mdsagent/internal/creds"
	"mdsagent/internal/sinks"
	"mdsagent/pkg/types"
)

// Batch owns its sink and tracks the query-interval base of the rows it
// holds. Rows from a different interval base force a flush so one
// upload never spans bases.
type Batch struct {
	sink        sinks.Sink
	intervalSec int64

	mu         sync.Mutex
	qiBase     types.TimeValue
	lastAction types.TimeValue
	dirty      bool
}

// New builds a batch around a constructed sink.
func New(sink sinks.Sink, intervalSec int64) *Batch {
	return &Batch{sink: sink, intervalSec: intervalSec}
}

// Interval returns the flush interval in seconds.
func (b *Batch) Interval() int64 { return b.intervalSec }

// Sink exposes the owned sink.
func (b *Batch) Sink() sinks.Sink { return b.sink }

// AddRow routes a row into the sink, flushing first when the row's
// rounded timestamp starts a new query interval.
func (b *Batch) AddRow(row *types.Row) {
	qiBase := row.Timestamp.Round(b.intervalSec)

	b.mu.Lock()
	defer b.mu.Unlock()

	if !qiBase.Equal(b.qiBase) {
		b.sink.Flush()
		b.qiBase = qiBase
	}

	b.sink.AddRow(row, qiBase) // may itself trigger a mid-interval flush
	b.dirty = true
	b.lastAction = types.Now()
}

// Flush pushes the sink's buffered rows out. Clean batches are left
// untouched.
func (b *Batch) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dirty {
		return
	}
	b.dirty = false
	b.sink.Flush()
}

// HasStaleData reports whether the batch saw its last row before the
// current interval began; the periodic janitor flushes such batches.
func (b *Batch) HasStaleData() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dirty {
		return false
	}
	cutoff := types.Now().AddSeconds(-b.intervalSec).Round(b.intervalSec)
	return b.lastAction.Before(cutoff)
}

// SinkFactory constructs the destination sink for a target. Failures
// are surfaced to GetBatch callers as a nil batch.
type SinkFactory func(target creds.EntityName) (sinks.Sink, error)

type batchKey struct {
	basename string
	creds    *creds.Credentials
}

// BatchSet maps (basename, credentials) to a shared batch.
type BatchSet struct {
	factory SinkFactory
	logger  *logrus.Logger

	mu      sync.Mutex
	batches map[batchKey]*Batch
}

// NewBatchSet builds an empty set using factory for sink construction.
func NewBatchSet(factory SinkFactory, logger *logrus.Logger) *BatchSet {
	return &BatchSet{
		factory: factory,
		logger:  logger,
		batches: make(map[batchKey]*Batch),
	}
}

// GetBatch returns the batch for the target, creating it on first use.
// Sink construction failure is logged and yields nil; the caller drops
// the task that needed it.
func (s *BatchSet) GetBatch(target creds.EntityName, intervalSec int64) *Batch {
	key := batchKey{basename: target.Basename(), creds: target.Credentials()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.batches[key]; ok {
		return b
	}

	sink, err := s.factory(target)
	if err != nil {
		s.logger.WithError(err).WithField("target", target.Name()).Error("Failed to construct sink for batch")
		return nil
	}
	b := New(sink, intervalSec)
	s.batches[key] = b
	return b
}

// FlushAll flushes every batch; used at config teardown.
func (s *BatchSet) FlushAll() {
	for _, b := range s.snapshot() {
		b.Flush()
	}
}

// FlushStale flushes batches whose data predates the current interval;
// the per-config janitor task calls this periodically.
func (s *BatchSet) FlushStale() {
	for _, b := range s.snapshot() {
		if b.HasStaleData() {
			b.Flush()
		}
	}
}

func (s *BatchSet) snapshot() []*Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Batch, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, b)
	}
	return out
}

// localSet is shared by every configuration so locally buffered data
// survives reloads, matching the local-sink registry's lifetime.
var (
	localSetOnce sync.Once
	localSet     *BatchSet
)

// LocalBatchSet returns the process-wide batch set for Local targets.
func LocalBatchSet(logger *logrus.Logger) *BatchSet {
	localSetOnce.Do(func() {
		localSet = NewBatchSet(func(target creds.EntityName) (sinks.Sink, error) {
			return sinks.ObtainLocalSink(target.Basename(), logger).AsSink(), nil
		}, logger)
	})
	return localSet
}
