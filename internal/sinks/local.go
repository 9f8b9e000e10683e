package sinks

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"mdsagent/internal/metrics"
	"mdsagent/internal/store"
	"mdsagent/pkg/types"
)

// LocalSink buffers rows in memory, ordered by precise timestamp, for
// downstream derived-event consumers. Retention is set to the longest
// window any consumer declared; rows older than twice that are evicted
// lazily on insert.
type LocalSink struct {
	name   string
	logger *logrus.Logger

	mu        sync.Mutex
	rows      []timedRow
	retention types.TimeValue

	// Publisher monikers; names, not pointers, so a sink never pins an
	// uploader across config swaps.
	publishers []string
}

type timedRow struct {
	at  types.TimeValue
	row *types.Row
}

// NewLocalSink builds an empty local sink.
func NewLocalSink(name string, logger *logrus.Logger) *LocalSink {
	return &LocalSink{name: name, logger: logger}
}

// StoreType identifies this as a Local destination.
func (s *LocalSink) StoreType() store.Type { return store.Local }

// Name returns the source name the sink is registered under.
func (s *LocalSink) Name() string { return s.name }

// ExtendRetention raises the retention window to at least d. Retention
// only grows; concurrent consumers with shorter windows share the ring.
func (s *LocalSink) ExtendRetention(d types.TimeValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retention.Before(d) {
		s.retention = d
	}
}

// Retention returns the current retention window.
func (s *LocalSink) Retention() types.TimeValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retention
}

// AttachPublisher adds an event-publisher moniker. Ingested rows added
// afterwards are also forwarded to that publisher's uploader.
func (s *LocalSink) AttachPublisher(moniker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.publishers {
		if m == moniker {
			return
		}
	}
	s.publishers = append(s.publishers, moniker)
}

// AddRow inserts the row in timestamp order. With zero retention and no
// publisher attached nothing downstream can ever observe the row, so it
// is dropped immediately.
func (s *LocalSink) AddRow(row *types.Row, _ types.TimeValue) {
	s.mu.Lock()

	if s.retention.IsZero() && len(s.publishers) == 0 {
		s.mu.Unlock()
		metrics.RecordRowDropped(s.name, "no_consumer")
		return
	}

	at := row.Timestamp
	// Binary search places the row after any rows with an equal timestamp.
	i := sort.Search(len(s.rows), func(i int) bool { return at.Before(s.rows[i].at) })
	s.rows = append(s.rows, timedRow{})
	copy(s.rows[i+1:], s.rows[i:])
	s.rows[i] = timedRow{at: at, row: row}

	// Lazy eviction: anything older than twice the retention window is
	// unreachable by any consumer.
	if !s.retention.IsZero() {
		floor := types.Now().Sub(s.retention).Sub(s.retention)
		n := sort.Search(len(s.rows), func(i int) bool { return !s.rows[i].at.Before(floor) })
		if n > 0 {
			s.rows = s.rows[n:]
		}
	}

	publishers := s.publishers
	size := len(s.rows)
	s.mu.Unlock()

	metrics.LocalSinkRows.WithLabelValues(s.name).Set(float64(size))

	if row.Origin == types.Ingested && len(publishers) > 0 {
		fn := publishFunc()
		if fn != nil {
			for _, moniker := range publishers {
				fn(moniker, s.name, row)
			}
		}
	}
}

// Foreach extracts all rows in [begin, begin+delta) under the lock,
// releases it, then invokes fn on each in non-decreasing timestamp
// order.
func (s *LocalSink) Foreach(begin, delta types.TimeValue, fn func(*types.Row)) {
	end := begin.Add(delta)

	s.mu.Lock()
	lo := sort.Search(len(s.rows), func(i int) bool { return !s.rows[i].at.Before(begin) })
	hi := sort.Search(len(s.rows), func(i int) bool { return !s.rows[i].at.Before(end) })
	batch := make([]*types.Row, hi-lo)
	for i := lo; i < hi; i++ {
		batch[i-lo] = s.rows[i].row
	}
	s.mu.Unlock()

	for _, row := range batch {
		fn(row)
	}
}

// Flush removes every row with timestamp < when. Reslicing into a
// fresh array keeps the removed rows' backing storage out of the
// retained slice, so their release happens outside the lock span.
func (s *LocalSink) Flush(when types.TimeValue) {
	s.mu.Lock()
	n := sort.Search(len(s.rows), func(i int) bool { return !s.rows[i].at.Before(when) })
	if n > 0 {
		s.rows = append([]timedRow(nil), s.rows[n:]...)
	}
	size := len(s.rows)
	s.mu.Unlock()

	metrics.LocalSinkRows.WithLabelValues(s.name).Set(float64(size))
}

// Size returns the number of retained rows.
func (s *LocalSink) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// localSinkAdapter lets a LocalSink serve as a pipeline Sink terminal.
type localSinkAdapter struct{ *LocalSink }

// AsSink adapts the local sink to the Sink interface.
func (s *LocalSink) AsSink() Sink { return localSinkAdapter{s} }

func (a localSinkAdapter) Flush() {}

// --- registry ---

// The registry outlives every configuration so locally buffered rows
// survive reloads. The mutex is created here and never destroyed.
var registry = struct {
	mu    sync.Mutex
	sinks map[string]*LocalSink
	pub   PublishFunc
}{sinks: make(map[string]*LocalSink)}

// LookupLocalSink returns the registered sink for a source name, or nil.
func LookupLocalSink(name string) *LocalSink {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return registry.sinks[name]
}

// ObtainLocalSink returns the sink for the source name, creating and
// registering it on first use.
func ObtainLocalSink(name string, logger *logrus.Logger) *LocalSink {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if s, ok := registry.sinks[name]; ok {
		return s
	}
	s := NewLocalSink(name, logger)
	registry.sinks[name] = s
	return s
}

// SetPublishFunc installs the event-hub forwarding hook.
func SetPublishFunc(fn PublishFunc) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.pub = fn
}

func publishFunc() PublishFunc {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return registry.pub
}
