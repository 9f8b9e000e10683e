// Package deduplication suppresses repeated ingest of identical events.
// Both framed listeners share one suppressor: an incoming row whose
// (source, content-hash) pair matches a live cache entry is silently
// dropped.
package deduplication

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"mdsagent/pkg/types"
)

// Window bounds. The configured window is clamped into [MinWindow,
// MaxWindow]; zero selects the default.
const (
	MinWindow     = 60 * time.Second
	MaxWindow     = 3600 * time.Second
	DefaultWindow = 900 * time.Second

	defaultMaxEntries = 100000
)

// Config tunes the suppressor.
type Config struct {
	Window          time.Duration `yaml:"window"`
	MaxEntries      int           `yaml:"max_entries"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Suppressor is a bounded cache of (source, content-hash) → last-seen.
type Suppressor struct {
	config Config
	logger *logrus.Logger

	mu      sync.Mutex
	entries map[key]time.Time

	stats Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type key struct {
	source string
	hash   uint64
}

// Stats counts suppressor outcomes.
type Stats struct {
	Checked    int64
	Duplicates int64
	Evicted    int64
}

// NewSuppressor builds a suppressor, clamping the window into its legal
// range and applying defaults for unset fields.
func NewSuppressor(config Config, logger *logrus.Logger) *Suppressor {
	if config.Window == 0 {
		config.Window = DefaultWindow
	}
	if config.Window < MinWindow {
		config.Window = MinWindow
	}
	if config.Window > MaxWindow {
		config.Window = MaxWindow
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = defaultMaxEntries
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = config.Window / 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Suppressor{
		config:  config,
		logger:  logger,
		entries: make(map[key]time.Time),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the periodic sweep.
func (s *Suppressor) Start() {
	s.wg.Add(1)
	go s.sweepLoop()
}

// Stop halts the sweep goroutine.
func (s *Suppressor) Stop() {
	s.cancel()
	s.wg.Wait()
}

// IsDuplicate hashes the row content and reports whether an identical
// event from the same source was seen inside the window. First sight
// records the entry.
func (s *Suppressor) IsDuplicate(source string, row *types.Row) bool {
	h := hashRow(row)
	now := time.Now()
	k := key{source: source, hash: h}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Checked++

	if seen, ok := s.entries[k]; ok && now.Sub(seen) < s.config.Window {
		s.stats.Duplicates++
		return true
	}
	if len(s.entries) >= s.config.MaxEntries {
		s.evictOldestLocked()
	}
	s.entries[k] = now
	return false
}

// GetStats returns a snapshot of the counters.
func (s *Suppressor) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// evictOldestLocked drops the stalest entry to honor the size bound.
func (s *Suppressor) evictOldestLocked() {
	var oldest key
	var oldestAt time.Time
	first := true
	for k, at := range s.entries {
		if first || at.Before(oldestAt) {
			oldest, oldestAt, first = k, at, false
		}
	}
	if !first {
		delete(s.entries, oldest)
		s.stats.Evicted++
	}
}

func (s *Suppressor) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Suppressor) sweep() {
	cutoff := time.Now().Add(-s.config.Window)

	s.mu.Lock()
	before := len(s.entries)
	for k, at := range s.entries {
		if at.Before(cutoff) {
			delete(s.entries, k)
		}
	}
	removed := before - len(s.entries)
	s.mu.Unlock()

	if removed > 0 {
		s.logger.WithFields(logrus.Fields{
			"removed":   removed,
			"remaining": before - removed,
		}).Debug("Deduplication sweep completed")
	}
}

// hashRow folds the ordered column names and rendered values into one
// 64-bit content hash. Column order matters: rows that differ only in
// order are distinct events.
func hashRow(row *types.Row) uint64 {
	d := xxhash.New()
	for _, col := range row.Columns() {
		_, _ = d.WriteString(col.Name)
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(col.Value.String())
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}
