package eventhub

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mdsagent/internal/persist"
	"mdsagent/internal/scheduler"
	"mdsagent/pkg/types"
)

// drainInterval paces the periodic disk-queue re-upload per moniker.
const drainInterval = 60 * time.Second

// Manager owns one uploader per moniker. It is process-wide: uploaders
// survive config reloads so queued publications are never orphaned by a
// swap; SAS keys can be replaced in place.
type Manager struct {
	factory     PublisherFactory
	persistRoot string
	keepWindow  time.Duration
	logger      *logrus.Logger

	mu        sync.Mutex
	uploaders map[string]*Uploader
	drains    map[string]*scheduler.Task
}

var (
	managerOnce sync.Once
	manager     *Manager
)

// SharedManager returns the process-wide manager, installing the wiring
// arguments on first call.
func SharedManager(factory PublisherFactory, persistRoot string, keepWindow time.Duration, logger *logrus.Logger) *Manager {
	managerOnce.Do(func() {
		manager = NewManager(factory, persistRoot, keepWindow, logger)
	})
	return manager
}

// NewManager builds an isolated manager (tests use this).
func NewManager(factory PublisherFactory, persistRoot string, keepWindow time.Duration, logger *logrus.Logger) *Manager {
	return &Manager{
		factory:     factory,
		persistRoot: persistRoot,
		keepWindow:  keepWindow,
		logger:      logger,
		uploaders:   make(map[string]*Uploader),
		drains:      make(map[string]*scheduler.Task),
	}
}

// SetSasKey installs or replaces the connection string for a moniker,
// building and starting its uploader on first sight. Keys arrive from
// the config's ServiceBusAccountInfos or from the event-hub command
// blob.
func (m *Manager) SetSasKey(moniker, connectionString string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.uploaders[moniker]; ok {
		// Replace the publisher under the same queue and worker.
		publisher, err := m.factory(moniker, connectionString)
		if err != nil {
			return err
		}
		old.SetPublisher(publisher)
		m.logger.WithField("moniker", moniker).Info("Event hub key replaced")
		return nil
	}

	publisher, err := m.factory(moniker, connectionString)
	if err != nil {
		return err
	}

	var queue *persist.Queue
	if m.persistRoot != "" {
		queue, err = persist.NewQueue("eventhub-"+moniker, filepath.Join(m.persistRoot, moniker), m.keepWindow, m.logger)
		if err != nil {
			m.logger.WithError(err).WithField("moniker", moniker).Warn("Event hub retry queue unavailable; running memory-only")
			queue = nil
		}
	}

	u := NewUploader(moniker, publisher, queue, UploaderConfig{}, m.logger)
	u.Start()
	m.uploaders[moniker] = u

	drain := scheduler.New("eventhub-drain-"+moniker, drainInterval, scheduler.Hooks{
		Execute: func(types.TimeValue) {
			ctx, cancel := context.WithTimeout(context.Background(), drainInterval)
			defer cancel()
			u.DrainPersisted(ctx)
		},
	}, m.logger)
	drain.Start()
	m.drains[moniker] = drain

	m.logger.WithField("moniker", moniker).Info("Event hub uploader started")
	return nil
}

// Publish forwards a row to the moniker's uploader. Unknown monikers
// are dropped silently: a publisher annotation may legitimately precede
// its key delivery.
func (m *Manager) Publish(moniker, source string, row *types.Row) {
	m.mu.Lock()
	u := m.uploaders[moniker]
	m.mu.Unlock()
	if u == nil {
		return
	}
	u.AddEvent(source, row)
}

// QueueDepths snapshots the in-memory queue depth per moniker for the
// status surface.
func (m *Manager) QueueDepths() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.uploaders))
	for moniker, u := range m.uploaders {
		out[moniker] = u.Size()
	}
	return out
}

// HasUploader reports whether a moniker has a live uploader.
func (m *Manager) HasUploader(moniker string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.uploaders[moniker]
	return ok
}

// StopAll tears every uploader down; used on agent shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	uploaders := m.uploaders
	drains := m.drains
	m.uploaders = make(map[string]*Uploader)
	m.drains = make(map[string]*scheduler.Task)
	m.mu.Unlock()

	for _, task := range drains {
		task.Cancel()
		task.Wait()
	}
	for _, u := range uploaders {
		u.Stop()
	}
}
