package eventhub

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mdsagent/internal/metrics"
	"mdsagent/internal/persist"
	"mdsagent/internal/store"
	"mdsagent/pkg/types"
)

// Uploader defaults.
const (
	defaultQueueSize     = 4096
	defaultMemoryTimeout = 3600 * time.Second
	minResendDelay       = time.Second
)

// item is one queued publication with its per-item backoff state.
type item struct {
	data      []byte
	firstSend time.Time
	nextSend  time.Time
}

// UploaderConfig tunes one moniker's uploader.
type UploaderConfig struct {
	QueueSize     int
	MemoryTimeout time.Duration
}

// Uploader owns the publication path for one moniker: a bounded
// in-memory FIFO drained by a single worker, with throttle-keyed
// per-item backoff and a disk spill for items that out-age the memory
// timeout.
type Uploader struct {
	moniker   string
	publisher Publisher
	queue     *persist.Queue // may be nil: no disk spill configured
	config    UploaderConfig
	logger    *logrus.Logger

	mu    sync.Mutex
	items []*item
	wake  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUploader builds an uploader; Start launches its worker.
func NewUploader(moniker string, publisher Publisher, queue *persist.Queue, config UploaderConfig, logger *logrus.Logger) *Uploader {
	if config.QueueSize <= 0 {
		config.QueueSize = defaultQueueSize
	}
	if config.MemoryTimeout <= 0 {
		config.MemoryTimeout = defaultMemoryTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Uploader{
		moniker:   moniker,
		publisher: publisher,
		queue:     queue,
		config:    config,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the worker goroutine.
func (u *Uploader) Start() {
	u.wg.Add(1)
	go u.worker()
}

// Stop halts the worker and closes the publisher. Pending in-memory
// items spill to disk when a queue is configured.
func (u *Uploader) Stop() {
	u.cancel()
	u.wg.Wait()

	u.mu.Lock()
	pending := u.items
	u.items = nil
	u.mu.Unlock()

	if u.queue != nil {
		for _, it := range pending {
			if err := u.queue.Persist(it.data); err != nil {
				u.logger.WithError(err).WithField("moniker", u.moniker).Warn("Failed to spill pending event at shutdown")
			}
		}
	}
	u.pub().Close()
}

// AddEvent encodes and enqueues one row. A full queue drops the event
// with a warning.
func (u *Uploader) AddEvent(source string, row *types.Row) {
	data := EncodeEvent(source, row)
	now := time.Now()

	u.mu.Lock()
	if len(u.items) >= u.config.QueueSize {
		u.mu.Unlock()
		u.logger.WithFields(logrus.Fields{
			"moniker": u.moniker,
			"source":  source,
		}).Warn("Event hub queue full; dropping event")
		metrics.EventHubPublishTotal.WithLabelValues(u.moniker, "queue_full").Inc()
		return
	}
	u.items = append(u.items, &item{data: data, firstSend: now, nextSend: now})
	depth := len(u.items)
	u.mu.Unlock()

	metrics.EventHubQueueDepth.WithLabelValues(u.moniker).Set(float64(depth))
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// DrainPersisted re-publishes the disk queue; publish-permanent items
// are dropped so a poisoned event cannot wedge the queue.
func (u *Uploader) DrainPersisted(ctx context.Context) {
	if u.queue == nil {
		return
	}
	u.queue.Drain(ctx, func(_ context.Context, data []byte) error {
		err := u.pub().Publish(data)
		if err == nil {
			metrics.EventHubPublishTotal.WithLabelValues(u.moniker, "success").Inc()
			return nil
		}
		if store.Classify(err) == store.Permanent {
			u.logger.WithError(err).WithField("moniker", u.moniker).Warn("Dropping persisted event on permanent publish failure")
			metrics.EventHubPublishTotal.WithLabelValues(u.moniker, "permanent").Inc()
			return nil
		}
		return err
	})
}

// Size returns the in-memory queue depth.
func (u *Uploader) Size() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.items)
}

// SetPublisher swaps the publisher in place, closing the old one. Used
// when a moniker's key is replaced by the command blob.
func (u *Uploader) SetPublisher(p Publisher) {
	u.mu.Lock()
	old := u.publisher
	u.publisher = p
	u.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (u *Uploader) pub() Publisher {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.publisher
}

// worker dequeues due items one at a time and publishes them.
func (u *Uploader) worker() {
	defer u.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		it, wait := u.nextDue()
		if it == nil {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
			select {
			case <-u.ctx.Done():
				return
			case <-u.wake:
			case <-timer.C:
			}
			continue
		}

		u.send(it)

		select {
		case <-u.ctx.Done():
			return
		default:
		}
	}
}

// nextDue pops the first due item, or returns how long to wait for one.
func (u *Uploader) nextDue() (*item, time.Duration) {
	now := time.Now()

	u.mu.Lock()
	defer u.mu.Unlock()

	for i, it := range u.items {
		if !it.nextSend.After(now) {
			u.items = append(u.items[:i], u.items[i+1:]...)
			metrics.EventHubQueueDepth.WithLabelValues(u.moniker).Set(float64(len(u.items)))
			return it, 0
		}
	}

	wait := time.Hour
	for _, it := range u.items {
		if d := it.nextSend.Sub(now); d < wait {
			wait = d
		}
	}
	return nil, wait
}

func (u *Uploader) send(it *item) {
	err := u.pub().Publish(it.data)
	if err == nil {
		metrics.EventHubPublishTotal.WithLabelValues(u.moniker, "success").Inc()
		return
	}

	status := store.StatusOf(err)
	throttled := status == 429 || status == 503

	switch {
	case throttled:
		// Throttling resets the client before the item requeues.
		u.pub().Reset()
		metrics.EventHubPublishTotal.WithLabelValues(u.moniker, "throttled").Inc()
		u.requeue(it)
	case store.Classify(err) == store.Permanent:
		u.logger.WithError(err).WithField("moniker", u.moniker).Error("Dropping event on permanent publish failure")
		metrics.EventHubPublishTotal.WithLabelValues(u.moniker, "permanent").Inc()
	default:
		metrics.EventHubPublishTotal.WithLabelValues(u.moniker, "retryable").Inc()
		u.requeue(it)
	}
}

// requeue doubles the item's send delta (minimum one second) or spills
// it to disk once it out-ages the memory timeout.
func (u *Uploader) requeue(it *item) {
	now := time.Now()

	if now.Sub(it.firstSend) > u.config.MemoryTimeout {
		if u.queue != nil {
			if err := u.queue.Persist(it.data); err != nil {
				u.logger.WithError(err).WithField("moniker", u.moniker).Warn("Failed to persist aged event; dropping")
			}
		} else {
			u.logger.WithField("moniker", u.moniker).Warn("Dropping aged event; no retry queue configured")
		}
		metrics.EventHubPublishTotal.WithLabelValues(u.moniker, "aged_out").Inc()
		return
	}

	delta := it.nextSend.Sub(it.firstSend) * 2
	if delta < minResendDelay {
		delta = minResendDelay
	}
	it.nextSend = now.Add(delta)

	u.mu.Lock()
	u.items = append(u.items, it)
	metrics.EventHubQueueDepth.WithLabelValues(u.moniker).Set(float64(len(u.items)))
	u.mu.Unlock()
}
