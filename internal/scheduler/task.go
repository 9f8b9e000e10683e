// Package scheduler provides the periodic task primitive every
// recurring activity in the agent runs on: OMI queries, derived events,
// batch janitors, heartbeats. A task fires on a fixed cadence, executes
// without holding its own lock, and cancels cooperatively.
package scheduler

import (
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mdsagent/internal/metrics"
	"mdsagent/pkg/types"
)

// Hooks binds a task to its owner's behavior. Execute receives the
// query-interval base for the firing. InitialStart may be nil, selecting
// the default first-fire time of now plus a small random delay, which
// spreads task start-up across the first seconds of a config's life.
type Hooks struct {
	OnStart      func() bool
	OnCancel     func()
	Execute      func(qiBase types.TimeValue)
	InitialStart func() time.Time
}

// Task is a periodic timer-driven activity. Tasks are not restartable:
// once cancelled, a task stays dead and a new config builds new tasks.
type Task struct {
	name     string
	interval time.Duration
	hooks    Hooks
	logger   *logrus.Logger

	mu        sync.Mutex
	started   bool
	cancelled bool
	stop      chan struct{}
	done      chan struct{}
}

// New builds a task; it does not start it.
func New(name string, interval time.Duration, hooks Hooks, logger *logrus.Logger) *Task {
	return &Task{
		name:     name,
		interval: interval,
		hooks:    hooks,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Name returns the task's display name.
func (t *Task) Name() string { return t.name }

// Interval returns the firing period.
func (t *Task) Interval() time.Duration { return t.interval }

// Start runs the OnStart hook and, if it approves, launches the timer
// loop. Returns false when the hook vetoed the task or it was already
// started or cancelled.
func (t *Task) Start() bool {
	t.mu.Lock()
	if t.started || t.cancelled {
		t.mu.Unlock()
		return false
	}
	t.started = true
	t.mu.Unlock()

	if t.hooks.OnStart != nil && !t.hooks.OnStart() {
		t.logger.WithField("task", t.name).Warn("Task start hook refused; task will not run")
		close(t.done)
		return false
	}

	first := time.Now().Add(defaultInitialDelay())
	if t.hooks.InitialStart != nil {
		first = t.hooks.InitialStart()
	}

	go t.run(first)
	return true
}

// Cancel stops the timer and marks the task dead. Idempotent; safe to
// call while a firing is in flight — the in-flight execute runs to
// completion, and the timer loop observes cancellation and exits
// without touching owner state again.
func (t *Task) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	wasStarted := t.started
	close(t.stop)
	t.mu.Unlock()

	if t.hooks.OnCancel != nil {
		t.hooks.OnCancel()
	}
	if !wasStarted {
		close(t.done)
	}
}

// Wait blocks until the timer loop has exited. Used by config teardown
// after the grace period.
func (t *Task) Wait() {
	<-t.done
}

func (t *Task) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// run is the timer loop. The next firing is scheduled relative to the
// previous scheduled time, not the completion time, so the cadence does
// not drift; a long execute simply makes the following firings queue
// behind it rather than overlap it.
func (t *Task) run(first time.Time) {
	defer close(t.done)

	timer := time.NewTimer(time.Until(first))
	defer timer.Stop()
	next := first

	for {
		select {
		case <-t.stop:
			return
		case <-timer.C:
			if t.isCancelled() {
				return
			}
			intervalSec := int64(t.interval / time.Second)
			base := types.FromTime(next).Round(intervalSec)
			next = next.Add(t.interval)
			timer.Reset(time.Until(next))

			metrics.RecordTaskFiring(t.name)
			t.execute(base)
		}
	}
}

// execute invokes the owner callback, containing any panic so one bad
// firing does not unschedule the task.
func (t *Task) execute(base types.TimeValue) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.WithFields(logrus.Fields{
				"task":  t.name,
				"panic": r,
			}).Error("Task execution panicked; firing abandoned")
			metrics.RecordError("scheduler", "execute_panic")
		}
	}()
	if t.hooks.Execute != nil {
		t.hooks.Execute(base)
	}
}

// defaultInitialDelay is 2..7 whole seconds plus random microseconds.
func defaultInitialDelay() time.Duration {
	return time.Duration(2+rand.Intn(6))*time.Second +
		time.Duration(rand.Intn(1000000))*time.Microsecond
}
