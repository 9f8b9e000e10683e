// Package derived schedules the local aggregation tasks: derived
// events, which replay a local sink's window through a pipeline, and
// heartbeats, which originate one empty row per interval.
package derived

import (
	"time"

	"github.com/sirupsen/logrus"

	"mdsagent/internal/pipeline"
	"mdsagent/internal/scheduler"
	"mdsagent/internal/sinks"
	"mdsagent/pkg/types"
)

// Task replays the just-completed interval of a local sink into a
// pipeline head, then flushes the sink up to what retention allows.
type Task struct {
	source      *sinks.LocalSink
	head        pipeline.Stage
	intervalSec int64
	task        *scheduler.Task
}

// NewTask builds the runner over an already-registered local sink. The
// sink's retention is extended to cover this consumer's window.
func NewTask(name string, source *sinks.LocalSink, head pipeline.Stage, interval time.Duration, logger *logrus.Logger) *Task {
	t := &Task{
		source:      source,
		head:        head,
		intervalSec: int64(interval / time.Second),
	}
	source.ExtendRetention(types.TimeValue{Sec: t.intervalSec})
	t.task = scheduler.New("derived:"+name, interval, scheduler.Hooks{
		Execute: t.execute,
	}, logger)
	return t
}

// Start begins the schedule.
func (t *Task) Start() bool { return t.task.Start() }

// Cancel stops the schedule.
func (t *Task) Cancel() {
	t.task.Cancel()
	t.task.Wait()
}

// execute pulls [qiBase-interval, qiBase) — the window that just
// closed — into the pipeline as copies, then drops rows no consumer
// can still reach.
func (t *Task) execute(qiBase types.TimeValue) {
	start := qiBase.AddSeconds(-t.intervalSec)

	t.head.Start(start)
	t.source.Foreach(start, types.TimeValue{Sec: t.intervalSec}, func(row *types.Row) {
		t.head.Process(row.Copy())
	})
	t.head.Done()

	retention := t.source.Retention()
	t.source.Flush(qiBase.Sub(retention))
}

// Heartbeat originates one empty row per interval into a pipeline
// head; the identity stage downstream gives it its columns.
type Heartbeat struct {
	head pipeline.Stage
	task *scheduler.Task
}

// NewHeartbeat builds the heartbeat task.
func NewHeartbeat(name string, head pipeline.Stage, interval time.Duration, logger *logrus.Logger) *Heartbeat {
	h := &Heartbeat{head: head}
	h.task = scheduler.New("heartbeat:"+name, interval, scheduler.Hooks{
		Execute: h.execute,
	}, logger)
	return h
}

// Start begins the schedule.
func (h *Heartbeat) Start() bool { return h.task.Start() }

// Cancel stops the schedule.
func (h *Heartbeat) Cancel() {
	h.task.Cancel()
	h.task.Wait()
}

func (h *Heartbeat) execute(qiBase types.TimeValue) {
	row := types.NewRow(1)
	row.Timestamp = types.Now()
	h.head.Start(qiBase)
	h.head.Process(row)
	h.head.Done()
}
