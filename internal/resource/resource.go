// Package resource samples the agent's own CPU and memory consumption
// and originates the AgentResourceUsage rows the management section of
// the configuration can ask for.
package resource

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"mdsagent/internal/metrics"
	"mdsagent/internal/pipeline"
	"mdsagent/internal/scheduler"
	"mdsagent/pkg/types"
)

// Task periodically samples the agent process and feeds one usage row
// per firing into a pipeline head.
type Task struct {
	head   pipeline.Stage
	logger *logrus.Logger
	task   *scheduler.Task
	proc   *process.Process
}

// NewTask builds the sampler for the current process.
func NewTask(head pipeline.Stage, interval time.Duration, logger *logrus.Logger) (*Task, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	t := &Task{head: head, logger: logger, proc: proc}
	t.task = scheduler.New("resource-usage", interval, scheduler.Hooks{
		Execute: t.execute,
	}, logger)
	return t, nil
}

// Start begins the schedule.
func (t *Task) Start() bool { return t.task.Start() }

// Cancel stops the schedule.
func (t *Task) Cancel() {
	t.task.Cancel()
	t.task.Wait()
}

func (t *Task) execute(qiBase types.TimeValue) {
	row := types.NewRow(6)
	row.Timestamp = types.Now()

	if cpu, err := t.proc.CPUPercent(); err == nil {
		row.AddColumn("CpuPercent", types.DoubleValue(cpu))
	} else {
		t.logger.WithError(err).Debug("CPU sample failed")
		metrics.RecordError("resource", "cpu_sample")
	}
	if mem, err := t.proc.MemoryInfo(); err == nil && mem != nil {
		row.AddColumn("MemoryRSS", types.Int64Value(int64(mem.RSS)))
		row.AddColumn("MemoryVMS", types.Int64Value(int64(mem.VMS)))
	} else if err != nil {
		t.logger.WithError(err).Debug("Memory sample failed")
		metrics.RecordError("resource", "memory_sample")
	}
	if fds, err := t.proc.NumFDs(); err == nil {
		row.AddColumn("OpenFileDescriptors", types.Int32Value(fds))
	}
	if threads, err := t.proc.NumThreads(); err == nil {
		row.AddColumn("Threads", types.Int32Value(threads))
	}

	if row.Len() == 0 {
		return
	}
	t.head.Start(qiBase)
	t.head.Process(row)
	t.head.Done()
}
