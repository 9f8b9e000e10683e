// Package omi schedules periodic CIM queries against the local OMI
// endpoint and feeds the resulting instances, flattened to rows, into a
// pipeline head. The wire client itself lives outside the agent; this
// package defines its contract and the task around it.
package omi

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"mdsagent/internal/metrics"
	"mdsagent/internal/pipeline"
	"mdsagent/internal/scheduler"
	"mdsagent/pkg/types"
)

// Property is one named value of a CIM instance. Value holds bool,
// int64, float64, string, time.Time, or a nested *Instance for
// embedded instances and references.
type Property struct {
	Name  string
	Value interface{}
}

// Instance is one enumerated CIM instance.
type Instance struct {
	Properties []Property
}

// Client is the abstract OMI connection, reached over a local UNIX
// socket by its real implementation.
type Client interface {
	Noop(ctx context.Context) error
	Enumerate(ctx context.Context, namespace, cql string) ([]Instance, error)
	Close()
}

// Connector dials a fresh client.
type Connector func() (Client, error)

// Reconnect policy: 10·2^k seconds, giving up after 30 minutes.
const (
	reconnectInitial = 10 * time.Second
	reconnectWindow  = 30 * time.Minute
)

// Query is one configured OMI query. The schema id is allocated once at
// config-load time for the (namespace, query) pair.
type Query struct {
	Namespace string
	CQL       string
	SchemaID  uint64
}

// Task periodically runs one query and pushes rows into its pipeline.
type Task struct {
	query   Query
	connect Connector
	head    pipeline.Stage
	logger  *logrus.Logger

	task   *scheduler.Task
	ctx    context.Context
	cancel context.CancelFunc

	clientCh chan Client // holds the live client, or empty while down
}

// NewTask builds the runner; Start schedules it.
func NewTask(query Query, interval time.Duration, connect Connector, head pipeline.Stage, logger *logrus.Logger) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		query:    query,
		connect:  connect,
		head:     head,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		clientCh: make(chan Client, 1),
	}
	name := fmt.Sprintf("omi:%s", query.Namespace)
	t.task = scheduler.New(name, interval, scheduler.Hooks{
		OnStart:  t.onStart,
		OnCancel: t.onCancel,
		Execute:  t.execute,
	}, logger)
	return t
}

// Start begins the schedule.
func (t *Task) Start() bool { return t.task.Start() }

// Cancel stops the schedule and closes the connection.
func (t *Task) Cancel() {
	t.task.Cancel()
	t.task.Wait()
}

// onStart dials the endpoint and verifies it with a noop. Failure kicks
// off a background reconnect with exponential backoff; firings run as
// no-ops until it succeeds or the window expires.
func (t *Task) onStart() bool {
	if err := t.tryConnect(); err == nil {
		return true
	}

	go func() {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = reconnectInitial
		policy.Multiplier = 2
		policy.MaxInterval = reconnectWindow
		policy.MaxElapsedTime = reconnectWindow
		policy.RandomizationFactor = 0

		err := backoff.Retry(func() error {
			return t.tryConnect()
		}, backoff.WithContext(policy, t.ctx))
		if err != nil {
			t.logger.WithError(err).WithField("namespace", t.query.Namespace).
				Error("OMI endpoint unreachable; giving up on this query")
			metrics.RecordError("omi", "connect_gave_up")
		}
	}()
	return true
}

func (t *Task) tryConnect() error {
	client, err := t.connect()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(t.ctx, 30*time.Second)
	defer cancel()
	if err := client.Noop(ctx); err != nil {
		client.Close()
		return fmt.Errorf("omi noop: %w", err)
	}
	select {
	case t.clientCh <- client:
	default:
		client.Close()
	}
	return nil
}

func (t *Task) onCancel() {
	t.cancel()
	select {
	case client := <-t.clientCh:
		client.Close()
	default:
	}
}

// execute enumerates instances and feeds the pipeline. A row that fails
// type conversion is dropped with a log line and the rest continue.
func (t *Task) execute(qiBase types.TimeValue) {
	var client Client
	select {
	case client = <-t.clientCh:
	default:
		// Not connected (yet); skip this firing.
		return
	}
	defer func() {
		select {
		case t.clientCh <- client:
		default:
			client.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(t.ctx, 30*time.Second)
	defer cancel()

	instances, err := client.Enumerate(ctx, t.query.Namespace, t.query.CQL)
	if err != nil {
		t.logger.WithError(err).WithField("namespace", t.query.Namespace).Warn("OMI enumeration failed")
		metrics.RecordError("omi", "enumerate")
		return
	}

	t.head.Start(qiBase)
	for _, inst := range instances {
		row, err := rowFromInstance(&inst, t.query.SchemaID)
		if err != nil {
			t.logger.WithError(err).WithField("namespace", t.query.Namespace).Warn("Dropping OMI instance")
			metrics.RecordRowDropped(t.query.Namespace, "conversion")
			continue
		}
		t.head.Process(row)
	}
	t.head.Done()
}

// rowFromInstance flattens an instance into a row, unfolding embedded
// instances and references with dotted column names.
func rowFromInstance(inst *Instance, schemaID uint64) (*types.Row, error) {
	row := types.NewRow(len(inst.Properties))
	row.SchemaID = schemaID
	row.Origin = types.Ingested
	row.Timestamp = types.Now()

	if err := addProperties(row, "", inst.Properties); err != nil {
		return nil, err
	}
	return row, nil
}

func addProperties(row *types.Row, prefix string, props []Property) error {
	for _, p := range props {
		name := p.Name
		if prefix != "" {
			name = prefix + "." + p.Name
		}
		switch v := p.Value.(type) {
		case bool:
			row.AddColumnIgnoreMetadata(name, types.BoolValue(v))
		case int32:
			row.AddColumnIgnoreMetadata(name, types.Int32Value(v))
		case int64:
			row.AddColumnIgnoreMetadata(name, types.Int64Value(v))
		case float64:
			row.AddColumnIgnoreMetadata(name, types.DoubleValue(v))
		case string:
			row.AddColumnIgnoreMetadata(name, types.StringValue(v))
		case time.Time:
			row.AddColumnIgnoreMetadata(name, types.TimeValueOf(types.FromTime(v)))
		case *Instance:
			if v != nil {
				if err := addProperties(row, name, v.Properties); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("property %s: unsupported type %T", name, p.Value)
		}
	}
	return nil
}
