package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"mdsagent/internal/batch"
	"mdsagent/internal/creds"
	"mdsagent/internal/eventhub"
	"mdsagent/internal/omi"
	"mdsagent/internal/persist"
	"mdsagent/internal/pipeline"
	"mdsagent/internal/scheduler"
	"mdsagent/internal/sinks"
	"mdsagent/internal/store"
	"mdsagent/pkg/schemas"
	"mdsagent/pkg/types"
)

// Decryptor opens PKCS#7-enveloped account keys with the private key
// named by decryptKeyPath. The cryptography lives outside the agent.
type Decryptor interface {
	Decrypt(ciphertext, keyPath string) (string, error)
}

// Runtime bundles the process-wide collaborators a parsed configuration
// binds to. One Runtime outlives every config generation.
type Runtime struct {
	Settings  *Settings
	Helper    *store.Helper
	OMI       omi.Connector
	EventHubs *eventhub.Manager
	Decryptor Decryptor
	Logger    *logrus.Logger
}

// runnable is any scheduled activity a config owns.
type runnable interface {
	Start() bool
	Cancel()
}

// SourceDef is one declared event source.
type SourceDef struct {
	Name       string
	Descriptor *schemas.Descriptor // nil for dynamic-schema sources
	Dynamic    bool
	Sink       *sinks.LocalSink
}

// Subscription routes ingested rows from a source into one pipeline.
type Subscription struct {
	Head        pipeline.Stage
	IntervalSec int64
}

// annotation binds an event to an event-hub publisher moniker.
type annotation struct {
	EventName string
	Moniker   string
	Key       string // embedded SAS; empty selects autokey delivery
}

// AgentConfig is the runtime graph built from one monitoring XML
// document: accounts, sources, pipelines, batches, and tasks. It lives
// until replaced; replacement defers destruction for a grace period.
type AgentConfig struct {
	runtime   *Runtime
	logger    *logrus.Logger
	isStartup bool

	Diags *Diagnostics
	MD5   string

	Namespace    string
	EventVersion int
	Timestamp    string

	accounts       map[string]*creds.Credentials
	defaultMoniker string

	identity      []types.Column
	agentIdentity string
	envelope      []types.Column
	pcount        uint64
	dupeWindow    time.Duration
	resourceID    string

	wantResourceUsage  bool
	resourceSampleRate time.Duration

	schemasByName map[string]schemas.Schema
	sources       map[string]*SourceDef
	durations     map[string]string
	subs          map[string][]*Subscription
	annotations   map[string]annotation
	serviceBus    map[string]string

	tasks   []runnable
	remote  *batch.BatchSet
	local   *batch.BatchSet
	janitor *scheduler.Task

	tableRetry *persist.Queue
}

// NewAgentConfig builds an empty graph bound to the runtime.
func NewAgentConfig(runtime *Runtime, isStartup bool) *AgentConfig {
	c := &AgentConfig{
		runtime:       runtime,
		logger:        runtime.Logger,
		isStartup:     isStartup,
		Diags:         &Diagnostics{},
		EventVersion:  1,
		pcount:        1,
		accounts:      make(map[string]*creds.Credentials),
		schemasByName: make(map[string]schemas.Schema),
		sources:       make(map[string]*SourceDef),
		durations:     make(map[string]string),
		subs:          make(map[string][]*Subscription),
		annotations:   make(map[string]annotation),
		serviceBus:    make(map[string]string),
	}
	c.remote = batch.NewBatchSet(c.makeSink, runtime.Logger)
	c.local = batch.LocalBatchSet(runtime.Logger)

	if runtime.Settings != nil {
		q, err := persist.NewQueue("table", filepath.Join(runtime.Settings.Persist.Dir, "table"),
			runtime.Settings.Persist.Keep.D(), runtime.Logger)
		if err != nil {
			runtime.Logger.WithError(err).Warn("Table retry queue unavailable")
		} else {
			c.tableRetry = q
		}
	}
	return c
}

// Naming returns the inputs for entity-name construction.
func (c *AgentConfig) Naming() creds.Naming {
	return creds.Naming{Namespace: c.Namespace, EventVersion: c.EventVersion}
}

// GetCredentials resolves a moniker; empty selects the default account.
func (c *AgentConfig) GetCredentials(moniker string) *creds.Credentials {
	if moniker == "" {
		return c.accounts[c.defaultMoniker]
	}
	return c.accounts[moniker]
}

// IdentityColumns returns the configured identity columns.
func (c *AgentConfig) IdentityColumns() []types.Column { return c.identity }

// addIdentityColumn appends one identity column and refreshes the
// joined identity string.
func (c *AgentConfig) addIdentityColumn(name, value string) {
	c.identity = append(c.identity, types.Column{Name: name, Value: types.StringValue(value)})
	if c.agentIdentity != "" {
		c.agentIdentity += "___"
	}
	c.agentIdentity += value
}

// AgentIdentity is the joined identity value string.
func (c *AgentConfig) AgentIdentity() string { return c.agentIdentity }

// ResourceID returns the OboDirectPartitionField resource id.
func (c *AgentConfig) ResourceID() string { return c.resourceID }

// DupeWindow returns the configured duplicate-suppression window (zero
// when unset).
func (c *AgentConfig) DupeWindow() time.Duration { return c.dupeWindow }

// batchSetFor picks the set a target belongs to: Local targets share
// one process-wide set so buffered data survives reloads.
func (c *AgentConfig) batchSetFor(t store.Type) *batch.BatchSet {
	if t == store.Local {
		return c.local
	}
	return c.remote
}

// GetBatch fetches (or creates) the batch for a target.
func (c *AgentConfig) GetBatch(target creds.EntityName, intervalSec int64) *batch.Batch {
	return c.batchSetFor(target.StoreType()).GetBatch(target, intervalSec)
}

// SchemasTableBatch returns the batch addressing the schema-metadata
// table of the target's account, or nil when the credentials cannot
// write arbitrary tables.
func (c *AgentConfig) SchemasTableBatch(target creds.EntityName) *batch.Batch {
	cr := target.Credentials()
	if cr == nil || !cr.AccessAnyTable() {
		return nil
	}
	return c.remote.GetBatch(creds.NewSchemasTable(cr), 60)
}

// makeSink is the BatchSet sink factory for this config.
func (c *AgentConfig) makeSink(target creds.EntityName) (sinks.Sink, error) {
	switch target.StoreType() {
	case store.Local:
		return sinks.ObtainLocalSink(target.Basename(), c.logger).AsSink(), nil

	case store.File:
		dir := "."
		if c.runtime.Settings != nil {
			dir = filepath.Join(c.runtime.Settings.App.DataDir, "files")
		}
		return sinks.NewFileSink(filepath.Join(dir, target.Basename()+".log"), c.logger), nil

	case store.XTable:
		cr := target.Credentials()
		if cr == nil {
			return nil, fmt.Errorf("table target %s has no credentials", target.Name())
		}
		_, connstr, _, err := cr.ConnectionString(target.Name(), creds.TableService)
		if err != nil {
			return nil, err
		}
		client, err := c.runtime.Helper.Table(connstr)
		if err != nil {
			return nil, err
		}
		var onFailed sinks.FailedUploadFunc
		if c.tableRetry != nil {
			queue := c.tableRetry
			onFailed = func(table string, rows []*types.Row) {
				for _, row := range rows {
					if err := queue.Persist(eventhub.EncodeEvent(table, row)); err != nil {
						c.logger.WithError(err).WithField("table", table).Warn("Failed to persist row for retry")
					}
				}
			}
		}
		return sinks.NewTableSink(target, client, target.IsSchemasTable(), onFailed, c.logger), nil

	case store.XJsonBlob:
		cr := target.Credentials()
		if cr == nil {
			return nil, fmt.Errorf("blob target %s has no credentials", target.Name())
		}
		_, connstr, _, err := cr.ConnectionString(target.Name(), creds.BlobService)
		if err != nil {
			return nil, err
		}
		client, err := c.runtime.Helper.Blob(connstr)
		if err != nil {
			return nil, err
		}
		stateDir := ""
		if c.runtime.Settings != nil {
			stateDir = filepath.Join(c.runtime.Settings.App.DataDir, "blobstate")
		}
		opts := sinks.JsonBlobOptions{
			ResourceID:    c.resourceID,
			EventDuration: c.durations[target.EventName()],
			StateDir:      stateDir,
		}
		if len(c.identity) >= 3 {
			opts.Tenant = c.identity[0].Value.String()
			opts.Role = c.identity[1].Value.String()
			opts.RoleInstance = c.identity[2].Value.String()
		}
		return sinks.NewJsonBlobSink(target, client, opts, c.logger)
	}
	return nil, fmt.Errorf("no sink for store type %s", target.StoreType())
}

// AddTask registers a scheduled activity owned by this config.
func (c *AgentConfig) AddTask(r runnable) {
	c.tasks = append(c.tasks, r)
}

// AddSubscription routes a source's ingested rows into a pipeline.
func (c *AgentConfig) AddSubscription(source string, sub *Subscription) {
	c.subs[source] = append(c.subs[source], sub)
}

// --- ingest.Router ---

// HasSource reports whether the source is declared.
func (c *AgentConfig) HasSource(source string) bool {
	_, ok := c.sources[source]
	return ok
}

// StaticSchemaID returns the declared schema id for static sources.
func (c *AgentConfig) StaticSchemaID(source string) uint64 {
	def, ok := c.sources[source]
	if !ok || def.Dynamic || def.Descriptor == nil {
		return 0
	}
	return def.Descriptor.ID
}

// Route delivers one ingested row: into the source's local sink, then
// through every subscribed pipeline as a copy.
func (c *AgentConfig) Route(source string, row *types.Row) {
	def, ok := c.sources[source]
	if !ok {
		return
	}
	if def.Sink != nil {
		def.Sink.AddRow(row, row.Timestamp)
	}
	for _, sub := range c.subs[source] {
		sub.Head.Start(row.Timestamp.Round(sub.IntervalSec))
		sub.Head.Process(row.Copy())
	}
}

// Initialize brings the parsed graph to life: event-hub keys resolve,
// publishers attach to their local sinks, the flush janitor starts, and
// every task is scheduled.
func (c *AgentConfig) Initialize() {
	// Embedded and service-bus keys install immediately; annotations
	// without a key wait for the command blob (autokey).
	for moniker, connstr := range c.serviceBus {
		if err := c.runtime.EventHubs.SetSasKey(moniker, connstr); err != nil {
			c.logger.WithError(err).WithField("moniker", moniker).Error("Failed to start event hub uploader")
		}
	}
	for _, ann := range c.annotations {
		if ann.Key != "" {
			if err := c.runtime.EventHubs.SetSasKey(ann.Moniker, ann.Key); err != nil {
				c.logger.WithError(err).WithField("moniker", ann.Moniker).Error("Failed to start event hub uploader")
				continue
			}
		}
		if sink := sinks.LookupLocalSink(ann.EventName); sink != nil {
			sink.AttachPublisher(ann.Moniker)
		}
	}

	c.janitor = scheduler.New("batch-janitor", time.Minute, scheduler.Hooks{
		Execute: func(types.TimeValue) {
			c.remote.FlushStale()
			c.local.FlushStale()
		},
	}, c.logger)
	c.janitor.Start()

	for _, task := range c.tasks {
		if !task.Start() {
			c.logger.Warn("A configured task refused to start")
		}
	}

	c.logger.WithFields(logrus.Fields{
		"namespace": c.Namespace,
		"sources":   len(c.sources),
		"tasks":     len(c.tasks),
	}).Info("Configuration initialized")
}

// BeginShutdown starts deferred destruction: timers cancel and batches
// flush now; the grace period then drains in-flight work before the
// config is declared dead. Cancelled tasks no-op if their timers still
// fire, so callbacks belonging to this config stay safe until then.
func (c *AgentConfig) BeginShutdown(grace time.Duration, onDead func()) {
	for _, task := range c.tasks {
		task.Cancel()
	}
	if c.janitor != nil {
		c.janitor.Cancel()
	}
	c.remote.FlushAll()

	time.AfterFunc(grace, func() {
		c.logger.WithField("namespace", c.Namespace).Info("Retired configuration destroyed")
		if onDead != nil {
			onDead()
		}
	})
}
