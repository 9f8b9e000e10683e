// Package app assembles the agent: configuration lifecycle, ingest
// listeners, command polling, the HTTP surface, and shutdown order.
package app

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mdsagent/internal/command"
	"mdsagent/internal/config"
	"mdsagent/internal/eventhub"
	"mdsagent/internal/ingest"
	"mdsagent/internal/metrics"
	"mdsagent/internal/omi"
	"mdsagent/internal/scheduler"
	"mdsagent/internal/sinks"
	"mdsagent/internal/store"
	"mdsagent/internal/tracing"
	"mdsagent/pkg/deduplication"
	"mdsagent/pkg/types"
)

// Agent owns the process-level wiring. Configurations come and go; the
// agent, its listeners, and the process-wide registries stay.
type Agent struct {
	settings  *config.Settings
	logger    *logrus.Logger
	runtime   *config.Runtime
	tracer    *tracing.Manager
	sessionID string

	mu       sync.Mutex
	current  *config.AgentConfig
	lastMD5  string
	lastLMT  types.TimeValue
	cmdIdent command.Identity

	suppressor *deduplication.Suppressor
	jsonServer *ingest.Server
	binServer  *ingest.Server
	httpServer *http.Server
	watcher    *fsnotify.Watcher
	cmdSource  *command.Source
	cmdTask    *scheduler.Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options carries the process-wide collaborators the agent binds to.
type Options struct {
	Settings  *config.Settings
	Logger    *logrus.Logger
	Clients   store.ClientFactory
	Publisher eventhub.PublisherFactory
	OMI       omi.Connector
	Decryptor config.Decryptor
}

// New builds the agent; Start brings it up.
func New(opts Options) (*Agent, error) {
	if opts.Settings == nil || opts.Logger == nil {
		return nil, fmt.Errorf("settings and logger are required")
	}

	tracer, err := tracing.NewManager(opts.Settings.Tracing, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		settings:  opts.Settings,
		logger:    opts.Logger,
		tracer:    tracer,
		sessionID: uuid.NewString(),
		ctx:       ctx,
		cancel:    cancel,
	}
	opts.Logger.WithField("session_id", a.sessionID).Info("Agent session starting")
	a.runtime = &config.Runtime{
		Settings: opts.Settings,
		Helper:   store.SharedHelper(opts.Clients),
		OMI:      opts.OMI,
		EventHubs: eventhub.SharedManager(opts.Publisher,
			opts.Settings.Persist.Dir+"/eventhub", opts.Settings.Persist.Keep.D(), opts.Logger),
		Decryptor: opts.Decryptor,
		Logger:    opts.Logger,
	}

	// Local sinks forward publisher-tagged rows through the manager.
	hubs := a.runtime.EventHubs
	sinks.SetPublishFunc(func(moniker, source string, row *types.Row) {
		hubs.Publish(moniker, source, row.Copy())
	})
	return a, nil
}

// Current returns the active configuration.
func (a *Agent) Current() *config.AgentConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Start activates the local configuration and brings up listeners, the
// HTTP surface, the config watch, and command polling.
func (a *Agent) Start() error {
	data, err := os.ReadFile(a.settings.Config.Path)
	if err != nil {
		return fmt.Errorf("read configuration %s: %w", a.settings.Config.Path, err)
	}
	if err := a.Activate(data, true); err != nil {
		return err
	}

	a.startSuppressor()
	if err := a.startListeners(); err != nil {
		return err
	}
	if a.settings.Server.Enabled {
		a.startHTTP()
	}
	if a.settings.Config.WatchLocalFile {
		if err := a.startConfigWatch(); err != nil {
			a.logger.WithError(err).Warn("Config file watch unavailable")
		}
	}
	if a.settings.Config.CommandSAS != "" {
		if err := a.startCommandPolling(); err != nil {
			a.logger.WithError(err).Warn("Command blob polling unavailable")
		}
	}
	return nil
}

// Activate parses, validates, and swaps in a configuration. On any
// rejection the previous configuration keeps running.
func (a *Agent) Activate(data []byte, isStartup bool) error {
	sum := md5.Sum(data)
	md5hex := hex.EncodeToString(sum[:])

	a.mu.Lock()
	if md5hex == a.lastMD5 && a.current != nil {
		a.mu.Unlock()
		a.logger.Info("Configuration unchanged; activation skipped")
		return nil
	}
	a.mu.Unlock()

	cfg := config.Parse(data, a.runtime, isStartup)
	cfg.Diags.Emit(a.logger)
	if err := cfg.Validate(); err != nil {
		metrics.ConfigReloadsTotal.WithLabelValues("rejected").Inc()
		a.logger.WithError(err).Error("Configuration rejected; keeping previous")
		return err
	}
	cfg.MD5 = md5hex

	a.mu.Lock()
	previous := a.current
	a.current = cfg
	a.lastMD5 = md5hex
	a.cmdIdent = command.Identity{Namespace: cfg.Namespace}
	a.mu.Unlock()

	cfg.Initialize()
	metrics.ConfigReloadsTotal.WithLabelValues("activated").Inc()

	if previous != nil {
		previous.BeginShutdown(a.settings.Config.GracePeriod.D(), nil)
		a.logger.WithField("grace", a.settings.Config.GracePeriod.D()).
			Info("Previous configuration retiring")
	}
	return nil
}

func (a *Agent) startSuppressor() {
	window := deduplication.DefaultWindow
	if cfg := a.Current(); cfg != nil && cfg.DupeWindow() > 0 {
		window = cfg.DupeWindow()
	}
	a.suppressor = deduplication.NewSuppressor(deduplication.Config{Window: window}, a.logger)
	a.suppressor.Start()
}

// routerProxy targets the *current* config so long-lived listener
// connections follow hot swaps.
type routerProxy struct{ agent *Agent }

func (r routerProxy) HasSource(source string) bool {
	if cfg := r.agent.Current(); cfg != nil {
		return cfg.HasSource(source)
	}
	return false
}

func (r routerProxy) StaticSchemaID(source string) uint64 {
	if cfg := r.agent.Current(); cfg != nil {
		return cfg.StaticSchemaID(source)
	}
	return 0
}

func (r routerProxy) Route(source string, row *types.Row) {
	if cfg := r.agent.Current(); cfg != nil {
		cfg.Route(source, row)
	}
}

func listenOn(addr string) (net.Listener, error) {
	if strings.HasPrefix(addr, "/") {
		_ = os.Remove(addr)
		return net.Listen("unix", addr)
	}
	return net.Listen("tcp", addr)
}

func (a *Agent) startListeners() error {
	router := routerProxy{agent: a}

	jsonListener, err := listenOn(a.settings.Ingest.JSONListen)
	if err != nil {
		return fmt.Errorf("json listener on %s: %w", a.settings.Ingest.JSONListen, err)
	}
	a.jsonServer = ingest.NewServer("json", router, a.suppressor, a.logger)
	a.jsonServer.Serve(jsonListener)

	binListener, err := listenOn(a.settings.Ingest.BinaryListen)
	if err != nil {
		return fmt.Errorf("binary listener on %s: %w", a.settings.Ingest.BinaryListen, err)
	}
	a.binServer = ingest.NewServer("binary", router, a.suppressor, a.logger)
	a.binServer.Serve(binListener)

	a.logger.WithFields(logrus.Fields{
		"json":   a.settings.Ingest.JSONListen,
		"binary": a.settings.Ingest.BinaryListen,
	}).Info("Ingest listeners started")
	return nil
}

func (a *Agent) startConfigWatch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(a.settings.Config.Path); err != nil {
		watcher.Close()
		return err
	}
	a.watcher = watcher

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				a.logger.WithField("path", ev.Name).Info("Configuration file changed; reloading")
				if err := a.ReloadFromFile(); err != nil {
					a.logger.WithError(err).Error("Reload failed")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				a.logger.WithError(err).Warn("Config watch error")
			}
		}
	}()
	return nil
}

// ReloadFromFile re-activates the local configuration file.
func (a *Agent) ReloadFromFile() error {
	data, err := os.ReadFile(a.settings.Config.Path)
	if err != nil {
		return err
	}
	return a.Activate(data, false)
}

func (a *Agent) startCommandPolling() error {
	blob, err := a.runtime.Helper.Blob(a.settings.Config.CommandSAS)
	if err != nil {
		return err
	}

	a.mu.Lock()
	ident := a.cmdIdent
	a.mu.Unlock()
	a.cmdSource = command.NewSource(blob, ident, a.logger)

	// The event-hub command blob is read once at startup.
	ctx, cancel := context.WithTimeout(a.ctx, time.Minute)
	creds, err := a.cmdSource.FetchEventHubCommand(ctx, a.settings.Config.EventHubCmdSuffix)
	cancel()
	if err != nil {
		a.logger.WithError(err).Warn("Event hub command blob unavailable")
	}
	for _, cred := range creds {
		if err := a.runtime.EventHubs.SetSasKey(cred.Moniker, cred.SasKey); err != nil {
			a.logger.WithError(err).WithField("moniker", cred.Moniker).Error("Failed to install event hub key")
		}
	}

	a.cmdTask = scheduler.New("command-poll", a.settings.Config.CommandInterval.D(), scheduler.Hooks{
		Execute: func(types.TimeValue) { a.pollCommand() },
	}, a.logger)
	a.cmdTask.Start()
	return nil
}

// pollCommand runs one update check against the command container.
func (a *Agent) pollCommand() {
	a.mu.Lock()
	lastLMT, lastMD5 := a.lastLMT, a.lastMD5
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(a.ctx, 2*time.Minute)
	defer cancel()

	update, err := a.cmdSource.CheckForUpdate(ctx, lastLMT, lastMD5)
	if err != nil {
		a.logger.WithError(err).Warn("Command blob check failed")
		metrics.RecordError("command", "check")
		return
	}
	if update == nil {
		return
	}

	a.mu.Lock()
	a.lastLMT = update.LMT
	a.mu.Unlock()

	if err := a.Activate(update.XML, false); err != nil {
		a.logger.WithError(err).Error("Remote configuration rejected")
	}
}

// Stop tears the agent down: listeners first so no new rows arrive,
// then the configuration and its batches, then the shared services.
func (a *Agent) Stop() {
	a.cancel()

	if a.cmdTask != nil {
		a.cmdTask.Cancel()
		a.cmdTask.Wait()
	}
	if a.watcher != nil {
		a.watcher.Close()
	}
	if a.jsonServer != nil {
		a.jsonServer.Stop()
	}
	if a.binServer != nil {
		a.binServer.Stop()
	}
	if a.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.httpServer.Shutdown(shutdownCtx)
		cancel()
	}
	if a.suppressor != nil {
		a.suppressor.Stop()
	}

	if cfg := a.Current(); cfg != nil {
		// Shutdown takes the flush immediately; no grace needed since
		// the process is exiting.
		cfg.BeginShutdown(0, nil)
	}
	a.runtime.EventHubs.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = a.tracer.Shutdown(shutdownCtx)
	cancel()

	a.wg.Wait()
	a.logger.Info("Agent stopped")
}
