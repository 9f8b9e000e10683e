package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"mdsagent/internal/app"
	"mdsagent/internal/config"
	"mdsagent/internal/eventhub"
	"mdsagent/internal/omi"
	"mdsagent/internal/store"
)

func main() {
	settingsPath := flag.String("settings", "/etc/mdsagent/settings.yaml", "bootstrap settings file")
	configPath := flag.String("config", "", "monitoring configuration XML (overrides settings)")
	flag.Parse()

	settings, err := config.LoadSettings(*settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mdsagent: %v\n", err)
		os.Exit(1)
	}
	if *configPath != "" {
		settings.Config.Path = *configPath
	}

	logger := newLogger(settings)

	agent, err := app.New(app.Options{
		Settings:  settings,
		Logger:    logger,
		Clients:   storageClients{},
		Publisher: eventhub.NewKafkaPublisherFactory(logger),
		OMI:       omiConnector(settings, logger),
	})
	if err != nil {
		logger.WithError(err).Fatal("Agent construction failed")
	}
	if err := agent.Start(); err != nil {
		logger.WithError(err).Fatal("Agent startup failed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			logger.Info("SIGHUP received; reloading configuration")
			if err := agent.ReloadFromFile(); err != nil {
				logger.WithError(err).Error("Reload failed")
			}
			continue
		}
		logger.WithField("signal", sig.String()).Info("Shutting down")
		break
	}
	agent.Stop()
}

func newLogger(settings *config.Settings) *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(settings.App.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if settings.App.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// storageClients is the seam where the table/blob HTTP client library
// plugs in; the binary links whatever implementation the deployment
// ships. Without one, remote destinations fail sink construction with
// a clear error and local destinations keep working.
type storageClients struct{}

func (storageClients) Table(string) (store.TableClient, error) {
	return nil, fmt.Errorf("no table storage client linked into this build")
}

func (storageClients) Blob(string) (store.BlobClient, error) {
	return nil, fmt.Errorf("no blob storage client linked into this build")
}

// omiConnector dials the local OMI server socket. The wire client is
// likewise externally provided; absent one, OMI queries back off and
// give up per policy.
func omiConnector(settings *config.Settings, logger *logrus.Logger) omi.Connector {
	return func() (omi.Client, error) {
		return nil, fmt.Errorf("no OMI client linked into this build (socket %s)", settings.OMI.SocketPath)
	}
}
