package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"mdsagent/internal/tracing"
)

// Duration is a time.Duration that unmarshals from the usual Go
// duration strings ("900s", "5m") in YAML.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or integer seconds.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n int64
	if err := unmarshal(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// D returns the native duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Settings is the agent's bootstrap configuration: everything the
// process needs before (and regardless of) the monitoring XML. Loaded
// once at startup from a YAML file; zero values take defaults.
type Settings struct {
	App struct {
		LogLevel  string `yaml:"log_level"`
		LogFormat string `yaml:"log_format"`
		DataDir   string `yaml:"data_dir"`
	} `yaml:"app"`

	Server struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
	} `yaml:"server"`

	Ingest struct {
		JSONListen   string `yaml:"json_listen"`   // host:port or unix socket path
		BinaryListen string `yaml:"binary_listen"` // host:port or unix socket path
	} `yaml:"ingest"`

	Config struct {
		Path              string        `yaml:"path"`                // local monitoring XML
		ImportDir         string        `yaml:"import_dir"`          // <Imports> search root
		GracePeriod       Duration      `yaml:"grace_period"`        // old-config drain window
		WatchLocalFile    bool          `yaml:"watch_local_file"`    // fsnotify reload trigger
		CommandSAS        string        `yaml:"command_sas"`         // root-container SAS for command blobs
		CommandInterval   Duration      `yaml:"command_interval"`    // update poll cadence
		EventHubCmdSuffix string        `yaml:"eventhub_cmd_suffix"` // MACommandPub<suffix>.xml
	} `yaml:"config"`

	Persist struct {
		Dir  string        `yaml:"dir"`
		Keep Duration `yaml:"keep"`
	} `yaml:"persist"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`

	Tracing tracing.Config `yaml:"tracing"`

	OMI struct {
		SocketPath string `yaml:"socket_path"`
	} `yaml:"omi"`
}

// LoadSettings reads and defaults the bootstrap file. A missing file is
// not an error: the defaults describe a runnable local-only agent.
func LoadSettings(path string) (*Settings, error) {
	s := &Settings{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read settings %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("parse settings %s: %w", path, err)
		}
	}
	s.applyDefaults()
	return s, nil
}

func (s *Settings) applyDefaults() {
	if s.App.LogLevel == "" {
		s.App.LogLevel = "info"
	}
	if s.App.LogFormat == "" {
		s.App.LogFormat = "text"
	}
	if s.App.DataDir == "" {
		s.App.DataDir = "/var/lib/mdsagent"
	}
	if s.Server.Host == "" {
		s.Server.Host = "127.0.0.1"
	}
	if s.Server.Port == 0 {
		s.Server.Port = 9120
	}
	if s.Ingest.JSONListen == "" {
		s.Ingest.JSONListen = "127.0.0.1:29130"
	}
	if s.Ingest.BinaryListen == "" {
		s.Ingest.BinaryListen = "127.0.0.1:29131"
	}
	if s.Config.GracePeriod == 0 {
		s.Config.GracePeriod = Duration(900 * time.Second)
	}
	if s.Config.CommandInterval == 0 {
		s.Config.CommandInterval = Duration(5 * time.Minute)
	}
	if s.Persist.Dir == "" {
		s.Persist.Dir = s.App.DataDir + "/retry"
	}
	if s.Metrics.Path == "" {
		s.Metrics.Path = "/metrics"
	}
	if s.OMI.SocketPath == "" {
		s.OMI.SocketPath = "/var/opt/omi/run/omiserver.sock"
	}
}
