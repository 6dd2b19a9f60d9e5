// Package config loads the service configuration from a TOML or YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Store     StoreConfig     `toml:"store" yaml:"store"`
	Surface   SurfaceConfig   `toml:"surface" yaml:"surface"`
	Bus       BusConfig       `toml:"bus" yaml:"bus"`
	RPC       RPCConfig       `toml:"rpc" yaml:"rpc"`
	Actions   ActionsConfig   `toml:"actions" yaml:"actions"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
	Shutdown  ShutdownConfig  `toml:"shutdown" yaml:"shutdown"`
	Log       LogConfig       `toml:"log" yaml:"log"`
}

// StoreConfig selects and configures the task store.
type StoreConfig struct {
	// Driver is one of sqlite, postgres, nats, memory.
	Driver string `toml:"driver" yaml:"driver"`

	// Path is the SQLite database file.
	Path string `toml:"path" yaml:"path"`

	// DSN is the Postgres connection string. A password from credentials
	// is added when the DSN has none.
	DSN string `toml:"dsn" yaml:"dsn"`

	// Bucket is the JetStream KV bucket for the nats driver.
	Bucket string `toml:"bucket" yaml:"bucket"`
}

// SurfaceConfig configures how messages reach the chat surface.
type SurfaceConfig struct {
	// Mode is memory (in-process, for local runs) or bus (a gateway
	// process answers surface requests over the bus).
	Mode string `toml:"mode" yaml:"mode"`

	// Timeout bounds each surface call.
	Timeout time.Duration `toml:"timeout" yaml:"timeout"`

	// Rate is the number of surface calls allowed per BurstWindow.
	// Zero disables pacing.
	Rate int `toml:"rate" yaml:"rate"`

	BurstWindow time.Duration `toml:"burst_window" yaml:"burst_window"`

	// Shared makes replicas share throttling signals over the bus.
	Shared bool `toml:"shared" yaml:"shared"`

	// SubjectPrefix prefixes every bus subject of the deployment.
	SubjectPrefix string `toml:"subject_prefix" yaml:"subject_prefix"`
}

// BusConfig selects the message bus.
type BusConfig struct {
	// Driver is memory or nats.
	Driver string `toml:"driver" yaml:"driver"`
	URL    string `toml:"url" yaml:"url"`
	Name   string `toml:"name" yaml:"name"`
}

// RPCConfig configures the JSON-RPC WebSocket endpoint. An empty Listen
// disables it.
type RPCConfig struct {
	Listen string `toml:"listen" yaml:"listen"`
	Path   string `toml:"path" yaml:"path"`
}

// ActionsConfig configures the action event listener.
type ActionsConfig struct {
	// Subject defaults to "<subject_prefix>.actions".
	Subject string `toml:"subject" yaml:"subject"`
	Queue   string `toml:"queue" yaml:"queue"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled" yaml:"enabled"`
	Endpoint string `toml:"endpoint" yaml:"endpoint"`

	// Protocol is grpc or http.
	Protocol string `toml:"protocol" yaml:"protocol"`
	Insecure bool   `toml:"insecure" yaml:"insecure"`

	// SampleRatio keeps this share of root traces. Zero keeps all.
	SampleRatio float64 `toml:"sample_ratio" yaml:"sample_ratio"`

	// Events is the endpoint for lifecycle events: a file path or an
	// http(s) URL. Empty disables events.
	Events string `toml:"events" yaml:"events"`
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	Timeout time.Duration `toml:"timeout" yaml:"timeout"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
}

// Default returns a configuration that runs everything in one process on
// a local SQLite file.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "taskboard.db",
			Bucket: "taskboard",
		},
		Surface: SurfaceConfig{
			Mode:          "memory",
			Timeout:       10 * time.Second,
			Rate:          5,
			BurstWindow:   time.Second,
			SubjectPrefix: "taskboard",
		},
		Bus: BusConfig{
			Driver: "memory",
			URL:    "nats://127.0.0.1:4222",
			Name:   "taskboard",
		},
		RPC: RPCConfig{
			Listen: "127.0.0.1:8750",
			Path:   "/rpc",
		},
		Actions: ActionsConfig{
			Queue: "taskboard",
		},
		Telemetry: TelemetryConfig{
			Protocol: "grpc",
		},
		Shutdown: ShutdownConfig{
			Timeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults. The format follows the extension:
// .toml, or .yaml/.yml.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		return ParseTOML(string(content))
	case ".yaml", ".yml":
		return ParseYAML(content)
	default:
		return nil, fmt.Errorf("unsupported config format %q (use .toml, .yaml or .yml)", ext)
	}
}

// ParseTOML parses TOML content over the defaults and validates it.
func ParseTOML(content string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(content, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	return cfg, cfg.Validate()
}

// ParseYAML parses YAML content over the defaults and validates it.
func ParseYAML(content []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects unknown drivers and non-positive timeouts.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	case "nats":
		if c.Bus.Driver != "nats" {
			return fmt.Errorf("the nats store driver needs bus.driver = \"nats\"")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	switch c.Bus.Driver {
	case "memory", "nats":
	default:
		return fmt.Errorf("unknown bus.driver %q", c.Bus.Driver)
	}

	switch c.Surface.Mode {
	case "memory", "bus":
	default:
		return fmt.Errorf("unknown surface.mode %q", c.Surface.Mode)
	}
	if c.Surface.Timeout <= 0 {
		return fmt.Errorf("surface.timeout must be positive")
	}
	if c.Surface.Rate < 0 {
		return fmt.Errorf("surface.rate must not be negative")
	}
	if c.Surface.Rate > 0 && c.Surface.BurstWindow <= 0 {
		return fmt.Errorf("surface.burst_window must be positive when surface.rate is set")
	}

	if c.Telemetry.Enabled {
		switch c.Telemetry.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("unknown telemetry.protocol %q", c.Telemetry.Protocol)
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}

	if c.Shutdown.Timeout <= 0 {
		return fmt.Errorf("shutdown.timeout must be positive")
	}
	if c.RPC.Listen != "" && !strings.HasPrefix(c.RPC.Path, "/") {
		return fmt.Errorf("rpc.path must start with /")
	}
	return nil
}

// ActionSubject returns the subject action events arrive on.
func (c *Config) ActionSubject() string {
	if c.Actions.Subject != "" {
		return c.Actions.Subject
	}
	return c.Surface.SubjectPrefix + ".actions"
}
