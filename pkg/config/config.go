// Package config loads warden configuration: the TOML daemon config with its
// declarative worker list, and the YAML policy table mapping event kinds to
// approval requirements.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file omits a value.
const (
	DefaultHealthCheckInterval = 60 * time.Second
	DefaultHeartbeatTimeout    = 3 * time.Minute
	DefaultRestartCapPerHour   = 3
	DefaultPollInterval        = 5 * time.Minute
	DefaultCPUCeilingPercent   = 80.0
	DefaultLedgerRetention     = 24 * time.Hour
	DefaultAuditRetentionDays  = 90
)

// Config is the warden.toml structure.
type Config struct {
	Supervisor SupervisorConfig `toml:"supervisor"`
	Workers    []WorkerSpec     `toml:"workers"`
}

// SupervisorConfig holds daemon-wide tunables.
type SupervisorConfig struct {
	HealthCheckInterval Duration `toml:"health_check_interval"`
	LedgerRetention     Duration `toml:"ledger_retention"`
	AuditRetentionDays  int      `toml:"audit_retention_days"`
	CPUCeilingPercent   float64  `toml:"cpu_ceiling_percent"`
}

// WorkerSpec declares one detector worker.
type WorkerSpec struct {
	Name              string   `toml:"name"`
	Enabled           bool     `toml:"enabled"`
	Command           string   `toml:"command"`
	Args              []string `toml:"args"`
	CheckInterval     Duration `toml:"check_interval"`      // heartbeat staleness threshold
	PollInterval      Duration `toml:"poll_interval"`       // how often the detector polls its source
	RestartCapPerHour int      `toml:"restart_cap_per_hour"`
}

// Duration wraps time.Duration so config values can be written as "90s" or
// "5m" in both TOML and YAML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler (used by go-toml).
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler (used by yaml.v3).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	return d.UnmarshalText([]byte(raw))
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads and parses warden.toml at path, applying defaults for omitted
// values and validating the worker list.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // config path is operator-controlled
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses TOML config bytes, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Supervisor.HealthCheckInterval == 0 {
		cfg.Supervisor.HealthCheckInterval = Duration(DefaultHealthCheckInterval)
	}
	if cfg.Supervisor.LedgerRetention == 0 {
		cfg.Supervisor.LedgerRetention = Duration(DefaultLedgerRetention)
	}
	if cfg.Supervisor.AuditRetentionDays == 0 {
		cfg.Supervisor.AuditRetentionDays = DefaultAuditRetentionDays
	}
	if cfg.Supervisor.CPUCeilingPercent == 0 {
		cfg.Supervisor.CPUCeilingPercent = DefaultCPUCeilingPercent
	}

	seen := make(map[string]struct{}, len(cfg.Workers))
	for i := range cfg.Workers {
		w := &cfg.Workers[i]
		if w.Name == "" {
			return nil, fmt.Errorf("worker %d: name is required", i)
		}
		if _, dup := seen[w.Name]; dup {
			return nil, fmt.Errorf("duplicate worker name %q", w.Name)
		}
		seen[w.Name] = struct{}{}
		if w.Command == "" {
			return nil, fmt.Errorf("worker %s: command is required", w.Name)
		}
		if w.CheckInterval == 0 {
			w.CheckInterval = Duration(DefaultHeartbeatTimeout)
		}
		if w.PollInterval == 0 {
			w.PollInterval = Duration(DefaultPollInterval)
		}
		if w.RestartCapPerHour == 0 {
			w.RestartCapPerHour = DefaultRestartCapPerHour
		}
	}

	return &cfg, nil
}

// Worker returns the spec for the named worker, or nil if not declared.
func (c *Config) Worker(name string) *WorkerSpec {
	for i := range c.Workers {
		if c.Workers[i].Name == name {
			return &c.Workers[i]
		}
	}
	return nil
}
