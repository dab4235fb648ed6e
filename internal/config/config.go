// Package config provides configuration loading, validation, and hot-reload
// for the SafeSwitch daemon.
//
// Configuration file: /etc/safeswitch/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Only the log level is applied to the running daemon; other fields are
//     re-validated but take effect only after a restart.
//   - Destructive changes (socket paths, state dir, node id) require restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The daemon does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (quorum fraction in (0, 1], retention > 0).
//   - File paths must be absolute.
//   - Invalid config on startup: daemon refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for safeswitchd. All fields
// have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this host in fleet proposals and ledger entries.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	API        APIConfig        `yaml:"api"`
	State      StateConfig      `yaml:"state"`
	Activation ActivationConfig `yaml:"activation"`
	Watch      WatchConfig      `yaml:"watch"`
	Fleet      FleetConfig      `yaml:"fleet"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Mesh       MeshConfig       `yaml:"mesh"`

	Observability ObservabilityConfig `yaml:"observability"`
}

// APIConfig holds the Unix-socket HTTP API listener's parameters.
type APIConfig struct {
	// SocketPath is the Unix domain socket path safeswitchctl connects to.
	// Permissions: 0600, owned by root. Default: /run/safeswitch/api.sock.
	SocketPath string `yaml:"socket_path"`
}

// StateConfig holds the persisted-entity root directory parameters.
type StateConfig struct {
	// Dir is the root directory holding switches/, watchers/, and fleet/
	// subdirectories of per-entity JSON files.
	// Default: /var/lib/safeswitch.
	Dir string `yaml:"dir"`

	// RetainTerminal is the number of terminal SwitchSessions kept per
	// host before older ones are evicted. Default: 64.
	RetainTerminal int `yaml:"retain_terminal"`
}

// ActivationConfig holds the Activator's parameters.
type ActivationConfig struct {
	// Program is the absolute path to the activator executable invoked to
	// switch or roll back a configuration. Default: /run/current-system/sw/bin/switch-to-configuration.
	Program string `yaml:"program"`

	// GateDepth is validated but not read by the daemon: activator.Gate
	// always admits one activation in flight and one queued caller.
	// Default: 1.
	GateDepth int `yaml:"gate_depth"`

	// Timeout is validated but not read by the daemon: activate/rollback
	// invocations run without a time bound. Default: 120s.
	Timeout time.Duration `yaml:"timeout"`
}

// WatchConfig holds Watcher Engine defaults.
type WatchConfig struct {
	// MinIntervalSecs is validated but not read by the daemon: the Watcher
	// Engine accepts any positive interval_secs. Default: 5.
	MinIntervalSecs int `yaml:"min_interval_secs"`

	// ActionBudget is validated but not read by the daemon: the Watcher
	// Engine gives each remediation action its own fixed 30s budget.
	// Default: 30s.
	ActionBudget time.Duration `yaml:"action_budget"`
}

// FleetConfig holds Fleet Coordinator defaults.
type FleetConfig struct {
	// DefaultQuorumFraction is validated but not read by the daemon: a
	// propose request without quorum_percent uses the API's own default of
	// 51 percent. Default: 0.6.
	DefaultQuorumFraction float64 `yaml:"default_quorum_fraction"`

	// DefaultTimeoutSecs is validated but not read by the daemon: a propose
	// request's timeout_secs is passed to the Fleet Coordinator unchanged.
	// Default: 300.
	DefaultTimeoutSecs int `yaml:"default_timeout_secs"`
}

// LedgerConfig holds the audit ledger client's parameters.
type LedgerConfig struct {
	// SocketPath is agentd's ledger ingestion socket.
	// Default: /run/osmoda/ledger.sock.
	SocketPath string `yaml:"socket_path"`
}

// MeshConfig holds the peer mesh transport's parameters.
type MeshConfig struct {
	// SocketPath is the local mesh daemon's socket, used to send fleet
	// coordination envelopes to other hosts. Default: /run/osmoda/mesh.sock.
	SocketPath string `yaml:"socket_path"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9092.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		API: APIConfig{
			SocketPath: "/run/safeswitch/api.sock",
		},
		State: StateConfig{
			Dir:            "/var/lib/safeswitch",
			RetainTerminal: 64,
		},
		Activation: ActivationConfig{
			Program:   "/run/current-system/sw/bin/switch-to-configuration",
			GateDepth: 1,
			Timeout:   120 * time.Second,
		},
		Watch: WatchConfig{
			MinIntervalSecs: 5,
			ActionBudget:    30 * time.Second,
		},
		Fleet: FleetConfig{
			DefaultQuorumFraction: 0.6,
			DefaultTimeoutSecs:    300,
		},
		Ledger: LedgerConfig{
			SocketPath: "/run/osmoda/ledger.sock",
		},
		Mesh: MeshConfig{
			SocketPath: "/run/osmoda/mesh.sock",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9092",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path. Returns the
// merged config (defaults overridden by file values). Returns an error if
// the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness. Returns a descriptive
// error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if !filepath.IsAbs(cfg.API.SocketPath) {
		errs = append(errs, fmt.Sprintf("api.socket_path must be absolute, got %q", cfg.API.SocketPath))
	}
	if !filepath.IsAbs(cfg.State.Dir) {
		errs = append(errs, fmt.Sprintf("state.dir must be absolute, got %q", cfg.State.Dir))
	}
	if cfg.State.RetainTerminal < 1 {
		errs = append(errs, fmt.Sprintf("state.retain_terminal must be >= 1, got %d", cfg.State.RetainTerminal))
	}
	if !filepath.IsAbs(cfg.Activation.Program) {
		errs = append(errs, fmt.Sprintf("activation.program must be absolute, got %q", cfg.Activation.Program))
	}
	if cfg.Activation.GateDepth < 1 {
		errs = append(errs, fmt.Sprintf("activation.gate_depth must be >= 1, got %d", cfg.Activation.GateDepth))
	}
	if cfg.Activation.Timeout < time.Second {
		errs = append(errs, fmt.Sprintf("activation.timeout must be >= 1s, got %s", cfg.Activation.Timeout))
	}
	if cfg.Watch.MinIntervalSecs < 1 {
		errs = append(errs, fmt.Sprintf("watch.min_interval_secs must be >= 1, got %d", cfg.Watch.MinIntervalSecs))
	}
	if cfg.Watch.ActionBudget < time.Second {
		errs = append(errs, fmt.Sprintf("watch.action_budget must be >= 1s, got %s", cfg.Watch.ActionBudget))
	}
	if cfg.Fleet.DefaultQuorumFraction <= 0.0 || cfg.Fleet.DefaultQuorumFraction > 1.0 {
		errs = append(errs, fmt.Sprintf("fleet.default_quorum_fraction must be in (0.0, 1.0], got %f", cfg.Fleet.DefaultQuorumFraction))
	}
	if cfg.Fleet.DefaultTimeoutSecs < 10 {
		errs = append(errs, fmt.Sprintf("fleet.default_timeout_secs must be >= 10, got %d", cfg.Fleet.DefaultTimeoutSecs))
	}
	if !filepath.IsAbs(cfg.Ledger.SocketPath) {
		errs = append(errs, fmt.Sprintf("ledger.socket_path must be absolute, got %q", cfg.Ledger.SocketPath))
	}
	if !filepath.IsAbs(cfg.Mesh.SocketPath) {
		errs = append(errs, fmt.Sprintf("mesh.socket_path must be absolute, got %q", cfg.Mesh.SocketPath))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
