package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, Validate(&cfg))
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	cfg := Defaults()
	cfg.NodeID = "host-1"
	cfg.Observability.LogLevel = "debug"

	path := filepath.Join(t.TempDir(), "config.yaml")
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o640))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "host-1", loaded.NodeID)
	require.Equal(t, "debug", loaded.Observability.LogLevel)
	// Untouched fields still carry their defaults through the merge.
	require.Equal(t, "/var/lib/safeswitch", loaded.State.Dir)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schema_version: \"2\"\n"), 0o640))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateCatchesEachViolation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad schema version", func(c *Config) { c.SchemaVersion = "2" }, "schema_version"},
		{"empty node id", func(c *Config) { c.NodeID = "" }, "node_id"},
		{"relative socket path", func(c *Config) { c.API.SocketPath = "relative/path" }, "api.socket_path"},
		{"relative state dir", func(c *Config) { c.State.Dir = "relative" }, "state.dir"},
		{"zero retain terminal", func(c *Config) { c.State.RetainTerminal = 0 }, "retain_terminal"},
		{"relative activation program", func(c *Config) { c.Activation.Program = "switch-to-configuration" }, "activation.program"},
		{"zero gate depth", func(c *Config) { c.Activation.GateDepth = 0 }, "gate_depth"},
		{"quorum fraction too high", func(c *Config) { c.Fleet.DefaultQuorumFraction = 1.5 }, "quorum_fraction"},
		{"timeout too low", func(c *Config) { c.Fleet.DefaultTimeoutSecs = 1 }, "default_timeout_secs"},
		{"relative ledger socket", func(c *Config) { c.Ledger.SocketPath = "ledger.sock" }, "ledger.socket_path"},
		{"relative mesh socket", func(c *Config) { c.Mesh.SocketPath = "mesh.sock" }, "mesh.socket_path"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			err := Validate(&cfg)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
