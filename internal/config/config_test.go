package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shapefabric.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	assert.Equal(t, "shapefabric.db", cfg.Database)
	assert.Equal(t, 10*time.Millisecond, cfg.Runtime.TickInterval.Std())
	assert.Equal(t, 60*time.Second, cfg.Runtime.IdleTimeout.Std())
	assert.Equal(t, 5*time.Second, cfg.Events.Lease.Std())
	assert.Equal(t, 3, cfg.Replicas.Count)
	assert.Equal(t, 2*time.Second, cfg.Replicas.Timeout.Std())
}

func TestLoad_TomlFile(t *testing.T) {
	path := writeConfig(t, `
database = "/var/lib/shapes.db"
log_level = "debug"
metrics_addr = ":9090"

[runtime]
tick_interval = "20ms"
seed = 7

[events]
lease = "30s"

[replicas]
count = 5
in_memory = true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/shapes.db", cfg.Database)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, 20*time.Millisecond, cfg.Runtime.TickInterval.Std())
	assert.Equal(t, int64(7), cfg.Runtime.Seed)
	assert.Equal(t, 30*time.Second, cfg.Events.Lease.Std())
	assert.Equal(t, 5, cfg.Replicas.Count)
	assert.True(t, cfg.Replicas.InMemory)

	// Untouched keys keep their defaults.
	assert.Equal(t, 60*time.Second, cfg.Runtime.IdleTimeout.Std())
	assert.Equal(t, time.Second, cfg.Events.DeliveryTimeout.Std())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
database = "from-file.db"

[runtime]
tick_interval = "20ms"
`)
	t.Setenv("SHAPEFABRIC_DATABASE", "from-env.db")
	t.Setenv("SHAPEFABRIC_TICK_INTERVAL", "50ms")
	t.Setenv("SHAPEFABRIC_REPLICA_COUNT", "1")
	t.Setenv("SHAPEFABRIC_REPLICA_IN_MEMORY", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env.db", cfg.Database)
	assert.Equal(t, 50*time.Millisecond, cfg.Runtime.TickInterval.Std())
	assert.Equal(t, 1, cfg.Replicas.Count)
	assert.True(t, cfg.Replicas.InMemory)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad duration", "[runtime]\ntick_interval = \"soon\"\n"},
		{"zero replicas", "[replicas]\ncount = 0\n"},
		{"negative timeout", "[replicas]\ntimeout = \"-1s\"\n"},
		{"zero lease", "[events]\nlease = \"0s\"\n"},
		{"bad level", "log_level = \"loud\"\n"},
		{"not toml", "database = \n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("SHAPEFABRIC_LEASE", "forever")
	_, err := Load("")
	assert.Error(t, err)
}

func TestDuration_MarshalText(t *testing.T) {
	out, err := Duration(1500 * time.Millisecond).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1.5s", string(out))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}
