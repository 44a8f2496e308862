// Package config loads shapefabric settings.
//
// Precedence, lowest first: built-in defaults, an optional TOML file,
// SHAPEFABRIC_* environment variables, then command-line flags (applied by
// the CLI).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Duration is a time.Duration written as a string ("10ms", "5s") in TOML
// and in the environment.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full application configuration.
type Config struct {
	Database     string `toml:"database" env:"SHAPEFABRIC_DATABASE"`
	LogLevel     string `toml:"log_level" env:"SHAPEFABRIC_LOG_LEVEL"`
	MetricsAddr  string `toml:"metrics_addr" env:"SHAPEFABRIC_METRICS_ADDR"`
	OTelEndpoint string `toml:"otel_endpoint" env:"SHAPEFABRIC_OTEL_ENDPOINT"`

	Runtime  RuntimeConfig `toml:"runtime"`
	Events   EventsConfig  `toml:"events"`
	Replicas ReplicaConfig `toml:"replicas"`
}

// RuntimeConfig configures the actor runtime.
type RuntimeConfig struct {
	TickInterval  Duration `toml:"tick_interval" env:"SHAPEFABRIC_TICK_INTERVAL"`
	IdleTimeout   Duration `toml:"idle_timeout" env:"SHAPEFABRIC_IDLE_TIMEOUT"`
	SweepInterval Duration `toml:"sweep_interval" env:"SHAPEFABRIC_SWEEP_INTERVAL"`
	Seed          int64    `toml:"seed" env:"SHAPEFABRIC_SEED"`
}

// EventsConfig configures the event publisher.
type EventsConfig struct {
	Lease           Duration `toml:"lease" env:"SHAPEFABRIC_LEASE"`
	DeliveryTimeout Duration `toml:"delivery_timeout" env:"SHAPEFABRIC_DELIVERY_TIMEOUT"`
}

// ReplicaConfig configures the replicated ownership log.
type ReplicaConfig struct {
	Dir      string   `toml:"dir" env:"SHAPEFABRIC_REPLICA_DIR"`
	Count    int      `toml:"count" env:"SHAPEFABRIC_REPLICA_COUNT"`
	InMemory bool     `toml:"in_memory" env:"SHAPEFABRIC_REPLICA_IN_MEMORY"`
	Timeout  Duration `toml:"timeout" env:"SHAPEFABRIC_REPLICA_TIMEOUT"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: "shapefabric.db",
		LogLevel: "info",
		Runtime: RuntimeConfig{
			TickInterval:  Duration(10 * time.Millisecond),
			IdleTimeout:   Duration(60 * time.Second),
			SweepInterval: Duration(10 * time.Second),
		},
		Events: EventsConfig{
			Lease:           Duration(5 * time.Second),
			DeliveryTimeout: Duration(time.Second),
		},
		Replicas: ReplicaConfig{
			Dir:     "replicas",
			Count:   3,
			Timeout: Duration(2 * time.Second),
		},
	}
}

// Load builds the configuration from defaults, the TOML file at path (if
// path is non-empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadToml(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadToml(path string, out *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Database) == "" {
		return errors.New("config missing database")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Replicas.Count <= 0 {
		return fmt.Errorf("replicas.count must be positive, got %d", c.Replicas.Count)
	}
	if !c.Replicas.InMemory && strings.TrimSpace(c.Replicas.Dir) == "" {
		return errors.New("replicas.dir is required unless replicas.in_memory is set")
	}
	if c.Events.Lease <= 0 {
		return errors.New("events.lease must be positive")
	}

	durations := []struct {
		name string
		d    Duration
	}{
		{"runtime.tick_interval", c.Runtime.TickInterval},
		{"runtime.idle_timeout", c.Runtime.IdleTimeout},
		{"runtime.sweep_interval", c.Runtime.SweepInterval},
		{"events.delivery_timeout", c.Events.DeliveryTimeout},
		{"replicas.timeout", c.Replicas.Timeout},
	}
	for _, d := range durations {
		if d.d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", d.name, d.d.Std())
		}
	}
	return nil
}

// ParseLevel maps a log_level setting to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log_level %q", s)
}
