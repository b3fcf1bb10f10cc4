// Package config loads the data-layer configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" or "500ms" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}

	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DatabaseConfig configures the connection manager.
type DatabaseConfig struct {
	// URL is the Postgres connection string. Required; initialization fails
	// fatally when unset.
	URL string `yaml:"url"`

	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  Duration `yaml:"connect_timeout"`

	HealthCheckInterval  Duration `yaml:"health_check_interval"`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts"`
	ReconnectBaseDelay   Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    Duration `yaml:"reconnect_max_delay"`

	// MigrationsPath points at a directory of golang-migrate files. Empty
	// disables migrations.
	MigrationsPath string `yaml:"migrations_path"`

	// Verbose enables per-acquire debug logging.
	Verbose bool `yaml:"verbose"`
}

// BreakerConfig holds defaults for circuit breakers created by the registry.
type BreakerConfig struct {
	Threshold   int      `yaml:"threshold"`
	Timeout     Duration `yaml:"timeout"`
	ErrorWindow Duration `yaml:"error_window"`
}

// HealthConfig configures the external-resource health checker.
type HealthConfig struct {
	Interval     Duration `yaml:"interval"`
	ProbeTimeout Duration `yaml:"probe_timeout"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// HTTPConfig configures the ops HTTP listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the root configuration document.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Health   HealthConfig   `yaml:"health"`
	Log      LogConfig      `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			MaxOpenConns:         25,
			MaxIdleConns:         10,
			ConnMaxLifetime:      Duration(30 * time.Minute),
			ConnMaxIdleTime:      Duration(5 * time.Minute),
			ConnectTimeout:       Duration(10 * time.Second),
			HealthCheckInterval:  Duration(30 * time.Second),
			MaxReconnectAttempts: 10,
			ReconnectBaseDelay:   Duration(time.Second),
			ReconnectMaxDelay:    Duration(30 * time.Second),
		},
		Breaker: BreakerConfig{
			Threshold:   5,
			Timeout:     Duration(30 * time.Second),
			ErrorWindow: Duration(60 * time.Second),
		},
		Health: HealthConfig{
			Interval:     Duration(30 * time.Second),
			ProbeTimeout: Duration(5 * time.Second),
		},
		Log: LogConfig{
			Level: "info",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
	}
}

// Load reads the configuration file at path on top of the defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault loads the config file if it exists and falls back to the
// defaults (still honoring environment overrides) when it does not. A file
// that exists but fails to parse or validate is an error, not a fallback.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	fallback := Default()
	fallback.applyEnv()
	return fallback, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
}

// Validate checks values that would otherwise fail at a less obvious point.
func (c *Config) Validate() error {
	if c.Database.MaxOpenConns < 0 {
		return errors.New("database.max_open_conns must not be negative")
	}
	if c.Database.MaxIdleConns < 0 {
		return errors.New("database.max_idle_conns must not be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns && c.Database.MaxOpenConns > 0 {
		return errors.New("database.max_idle_conns must not exceed database.max_open_conns")
	}
	if c.Database.MaxReconnectAttempts < 0 {
		return errors.New("database.max_reconnect_attempts must not be negative")
	}
	if c.Breaker.Threshold < 0 {
		return errors.New("breaker.threshold must not be negative")
	}
	return nil
}
