// Package config loads engine configuration from TOML.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the full engine configuration.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Store    StoreConfig    `toml:"store"`
	Observer ObserverConfig `toml:"observer"`
}

// EngineConfig bounds the agent loop.
type EngineConfig struct {
	MaxIterations        int `toml:"max_iterations"`
	MaxConsecutiveErrors int `toml:"max_consecutive_errors"`
	// ResponseTimeoutSeconds bounds human-in-the-loop waits.
	ResponseTimeoutSeconds int `toml:"response_timeout_seconds"`
}

// StoreConfig selects the thread store backend.
type StoreConfig struct {
	// Backend is one of "fs", "sqlite", "postgres".
	Backend string `toml:"backend"`
	// Path is the data directory (fs) or database file (sqlite).
	Path string `toml:"path"`
	// DSN is the Postgres connection string.
	DSN string `toml:"dsn"`
}

// ObserverConfig controls OTEL export.
type ObserverConfig struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	ServiceName string `toml:"service_name"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			MaxIterations:          10,
			MaxConsecutiveErrors:   3,
			ResponseTimeoutSeconds: 300,
		},
		Store: StoreConfig{
			Backend: "fs",
			Path:    "data",
		},
		Observer: ObserverConfig{
			ServiceName: "relay",
		},
	}
}

// Load reads a TOML config file, layering it over defaults. A missing file
// is not an error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case "fs", "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store backend %q requires path", c.Store.Backend)
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store backend postgres requires dsn")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Engine.MaxIterations < 1 {
		return fmt.Errorf("engine.max_iterations must be >= 1")
	}
	if c.Engine.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("engine.max_consecutive_errors must be >= 1")
	}
	if c.Observer.Enabled && c.Observer.Endpoint == "" {
		return fmt.Errorf("observer.enabled requires endpoint")
	}
	return nil
}
