package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Engine.MaxIterations != 10 {
		t.Errorf("MaxIterations = %d", cfg.Engine.MaxIterations)
	}
	if cfg.Store.Backend != "fs" {
		t.Errorf("Backend = %q", cfg.Store.Backend)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.MaxIterations != 10 {
		t.Errorf("MaxIterations = %d", cfg.Engine.MaxIterations)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")
	content := `
[engine]
max_iterations = 5
max_consecutive_errors = 2
response_timeout_seconds = 60

[store]
backend = "sqlite"
path = "relay.db"

[observer]
enabled = true
endpoint = "http://localhost:4318"
service_name = "relay-test"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.MaxIterations != 5 || cfg.Engine.MaxConsecutiveErrors != 2 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.Path != "relay.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if !cfg.Observer.Enabled || cfg.Observer.ServiceName != "relay-test" {
		t.Errorf("observer = %+v", cfg.Observer)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "redis" }},
		{"sqlite without path", func(c *Config) { c.Store.Backend = "sqlite"; c.Store.Path = "" }},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = "postgres" }},
		{"zero iterations", func(c *Config) { c.Engine.MaxIterations = 0 }},
		{"zero error budget", func(c *Config) { c.Engine.MaxConsecutiveErrors = 0 }},
		{"observer without endpoint", func(c *Config) { c.Observer.Enabled = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}
