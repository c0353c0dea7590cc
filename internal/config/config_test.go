package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := load(viper.New(), path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "file" {
		t.Errorf("driver = %q, want file", cfg.Storage.Driver)
	}
	if cfg.Masking.Workers != 1 {
		t.Errorf("workers = %d, want 1", cfg.Masking.Workers)
	}
	if cfg.Cache.TTL != 60*time.Second {
		t.Errorf("cache ttl = %s, want 60s", cfg.Cache.TTL)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
storage:
  driver: postgres
  dsn: postgres://sentinel@localhost/rules?sslmode=disable
masking:
  workers: 4
  hash_key: s3cret
cache:
  enabled: true
  ttl: 2m
logging:
  level: debug
  format: console
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := load(viper.New(), path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN == "" {
		t.Errorf("unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Masking.Workers != 4 || cfg.Masking.HashKey != "s3cret" {
		t.Errorf("unexpected masking config: %+v", cfg.Masking)
	}
	if !cfg.Cache.Enabled || cfg.Cache.TTL != 2*time.Minute {
		t.Errorf("unexpected cache config: %+v", cfg.Cache)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Setenv("SENTINEL_LOGGING_LEVEL", "warn")
	t.Setenv("SENTINEL_MASKING_HASH_KEY", "from-env")

	cfg, err := load(viper.New(), path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("log level = %q, want warn", cfg.Logging.Level)
	}
	if cfg.Masking.HashKey != "from-env" {
		t.Errorf("hash key = %q, want from-env", cfg.Masking.HashKey)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"file without path", func(c *Config) { c.Storage.RulesFile = "" }},
		{"zero workers", func(c *Config) { c.Masking.Workers = 0 }},
		{"cache without ttl", func(c *Config) { c.Cache.Enabled = true; c.Cache.TTL = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"half websocket credentials", func(c *Config) { c.WebSocket.Username = "admin" }},
	}

	if err := validateConfig(GetDefaults()); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaults()
			tt.mutate(cfg)
			if err := validateConfig(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
