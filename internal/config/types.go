package config

import "time"

// Config represents the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Masking   MaskingConfig   `yaml:"masking" mapstructure:"masking"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	RateLimit RateLimitConfig `yaml:"ratelimit" mapstructure:"ratelimit"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	WebSocket WebSocketConfig `yaml:"websocket" mapstructure:"websocket"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// MaskingConfig contains sanitizer configuration
type MaskingConfig struct {
	Workers         int    `yaml:"workers" mapstructure:"workers"`
	HashKey         string `yaml:"hash_key" mapstructure:"hash_key"`
	IncludeOutcomes bool   `yaml:"include_outcomes" mapstructure:"include_outcomes"`
	MaxRows         int    `yaml:"max_rows" mapstructure:"max_rows"`
}

// StorageConfig selects where sensitivity rules are read from
type StorageConfig struct {
	Driver          string        `yaml:"driver" mapstructure:"driver"` // file, postgres or sqlite
	DSN             string        `yaml:"dsn" mapstructure:"dsn"`
	RulesFile       string        `yaml:"rules_file" mapstructure:"rules_file"`
	Watch           bool          `yaml:"watch" mapstructure:"watch"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout" mapstructure:"query_timeout"`
	AutoMigrate     bool          `yaml:"auto_migrate" mapstructure:"auto_migrate"`
}

// CacheConfig contains the Redis rule cache configuration
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`
	RedisURL     string        `yaml:"redis_url" mapstructure:"redis_url"`
	KeyPrefix    string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	TTL          time.Duration `yaml:"ttl" mapstructure:"ttl"`
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`
	WarmSchedule string        `yaml:"warm_schedule" mapstructure:"warm_schedule"`
	WarmAgents   []string      `yaml:"warm_agents" mapstructure:"warm_agents"`
}

// RateLimitConfig contains per-client request limits
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min" mapstructure:"requests_per_min"`
	Burst          int  `yaml:"burst" mapstructure:"burst"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// MetricsConfig contains Prometheus configuration
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Path      string `yaml:"path" mapstructure:"path"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	Subsystem string `yaml:"subsystem" mapstructure:"subsystem"`
}

// WebSocketConfig contains the audit stream configuration
type WebSocketConfig struct {
	Enabled              bool   `yaml:"enabled" mapstructure:"enabled"`
	Path                 string `yaml:"path" mapstructure:"path"`
	Username             string `yaml:"username" mapstructure:"username"`
	Password             string `yaml:"password" mapstructure:"password"`
	BroadcastSummaries   bool   `yaml:"broadcast_summaries" mapstructure:"broadcast_summaries"`
	BroadcastReloads     bool   `yaml:"broadcast_reloads" mapstructure:"broadcast_reloads"`
	BroadcastConnections bool   `yaml:"broadcast_connections" mapstructure:"broadcast_connections"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodyBytes: 10 << 20,
		},
		Masking: MaskingConfig{
			Workers:         1,
			IncludeOutcomes: true,
			MaxRows:         100000,
		},
		Storage: StorageConfig{
			Driver:          "file",
			RulesFile:       "configs/rules.yaml",
			Watch:           true,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    5 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:   false,
			RedisURL:  "redis://localhost:6379/0",
			KeyPrefix: "sentinel:rules",
			TTL:       60 * time.Second,
			PoolSize:  10,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 600,
			Burst:          50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "sentinel",
			Subsystem: "masking",
		},
		WebSocket: WebSocketConfig{
			Enabled:              true,
			Path:                 "/ws",
			BroadcastSummaries:   true,
			BroadcastReloads:     true,
			BroadcastConnections: true,
		},
	}
	cfg.Logging.File.Path = "logs/sentinel.log"
	return cfg
}
