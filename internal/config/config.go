package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	return load(viper.GetViper(), configPath)
}

func load(v *viper.Viper, configPath string) (*Config, error) {
	// Set defaults
	config := GetDefaults()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/result-sentinel/")
	v.AddConfigPath("$HOME/.result-sentinel/")

	// Environment variable overrides, e.g. SENTINEL_STORAGE_DSN
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// bindEnvKeys registers the keys most often set from the environment so that
// Unmarshal sees them even when the config file omits them.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"server.port",
		"storage.driver",
		"storage.dsn",
		"storage.rules_file",
		"cache.enabled",
		"cache.redis_url",
		"masking.hash_key",
		"masking.workers",
		"logging.level",
		"logging.format",
		"websocket.username",
		"websocket.password",
	} {
		_ = v.BindEnv(key)
	}
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	switch config.Storage.Driver {
	case "file":
		if config.Storage.RulesFile == "" {
			return fmt.Errorf("storage.rules_file is required for the file driver")
		}
	case "postgres", "sqlite":
		if config.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the %s driver", config.Storage.Driver)
		}
	default:
		return fmt.Errorf("invalid storage driver: %s (must be file, postgres, or sqlite)", config.Storage.Driver)
	}

	if config.Masking.Workers < 1 {
		return fmt.Errorf("invalid masking workers: %d (must be at least 1)", config.Masking.Workers)
	}

	if config.Masking.MaxRows < 0 {
		return fmt.Errorf("invalid masking max_rows: %d", config.Masking.MaxRows)
	}

	if config.Cache.Enabled {
		if config.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url is required when the cache is enabled")
		}
		if config.Cache.TTL <= 0 {
			return fmt.Errorf("invalid cache ttl: %s", config.Cache.TTL)
		}
	}

	if config.RateLimit.Enabled && config.RateLimit.RequestsPerMin <= 0 {
		return fmt.Errorf("invalid rate limit: %d requests per minute", config.RateLimit.RequestsPerMin)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if config.WebSocket.Enabled && (config.WebSocket.Username == "") != (config.WebSocket.Password == "") {
		return fmt.Errorf("websocket username and password must be set together")
	}

	return nil
}

// Watch starts watching the configuration file for changes. Invalid updates
// are passed to onError and otherwise ignored.
func Watch(callback func(*Config), onError func(error)) {
	v := viper.GetViper()
	v.OnConfigChange(func(e fsnotify.Event) {
		newConfig := GetDefaults()
		if err := v.Unmarshal(newConfig); err != nil {
			if onError != nil {
				onError(fmt.Errorf("failed to unmarshal %s: %w", e.Name, err))
			}
			return
		}

		if err := validateConfig(newConfig); err != nil {
			if onError != nil {
				onError(fmt.Errorf("invalid configuration in %s: %w", e.Name, err))
			}
			return
		}

		callback(newConfig)
	})
	v.WatchConfig()
}
