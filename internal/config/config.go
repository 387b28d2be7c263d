package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const envPrefix = "MEMENTO"

var (
	activeMu sync.Mutex
	active   *viper.Viper
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Set defaults
	config := GetDefaults()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/memento/")
	v.AddConfigPath("$HOME/.memento/")

	// Environment variable overrides, e.g. MEMENTO_EMBEDDING_MODEL_PATH
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, reflect.TypeOf(Config{}), "")

	// Use specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	activeMu.Lock()
	active = v
	activeMu.Unlock()

	return config, nil
}

// ConfigFileUsed returns the file the last Load read, if any
func ConfigFileUsed() string {
	activeMu.Lock()
	defer activeMu.Unlock()
	if active == nil {
		return ""
	}
	return active.ConfigFileUsed()
}

// bindEnvs registers every leaf key so AutomaticEnv can override keys that
// appear in neither the defaults nor the config file.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if field.Type.Kind() == reflect.Struct {
			bindEnvs(v, field.Type, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}
	if config.Server.MaxBatchSize <= 0 {
		return fmt.Errorf("server.max_batch_size must be positive")
	}

	if config.Embedding.Backend != "onnx" && config.Embedding.Backend != "null" {
		return fmt.Errorf("invalid embedding backend: %s (must be onnx or null)", config.Embedding.Backend)
	}
	if config.Embedding.IntraOpThreads < 0 {
		return fmt.Errorf("embedding.intra_op_threads must not be negative")
	}

	switch config.Cache.Type {
	case "none":
	case "memory":
		if config.Cache.Capacity <= 0 {
			return fmt.Errorf("cache.capacity must be positive for memory cache")
		}
	case "redis":
		if config.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url is required for redis cache")
		}
	default:
		return fmt.Errorf("invalid cache type: %s (must be none, memory, or redis)", config.Cache.Type)
	}

	if config.Store.Enabled && config.Store.DatabaseURL == "" {
		return fmt.Errorf("store.database_url is required when the store is enabled")
	}

	if config.RateLimit.Enabled && (config.RateLimit.RequestsPerSecond <= 0 || config.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit.requests_per_second and rate_limit.burst must be positive")
	}

	if config.ETL.BatchSize <= 0 {
		return fmt.Errorf("etl.batch_size must be positive")
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}

// Watch starts watching the configuration file loaded by Load. callback
// receives each valid new configuration; onError receives reload failures.
func Watch(callback func(*Config), onError func(error)) error {
	activeMu.Lock()
	v := active
	activeMu.Unlock()

	if v == nil {
		return fmt.Errorf("config not loaded")
	}
	if v.ConfigFileUsed() == "" {
		return fmt.Errorf("no config file to watch")
	}

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

	return nil
}
