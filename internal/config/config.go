// Package config loads animus settings from a YAML file, ANIMUS_ prefixed
// environment variables and built-in defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. ANIMUS_STORE_PATH
const EnvPrefix = "ANIMUS"

// Config holds all runtime settings
type Config struct {
	Store        StoreConfig        `mapstructure:"store"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Data         DataConfig         `mapstructure:"data"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	History      HistoryConfig      `mapstructure:"history"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// StoreConfig locates the task store
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// RegistryConfig locates the tool descriptor tree
type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

// DataConfig locates the owner scoped data tree
type DataConfig struct {
	Path string `mapstructure:"path"`
}

// OrchestratorConfig bounds task execution. Zero means no limit.
type OrchestratorConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// HistoryConfig controls execution history recording and retention
type HistoryConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	DBPath          string        `mapstructure:"db_path"`
	Retention       time.Duration `mapstructure:"retention"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
}

// NATSConfig controls the optional event mirror and task intake
type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// MetricsConfig controls the metrics collector
type MetricsConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// LoggingConfig controls the zap logger
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration. An explicit file must exist; otherwise
// config.yaml is searched in ./config and the working directory.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail late
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Orchestrator.MaxConcurrent < 0 {
		return fmt.Errorf("orchestrator.max_concurrent must not be negative")
	}
	if c.History.Enabled && c.History.DBPath == "" {
		return fmt.Errorf("history.db_path is required when history is enabled")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.path", "./tasks")
	v.SetDefault("registry.path", "./registry")
	v.SetDefault("data.path", "./data")
	v.SetDefault("orchestrator.max_concurrent", 0)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.db_path", "./animus_history.db")
	v.SetDefault("history.retention", 7*24*time.Hour)
	v.SetDefault("history.cleanup_schedule", "0 0 3 * * *")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("metrics.interval", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", true)
}
