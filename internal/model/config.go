package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// APIConfig holds connection settings for the leadbox backend.
type APIConfig struct {
	// BaseURL is the root URL of the backend API.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// TimeoutSec bounds each request; streaming connections are exempt.
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

// SyncConfig holds pull-synchronization settings.
type SyncConfig struct {
	// PollIntervalSec is how often (in seconds) to run a silent sync.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`

	// MaxResults caps the number of items requested per sync.
	MaxResults int `mapstructure:"max_results" yaml:"max_results"`

	// TopicName is the Pub/Sub topic passed to the watch registration.
	TopicName string `mapstructure:"topic_name" yaml:"topic_name"`
}

// AuthConfig holds settings for the local OAuth callback listener.
type AuthConfig struct {
	// CallbackAddr is the listen address for the provider redirect.
	CallbackAddr string `mapstructure:"callback_addr" yaml:"callback_addr"`
}

// StatusConfig holds settings for transient status messages.
type StatusConfig struct {
	// TTLSec is how long a status message stays current before expiring.
	TTLSec int `mapstructure:"ttl_sec" yaml:"ttl_sec"`
}

// CacheConfig holds settings for the local cache database.
type CacheConfig struct {
	// Path is the SQLite database file location.
	Path string `mapstructure:"path" yaml:"path"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	API    APIConfig    `mapstructure:"api" yaml:"api"`
	Sync   SyncConfig   `mapstructure:"sync" yaml:"sync"`
	Auth   AuthConfig   `mapstructure:"auth" yaml:"auth"`
	Status StatusConfig `mapstructure:"status" yaml:"status"`
	Cache  CacheConfig  `mapstructure:"cache" yaml:"cache"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/leadbox/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "leadbox", "config.yaml")
}

// DefaultCachePath returns the default SQLite database path, located at
// ~/.config/leadbox/cache.db.
func DefaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "cache.db")
	}
	return filepath.Join(home, ".config", "leadbox", "cache.db")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		API: APIConfig{
			BaseURL:    "http://localhost:8000",
			TimeoutSec: 30,
		},
		Sync: SyncConfig{
			PollIntervalSec: 120,
			MaxResults:      10,
			TopicName:       "projects/jaano-gmail/topics/gmail-notifications",
		},
		Auth: AuthConfig{
			CallbackAddr: "localhost:3000",
		},
		Status: StatusConfig{
			TTLSec: 5,
		},
		Cache: CacheConfig{
			Path: DefaultCachePath(),
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.timeout_sec", 30)
	v.SetDefault("sync.poll_interval_sec", 120)
	v.SetDefault("sync.max_results", 10)
	v.SetDefault("sync.topic_name", "projects/jaano-gmail/topics/gmail-notifications")
	v.SetDefault("auth.callback_addr", "localhost:3000")
	v.SetDefault("status.ttl_sec", 5)
	v.SetDefault("cache.path", DefaultCachePath())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Sync.PollIntervalSec <= 0 {
		cfg.Sync.PollIntervalSec = 120
	}
	if cfg.Sync.MaxResults <= 0 {
		cfg.Sync.MaxResults = 10
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("api", cfg.API)
	v.Set("sync", cfg.Sync)
	v.Set("auth", cfg.Auth)
	v.Set("status", cfg.Status)
	v.Set("cache", cfg.Cache)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
