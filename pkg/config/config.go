package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete feedmail configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (FEEDMAIL_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// Store Configuration Pattern:
// Each key-value backend has its own section under store (store.badger,
// store.redis, ...) and only the section matching store.type is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains the admin API settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Store selects and configures the key-value backend
	Store StoreConfig `mapstructure:"store" yaml:"store"`

	// Purge tunes the deletion engine and its background workers
	Purge PurgeConfig `mapstructure:"purge" yaml:"purge"`

	// GC configures the orphaned content collector
	GC GCConfig `mapstructure:"gc" yaml:"gc"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ServerConfig contains the admin API settings.
type ServerConfig struct {
	// Host is the interface the API binds (empty for all)
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the API port
	Port int `mapstructure:"port" yaml:"port" validate:"required,min=1,max=65535"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`
}

// StoreConfig specifies the key-value backend.
//
// The Type field determines which backend is used. Only the corresponding
// type-specific section is read.
type StoreConfig struct {
	// Type specifies which backend to use
	// Valid values: memory, badger, redis, s3
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory badger redis s3"`

	// Memory contains in-memory backend options (none today)
	Memory map[string]any `mapstructure:"memory" yaml:"memory"`

	// Badger contains BadgerDB options
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger"`

	// Redis contains Redis options
	// Only used when Type = "redis"
	Redis map[string]any `mapstructure:"redis" yaml:"redis"`

	// S3 contains S3 options
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3" yaml:"s3"`

	// RateLimit throttles every call made to the backend
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig configures the client-side token bucket in front of the store.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained call rate (0 = unlimited)
	RequestsPerSecond uint `mapstructure:"requests_per_second" yaml:"requests_per_second"`

	// Burst is the bucket size (default: RequestsPerSecond)
	Burst uint `mapstructure:"burst" yaml:"burst"`
}

// PurgeConfig tunes the deletion engine.
type PurgeConfig struct {
	// DeleteConcurrency bounds simultaneous deletes in one purge step
	DeleteConcurrency int `mapstructure:"delete_concurrency" yaml:"delete_concurrency" validate:"min=1,max=100"`

	// BulkConcurrency is the sub-batch size of bulk deletes
	BulkConcurrency int `mapstructure:"bulk_concurrency" yaml:"bulk_concurrency" validate:"min=1,max=100"`

	// DefaultPageLimit is the purge step page size when none is requested
	DefaultPageLimit int `mapstructure:"default_page_limit" yaml:"default_page_limit" validate:"min=1,max=1000"`

	// MaxBulkFeeds caps feed ids per bulk request
	MaxBulkFeeds int `mapstructure:"max_bulk_feeds" yaml:"max_bulk_feeds" validate:"min=1"`

	// MaxBulkEmails caps email keys per bulk request
	MaxBulkEmails int `mapstructure:"max_bulk_emails" yaml:"max_bulk_emails" validate:"min=1"`

	// Workers is the number of background purge workers
	Workers int `mapstructure:"workers" yaml:"workers" validate:"min=1"`

	// QueueSize bounds the background purge queue
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size" validate:"min=1"`

	// SweepInterval is how often pending purge markers are re-queued
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval" validate:"gt=0"`

	// PurgeTimeout bounds one background purge run
	PurgeTimeout time.Duration `mapstructure:"purge_timeout" yaml:"purge_timeout" validate:"gt=0"`
}

// GCConfig configures the orphaned content collector.
type GCConfig struct {
	// Enabled turns the periodic scan on
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Interval between scans
	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`

	// DryRun logs orphans without scheduling purges
	DryRun bool `mapstructure:"dry_run" yaml:"dry_run"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns metrics collection and the metrics server on
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the metrics server port
	Port int `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (FEEDMAIL_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// envKeys are bound explicitly: AutomaticEnv alone does not reach keys that
// are missing from the config file during Unmarshal.
var envKeys = []string{
	"logging.level",
	"logging.format",
	"logging.output",
	"server.host",
	"server.port",
	"server.shutdown_timeout",
	"store.type",
	"store.rate_limit.requests_per_second",
	"store.rate_limit.burst",
	"purge.delete_concurrency",
	"purge.bulk_concurrency",
	"purge.default_page_limit",
	"purge.max_bulk_feeds",
	"purge.max_bulk_emails",
	"purge.workers",
	"purge.queue_size",
	"purge.sweep_interval",
	"purge.purge_timeout",
	"gc.enabled",
	"gc.interval",
	"gc.dry_run",
	"metrics.enabled",
	"metrics.port",
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: FEEDMAIL_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("FEEDMAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/feedmail/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		// An explicit path that does not exist is reported by the OS, not viper.
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "feedmail")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "feedmail")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
