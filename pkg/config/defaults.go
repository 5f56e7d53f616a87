package config

import (
	"strings"
	"time"

	"github.com/marmos91/feedmail/pkg/purge"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Backend-specific defaults are written into the store maps so generated
//     config files show them
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyStoreDefaults(&cfg.Store)
	applyPurgeDefaults(&cfg.Purge)
	applyGCDefaults(&cfg.GC)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}

	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if cfg.Redis == nil {
		cfg.Redis = make(map[string]any)
	}

	if _, ok := cfg.Badger["db_path"]; !ok {
		cfg.Badger["db_path"] = "/var/lib/feedmail/badger"
	}
	if _, ok := cfg.Redis["addr"]; !ok {
		cfg.Redis["addr"] = "localhost:6379"
	}

	// Burst defaults to one second worth of calls
	if cfg.RateLimit.RequestsPerSecond > 0 && cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = cfg.RateLimit.RequestsPerSecond
	}
}

func applyPurgeDefaults(cfg *PurgeConfig) {
	if cfg.DeleteConcurrency == 0 {
		cfg.DeleteConcurrency = purge.DefaultDeleteConcurrency
	}
	if cfg.BulkConcurrency == 0 {
		cfg.BulkConcurrency = purge.DefaultBulkConcurrency
	}
	if cfg.DefaultPageLimit == 0 {
		cfg.DefaultPageLimit = purge.DefaultPageLimit
	}
	if cfg.MaxBulkFeeds == 0 {
		cfg.MaxBulkFeeds = purge.DefaultMaxBulkFeeds
	}
	if cfg.MaxBulkEmails == 0 {
		cfg.MaxBulkEmails = purge.DefaultMaxBulkEmails
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 128
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.PurgeTimeout == 0 {
		cfg.PurgeTimeout = 10 * time.Minute
	}
}

func applyGCDefaults(cfg *GCConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = 24 * time.Hour
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// EngineConfig converts the purge section into the engine's configuration.
func (c *PurgeConfig) EngineConfig() purge.Config {
	return purge.Config{
		DeleteConcurrency: c.DeleteConcurrency,
		BulkConcurrency:   c.BulkConcurrency,
		DefaultPageLimit:  c.DefaultPageLimit,
		MaxBulkFeeds:      c.MaxBulkFeeds,
		MaxBulkEmails:     c.MaxBulkEmails,
	}
}

// SchedulerConfig converts the purge section into the scheduler's configuration.
func (c *PurgeConfig) SchedulerConfig() purge.SchedulerConfig {
	return purge.SchedulerConfig{
		Workers:       c.Workers,
		QueueSize:     c.QueueSize,
		SweepInterval: c.SweepInterval,
		PurgeTimeout:  c.PurgeTimeout,
		PageLimit:     c.DefaultPageLimit,
	}
}
