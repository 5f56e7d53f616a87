package config

import (
	"github.com/marmos91/feedmail/pkg/metrics"
	"github.com/marmos91/feedmail/pkg/purge"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// PurgeMetrics is the collector for the deletion engine (nil if disabled;
	// the engine then keeps its no-op implementation)
	PurgeMetrics purge.Metrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates the Prometheus-backed purge metrics
//
// Must run before CreateStore so the store is instrumented.
//
// Parameters:
//   - cfg: The complete feedmail configuration
//
// Returns:
//   - MetricsResult containing all metrics components
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Host: cfg.Server.Host,
		Port: cfg.Metrics.Port,
	})

	return &MetricsResult{
		Server:       server,
		PurgeMetrics: metrics.NewPurgeMetrics(),
	}
}
