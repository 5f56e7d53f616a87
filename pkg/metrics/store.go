package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/feedmail/pkg/store/kv"
)

// storeMetrics is the Prometheus implementation of kv.Metrics.
//
// It tracks every call the engine makes against the key-value backend, which
// is where provider rate limits and throttling show up first.
type storeMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	listPageKeys      prometheus.Histogram
}

// NewStoreMetrics creates a Prometheus-backed kv.Metrics.
//
// Returns nil if metrics are not enabled, in which case
// kv.NewInstrumentedStore returns the store unwrapped.
//
// Parameters:
//   - backend: Store type label ("memory", "badger", "redis", "s3")
func NewStoreMetrics(backend string) kv.Metrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()
	labels := prometheus.Labels{"backend": backend}

	return &storeMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name:        "feedmail_store_operations_total",
				Help:        "Total number of key-value store operations by operation and status",
				ConstLabels: labels,
			},
			[]string{"operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "feedmail_store_operation_duration_seconds",
				Help:        "Duration of key-value store operations in seconds",
				ConstLabels: labels,
				Buckets: []float64{
					0.0005, // 500us
					0.001,  // 1ms
					0.005,  // 5ms
					0.01,   // 10ms
					0.05,   // 50ms
					0.1,    // 100ms
					0.5,    // 500ms
					1.0,    // 1s
					5.0,    // 5s
				},
			},
			[]string{"operation"},
		),
		listPageKeys: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:        "feedmail_store_list_page_keys",
				Help:        "Number of keys returned per list call",
				ConstLabels: labels,
				Buckets:     []float64{0, 1, 10, 50, 100, 250, 500, 1000},
			},
		),
	}
}

// ObserveOperation implements kv.Metrics.ObserveOperation
func (m *storeMetrics) ObserveOperation(op string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.operationsTotal.WithLabelValues(op, status).Inc()
	m.operationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveListPage implements kv.Metrics.ObserveListPage
func (m *storeMetrics) ObserveListPage(keys int) {
	m.listPageKeys.Observe(float64(keys))
}
