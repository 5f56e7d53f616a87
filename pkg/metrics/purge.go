package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/feedmail/pkg/purge"
)

// purgeMetrics is the Prometheus implementation of purge.Metrics.
type purgeMetrics struct {
	itemsTotal      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	stepKeysTotal   *prometheus.CounterVec
	stepsTotal      *prometheus.CounterVec
	stepDuration    prometheus.Histogram
	scheduledTotal  *prometheus.CounterVec
	purgesTotal     *prometheus.CounterVec
	purgeDuration   prometheus.Histogram
}

// NewPurgeMetrics creates a Prometheus-backed purge.Metrics.
//
// Returns nil if metrics are not enabled, which makes the engine keep its
// no-op implementation.
func NewPurgeMetrics() purge.Metrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &purgeMetrics{
		itemsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedmail_delete_items_total",
				Help: "Feeds and emails processed by delete requests, by kind and outcome",
			},
			[]string{"kind", "outcome"}, // kind: feeds|emails, outcome: deleted|failed
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feedmail_delete_request_duration_seconds",
				Help:    "Duration of delete requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		stepKeysTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedmail_purge_step_keys_total",
				Help: "Keys processed by purge steps, by outcome",
			},
			[]string{"outcome"},
		),
		stepsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedmail_purge_steps_total",
				Help: "Purge steps run, by whether the listing was complete",
			},
			[]string{"complete"},
		),
		stepDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "feedmail_purge_step_duration_seconds",
				Help:    "Duration of one purge step in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		scheduledTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedmail_purge_scheduled_total",
				Help: "Background purges handed to the scheduler, by whether they were queued",
			},
			[]string{"queued"},
		),
		purgesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedmail_purge_runs_total",
				Help: "Background purge runs by status",
			},
			[]string{"status"},
		),
		purgeDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "feedmail_purge_run_duration_seconds",
				Help: "Duration of background purge runs in seconds",
				Buckets: []float64{
					0.1,   // 100ms
					1.0,   // 1s
					5.0,   // 5s
					30.0,  // 30s
					60.0,  // 1min
					300.0, // 5min
					600.0, // 10min
				},
			},
		),
	}
}

// ObserveBulk implements purge.Metrics.ObserveBulk
func (m *purgeMetrics) ObserveBulk(kind string, succeeded, failed int, duration time.Duration) {
	m.itemsTotal.WithLabelValues(kind, "deleted").Add(float64(succeeded))
	m.itemsTotal.WithLabelValues(kind, "failed").Add(float64(failed))
	m.requestDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveStep implements purge.Metrics.ObserveStep
func (m *purgeMetrics) ObserveStep(deleted, failed int, complete bool, duration time.Duration) {
	m.stepKeysTotal.WithLabelValues("deleted").Add(float64(deleted))
	m.stepKeysTotal.WithLabelValues("failed").Add(float64(failed))
	m.stepsTotal.WithLabelValues(boolLabel(complete)).Inc()
	m.stepDuration.Observe(duration.Seconds())
}

// ObserveScheduled implements purge.Metrics.ObserveScheduled
func (m *purgeMetrics) ObserveScheduled(dropped bool) {
	m.scheduledTotal.WithLabelValues(boolLabel(!dropped)).Inc()
}

// ObservePurgeFinished implements purge.Metrics.ObservePurgeFinished
func (m *purgeMetrics) ObservePurgeFinished(err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.purgesTotal.WithLabelValues(status).Inc()
	m.purgeDuration.Observe(duration.Seconds())
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
