package purge

import "time"

// Metrics receives engine observations.
//
// Implementations must be safe for concurrent use. pkg/metrics provides a
// Prometheus implementation; the engine defaults to a no-op.
type Metrics interface {
	// ObserveBulk records one bulk or single-item request.
	ObserveBulk(kind string, succeeded, failed int, duration time.Duration)

	// ObserveStep records one purge step.
	ObserveStep(deleted, failed int, complete bool, duration time.Duration)

	// ObserveScheduled records a background purge handoff. dropped is true
	// when the queue was full and only the pending marker was written.
	ObserveScheduled(dropped bool)

	// ObservePurgeFinished records the end of a background purge.
	ObservePurgeFinished(err error, duration time.Duration)
}

// Bulk kinds passed to Metrics.ObserveBulk.
const (
	KindFeeds  = "feeds"
	KindEmails = "emails"
)

type noopMetrics struct{}

func (noopMetrics) ObserveBulk(string, int, int, time.Duration) {}
func (noopMetrics) ObserveStep(int, int, bool, time.Duration) {}
func (noopMetrics) ObserveScheduled(bool) {}
func (noopMetrics) ObservePurgeFinished(error, time.Duration) {}
