// Package purge implements feed and email deletion.
//
// Deleting a feed happens in two phases. The fast phase removes the feed's
// control records and its global index entry so it disappears from every
// listing within one request. The purge phase then sweeps everything left
// under the feed's key prefix, one bounded page at a time, and is the only
// path that guarantees the feed's storage footprint is fully gone.
//
// Every operation reports a succeeded/failed partition instead of a single
// error, so callers retry exactly the items that failed.
package purge

import (
	"context"
	"sync"

	"github.com/marmos91/feedmail/pkg/feed"
	"github.com/marmos91/feedmail/pkg/store/kv"
)

// Default engine limits.
const (
	DefaultDeleteConcurrency = 10
	DefaultBulkConcurrency   = 10
	DefaultPageLimit         = 250
	MaxPageLimit             = 1000
	DefaultMaxBulkFeeds      = 50
	DefaultMaxBulkEmails     = 250
)

// Config tunes the engine. Zero fields take the defaults above.
type Config struct {
	// DeleteConcurrency bounds simultaneous deletes inside one purge step.
	DeleteConcurrency int

	// BulkConcurrency is the sub-batch size of bulk operations.
	BulkConcurrency int

	// DefaultPageLimit is used when a purge step is called with limit 0.
	DefaultPageLimit int

	// MaxBulkFeeds caps the ids accepted by BulkDeleteFeeds.
	MaxBulkFeeds int

	// MaxBulkEmails caps the keys accepted by BulkDeleteEmails.
	MaxBulkEmails int
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.DeleteConcurrency <= 0 {
		c.DeleteConcurrency = DefaultDeleteConcurrency
	}
	if c.BulkConcurrency <= 0 {
		c.BulkConcurrency = DefaultBulkConcurrency
	}
	if c.DefaultPageLimit <= 0 {
		c.DefaultPageLimit = DefaultPageLimit
	}
	c.DefaultPageLimit = clampLimit(c.DefaultPageLimit)
	if c.MaxBulkFeeds <= 0 {
		c.MaxBulkFeeds = DefaultMaxBulkFeeds
	}
	if c.MaxBulkEmails <= 0 {
		c.MaxBulkEmails = DefaultMaxBulkEmails
	}
}

// Handoff accepts feeds whose content still has to be purged.
//
// Schedule must not block on the purge itself. *Scheduler implements it.
type Handoff interface {
	Schedule(ctx context.Context, feedID string) error
}

// Engine runs deletions against a feed repository.
//
// Thread Safety:
// Safe for concurrent use. The engine holds no per-request state; the store
// is the only shared resource.
type Engine struct {
	repo   *feed.Repository
	store  kv.Store
	config Config

	mu      sync.RWMutex
	handoff Handoff
	metrics Metrics
}

// NewEngine creates an engine over repo.
//
// Until SetHandoff is called, deleted feeds are not purged in the background
// and callers must drive PurgeStep themselves.
func NewEngine(repo *feed.Repository, config Config) *Engine {
	config.ApplyDefaults()
	return &Engine{
		repo:    repo,
		store:   repo.Store(),
		config:  config,
		metrics: noopMetrics{},
	}
}

// Config returns the effective engine configuration.
func (e *Engine) Config() Config {
	return e.config
}

// SetHandoff installs the background purge handoff. nil disables it.
func (e *Engine) SetHandoff(h Handoff) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handoff = h
}

// SetMetrics installs a metrics sink. nil restores the no-op sink.
func (e *Engine) SetMetrics(m Metrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m == nil {
		m = noopMetrics{}
	}
	e.metrics = m
}

func (e *Engine) currentHandoff() Handoff {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handoff
}

func (e *Engine) currentMetrics() Metrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metrics
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}
