// Package gc finds feeds whose content outlived their configuration.
//
// A feed's emails are normally removed by the background purge that follows
// its deletion. Content can still be orphaned when:
//   - The process stopped before the purge marker was written
//   - A marker was deleted by hand
//   - Emails were written by an older ingester after the feed was deleted
//
// The collector scans the per-feed keyspace, finds feed ids with keys but no
// config record, and hands them to the purge scheduler.
package gc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/feedmail/internal/logger"
	"github.com/marmos91/feedmail/pkg/feed"
	"github.com/marmos91/feedmail/pkg/purge"
)

// Collector periodically schedules purges of orphaned feed content.
//
// Thread Safety: Safe for concurrent use.
type Collector struct {
	repo    *feed.Repository
	handoff purge.Handoff
	config  Config
	stopCh  chan struct{}
	doneCh  chan struct{}

	started  atomic.Bool
	stopOnce sync.Once
}

// Config contains configuration for the orphan collector.
type Config struct {
	// Enabled controls whether collection is active (default: false)
	Enabled bool

	// Interval is how often to scan (default: 24h)
	Interval time.Duration

	// PageSize is how many keys are listed per call (default: 1000)
	PageSize int

	// DryRun logs orphaned feeds without scheduling them (default: false)
	DryRun bool
}

// NewCollector creates a collector that hands orphans to handoff.
//
// The collector will be initialized but not started. Call Start() to begin
// background collection.
//
// Parameters:
//   - repo: Feed repository to scan
//   - handoff: Receives the id of every orphaned feed, usually *purge.Scheduler
//   - config: Collection configuration
//
// Returns:
//   - *Collector: Initialized collector (not started)
//   - error: Returns error if handoff is nil
func NewCollector(repo *feed.Repository, handoff purge.Handoff, config Config) (*Collector, error) {
	if handoff == nil {
		return nil, fmt.Errorf("orphan collector requires a purge handoff")
	}

	if config.Interval == 0 {
		config.Interval = 24 * time.Hour
	}
	if config.PageSize == 0 {
		config.PageSize = purge.MaxPageLimit
	}

	return &Collector{
		repo:    repo,
		handoff: handoff,
		config:  config,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins background collection. Calls after the first are no-ops.
func (c *Collector) Start() {
	if !c.config.Enabled {
		logger.Info("Orphan collection disabled")
		return
	}
	if !c.started.CompareAndSwap(false, true) {
		return
	}

	logger.Info("Starting orphan collector: interval=%s page_size=%d dry_run=%v",
		c.config.Interval, c.config.PageSize, c.config.DryRun)

	go c.worker()
}

// Stop stops the collector and waits for it to finish. Safe to call more
// than once, and before Start.
//
// Parameters:
//   - ctx: Context for timeout
//
// Returns:
//   - error: Returns error if context expires before shutdown completes
func (c *Collector) Stop(ctx context.Context) error {
	if !c.started.Load() {
		return nil
	}

	c.stopOnce.Do(func() {
		logger.Info("Stopping orphan collector...")
		close(c.stopCh)
	})

	select {
	case <-c.doneCh:
		logger.Info("Orphan collector stopped successfully")
		return nil
	case <-ctx.Done():
		logger.Warn("Orphan collector shutdown timeout")
		return ctx.Err()
	}
}

// RunNow runs one collection and blocks until it completes.
func (c *Collector) RunNow(ctx context.Context) (*Stats, error) {
	logger.Info("Running orphan collection (manual trigger)...")
	return c.collect(ctx)
}

func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			stats, err := c.collect(ctx)
			cancel()

			if err != nil {
				logger.Error("Orphan collection failed: %v", err)
			} else {
				logger.Info("Orphan collection completed: %s", stats.Summary())
			}

		case <-c.stopCh:
			return
		}
	}
}

// collect performs a single collection run:
//  1. List every key under the per-feed keyspace and group by feed id
//  2. Drop ids whose config record exists
//  3. Hand the rest to the purge scheduler
func (c *Collector) collect(ctx context.Context) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}
	store := c.repo.Store()

	// Phase 1: group keys by feed id, keeping first-seen order
	var ids []string
	seen := make(map[string]struct{})
	cursor := ""
	for {
		page, err := store.List(ctx, feed.KeyspacePrefix(), cursor, c.config.PageSize)
		if err != nil {
			stats.EndTime = time.Now()
			return stats, fmt.Errorf("failed to list feed keyspace: %w", err)
		}
		stats.ScannedKeys += uint64(len(page.Keys))

		for _, key := range page.Keys {
			id, ok := feed.FeedIDFromKey(key)
			if !ok {
				continue
			}
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}

		if page.Complete {
			break
		}
		cursor = page.Cursor
	}
	stats.FeedCount = uint64(len(ids))

	// Phase 2: keep ids without a config record
	var orphaned []string
	for _, id := range ids {
		exists, err := c.repo.FeedExists(ctx, id)
		if err != nil {
			logger.Warn("GC: failed to check feed %s: %v", id, err)
			stats.FailedCount++
			continue
		}
		if !exists {
			orphaned = append(orphaned, id)
		}
	}
	stats.OrphanedCount = uint64(len(orphaned))

	if len(orphaned) == 0 {
		stats.EndTime = time.Now()
		return stats, nil
	}

	if c.config.DryRun {
		logger.Info("GC: DRY RUN - Would purge %d feeds:", len(orphaned))
		for i, id := range orphaned {
			if i < 10 {
				logger.Info("  - %s", id)
			}
		}
		if len(orphaned) > 10 {
			logger.Info("  ... and %d more", len(orphaned)-10)
		}
		stats.EndTime = time.Now()
		return stats, nil
	}

	// Phase 3: schedule purges
	for _, id := range orphaned {
		if err := ctx.Err(); err != nil {
			stats.EndTime = time.Now()
			return stats, err
		}
		if err := c.handoff.Schedule(ctx, id); err != nil {
			logger.Warn("GC: failed to schedule purge of %s: %v", id, err)
			stats.FailedCount++
			continue
		}
		stats.ScheduledCount++
	}

	stats.EndTime = time.Now()
	return stats, nil
}

// Stats contains statistics from a collection run.
type Stats struct {
	StartTime      time.Time
	EndTime        time.Time
	ScannedKeys    uint64 // Keys listed under the per-feed keyspace
	FeedCount      uint64 // Distinct feed ids seen
	OrphanedCount  uint64 // Feed ids with keys but no config record
	ScheduledCount uint64 // Orphans handed to the purge scheduler
	FailedCount    uint64 // Existence checks or handoffs that failed
}

// Duration returns the total collection duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the collection.
func (s *Stats) Summary() string {
	return fmt.Sprintf("scanned=%d feeds=%d orphaned=%d scheduled=%d failed=%d duration=%s",
		s.ScannedKeys, s.FeedCount, s.OrphanedCount, s.ScheduledCount, s.FailedCount, s.Duration())
}
