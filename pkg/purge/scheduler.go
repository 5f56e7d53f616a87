package purge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/feedmail/internal/logger"
	"github.com/marmos91/feedmail/pkg/store/kv"
)

// PendingPrefix is the key prefix of background purge markers.
const PendingPrefix = "purge:pending:"

// PendingKey returns the marker key for feedID.
func PendingKey(feedID string) string {
	return PendingPrefix + feedID
}

// SchedulerConfig tunes the background purge workers.
type SchedulerConfig struct {
	// Workers is the number of feeds purged in parallel (default: 2)
	Workers int

	// QueueSize bounds the in-memory queue (default: 128). When it is full
	// the pending marker alone guarantees pickup by the next sweep.
	QueueSize int

	// SweepInterval is how often pending markers are re-enqueued (default: 5m)
	SweepInterval time.Duration

	// PurgeTimeout bounds one PurgeAll run (default: 10m)
	PurgeTimeout time.Duration

	// PageLimit is the step page size used by workers (default: engine default)
	PageLimit int
}

func (c *SchedulerConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.PurgeTimeout <= 0 {
		c.PurgeTimeout = 10 * time.Minute
	}
}

type pendingMarker struct {
	FeedID      string    `json:"feedId"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

// Scheduler purges deleted feeds in the background with at-least-once
// semantics.
//
// Schedule writes a durable marker at PendingKey(id) before queueing the id.
// A worker deletes the marker only after PurgeAll finished cleanly, and a
// periodic sweep re-queues every marker still present, so a purge lost to a
// full queue, a failed run, or a process restart is picked up again.
//
// Thread Safety: Safe for concurrent use.
type Scheduler struct {
	engine *Engine
	store  kv.Store
	config SchedulerConfig

	queue chan string

	mu       sync.Mutex
	inflight map[string]struct{}
	started  bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewScheduler creates a scheduler for engine and installs it as the
// engine's handoff. Call Start to run the workers.
func NewScheduler(engine *Engine, config SchedulerConfig) *Scheduler {
	config.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		engine:   engine,
		store:    engine.store,
		config:   config,
		queue:    make(chan string, config.QueueSize),
		inflight: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	engine.SetHandoff(s)
	return s
}

// Start launches the workers and the sweeper. The sweeper runs once
// immediately to resume purges left by a previous process.
//
// Safe to call multiple times (subsequent calls are no-ops).
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	logger.Info("Starting purge scheduler: workers=%d queue=%d sweep_interval=%s",
		s.config.Workers, s.config.QueueSize, s.config.SweepInterval)

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.wg.Add(1)
	go s.sweeper()
}

// Stop cancels in-progress purges and waits for the goroutines to exit.
//
// Interrupted purges keep their markers and resume on the next start.
//
// Returns:
//   - error: ctx.Err() if ctx expires before shutdown completes
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		logger.Info("Stopping purge scheduler...")
		s.cancel()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Purge scheduler stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Purge scheduler shutdown timeout")
		return ctx.Err()
	}
}

// Schedule records feedID as pending and queues it without blocking.
//
// The returned error reports a failed marker write only; the id is queued
// anyway.
func (s *Scheduler) Schedule(ctx context.Context, feedID string) error {
	data, err := json.Marshal(pendingMarker{FeedID: feedID, ScheduledAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	markErr := s.store.Put(ctx, PendingKey(feedID), data)
	if markErr != nil {
		markErr = fmt.Errorf("failed to write purge marker for %s: %w", feedID, markErr)
	}

	queued := s.enqueue(feedID)
	s.engine.currentMetrics().ObserveScheduled(!queued)
	if !queued {
		logger.Debug("Purge of feed %s not queued, left for the next sweep", feedID)
	}

	return markErr
}

// Pending lists the feed ids that still have a purge marker.
func (s *Scheduler) Pending(ctx context.Context) ([]string, error) {
	keys, err := kv.ListAll(ctx, s.store, PendingPrefix, MaxPageLimit)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, strings.TrimPrefix(key, PendingPrefix))
	}
	return ids, nil
}

// Sweep queues every pending feed that is not already queued or running.
//
// Returns the number of ids queued.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	ids, err := s.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending purges: %w", err)
	}

	queued := 0
	for _, id := range ids {
		if s.enqueue(id) {
			queued++
		}
	}

	if queued > 0 {
		logger.Info("Purge sweep: pending=%d queued=%d", len(ids), queued)
	}
	return queued, nil
}

// enqueue queues id unless it is already in flight or the queue is full.
func (s *Scheduler) enqueue(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inflight[id]; ok {
		return true
	}

	select {
	case s.queue <- id:
		s.inflight[id] = struct{}{}
		return true
	default:
		return false
	}
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}

func (s *Scheduler) worker(n int) {
	defer s.wg.Done()
	logger.Debug("Purge worker %d started", n)

	for {
		select {
		case <-s.ctx.Done():
			logger.Debug("Purge worker %d stopping", n)
			return
		case id := <-s.queue:
			s.run(id)
			s.release(id)
		}
	}
}

// run purges one feed and clears its marker on success.
func (s *Scheduler) run(feedID string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.PurgeTimeout)
	defer cancel()

	start := time.Now()
	stats, err := s.engine.PurgeAll(ctx, feedID, s.config.PageLimit)
	s.engine.currentMetrics().ObservePurgeFinished(err, time.Since(start))

	switch {
	case IsRequestError(err, ErrCodeInvalid):
		// Still listed in the feed index, so not a purge candidate.
		logger.Warn("Dropping purge of feed %s: %v", feedID, err)
	case err != nil:
		logger.Warn("Background purge of feed %s failed after %d deleted: %v", feedID, stats.Deleted, err)
		return
	}

	if err := s.store.Delete(ctx, PendingKey(feedID)); err != nil {
		// The next sweep re-runs a purge that is already complete, which is a no-op.
		logger.Warn("Failed to clear purge marker for feed %s: %v", feedID, err)
	}
}

func (s *Scheduler) sweeper() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(s.ctx); err != nil && s.ctx.Err() == nil {
			logger.Error("Purge sweep failed: %v", err)
		}

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
