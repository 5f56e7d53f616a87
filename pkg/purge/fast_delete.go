package purge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/feedmail/internal/logger"
	"github.com/marmos91/feedmail/pkg/feed"
)

// FastDelete makes a feed invisible without touching its emails.
//
// It deletes the feed's config and metadata index concurrently, then removes
// the id from the global feed index. The index update is attempted even when
// a control-key delete failed, so a half-deleted feed at least disappears from
// listings.
//
// Returns true only if the config record was present and both control keys
// are now gone; a failed index update does not change that result but is
// still reported in the error. Deleting a feed twice returns true, then
// false, with no error on the second call.
func (e *Engine) FastDelete(ctx context.Context, feedID string) (bool, error) {
	if err := feed.ValidateID(feedID); err != nil {
		return false, newRequestError(ErrCodeInvalid, "%v", err)
	}

	existed, controlErr := e.deleteControlKeys(ctx, feedID)

	// ========================================================================
	// Step 3: Remove from the global index
	// ========================================================================

	var indexErr error
	if _, err := e.repo.RemoveFromIndex(ctx, feedID); err != nil {
		logger.Warn("Fast delete: failed to remove %s from index: %v", feedID, err)
		indexErr = err
	}

	if controlErr != nil || indexErr != nil {
		return existed && controlErr == nil, errors.Join(controlErr, indexErr)
	}

	if existed {
		logger.Info("Feed deleted: id=%s", feedID)
	} else {
		logger.Debug("Fast delete: feed %s did not exist", feedID)
	}
	return existed, nil
}

// deleteControlKeys reads the feed's config to learn whether it existed, then
// deletes its config and metadata index concurrently.
func (e *Engine) deleteControlKeys(ctx context.Context, feedID string) (bool, error) {
	// ========================================================================
	// Step 1: Existence check
	// ========================================================================

	existed, err := e.repo.FeedExists(ctx, feedID)
	if err != nil {
		// Still attempt the deletes; an unreadable feed should not stay visible.
		logger.Warn("Fast delete: failed to read feed %s: %v", feedID, err)
	}

	// ========================================================================
	// Step 2: Delete control keys
	// ========================================================================

	outcome := DeleteWithConcurrency(ctx, e.store, feed.ControlKeys(feedID), 2)
	if len(outcome.Failed) == 0 {
		return existed, nil
	}

	errs := make([]error, 0, len(outcome.Failed))
	for _, key := range outcome.Failed {
		logger.Warn("Fast delete: failed to delete %s: %v", key, outcome.Errors[key])
		errs = append(errs, fmt.Errorf("delete %s: %w", key, outcome.Errors[key]))
	}
	return existed, errors.Join(errs...)
}

// DeleteFeed is the single-feed route: a fast delete followed by a
// background purge handoff.
//
// The handoff happens after every successful fast delete, including one for
// a feed whose config was already missing, since its emails may still be
// stored under the prefix.
func (e *Engine) DeleteFeed(ctx context.Context, feedID string) (bool, error) {
	start := time.Now()
	existed, err := e.FastDelete(ctx, feedID)

	failed := 0
	if err != nil {
		failed = 1
	} else {
		e.schedulePurge(ctx, feedID)
	}
	e.currentMetrics().ObserveBulk(KindFeeds, 1-failed, failed, time.Since(start))
	return existed, err
}

// DeleteEmail deletes one email of a feed and drops it from the metadata index.
//
// The key must belong to the feed; deleting an email that is already gone
// succeeds.
func (e *Engine) DeleteEmail(ctx context.Context, feedID, key string) error {
	if err := feed.ValidateID(feedID); err != nil {
		return newRequestError(ErrCodeInvalid, "%v", err)
	}
	if !feed.IsEmailKeyOf(feedID, key) {
		return newRequestError(ErrCodeInvalid, "key %q is not an email of feed %s", key, feedID)
	}

	if err := e.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete email %s: %w", key, err)
	}
	if err := e.repo.RemoveFromMetadataIndex(ctx, feedID, []string{key}); err != nil {
		return err
	}

	logger.Debug("Email deleted: feed=%s key=%s", feedID, key)
	return nil
}

// schedulePurge hands feedID to the background purge. Failures are logged
// only; the caller-driven purge loop and the scheduler's sweep are the
// backstop.
func (e *Engine) schedulePurge(ctx context.Context, feedID string) {
	h := e.currentHandoff()
	if h == nil {
		return
	}
	if err := h.Schedule(ctx, feedID); err != nil {
		logger.Warn("Failed to schedule purge for feed %s: %v", feedID, err)
	}
}
