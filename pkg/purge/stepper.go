package purge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/feedmail/internal/logger"
	"github.com/marmos91/feedmail/pkg/feed"
	"github.com/marmos91/feedmail/pkg/store/kv"
)

// maxPurgePasses bounds how many full listings PurgeAll makes when deletes
// keep failing.
const maxPurgePasses = 5

// ErrPurgeIncomplete is returned by PurgeAll when keys are still left under
// the feed prefix after every pass.
var ErrPurgeIncomplete = errors.New("purge incomplete")

// StepResult is the progress of one purge step.
type StepResult struct {
	DeletedKeys []string
	FailedKeys  []string

	// Cursor resumes the listing on the next call. Empty when Complete.
	Cursor string

	// Complete is true once the listing under the prefix is exhausted.
	Complete bool
}

// DeletedCount returns the number of keys deleted in this step.
func (r *StepResult) DeletedCount() int { return len(r.DeletedKeys) }

// FailedCount returns the number of keys that could not be deleted.
func (r *StepResult) FailedCount() int { return len(r.FailedKeys) }

// PurgeStep deletes one page of keys under the feed's prefix.
//
// It lists up to limit keys starting at cursor, deletes them with at most
// Config.DeleteConcurrency deletes in flight, and returns the listing's next
// cursor. limit is clamped to [1, MaxPageLimit]; 0 selects the configured
// default. An empty cursor starts from the beginning of the prefix.
//
// Callers loop with the returned cursor until Complete. Each step acts only on
// what the listing currently returns, so repeating a step, or calling it after
// completion, is safe.
//
// A feed still listed in the global index is refused: purging it would leave
// an index entry without a config record. Delete the feed first. A cursor the
// store cannot resume from is refused the same way.
//
// A listing failure is returned as an error and no key is touched. Delete
// failures are not errors; they are reported in FailedKeys.
func (e *Engine) PurgeStep(ctx context.Context, feedID, cursor string, limit int) (*StepResult, error) {
	if err := feed.ValidateID(feedID); err != nil {
		return nil, newRequestError(ErrCodeInvalid, "%v", err)
	}
	if limit == 0 {
		limit = e.config.DefaultPageLimit
	}
	limit = clampLimit(limit)

	start := time.Now()

	indexed, err := e.repo.IsIndexed(ctx, feedID)
	if err != nil {
		return nil, fmt.Errorf("failed to read feed index: %w", err)
	}
	if indexed {
		return nil, newRequestError(ErrCodeInvalid, "feed %s is still listed; delete it before purging", feedID)
	}

	page, err := e.store.List(ctx, feed.Prefix(feedID), cursor, limit)
	if errors.Is(err, kv.ErrInvalidCursor) {
		return nil, newRequestError(ErrCodeInvalid, "cursor %q does not belong to feed %s", cursor, feedID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list feed %s: %w", feedID, err)
	}

	outcome := DeleteWithConcurrency(ctx, e.store, page.Keys, e.config.DeleteConcurrency)
	for _, key := range outcome.Failed {
		logger.Debug("Purge step: failed to delete %s: %v", key, outcome.Errors[key])
	}

	result := &StepResult{
		DeletedKeys: outcome.Succeeded,
		FailedKeys:  outcome.Failed,
		Complete:    page.Complete,
	}
	if !page.Complete {
		result.Cursor = page.Cursor
	}

	e.currentMetrics().ObserveStep(result.DeletedCount(), result.FailedCount(), result.Complete, time.Since(start))

	logger.Debug("Purge step: feed=%s listed=%d deleted=%d failed=%d complete=%v",
		feedID, len(page.Keys), result.DeletedCount(), result.FailedCount(), result.Complete)

	return result, nil
}

// PurgeStats summarises a PurgeAll run.
type PurgeStats struct {
	Deleted int
	Failed  int
	Steps   int
	Passes  int
}

// PurgeAll drives PurgeStep until the feed's prefix is empty.
//
// A listing cursor moves past keys whose delete failed, so a pass that saw
// failures is followed by a fresh pass from the start of the prefix. After
// maxPurgePasses passes with failures it gives up with ErrPurgeIncomplete.
//
// Parameters:
//   - ctx: Context for cancellation, checked between steps
//   - feedID: Feed to purge
//   - limit: Page size per step, 0 for the default
//
// Returns:
//   - *PurgeStats: Totals across every step, also on error
//   - error: Listing failure, cancellation, or ErrPurgeIncomplete
func (e *Engine) PurgeAll(ctx context.Context, feedID string, limit int) (*PurgeStats, error) {
	stats := &PurgeStats{}

	for stats.Passes < maxPurgePasses {
		stats.Passes++
		passFailed := 0
		cursor := ""

		for {
			if err := ctx.Err(); err != nil {
				return stats, err
			}

			step, err := e.PurgeStep(ctx, feedID, cursor, limit)
			if err != nil {
				return stats, err
			}

			stats.Steps++
			stats.Deleted += step.DeletedCount()
			passFailed += step.FailedCount()

			if step.Complete {
				break
			}
			cursor = step.Cursor
		}

		stats.Failed += passFailed
		if passFailed == 0 {
			logger.Info("Feed purged: id=%s deleted=%d steps=%d passes=%d",
				feedID, stats.Deleted, stats.Steps, stats.Passes)
			return stats, nil
		}

		logger.Warn("Purge pass %d for feed %s left %d keys, retrying", stats.Passes, feedID, passFailed)
	}

	return stats, fmt.Errorf("%w: feed %s after %d passes", ErrPurgeIncomplete, feedID, stats.Passes)
}
