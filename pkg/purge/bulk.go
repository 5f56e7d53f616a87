package purge

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/marmos91/feedmail/internal/logger"
	"github.com/marmos91/feedmail/pkg/feed"
)

// FeedsResult partitions the ids of a bulk feed delete.
type FeedsResult struct {
	DeletedFeedIDs []string `json:"deletedFeedIds"`
	FailedFeedIDs  []string `json:"failedFeedIds"`
}

// EmailsResult partitions the keys of a bulk email delete.
type EmailsResult struct {
	DeletedEmailKeys []string `json:"deletedEmailKeys"`
	FailedEmailKeys  []string `json:"failedEmailKeys"`
}

// BulkDeleteFeeds fast-deletes up to Config.MaxBulkFeeds feeds.
//
// The request is rejected as a whole, before any delete, when it is empty or
// longer than the cap; it is never truncated. Ids are de-duplicated and
// processed in sub-batches of Config.BulkConcurrency. Within a sub-batch the
// control-key deletes run concurrently, then the global index is rewritten
// once for the whole sub-batch.
//
// A feed that no longer exists counts as deleted. Every deleted id is handed
// to the background purge. A failure on one id never stops the others, and
// resubmitting exactly FailedFeedIDs is safe.
func (e *Engine) BulkDeleteFeeds(ctx context.Context, ids []string) (*FeedsResult, error) {
	if len(ids) == 0 {
		return nil, newRequestError(ErrCodeEmptyRequest, "no feed ids given")
	}
	if len(ids) > e.config.MaxBulkFeeds {
		return nil, newRequestError(ErrCodeBatchTooLarge,
			"%d feed ids given, at most %d per request", len(ids), e.config.MaxBulkFeeds)
	}
	for _, id := range ids {
		if err := feed.ValidateID(id); err != nil {
			return nil, newRequestError(ErrCodeInvalid, "%v", err)
		}
	}

	start := time.Now()
	unique := dedupe(ids)
	result := &FeedsResult{
		DeletedFeedIDs: make([]string, 0, len(unique)),
		FailedFeedIDs:  []string{},
	}

	for batchStart := 0; batchStart < len(unique); batchStart += e.config.BulkConcurrency {
		batch := unique[batchStart:min(batchStart+e.config.BulkConcurrency, len(unique))]
		deleted, failed := e.deleteFeedBatch(ctx, batch)
		result.DeletedFeedIDs = append(result.DeletedFeedIDs, deleted...)
		result.FailedFeedIDs = append(result.FailedFeedIDs, failed...)
	}

	// Handoffs write a pending marker each; run them in sub-batches too so a
	// full request costs a few round trips, not one per feed.
	forEachConcurrently(result.DeletedFeedIDs, e.config.BulkConcurrency, func(_ int, id string) {
		e.schedulePurge(ctx, id)
	})

	e.currentMetrics().ObserveBulk(KindFeeds, len(result.DeletedFeedIDs), len(result.FailedFeedIDs), time.Since(start))
	logger.Info("Bulk feed delete: requested=%d deleted=%d failed=%d",
		len(unique), len(result.DeletedFeedIDs), len(result.FailedFeedIDs))

	return result, nil
}

// deleteFeedBatch fast-deletes one sub-batch and returns its partition in
// input order.
func (e *Engine) deleteFeedBatch(ctx context.Context, batch []string) (deleted, failed []string) {
	errs := make([]error, len(batch))
	forEachConcurrently(batch, len(batch), func(i int, id string) {
		_, errs[i] = e.deleteControlKeys(ctx, id)
	})

	// Ids whose control keys are gone leave the index together. The index is
	// also updated for failed ids so they stop being listed.
	if _, err := e.repo.RemoveFromIndex(ctx, batch...); err != nil {
		logger.Warn("Bulk feed delete: index update failed for %d feeds: %v", len(batch), err)
		for i := range errs {
			if errs[i] == nil {
				errs[i] = err
			}
		}
	}

	for i, id := range batch {
		if errs[i] != nil {
			logger.Debug("Bulk feed delete: %s failed: %v", id, errs[i])
			failed = append(failed, id)
			continue
		}
		deleted = append(deleted, id)
	}
	return deleted, failed
}

// BulkDeleteEmails deletes up to Config.MaxBulkEmails emails of one feed.
//
// Only keys currently listed in the feed's metadata index are eligible. Any
// other key, even one that exists in the store, is reported failed and left
// untouched. Eligible keys are deleted with at most Config.BulkConcurrency
// deletes in flight, then removed from the metadata index in one rewrite.
//
// If that rewrite fails the deleted keys are reported failed too, so a retry
// of the failed keys fixes the index.
func (e *Engine) BulkDeleteEmails(ctx context.Context, feedID string, keys []string) (*EmailsResult, error) {
	if err := feed.ValidateID(feedID); err != nil {
		return nil, newRequestError(ErrCodeInvalid, "%v", err)
	}
	if len(keys) == 0 {
		return nil, newRequestError(ErrCodeEmptyRequest, "no email keys given")
	}
	if len(keys) > e.config.MaxBulkEmails {
		return nil, newRequestError(ErrCodeBatchTooLarge,
			"%d email keys given, at most %d per request", len(keys), e.config.MaxBulkEmails)
	}

	start := time.Now()
	unique := dedupe(keys)

	// ========================================================================
	// Step 1: Scope the request to the metadata index
	// ========================================================================

	index, err := e.repo.GetMetadataIndex(ctx, feedID)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata index of feed %s: %w", feedID, err)
	}

	listed := make(map[string]struct{}, len(index))
	for _, entry := range index {
		listed[entry.Key] = struct{}{}
	}

	eligible := make([]string, 0, len(unique))
	rejected := make(map[string]bool)
	for _, key := range unique {
		if _, ok := listed[key]; ok && feed.IsEmailKeyOf(feedID, key) {
			eligible = append(eligible, key)
			continue
		}
		logger.Warn("Bulk email delete: key %q is not in the index of feed %s", key, feedID)
		rejected[key] = true
	}

	// ========================================================================
	// Step 2: Delete
	// ========================================================================

	outcome := DeleteWithConcurrency(ctx, e.store, eligible, e.config.BulkConcurrency)
	for _, key := range outcome.Failed {
		logger.Debug("Bulk email delete: failed to delete %s: %v", key, outcome.Errors[key])
	}

	// ========================================================================
	// Step 3: Rewrite the metadata index once
	// ========================================================================

	deleted := outcome.Succeeded
	if len(deleted) > 0 {
		if err := e.repo.RemoveFromMetadataIndex(ctx, feedID, deleted); err != nil {
			logger.Warn("Bulk email delete: index update failed for feed %s: %v", feedID, err)
			deleted = nil
		}
	}

	result := &EmailsResult{
		DeletedEmailKeys: make([]string, 0, len(deleted)),
		FailedEmailKeys:  []string{},
	}
	for _, key := range unique {
		if !rejected[key] && slices.Contains(deleted, key) {
			result.DeletedEmailKeys = append(result.DeletedEmailKeys, key)
			continue
		}
		result.FailedEmailKeys = append(result.FailedEmailKeys, key)
	}

	e.currentMetrics().ObserveBulk(KindEmails, len(result.DeletedEmailKeys), len(result.FailedEmailKeys), time.Since(start))
	logger.Info("Bulk email delete: feed=%s requested=%d deleted=%d failed=%d",
		feedID, len(unique), len(result.DeletedEmailKeys), len(result.FailedEmailKeys))

	return result, nil
}
