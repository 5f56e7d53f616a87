package purge_test

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/feedmail/pkg/feed"
	"github.com/marmos91/feedmail/pkg/purge"
	"github.com/marmos91/feedmail/pkg/store/kv"
	"github.com/marmos91/feedmail/pkg/store/kv/memory"
	kvtesting "github.com/marmos91/feedmail/pkg/store/kv/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *kvtesting.FaultStore
	repo   *feed.Repository
	engine *purge.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := kvtesting.NewFaultStore(memory.NewMemoryStore())
	repo := feed.NewRepository(store)
	return &fixture{
		store:  store,
		repo:   repo,
		engine: purge.NewEngine(repo, purge.Config{}),
	}
}

// createFeed creates a feed with emails stored through the repository and
// extra legacy-named keys the metadata index never lists.
func (f *fixture) createFeed(t *testing.T, title string, emails, legacy int) *feed.Feed {
	t.Helper()
	ctx := context.Background()

	fd, err := f.repo.CreateFeed(ctx, feed.Input{Title: title})
	require.NoError(t, err)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < emails; i++ {
		_, err := f.repo.AddEmail(ctx, fd.ID, feed.Email{
			Subject:    fmt.Sprintf("issue %d", i),
			ReceivedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	for i := 0; i < legacy; i++ {
		key := fmt.Sprintf("%s%d", feed.Prefix(fd.ID), 1600000000+i)
		require.NoError(t, f.store.Put(ctx, key, []byte(`{"subject":"old"}`)))
	}
	return fd
}

// deleteFeed fast-deletes a feed so its content can be purged.
func (f *fixture) deleteFeed(t *testing.T, id string) {
	t.Helper()
	_, err := f.engine.FastDelete(context.Background(), id)
	require.NoError(t, err)
}

func (f *fixture) keysUnder(t *testing.T, id string) []string {
	t.Helper()
	keys, err := kv.ListAll(context.Background(), f.store, feed.Prefix(id), 1000)
	require.NoError(t, err)
	return keys
}

func (f *fixture) indexIDs(t *testing.T) []string {
	t.Helper()
	entries, err := f.repo.ListFeeds(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}

// ============================================================================
// Fast delete
// ============================================================================

func TestFastDelete_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fd := f.createFeed(t, "news", 3, 0)

	existed, err := f.engine.FastDelete(ctx, fd.ID)
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = f.engine.FastDelete(ctx, fd.ID)
	require.NoError(t, err)
	assert.False(t, existed)

	assert.NotContains(t, f.indexIDs(t), fd.ID)
	_, err = f.repo.GetFeed(ctx, fd.ID)
	assert.ErrorIs(t, err, feed.ErrFeedNotFound)
}

func TestFastDelete_LeavesEmails(t *testing.T) {
	f := newFixture(t)
	fd := f.createFeed(t, "news", 4, 2)

	_, err := f.engine.FastDelete(context.Background(), fd.ID)
	require.NoError(t, err)

	keys := f.keysUnder(t, fd.ID)
	assert.Len(t, keys, 6)
	assert.NotContains(t, keys, feed.ConfigKey(fd.ID))
	assert.NotContains(t, keys, feed.MetaKey(fd.ID))
}

func TestFastDelete_ControlKeyFailureStillHidesFeed(t *testing.T) {
	f := newFixture(t)
	fd := f.createFeed(t, "news", 1, 0)
	f.store.FailKeys(feed.ConfigKey(fd.ID))

	existed, err := f.engine.FastDelete(context.Background(), fd.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, kvtesting.ErrInjected)
	assert.False(t, existed)
	assert.NotContains(t, f.indexIDs(t), fd.ID, "index entry is removed even when control keys fail")
}

func TestFastDelete_InvalidID(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.FastDelete(context.Background(), "feed:evil")
	assert.True(t, purge.IsRequestError(err, purge.ErrCodeInvalid))
}

// ============================================================================
// Purge stepper
// ============================================================================

func TestPurgeStep_Completeness(t *testing.T) {
	limits := []int{1, 3, 7, 250, 1000, 5000, 0, -4}

	for _, limit := range limits {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			fd := f.createFeed(t, "spammed", 60, 23)
			other := f.createFeed(t, "neighbour", 2, 1)

			_, err := f.engine.FastDelete(ctx, fd.ID)
			require.NoError(t, err)
			want := f.keysUnder(t, fd.ID)
			require.Len(t, want, 83)

			var deleted []string
			cursor := ""
			for steps := 0; ; steps++ {
				require.Less(t, steps, 200, "purge did not converge")

				step, err := f.engine.PurgeStep(ctx, fd.ID, cursor, limit)
				require.NoError(t, err)
				require.Empty(t, step.FailedKeys)
				if limit >= 1 {
					assert.LessOrEqual(t, step.DeletedCount(), min(limit, purge.MaxPageLimit))
				}

				deleted = append(deleted, step.DeletedKeys...)
				if step.Complete {
					assert.Empty(t, step.Cursor)
					break
				}
				cursor = step.Cursor
			}

			slices.Sort(deleted)
			assert.Equal(t, want, deleted, "every key deleted exactly once")
			assert.Empty(t, f.keysUnder(t, fd.ID))
			assert.Len(t, f.keysUnder(t, other.ID), 5, "other feeds untouched")
		})
	}
}

func TestPurgeStep_IdempotentAfterCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fd := f.createFeed(t, "news", 5, 0)
	f.deleteFeed(t, fd.ID)

	_, err := f.engine.PurgeAll(ctx, fd.ID, 2)
	require.NoError(t, err)

	step, err := f.engine.PurgeStep(ctx, fd.ID, "", 0)
	require.NoError(t, err)
	assert.Zero(t, step.DeletedCount())
	assert.Zero(t, step.FailedCount())
	assert.True(t, step.Complete)
}

func TestPurgeStep_ConcurrencyCeiling(t *testing.T) {
	store := kvtesting.NewFaultStore(memory.NewMemoryStore())
	repo := feed.NewRepository(store)
	engine := purge.NewEngine(repo, purge.Config{DeleteConcurrency: 3})
	f := &fixture{store: store, repo: repo, engine: engine}
	fd := f.createFeed(t, "news", 20, 0)
	f.deleteFeed(t, fd.ID)

	store.SetDelay(2 * time.Millisecond)
	step, err := engine.PurgeStep(context.Background(), fd.ID, "", 1000)
	require.NoError(t, err)
	assert.Equal(t, 20, step.DeletedCount())
	assert.LessOrEqual(t, store.MaxConcurrentDeletes(), 3)
}

func TestPurgeStep_ListFailure(t *testing.T) {
	f := newFixture(t)
	fd := f.createFeed(t, "news", 2, 0)
	f.deleteFeed(t, fd.ID)
	deletes := f.store.DeleteCalls()
	f.store.FailList(kvtesting.ErrInjected)

	_, err := f.engine.PurgeStep(context.Background(), fd.ID, "", 10)
	assert.ErrorIs(t, err, kvtesting.ErrInjected)
	assert.False(t, purge.IsRequestError(err, purge.ErrCodeInvalid))
	assert.Equal(t, deletes, f.store.DeleteCalls())
}

func TestPurgeStep_RejectsForeignCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fd := f.createFeed(t, "news", 3, 0)
	other := f.createFeed(t, "other", 3, 0)
	f.deleteFeed(t, fd.ID)
	deletes := f.store.DeleteCalls()

	cursors := []string{"not-a-cursor", feed.EmailKey(other.ID, time.Unix(1, 0))}
	for _, cursor := range cursors {
		t.Run(cursor, func(t *testing.T) {
			_, err := f.engine.PurgeStep(ctx, fd.ID, cursor, 10)
			assert.True(t, purge.IsRequestError(err, purge.ErrCodeInvalid), "got %v", err)
		})
	}

	assert.Equal(t, deletes, f.store.DeleteCalls(), "a rejected cursor deletes nothing")
	assert.Len(t, f.keysUnder(t, other.ID), 5)
}

func TestPurgeStep_RefusesListedFeed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fd := f.createFeed(t, "news", 3, 0)

	_, err := f.engine.PurgeStep(ctx, fd.ID, "", 0)
	assert.True(t, purge.IsRequestError(err, purge.ErrCodeInvalid))
	assert.Zero(t, f.store.DeleteCalls())

	_, err = f.engine.PurgeAll(ctx, fd.ID, 0)
	assert.True(t, purge.IsRequestError(err, purge.ErrCodeInvalid))

	got, err := f.repo.GetFeed(ctx, fd.ID)
	require.NoError(t, err, "a listed feed keeps its config")
	assert.Equal(t, fd.ID, got.ID)
	assert.Contains(t, f.indexIDs(t), fd.ID)
}

func TestPurgeAll_RetriesFailedKeys(t *testing.T) {
	f := newFixture(t)
	fd := f.createFeed(t, "news", 30, 0)
	f.deleteFeed(t, fd.ID)
	f.store.FailEveryNthDeleteOnce(4)

	stats, err := f.engine.PurgeAll(context.Background(), fd.ID, 10)
	require.NoError(t, err)
	assert.Greater(t, stats.Passes, 1)
	assert.Equal(t, 30, stats.Deleted)
	assert.Empty(t, f.keysUnder(t, fd.ID))
}

func TestPurgeAll_GivesUp(t *testing.T) {
	f := newFixture(t)
	fd := f.createFeed(t, "news", 3, 0)
	stuck := feed.MetaKey(fd.ID)
	f.store.FailKeys(stuck)
	_, err := f.engine.FastDelete(context.Background(), fd.ID)
	require.Error(t, err, "the metadata index survives the fast delete")

	stats, err := f.engine.PurgeAll(context.Background(), fd.ID, 0)
	assert.ErrorIs(t, err, purge.ErrPurgeIncomplete)
	assert.Equal(t, []string{stuck}, f.keysUnder(t, fd.ID))
	assert.Positive(t, stats.Failed)
}

// ============================================================================
// Bulk feeds
// ============================================================================

func TestBulkDeleteFeeds_RejectsShape(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.BulkDeleteFeeds(ctx, nil)
	assert.True(t, purge.IsRequestError(err, purge.ErrCodeEmptyRequest))

	_, err = f.engine.BulkDeleteFeeds(ctx, []string{"ok", "bad:id"})
	assert.True(t, purge.IsRequestError(err, purge.ErrCodeInvalid))
	assert.Zero(t, f.store.DeleteCalls())
}

func TestBulkDeleteFeeds_Cap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := make([]string, 0, 51)
	for i := 0; i < 51; i++ {
		ids = append(ids, f.createFeed(t, fmt.Sprintf("feed %d", i), 0, 0).ID)
	}

	_, err := f.engine.BulkDeleteFeeds(ctx, ids)
	assert.True(t, purge.IsRequestError(err, purge.ErrCodeBatchTooLarge))
	assert.Zero(t, f.store.DeleteCalls(), "a rejected request has no side effects")
	assert.Len(t, f.indexIDs(t), 51)

	result, err := f.engine.BulkDeleteFeeds(ctx, ids[:50])
	require.NoError(t, err)
	assert.Equal(t, ids[:50], result.DeletedFeedIDs)
	assert.Empty(t, result.FailedFeedIDs)
	assert.Equal(t, []string{ids[50]}, f.indexIDs(t))
}

func TestBulkDeleteFeeds_DedupesAndTreatsMissingAsDeleted(t *testing.T) {
	f := newFixture(t)
	a := f.createFeed(t, "a", 1, 0)

	result, err := f.engine.BulkDeleteFeeds(context.Background(), []string{a.ID, "gone", a.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, "gone"}, result.DeletedFeedIDs)
	assert.Empty(t, result.FailedFeedIDs)
}

func TestBulkDeleteFeeds_RetryConverges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := make([]string, 10)
	for i := range ids {
		ids[i] = f.createFeed(t, fmt.Sprintf("feed %d", i), 2, 0).ID
	}

	f.store.FailEveryNthDeleteOnce(3)
	first, err := f.engine.BulkDeleteFeeds(ctx, ids)
	require.NoError(t, err)
	require.NotEmpty(t, first.FailedFeedIDs)
	assert.Len(t, append(first.DeletedFeedIDs, first.FailedFeedIDs...), 10)
	for _, id := range first.FailedFeedIDs {
		assert.NotContains(t, first.DeletedFeedIDs, id, "partition must be disjoint")
	}

	f.store.ClearFaults()
	retry, err := f.engine.BulkDeleteFeeds(ctx, first.FailedFeedIDs)
	require.NoError(t, err)
	assert.Empty(t, retry.FailedFeedIDs)
	assert.ElementsMatch(t, first.FailedFeedIDs, retry.DeletedFeedIDs)

	assert.Empty(t, f.indexIDs(t))
	for _, id := range ids {
		exists, err := f.repo.FeedExists(ctx, id)
		require.NoError(t, err)
		assert.False(t, exists)
	}
}

func TestBulkDeleteFeeds_IndexFailureMarksBatchFailed(t *testing.T) {
	f := newFixture(t)
	a := f.createFeed(t, "a", 0, 0)
	b := f.createFeed(t, "b", 0, 0)
	f.store.FailCAS(kvtesting.ErrInjected)

	result, err := f.engine.BulkDeleteFeeds(context.Background(), []string{a.ID, b.ID})
	require.NoError(t, err)
	assert.Empty(t, result.DeletedFeedIDs)
	assert.Equal(t, []string{a.ID, b.ID}, result.FailedFeedIDs)
}

type recordingHandoff struct {
	mu  sync.Mutex
	ids []string
}

func (h *recordingHandoff) Schedule(_ context.Context, feedID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids = append(h.ids, feedID)
	return nil
}

func TestBulkDeleteFeeds_SchedulesPurge(t *testing.T) {
	f := newFixture(t)
	handoff := &recordingHandoff{}
	f.engine.SetHandoff(handoff)

	a := f.createFeed(t, "a", 1, 0)
	b := f.createFeed(t, "b", 1, 0)
	f.store.FailKeys(feed.ConfigKey(b.ID))

	result, err := f.engine.BulkDeleteFeeds(context.Background(), []string{a.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, result.DeletedFeedIDs)
	assert.Equal(t, []string{a.ID}, handoff.ids, "only deleted feeds are handed off")
}

// slowHandoff takes delay per Schedule call, like a marker write to a remote store.
type slowHandoff struct {
	recordingHandoff
	delay   time.Duration
	running atomic.Int32
	peak    atomic.Int32
}

func (h *slowHandoff) Schedule(ctx context.Context, feedID string) error {
	n := h.running.Add(1)
	defer h.running.Add(-1)
	for {
		peak := h.peak.Load()
		if n <= peak || h.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(h.delay)
	return h.recordingHandoff.Schedule(ctx, feedID)
}

func TestBulkDeleteFeeds_HandoffsRunConcurrently(t *testing.T) {
	f := newFixture(t)
	handoff := &slowHandoff{delay: 20 * time.Millisecond}
	f.engine.SetHandoff(handoff)

	ids := feedIDs(purge.DefaultMaxBulkFeeds)

	start := time.Now()
	result, err := f.engine.BulkDeleteFeeds(context.Background(), ids)
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Len(t, result.DeletedFeedIDs, purge.DefaultMaxBulkFeeds)
	assert.ElementsMatch(t, ids, handoff.ids)
	assert.Greater(t, handoff.peak.Load(), int32(1))
	assert.LessOrEqual(t, handoff.peak.Load(), int32(purge.DefaultBulkConcurrency))
	assert.Less(t, elapsed, time.Duration(purge.DefaultMaxBulkFeeds)*handoff.delay/2,
		"handoffs must not run one after another")
}

func feedIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("feed-%03d", i)
	}
	return ids
}

func TestDeleteFeed_SchedulesPurge(t *testing.T) {
	f := newFixture(t)
	handoff := &recordingHandoff{}
	f.engine.SetHandoff(handoff)
	a := f.createFeed(t, "a", 1, 0)

	existed, err := f.engine.DeleteFeed(context.Background(), a.ID)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, []string{a.ID}, handoff.ids)
}

// ============================================================================
// Emails
// ============================================================================

func TestBulkDeleteEmails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fd := f.createFeed(t, "news", 5, 0)

	index, err := f.repo.GetMetadataIndex(ctx, fd.ID)
	require.NoError(t, err)
	keys := []string{index[0].Key, index[2].Key, index[0].Key}

	result, err := f.engine.BulkDeleteEmails(ctx, fd.ID, keys)
	require.NoError(t, err)
	assert.Equal(t, []string{index[0].Key, index[2].Key}, result.DeletedEmailKeys)
	assert.Empty(t, result.FailedEmailKeys)

	after, err := f.repo.GetMetadataIndex(ctx, fd.ID)
	require.NoError(t, err)
	assert.Len(t, after, 3)
	_, err = f.repo.GetEmail(ctx, index[0].Key)
	assert.ErrorIs(t, err, feed.ErrEmailNotFound)
}

func TestBulkDeleteEmails_ScopingGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := f.createFeed(t, "target", 2, 0)
	victim := f.createFeed(t, "victim", 2, 0)

	victimIndex, err := f.repo.GetMetadataIndex(ctx, victim.ID)
	require.NoError(t, err)
	foreign := victimIndex[0].Key
	forged := feed.Prefix(target.ID) + "config"

	result, err := f.engine.BulkDeleteEmails(ctx, target.ID, []string{foreign, forged})
	require.NoError(t, err)
	assert.Empty(t, result.DeletedEmailKeys)
	assert.Equal(t, []string{foreign, forged}, result.FailedEmailKeys)
	assert.Zero(t, f.store.DeleteCalls())

	_, err = f.repo.GetEmail(ctx, foreign)
	assert.NoError(t, err, "a key of another feed must survive")
}

func TestBulkDeleteEmails_Shape(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fd := f.createFeed(t, "news", 0, 0)

	_, err := f.engine.BulkDeleteEmails(ctx, fd.ID, nil)
	assert.True(t, purge.IsRequestError(err, purge.ErrCodeEmptyRequest))

	keys := make([]string, purge.DefaultMaxBulkEmails+1)
	for i := range keys {
		keys[i] = feed.EmailKey(fd.ID, time.Unix(int64(i), 0))
	}
	_, err = f.engine.BulkDeleteEmails(ctx, fd.ID, keys)
	assert.True(t, purge.IsRequestError(err, purge.ErrCodeBatchTooLarge))

	result, err := f.engine.BulkDeleteEmails(ctx, fd.ID, keys[:purge.DefaultMaxBulkEmails])
	require.NoError(t, err)
	assert.Len(t, result.FailedEmailKeys, purge.DefaultMaxBulkEmails, "none are in the index")
}

func TestBulkDeleteEmails_IndexFailureRetryConverges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fd := f.createFeed(t, "news", 3, 0)

	index, err := f.repo.GetMetadataIndex(ctx, fd.ID)
	require.NoError(t, err)
	keys := []string{index[0].Key, index[1].Key}

	f.store.FailCAS(kvtesting.ErrInjected)
	first, err := f.engine.BulkDeleteEmails(ctx, fd.ID, keys)
	require.NoError(t, err)
	assert.Equal(t, keys, first.FailedEmailKeys)

	f.store.ClearFaults()
	retry, err := f.engine.BulkDeleteEmails(ctx, fd.ID, first.FailedEmailKeys)
	require.NoError(t, err)
	assert.Equal(t, keys, retry.DeletedEmailKeys)

	after, err := f.repo.GetMetadataIndex(ctx, fd.ID)
	require.NoError(t, err)
	assert.Len(t, after, 1)
}

func TestDeleteEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fd := f.createFeed(t, "news", 2, 0)
	other := f.createFeed(t, "other", 1, 0)

	index, err := f.repo.GetMetadataIndex(ctx, fd.ID)
	require.NoError(t, err)

	require.NoError(t, f.engine.DeleteEmail(ctx, fd.ID, index[0].Key))
	require.NoError(t, f.engine.DeleteEmail(ctx, fd.ID, index[0].Key), "second delete is a no-op")

	after, err := f.repo.GetMetadataIndex(ctx, fd.ID)
	require.NoError(t, err)
	assert.Len(t, after, 1)

	otherIndex, err := f.repo.GetMetadataIndex(ctx, other.ID)
	require.NoError(t, err)
	err = f.engine.DeleteEmail(ctx, fd.ID, otherIndex[0].Key)
	assert.True(t, purge.IsRequestError(err, purge.ErrCodeInvalid))

	err = f.engine.DeleteEmail(ctx, fd.ID, feed.ConfigKey(fd.ID))
	assert.True(t, purge.IsRequestError(err, purge.ErrCodeInvalid))
}
