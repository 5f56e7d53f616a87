package kv_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/feedmail/internal/ratelimiter"
	"github.com/marmos91/feedmail/pkg/store/kv"
	"github.com/marmos91/feedmail/pkg/store/kv/memory"
	kvtesting "github.com/marmos91/feedmail/pkg/store/kv/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdate_CreatesMissingKey(t *testing.T) {
	store := memory.NewMemoryStore()
	ctx := context.Background()

	err := kv.Update(ctx, store, "feeds:index", func(current []byte, exists bool) ([]byte, error) {
		assert.False(t, exists)
		assert.Nil(t, current)
		return []byte("[]"), nil
	})
	require.NoError(t, err)

	value, err := store.Get(ctx, "feeds:index")
	require.NoError(t, err)
	assert.Equal(t, "[]", string(value))
}

func TestUpdate_NoChange(t *testing.T) {
	store := memory.NewMemoryStore()
	ctx := context.Background()

	err := kv.Update(ctx, store, "k", func([]byte, bool) ([]byte, error) {
		return nil, kv.ErrNoChange
	})
	require.NoError(t, err)

	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, kv.ErrNotFound, "ErrNoChange must not write")
}

func TestUpdate_PropagatesFuncError(t *testing.T) {
	store := memory.NewMemoryStore()
	boom := errors.New("boom")

	err := kv.Update(context.Background(), store, "k", func([]byte, bool) ([]byte, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

// conflictingStore loses the first n compare-and-swap races.
type conflictingStore struct {
	kv.Store
	mu        sync.Mutex
	conflicts int
}

func (s *conflictingStore) PutIfVersion(ctx context.Context, key string, value []byte, expected kv.Version) error {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return kv.ErrVersionConflict
	}
	s.mu.Unlock()
	return s.Store.PutIfVersion(ctx, key, value, expected)
}

func TestUpdate_RetriesConflicts(t *testing.T) {
	store := &conflictingStore{Store: memory.NewMemoryStore(), conflicts: 3}
	calls := 0

	err := kv.Update(context.Background(), store, "k", func([]byte, bool) ([]byte, error) {
		calls++
		return []byte("v"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestUpdate_GivesUp(t *testing.T) {
	store := &conflictingStore{Store: memory.NewMemoryStore(), conflicts: kv.MaxUpdateAttempts}

	err := kv.Update(context.Background(), store, "k", func([]byte, bool) ([]byte, error) {
		return []byte("v"), nil
	})
	assert.ErrorIs(t, err, kv.ErrVersionConflict)
}

func TestUpdate_WriteFailure(t *testing.T) {
	store := kvtesting.NewFaultStore(memory.NewMemoryStore())
	store.FailCAS(kvtesting.ErrInjected)

	err := kv.Update(context.Background(), store, "k", func([]byte, bool) ([]byte, error) {
		return []byte("v"), nil
	})
	assert.ErrorIs(t, err, kvtesting.ErrInjected)
}

func TestListAll(t *testing.T) {
	store := memory.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		require.NoError(t, store.Put(ctx, fmt.Sprintf("purge:pending:%02d", i), []byte("{}")))
	}

	keys, err := kv.ListAll(ctx, store, "purge:pending:", 5)
	require.NoError(t, err)
	assert.Len(t, keys, 12)
}

func TestStoreError(t *testing.T) {
	err := kv.NewStoreError("delete", "feed:a:config", kv.ErrClosed)
	assert.ErrorIs(t, err, kv.ErrClosed)
	assert.Contains(t, err.Error(), "feed:a:config")
	assert.NoError(t, kv.NewStoreError("get", "k", nil))
}

func TestRateLimitedStore(t *testing.T) {
	inner := memory.NewMemoryStore()

	assert.Same(t, kv.Store(inner), kv.NewRateLimitedStore(inner, nil))
	assert.Same(t, kv.Store(inner), kv.NewRateLimitedStore(inner, ratelimiter.New(0, 0)))

	limited := kv.NewRateLimitedStore(inner, ratelimiter.New(50, 1))
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, limited.Put(ctx, "a", []byte("1")))
	require.NoError(t, limited.Put(ctx, "b", []byte("2")))
	require.NoError(t, limited.Delete(ctx, "a"))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	value, err := limited.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "2", string(value))
}

func TestRateLimitedStore_CancelledWait(t *testing.T) {
	limited := kv.NewRateLimitedStore(memory.NewMemoryStore(), ratelimiter.New(1, 1))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, limited.Put(ctx, "a", []byte("1")))
	err := limited.Delete(ctx, "a")
	assert.Error(t, err)
}

type recordingMetrics struct {
	mu    sync.Mutex
	ops   map[string]int
	errs  map[string]int
	pages []int
}

func (m *recordingMetrics) ObserveOperation(op string, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[op]++
	if err != nil {
		m.errs[op]++
	}
}

func (m *recordingMetrics) ObserveListPage(keys int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = append(m.pages, keys)
}

func TestInstrumentedStore(t *testing.T) {
	metrics := &recordingMetrics{ops: map[string]int{}, errs: map[string]int{}}
	store := kv.NewInstrumentedStore(memory.NewMemoryStore(), metrics)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "feed:a:1", []byte("x")))
	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, kv.ErrNotFound)
	require.NoError(t, store.Delete(ctx, "feed:a:1"))
	_, err = store.List(ctx, "feed:", "", 10)
	require.NoError(t, err)
	err = store.PutIfVersion(ctx, "feed:a:2", []byte("x"), kv.Version("42"))
	require.ErrorIs(t, err, kv.ErrVersionConflict)

	assert.Equal(t, 1, metrics.ops["put"])
	assert.Equal(t, 1, metrics.ops["get"])
	assert.Equal(t, 0, metrics.errs["get"], "not found is not a backend error")
	assert.Equal(t, 1, metrics.ops["delete"])
	assert.Equal(t, 1, metrics.errs["cas"])
	assert.Equal(t, []int{0}, metrics.pages)
}
