package testing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/feedmail/pkg/store/kv"
)

// ErrInjected is the error returned by FaultStore for simulated backend failures.
var ErrInjected = errors.New("injected backend failure")

// FaultStore wraps a kv.Store and injects failures and latency into it.
//
// It stands in for a hosted backend that throttles or times out, and records
// how many deletes were in flight at once so tests can verify concurrency
// ceilings.
type FaultStore struct {
	kv.Store

	mu          sync.Mutex
	deleteFault func(call int, key string) bool
	listErr     error
	casErr      error
	deleteCalls int
	deleted     []string

	delay       time.Duration
	inflight    atomic.Int64
	maxInflight atomic.Int64
}

// NewFaultStore wraps inner with no faults configured.
func NewFaultStore(inner kv.Store) *FaultStore {
	return &FaultStore{Store: inner}
}

// FailEveryNthDeleteOnce fails the n-th, 2n-th, ... delete call, but never
// fails the same key twice. Retrying a failed key therefore succeeds.
func (s *FaultStore) FailEveryNthDeleteOnce(n int) {
	failed := make(map[string]bool)
	s.SetDeleteFault(func(call int, key string) bool {
		if call%n != 0 || failed[key] {
			return false
		}
		failed[key] = true
		return true
	})
}

// FailKeys makes every delete of the given keys fail.
func (s *FaultStore) FailKeys(keys ...string) {
	set := make(map[string]bool, len(keys))
	for _, key := range keys {
		set[key] = true
	}
	s.SetDeleteFault(func(_ int, key string) bool {
		return set[key]
	})
}

// SetDeleteFault installs fn, called with the 1-based delete call number.
// fn runs under the store's lock.
func (s *FaultStore) SetDeleteFault(fn func(call int, key string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteFault = fn
}

// FailList makes every List call return err. nil clears the fault.
func (s *FaultStore) FailList(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

// FailCAS makes every PutIfVersion call return err. nil clears the fault.
func (s *FaultStore) FailCAS(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.casErr = err
}

// SetDelay adds latency to every delete so concurrent calls overlap.
func (s *FaultStore) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// ClearFaults removes every injected failure. Counters are kept.
func (s *FaultStore) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteFault = nil
	s.listErr = nil
	s.casErr = nil
}

// DeleteCalls returns the number of Delete calls seen so far.
func (s *FaultStore) DeleteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteCalls
}

// DeletedKeys returns the keys whose delete reached the inner store.
func (s *FaultStore) DeletedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

// MaxConcurrentDeletes returns the highest number of overlapping Delete calls.
func (s *FaultStore) MaxConcurrentDeletes() int {
	return int(s.maxInflight.Load())
}

func (s *FaultStore) Delete(ctx context.Context, key string) error {
	current := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		peak := s.maxInflight.Load()
		if current <= peak || s.maxInflight.CompareAndSwap(peak, current) {
			break
		}
	}

	s.mu.Lock()
	s.deleteCalls++
	fail := s.deleteFault != nil && s.deleteFault(s.deleteCalls, key)
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if fail {
		return kv.NewStoreError("delete", key, ErrInjected)
	}

	if err := s.Store.Delete(ctx, key); err != nil {
		return err
	}

	s.mu.Lock()
	s.deleted = append(s.deleted, key)
	s.mu.Unlock()
	return nil
}

func (s *FaultStore) List(ctx context.Context, prefix, cursor string, limit int) (*kv.ListPage, error) {
	s.mu.Lock()
	err := s.listErr
	s.mu.Unlock()

	if err != nil {
		return nil, kv.NewStoreError("list", prefix, err)
	}
	return s.Store.List(ctx, prefix, cursor, limit)
}

func (s *FaultStore) PutIfVersion(ctx context.Context, key string, value []byte, expected kv.Version) error {
	s.mu.Lock()
	err := s.casErr
	s.mu.Unlock()

	if err != nil {
		return kv.NewStoreError("cas", key, err)
	}
	return s.Store.PutIfVersion(ctx, key, value, expected)
}
