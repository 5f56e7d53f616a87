// Package memory implements an in-process kv.Store.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/marmos91/feedmail/pkg/store/kv"
)

// DefaultListLimit is the page size used when List is called with limit <= 0.
const DefaultListLimit = 1000

// MemoryStore implements kv.Store using an in-process map.
//
// It is designed for:
//   - Testing (every package test in the repository runs against it)
//   - Single-node deployments where losing data on restart is acceptable
//
// Characteristics:
//   - Listing is strongly consistent and ordered lexicographically
//   - The list cursor is the last key returned, so listing keeps working
//     while keys are deleted between pages
//   - Versions come from a store-wide counter and are never reused, so a key
//     deleted and re-created gets a fresh version
//
// Thread Safety:
// All operations are protected by a sync.RWMutex. Values are copied on the
// way in and out so callers can reuse their buffers.
type MemoryStore struct {
	data    map[string]entry
	counter uint64
	closed  bool
	mu      sync.RWMutex
}

type entry struct {
	value   []byte
	version uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]entry),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, _, err := s.GetVersioned(ctx, key)
	return value, err
}

func (s *MemoryStore) GetVersioned(ctx context.Context, key string) ([]byte, kv.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, kv.NoVersion, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, kv.NoVersion, kv.ErrClosed
	}

	e, ok := s.data[key]
	if !ok {
		return nil, kv.NoVersion, kv.ErrNotFound
	}

	return clone(e.value), formatVersion(e.version), nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return kv.ErrClosed
	}

	s.putLocked(key, value)
	return nil
}

func (s *MemoryStore) PutIfVersion(ctx context.Context, key string, value []byte, expected kv.Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return kv.ErrClosed
	}

	current := kv.NoVersion
	if e, ok := s.data[key]; ok {
		current = formatVersion(e.version)
	}
	if current != expected {
		return kv.ErrVersionConflict
	}

	s.putLocked(key, value)
	return nil
}

func (s *MemoryStore) putLocked(key string, value []byte) {
	s.counter++
	s.data[key] = entry{value: clone(value), version: s.counter}
}

// Delete removes key. Absent keys are not an error.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return kv.ErrClosed
	}

	delete(s.data, key)
	return nil
}

// List returns keys under prefix in lexicographic order, starting strictly
// after cursor.
//
// Context Cancellation:
// Checked before acquiring the lock and every 100 keys while scanning.
func (s *MemoryStore) List(ctx context.Context, prefix, cursor string, limit int) (*kv.ListPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cursor != "" && !strings.HasPrefix(cursor, prefix) {
		return nil, kv.ErrInvalidCursor
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, kv.ErrClosed
	}

	matches := make([]string, 0)
	i := 0
	for key := range s.data {
		if i%100 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		i++

		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if cursor != "" && key <= cursor {
			continue
		}
		matches = append(matches, key)
	}

	sort.Strings(matches)

	page := &kv.ListPage{}
	if len(matches) <= limit {
		page.Keys = matches
		page.Complete = true
		return page, nil
	}

	page.Keys = matches[:limit]
	page.Cursor = page.Keys[len(page.Keys)-1]
	return page, nil
}

// Len returns the number of keys currently stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close marks the store closed and drops its contents.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.data = make(map[string]entry)
	return nil
}

func formatVersion(v uint64) kv.Version {
	return kv.Version(strconv.FormatUint(v, 10))
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
