package kv

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrNoChange may be returned by an UpdateFunc to leave the record untouched.
var ErrNoChange = errors.New("no change")

// MaxUpdateAttempts bounds the compare-and-swap retries of Update.
const MaxUpdateAttempts = 10

// UpdateFunc computes the new value of a record from its current value.
// current is nil and exists is false when the key is absent.
type UpdateFunc func(current []byte, exists bool) ([]byte, error)

// Update performs an optimistic read-modify-write of key.
//
// The record is read with its version, fn computes the replacement and the
// write only lands if nobody else wrote the key in between. On a conflict the
// cycle restarts with a short jittered backoff, up to MaxUpdateAttempts times.
//
// fn may run several times and must not have side effects.
//
// Returns:
//   - nil if the write landed or fn returned ErrNoChange
//   - the error returned by fn
//   - an error wrapping ErrVersionConflict if every attempt lost the race
func Update(ctx context.Context, store Store, key string, fn UpdateFunc) error {
	for attempt := 0; attempt < MaxUpdateAttempts; attempt++ {
		current, version, err := store.GetVersioned(ctx, key)
		exists := true
		if errors.Is(err, ErrNotFound) {
			current, version, exists = nil, NoVersion, false
		} else if err != nil {
			return err
		}

		next, err := fn(current, exists)
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		if err != nil {
			return err
		}

		err = store.PutIfVersion(ctx, key, next, version)
		if err == nil {
			return nil
		}
		if !IsVersionConflict(err) {
			return err
		}

		if err := backoff(ctx, attempt); err != nil {
			return err
		}
	}

	return fmt.Errorf("update %q gave up after %d attempts: %w", key, MaxUpdateAttempts, ErrVersionConflict)
}

func backoff(ctx context.Context, attempt int) error {
	ceiling := time.Duration(attempt+1) * 5 * time.Millisecond
	delay := time.Duration(rand.Int64N(int64(ceiling)))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListAll walks every page under prefix and returns all keys.
//
// Only meant for bounded key spaces (pending markers, tests). Purge uses
// List page by page so the work per call stays bounded.
func ListAll(ctx context.Context, store Store, prefix string, pageSize int) ([]string, error) {
	var (
		keys   []string
		cursor string
	)
	for {
		page, err := store.List(ctx, prefix, cursor, pageSize)
		if err != nil {
			return nil, err
		}
		keys = append(keys, page.Keys...)
		if page.Complete {
			return keys, nil
		}
		if page.Cursor == cursor && len(page.Keys) == 0 {
			return nil, fmt.Errorf("list %q: cursor did not advance", prefix)
		}
		cursor = page.Cursor
	}
}
