package kv

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get and GetVersioned for absent keys.
	ErrNotFound = errors.New("key not found")

	// ErrVersionConflict is returned by PutIfVersion when the key was modified
	// (or created, or deleted) after the expected version was read.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalidCursor is returned by List for a cursor the store cannot resume from.
	ErrInvalidCursor = errors.New("invalid list cursor")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// StoreError wraps a backend failure with the operation and key involved.
//
// Backends return StoreError for infrastructure failures (timeouts, throttling,
// transport errors) so log lines carry the failing key. Sentinel errors above
// are wrapped, so errors.Is keeps working.
type StoreError struct {
	// Op is the store operation ("get", "put", "delete", "list", "cas")
	Op string

	// Key is the key (or prefix, for list) involved
	Key string

	// Err is the underlying error
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("kv %s %q: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError builds a StoreError. A nil err yields nil.
func NewStoreError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Key: key, Err: err}
}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsVersionConflict reports whether err is (or wraps) ErrVersionConflict.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
