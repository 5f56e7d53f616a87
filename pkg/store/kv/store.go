// Package kv defines the key-value store contract the deletion engine runs on.
//
// The contract is deliberately minimal so it can be served by hosted
// key-value products, object storage and embedded databases alike:
//   - Get / Put / Delete on single keys
//   - List of keys under a prefix, one page at a time, resumable via an opaque cursor
//   - Optimistic versioning (GetVersioned / PutIfVersion) for read-modify-write records
//
// Stores never retry internally. Callers own retry and partial-failure policy.
//
// Implementations live in sub-packages:
//   - kv/memory: in-process map, used by tests and single-node deployments
//   - kv/badger: embedded persistent store
//   - kv/redis: Redis or any RESP-compatible server
//   - kv/s3: S3-compatible object storage (one object per key)
package kv

import (
	"context"
)

// Version identifies a specific revision of a key's value.
//
// The format is backend specific (a counter, a Badger commit timestamp, a
// content hash, an ETag) and must be treated as opaque. NoVersion means the
// key does not exist.
type Version string

// NoVersion is the version of an absent key. PutIfVersion with NoVersion
// succeeds only if the key does not exist yet.
const NoVersion Version = ""

// ListPage is one page of a prefix listing.
type ListPage struct {
	// Keys under the requested prefix, in backend order.
	Keys []string

	// Cursor resumes the listing after the last key of this page.
	// Empty when Complete is true.
	Cursor string

	// Complete is true when no keys remain after this page.
	Complete bool
}

// Store is the capability interface over the external key-value store.
//
// Listing is allowed to be eventually consistent: a key written just before a
// List may be missing from it and a key deleted just before may still appear.
// Deleting such a key again is harmless because Delete is idempotent.
//
// Thread Safety:
// Implementations must be safe for concurrent use by multiple goroutines.
type Store interface {
	// Get returns the value stored at key.
	//
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value at key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is a successful no-op.
	Delete(ctx context.Context, key string) error

	// List returns up to limit keys whose name starts with prefix.
	//
	// cursor is empty for the first page, otherwise the Cursor of the previous
	// page. Backends may return fewer than limit keys on a page that is not
	// the last one. limit <= 0 lets the backend choose its page size.
	//
	// Returns ErrInvalidCursor if cursor was not produced by this store.
	List(ctx context.Context, prefix, cursor string, limit int) (*ListPage, error)

	// GetVersioned returns the value and its current version.
	//
	// Returns ErrNotFound (and NoVersion) if the key does not exist.
	GetVersioned(ctx context.Context, key string) ([]byte, Version, error)

	// PutIfVersion stores value only if key is still at version expected.
	//
	// Pass NoVersion to require that the key does not exist.
	// Returns ErrVersionConflict if the key changed in the meantime.
	PutIfVersion(ctx context.Context, key string, value []byte, expected Version) error

	// Close releases backend resources. The store must not be used afterwards.
	Close() error
}
