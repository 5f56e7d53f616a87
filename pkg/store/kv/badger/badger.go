// Package badger implements a persistent kv.Store on BadgerDB.
package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/feedmail/pkg/store/kv"
)

// DefaultListLimit is the page size used when List is called with limit <= 0.
const DefaultListLimit = 1000

// BadgerStore implements kv.Store using BadgerDB.
//
// Suitable for single-node production deployments that need the feed data to
// survive restarts without running an external database.
//
// Storage Model:
// Keys are stored verbatim, so "feed:<id>:" prefixes map directly onto
// Badger's sorted key space and prefix listing is a range scan.
//
// Versioning:
// A key's version is the commit timestamp of its last write (item.Version()).
// PutIfVersion reads and writes inside one transaction; Badger's optimistic
// conflict detection rejects the commit if a concurrent transaction wrote the
// key first, which is surfaced as kv.ErrVersionConflict.
//
// Thread Safety:
// BadgerDB handles concurrency internally (MVCC); no extra locking is needed.
type BadgerStore struct {
	db *badgerdb.DB
}

// BadgerStoreConfig contains configuration for the Badger store.
type BadgerStoreConfig struct {
	// DBPath is the directory holding the database files.
	// Ignored when InMemory is true.
	DBPath string

	// InMemory keeps all data in RAM (tests and throwaway instances).
	InMemory bool

	// BlockCacheSizeMB is BadgerDB's block cache size in MB (default: 64)
	BlockCacheSizeMB int64

	// IndexCacheSizeMB is BadgerDB's index cache size in MB (default: 32)
	IndexCacheSizeMB int64

	// SyncWrites fsyncs every commit. Slower but loses nothing on power loss.
	SyncWrites bool
}

// NewBadgerStore opens (or creates) the database described by config.
//
// Parameters:
//   - ctx: Context checked before opening the database
//   - config: Store configuration
//
// Returns:
//   - *BadgerStore: Store ready for use
//   - error: Configuration error or failure to open the database
func NewBadgerStore(ctx context.Context, config BadgerStoreConfig) (*BadgerStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badgerdb.Options
	if config.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if config.DBPath == "" {
			return nil, fmt.Errorf("badger store: db path is required")
		}
		opts = badgerdb.DefaultOptions(config.DBPath)
	}

	// Values are small JSON documents and the workload is dominated by
	// point writes, deletes and short range scans.
	opts = opts.WithLoggingLevel(badgerdb.WARNING)
	opts = opts.WithCompression(options.None)
	opts = opts.WithSyncWrites(config.SyncWrites)

	blockCacheMB := config.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 64
	}
	indexCacheMB := config.IndexCacheSizeMB
	if indexCacheMB == 0 {
		indexCacheMB = 32
	}
	opts = opts.WithBlockCacheSize(blockCacheMB << 20)
	opts = opts.WithIndexCacheSize(indexCacheMB << 20)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", config.DBPath, err)
	}

	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, _, err := s.GetVersioned(ctx, key)
	return value, err
}

func (s *BadgerStore) GetVersioned(ctx context.Context, key string) ([]byte, kv.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, kv.NoVersion, err
	}

	var (
		value   []byte
		version kv.Version
	)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
		version = formatVersion(item.Version())
		return nil
	})
	if err != nil {
		return nil, kv.NoVersion, translate("get", key, err)
	}

	return value, version, nil
}

func (s *BadgerStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(key), value)
	})
	return translate("put", key, err)
}

func (s *BadgerStore) PutIfVersion(ctx context.Context, key string, value []byte, expected kv.Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		current := kv.NoVersion
		item, err := txn.Get([]byte(key))
		switch {
		case err == nil:
			current = formatVersion(item.Version())
		case errors.Is(err, badgerdb.ErrKeyNotFound):
		default:
			return err
		}

		if current != expected {
			return kv.ErrVersionConflict
		}
		return txn.Set([]byte(key), value)
	})
	return translate("cas", key, err)
}

// Delete removes key. Badger treats deleting an absent key as a no-op.
func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(key))
	})
	return translate("delete", key, err)
}

// List scans keys under prefix in byte order, resuming strictly after cursor.
//
// The cursor is the last key of the previous page, so pages stay correct
// even when keys are deleted between calls.
func (s *BadgerStore) List(ctx context.Context, prefix, cursor string, limit int) (*kv.ListPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cursor != "" && !strings.HasPrefix(cursor, prefix) {
		return nil, kv.ErrInvalidCursor
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	page := &kv.ListPage{Keys: make([]string, 0, limit)}

	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		start := []byte(prefix)
		if cursor != "" {
			start = []byte(cursor)
		}

		scanned := 0
		for it.Seek(start); it.Valid(); it.Next() {
			if scanned%100 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			scanned++

			key := it.Item().Key()
			if cursor != "" && bytes.Equal(key, []byte(cursor)) {
				continue
			}

			if len(page.Keys) == limit {
				// One more key exists past the page.
				page.Cursor = page.Keys[len(page.Keys)-1]
				return nil
			}
			page.Keys = append(page.Keys, string(it.Item().KeyCopy(nil)))
		}

		page.Complete = true
		return nil
	})
	if err != nil {
		return nil, translate("list", prefix, err)
	}

	return page, nil
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func formatVersion(v uint64) kv.Version {
	return kv.Version(strconv.FormatUint(v, 10))
}

// translate maps Badger errors onto the kv contract.
func translate(op, key string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badgerdb.ErrKeyNotFound):
		return kv.ErrNotFound
	case errors.Is(err, kv.ErrVersionConflict), errors.Is(err, badgerdb.ErrConflict):
		return kv.ErrVersionConflict
	case errors.Is(err, badgerdb.ErrDBClosed):
		return kv.ErrClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return kv.NewStoreError(op, key, err)
	}
}
