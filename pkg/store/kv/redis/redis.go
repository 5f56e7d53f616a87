// Package redis implements kv.Store on Redis (or any RESP-compatible server).
package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/marmos91/feedmail/pkg/store/kv"
)

const (
	// DefaultListLimit is the SCAN COUNT hint used when List is called with limit <= 0.
	DefaultListLimit = 1000

	// maxScanRounds bounds how many empty SCAN rounds one List call absorbs
	// before returning an empty, incomplete page.
	maxScanRounds = 16
)

// RedisStore implements kv.Store on a single Redis node.
//
// Listing:
// List is backed by SCAN with a MATCH pattern, so the cursor is Redis' own
// opaque cursor. SCAN guarantees every key present for the whole iteration is
// returned at least once. Caveats callers must tolerate:
//   - COUNT is only a hint, so the last SCAN call of a page can overshoot
//     limit. Each call asks only for the keys still missing, which keeps the
//     overshoot to a single batch.
//   - A key can show up on two different pages. It is never repeated within
//     one page. Deleting it twice is harmless, but per-page counts can add up
//     to more than the number of keys.
//
// Versioning:
// The version of a value is a hash of its bytes. PutIfVersion runs under
// WATCH/MULTI so a concurrent write between the read and the write aborts the
// transaction.
//
// Thread Safety:
// go-redis clients are safe for concurrent use.
type RedisStore struct {
	client    goredis.UniversalClient
	keyPrefix string
}

// RedisStoreConfig contains configuration for the Redis store.
type RedisStoreConfig struct {
	// Client is the configured Redis client
	Client goredis.UniversalClient

	// KeyPrefix namespaces every key (e.g. "feedmail:"). Optional.
	KeyPrefix string
}

// NewRedisStore creates a store and verifies the server is reachable.
func NewRedisStore(ctx context.Context, config RedisStoreConfig) (*RedisStore, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if err := config.Client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	return &RedisStore{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
	}, nil
}

func (s *RedisStore) fullKey(key string) string {
	return s.keyPrefix + key
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.fullKey(key)).Bytes()
	if err != nil {
		return nil, translate("get", key, err)
	}
	return value, nil
}

func (s *RedisStore) GetVersioned(ctx context.Context, key string) ([]byte, kv.Version, error) {
	value, err := s.Get(ctx, key)
	if err != nil {
		return nil, kv.NoVersion, err
	}
	return value, versionOf(value), nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	err := s.client.Set(ctx, s.fullKey(key), value, 0).Err()
	return translate("put", key, err)
}

func (s *RedisStore) PutIfVersion(ctx context.Context, key string, value []byte, expected kv.Version) error {
	full := s.fullKey(key)

	txf := func(tx *goredis.Tx) error {
		current := kv.NoVersion
		existing, err := tx.Get(ctx, full).Bytes()
		switch {
		case err == nil:
			current = versionOf(existing)
		case errors.Is(err, goredis.Nil):
		default:
			return err
		}

		if current != expected {
			return kv.ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, full, value, 0)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, full)
	return translate("cas", key, err)
}

// Delete removes key. DEL of an absent key returns 0, which is not an error.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	err := s.client.Del(ctx, s.fullKey(key)).Err()
	return translate("delete", key, err)
}

// List returns keys under prefix using SCAN.
//
// SCAN is repeated (up to maxScanRounds calls) until the page holds limit keys
// or the iteration ends, so callers rarely see a short page that is not the
// last one.
func (s *RedisStore) List(ctx context.Context, prefix, cursor string, limit int) (*kv.ListPage, error) {
	var position uint64
	if cursor != "" {
		parsed, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, kv.ErrInvalidCursor
		}
		position = parsed
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	pattern := escapeGlob(s.fullKey(prefix)) + "*"
	page := &kv.ListPage{}
	seen := make(map[string]struct{})

	for round := 0; round < maxScanRounds; round++ {
		count := int64(limit - len(page.Keys))
		keys, next, err := s.client.Scan(ctx, position, pattern, count).Result()
		if err != nil {
			return nil, translate("list", prefix, err)
		}

		page.Keys = appendUnique(page.Keys, seen, keys, s.keyPrefix)

		position = next
		if position == 0 {
			page.Complete = true
			return page, nil
		}
		if len(page.Keys) >= limit {
			break
		}
	}

	page.Cursor = strconv.FormatUint(position, 10)
	return page, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// appendUnique appends the keys not yet in seen, without keyPrefix.
func appendUnique(dst []string, seen map[string]struct{}, keys []string, keyPrefix string) []string {
	for _, key := range keys {
		key = strings.TrimPrefix(key, keyPrefix)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		dst = append(dst, key)
	}
	return dst
}

func versionOf(value []byte) kv.Version {
	sum := sha256.Sum256(value)
	return kv.Version(hex.EncodeToString(sum[:16]))
}

// escapeGlob escapes SCAN MATCH metacharacters so the prefix matches literally.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\', '^':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func translate(op, key string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, goredis.Nil):
		return kv.ErrNotFound
	case errors.Is(err, kv.ErrVersionConflict), errors.Is(err, goredis.TxFailedErr):
		return kv.ErrVersionConflict
	case errors.Is(err, goredis.ErrClosed):
		return kv.ErrClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return kv.NewStoreError(op, key, err)
	}
}
