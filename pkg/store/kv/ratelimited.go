package kv

import (
	"context"

	"github.com/marmos91/feedmail/internal/ratelimiter"
)

// RateLimitedStore charges every backend call against a shared token bucket
// before forwarding it.
type RateLimitedStore struct {
	inner   Store
	limiter *ratelimiter.RateLimiter
}

// NewRateLimitedStore wraps inner. A nil or unlimited limiter returns inner unchanged.
func NewRateLimitedStore(inner Store, limiter *ratelimiter.RateLimiter) Store {
	if limiter == nil || limiter.Unlimited() {
		return inner
	}
	return &RateLimitedStore{inner: inner, limiter: limiter}
}

func (s *RateLimitedStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, NewStoreError("get", key, err)
	}
	return s.inner.Get(ctx, key)
}

func (s *RateLimitedStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return NewStoreError("put", key, err)
	}
	return s.inner.Put(ctx, key, value)
}

func (s *RateLimitedStore) Delete(ctx context.Context, key string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return NewStoreError("delete", key, err)
	}
	return s.inner.Delete(ctx, key)
}

func (s *RateLimitedStore) List(ctx context.Context, prefix, cursor string, limit int) (*ListPage, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, NewStoreError("list", prefix, err)
	}
	return s.inner.List(ctx, prefix, cursor, limit)
}

func (s *RateLimitedStore) GetVersioned(ctx context.Context, key string) ([]byte, Version, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, NoVersion, NewStoreError("get", key, err)
	}
	return s.inner.GetVersioned(ctx, key)
}

func (s *RateLimitedStore) PutIfVersion(ctx context.Context, key string, value []byte, expected Version) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return NewStoreError("cas", key, err)
	}
	return s.inner.PutIfVersion(ctx, key, value, expected)
}

func (s *RateLimitedStore) Close() error {
	return s.inner.Close()
}
