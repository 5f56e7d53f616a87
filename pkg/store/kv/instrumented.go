package kv

import (
	"context"
	"time"
)

// Metrics receives one observation per backend call.
//
// A nil Metrics disables instrumentation. See pkg/metrics for the Prometheus
// implementation.
type Metrics interface {
	// ObserveOperation records a finished call. err is nil on success;
	// ErrNotFound from get is reported as a success by callers of this hook.
	ObserveOperation(op string, duration time.Duration, err error)

	// ObserveListPage records how many keys a list call returned.
	ObserveListPage(keys int)
}

// InstrumentedStore reports latency and outcome of every call to Metrics.
type InstrumentedStore struct {
	inner   Store
	metrics Metrics
}

// NewInstrumentedStore wraps inner. A nil metrics returns inner unchanged.
func NewInstrumentedStore(inner Store, metrics Metrics) Store {
	if metrics == nil {
		return inner
	}
	return &InstrumentedStore{inner: inner, metrics: metrics}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	if IsNotFound(err) {
		err = nil
	}
	s.metrics.ObserveOperation(op, time.Since(start), err)
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	value, err := s.inner.Get(ctx, key)
	s.observe("get", start, err)
	return value, err
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	err := s.inner.Put(ctx, key, value)
	s.observe("put", start, err)
	return err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.inner.Delete(ctx, key)
	s.observe("delete", start, err)
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, prefix, cursor string, limit int) (*ListPage, error) {
	start := time.Now()
	page, err := s.inner.List(ctx, prefix, cursor, limit)
	s.observe("list", start, err)
	if err == nil {
		s.metrics.ObserveListPage(len(page.Keys))
	}
	return page, err
}

func (s *InstrumentedStore) GetVersioned(ctx context.Context, key string) ([]byte, Version, error) {
	start := time.Now()
	value, version, err := s.inner.GetVersioned(ctx, key)
	s.observe("get", start, err)
	return value, version, err
}

func (s *InstrumentedStore) PutIfVersion(ctx context.Context, key string, value []byte, expected Version) error {
	start := time.Now()
	err := s.inner.PutIfVersion(ctx, key, value, expected)
	s.observe("cas", start, err)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
