package datastore

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// ResilientStore wraps a DataStore with a circuit breaker (so a failing
// backend fails fast instead of piling up latency) and a bounded retry
// with backoff (up to 3 retries of any error), mirroring the resilience pattern
// gravitational/teleport and steveyegge/beads both build on
// sony/gobreaker + cenkalti/backoff for external dependencies.
type ResilientStore struct {
	next DataStore
	cb   *gobreaker.CircuitBreaker
}

// NewResilientStore wraps next with a circuit breaker that opens after 5
// consecutive failures and probes again after 30s.
func NewResilientStore(next DataStore, name string) *ResilientStore {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &ResilientStore{next: next, cb: cb}
}

func withRetry[T any](ctx context.Context, cb *gobreaker.CircuitBreaker, op func() (T, error)) (T, error) {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	var result T
	err := backoff.Retry(func() error {
		v, err := cb.Execute(func() (any, error) { return op() })
		if err != nil {
			return err
		}
		result = v.(T)
		return nil
	}, bo)
	return result, err
}

func (r *ResilientStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	type pair struct {
		v []byte
		f bool
	}
	p, err := withRetry(ctx, r.cb, func() (pair, error) {
		v, found, err := r.next.Get(ctx, key)
		return pair{v, found}, err
	})
	return p.v, p.f, err
}

func (r *ResilientStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := withRetry(ctx, r.cb, func() (struct{}, error) {
		return struct{}{}, r.next.Set(ctx, key, value)
	})
	return err
}

func (r *ResilientStore) Delete(ctx context.Context, key string) error {
	_, err := withRetry(ctx, r.cb, func() (struct{}, error) {
		return struct{}{}, r.next.Delete(ctx, key)
	})
	return err
}

func (r *ResilientStore) Exists(ctx context.Context, key string) (bool, error) {
	return withRetry(ctx, r.cb, func() (bool, error) {
		return r.next.Exists(ctx, key)
	})
}

func (r *ResilientStore) BatchSet(ctx context.Context, kv map[string][]byte) error {
	_, err := withRetry(ctx, r.cb, func() (struct{}, error) {
		return struct{}{}, r.next.BatchSet(ctx, kv)
	})
	return err
}
