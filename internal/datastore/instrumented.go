package datastore

import (
	"context"
	"time"

	"github.com/adred-codev/controlplane/internal/metrics"
)

// InstrumentedStore wraps a DataStore with Prometheus latency/error
// observation per operation, outermost in the composition so every call
// that reaches the stack is measured end-to-end including cache,
// encryption, and resilience overhead.
type InstrumentedStore struct {
	next DataStore
	m    *metrics.Metrics
}

// NewInstrumentedStore wraps next with metrics m.
func NewInstrumentedStore(next DataStore, m *metrics.Metrics) *InstrumentedStore {
	return &InstrumentedStore{next: next, m: m}
}

func (i *InstrumentedStore) observe(op string, start time.Time, err error) {
	i.m.DatastoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		i.m.DatastoreErrors.WithLabelValues(op).Inc()
	}
}

func (i *InstrumentedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	v, found, err := i.next.Get(ctx, key)
	i.observe("get", start, err)
	return v, found, err
}

func (i *InstrumentedStore) Set(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	err := i.next.Set(ctx, key, value)
	i.observe("set", start, err)
	return err
}

func (i *InstrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := i.next.Delete(ctx, key)
	i.observe("delete", start, err)
	return err
}

func (i *InstrumentedStore) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := i.next.Exists(ctx, key)
	i.observe("exists", start, err)
	return ok, err
}

func (i *InstrumentedStore) BatchSet(ctx context.Context, kv map[string][]byte) error {
	start := time.Now()
	err := i.next.BatchSet(ctx, kv)
	i.observe("batch_set", start, err)
	return err
}
