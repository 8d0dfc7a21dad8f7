package datastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/controlplane/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	v, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v", string(v))

	require.NoError(t, s.Delete(ctx, "k"))
	_, found, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCachedStoreTombstoneDistinguishesAbsentFromUnknown(t *testing.T) {
	base := NewMemoryStore()
	cached := NewCachedStore(base, time.Minute)
	ctx := context.Background()

	// Never written: cache starts with no entry, falls through to base,
	// base says not found, cache records a tombstone.
	_, found, err := cached.Get(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, cached.Set(ctx, "real", []byte("data")))
	v, found, err := cached.Get(ctx, "real")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "data", string(v))

	require.NoError(t, cached.Delete(ctx, "real"))
	_, found, err = cached.Get(ctx, "real")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEncryptedStoreRoundTripOnlyForSecurePrefix(t *testing.T) {
	base := NewMemoryStore()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	enc, err := NewEncryptedStore(base, key)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, enc.Set(ctx, "secure:token", []byte("top-secret")))
	raw, found, err := base.Get(ctx, "secure:token")
	require.NoError(t, err)
	require.True(t, found)
	assert.NotEqual(t, "top-secret", string(raw)) // stored ciphertext, not plaintext

	v, found, err := enc.Get(ctx, "secure:token")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "top-secret", string(v))

	require.NoError(t, enc.Set(ctx, "plain:name", []byte("display-name")))
	raw2, _, err := base.Get(ctx, "plain:name")
	require.NoError(t, err)
	assert.Equal(t, "display-name", string(raw2)) // passthrough, unencrypted
}

func TestInstrumentedStoreRecordsLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := NewInstrumentedStore(NewMemoryStore(), m)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	_, _, err := s.Get(ctx, "k")
	require.NoError(t, err)

	count := testutilCollect(t, m.DatastoreLatency)
	assert.GreaterOrEqual(t, count, 2)
}

// testutilCollect counts samples across all label combinations of a
// HistogramVec without importing prometheus/client_golang/testutil,
// which the retrieved pack does not vendor.
func testutilCollect(t *testing.T, hv *prometheus.HistogramVec) int {
	t.Helper()
	ch := make(chan prometheus.Metric, 16)
	hv.Collect(ch)
	close(ch)
	n := 0
	for range ch {
		n++
	}
	return n
}
