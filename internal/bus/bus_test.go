package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatches(t *testing.T) {
	cases := []struct {
		channel, pattern string
		want             bool
	}{
		{"health:app-1", "health:app-1", true},
		{"health:app-1", "health:*", true},
		{"health:app-1", "metrics:*", false},
		{"events", "events", true},
		{"events:app-1", "events", false},
		{"health:app-1", "*", true},
		{"a.b.c", "a.*.c", true},
		{"a.b.c", "a.*.d", false},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, Matches(c.channel, c.pattern), "Matches(%q, %q)", c.channel, c.pattern)
	}
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := b.Subscribe(ctx, "health:*")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "health:app-1", []byte("m1"), 0))
	require.NoError(t, b.Publish(ctx, "health:app-1", []byte("m2"), 0))
	require.NoError(t, b.Publish(ctx, "metrics:app-1", []byte("ignored"), 0))

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case msg := <-sub.C:
			got = append(got, string(msg.Data))
			assert.Equal(t, "health:app-1", msg.Channel)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
	// Per-channel FIFO: m1 observed before m2 (spec.md §8 property 2).
	assert.Equal(t, []string{"m1", "m2"}, got)
}

func TestMemoryBusUnsubscribeLeavesNoActiveSubscription(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "events")
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe("events"))

	b.mu.RLock()
	defer b.mu.RUnlock()
	assert.Empty(t, b.subscribers)
}

func TestMemoryBusIsAvailable(t *testing.T) {
	b := NewMemoryBus()
	assert.True(t, b.IsAvailable(context.Background()))
	b.Close()
	assert.False(t, b.IsAvailable(context.Background()))
}
