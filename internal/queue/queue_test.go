package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/controlplane/internal/model"
)

func envelope(channel string) model.Envelope {
	return model.Envelope{Channel: channel, Kind: model.KindMetrics, Priority: model.PriorityLow}
}

func TestOverflowDropsOldestNFirst(t *testing.T) {
	q := New(8)
	for i := 0; i < 12; i++ {
		q.Enqueue(envelope(string(rune('a' + i))))
	}
	require.Equal(t, uint64(4), q.Dropped())
	require.Equal(t, 8, q.Len())

	remaining := q.Drain()
	require.Len(t, remaining, 8)
	// The 4 earliest enqueued ("a","b","c","d") must be absent; the
	// surviving envelopes are the last 8 enqueued, in enqueue order.
	want := []string{"e", "f", "g", "h", "i", "j", "k", "l"}
	got := make([]string, len(remaining))
	for i, e := range remaining {
		got[i] = e.Channel
	}
	assert.Equal(t, want, got)
}

func TestDequeueOrderPreserved(t *testing.T) {
	q := New(10)
	q.Enqueue(envelope("m1"))
	q.Enqueue(envelope("m2"))
	q.Enqueue(envelope("m3"))

	first, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "m1", first.Channel)

	second, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "m2", second.Channel)
}

func TestDequeueEmpty(t *testing.T) {
	q := New(4)
	_, ok := q.Dequeue()
	assert.False(t, ok)
}

func TestEnqueueFrontPreservesPriority(t *testing.T) {
	q := New(4)
	q.Enqueue(envelope("normal"))
	q.EnqueueFront(envelope("retry"))

	first, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "retry", first.Channel)
}
