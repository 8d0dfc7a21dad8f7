package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/adred-codev/controlplane/internal/ctlerrors"
)

type memorySubscriberEntry struct {
	id      string
	pattern string
	ch      chan Message
}

// MemoryBus is an in-process pub/sub bus for tests and for components that
// run the agent inside the daemon itself (spec.md §4.4 "daemon-self
// exception"). Thread-safe fan-out modeled on
// jeeves-core/commbus/bus.go's InMemoryCommBus: a mutex-guarded map of
// subscriber entries, copied under lock before dispatch so handler
// execution never happens while holding the bus lock.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]*memorySubscriberEntry
	closed      atomic.Bool
	retention   time.Duration
}

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[string]*memorySubscriberEntry),
		retention:   DefaultRetention,
	}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, data []byte, expiry time.Duration) error {
	if b.closed.Load() {
		return ctlerrors.ErrTransportUnavailable
	}
	if expiry <= 0 {
		expiry = b.retention
	}

	b.mu.RLock()
	entries := make([]*memorySubscriberEntry, 0, len(b.subscribers))
	for _, e := range b.subscribers {
		if Matches(channel, e.pattern) {
			entries = append(entries, e)
		}
	}
	b.mu.RUnlock()

	msg := Message{Channel: channel, Data: append([]byte(nil), data...)}
	for _, e := range entries {
		select {
		case e.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Slow subscriber: drop rather than block the publisher, same
			// as the bus-level "no ack back-channel" guarantee in §4.1 —
			// delivery is best-effort, higher layers own retry/backpressure.
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, pattern string) (*Subscription, error) {
	if b.closed.Load() {
		return nil, ctlerrors.ErrTransportUnavailable
	}
	entry := &memorySubscriberEntry{
		id:      uuid.NewString(),
		pattern: pattern,
		ch:      make(chan Message, 256),
	}
	b.mu.Lock()
	b.subscribers[entry.id] = entry
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subscribers, entry.id)
		b.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return &Subscription{Pattern: pattern, C: entry.ch, cancel: cancel}, nil
}

func (b *MemoryBus) Unsubscribe(pattern string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, e := range b.subscribers {
		if e.pattern == pattern {
			delete(b.subscribers, id)
		}
	}
	return nil
}

func (b *MemoryBus) IsAvailable(ctx context.Context) bool {
	return !b.closed.Load()
}

func (b *MemoryBus) Close() error {
	b.closed.Store(true)
	b.mu.Lock()
	for id, e := range b.subscribers {
		close(e.ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	return nil
}
