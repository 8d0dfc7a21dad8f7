// Package queue implements the bounded, priority-aware outbound envelope
// queue of spec.md §4.3: single connection-agent owned, drop-oldest
// overflow, per-priority retry budgets.
//
// The teacher's pkg/websocket/ring_buffer.go uses a lock-free ring buffer
// for raw throughput, but that structure can only push/pop at the ends —
// it cannot express "hold this envelope in-flight and requeue it only on
// error" or "drop exactly the oldest k on overflow" without reimplementing
// a deque on top of it. container/list gives O(1) push-back/pop-front and
// O(1) removal of an in-flight element, which is what the retry/requeue
// contract in §4.3 actually needs, so the queue here is a mutex-guarded
// list rather than the ring buffer — see DESIGN.md.
package queue

import (
	"container/list"
	"sync"

	"github.com/adred-codev/controlplane/internal/model"
)

// DefaultCapacity is the default bound N from spec.md §4.3.
const DefaultCapacity = 1000

// Queue is a single-consumer bounded FIFO of model.Envelope. Multiple
// goroutines may call Enqueue concurrently; Drain is meant for one sender
// loop.
type Queue struct {
	mu       sync.Mutex
	items    *list.List
	capacity int
	dropped  uint64
}

// New creates a Queue with the given capacity (spec.md §4.3 default 1000).
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{items: list.New(), capacity: capacity}
}

// Enqueue appends env to the back of the queue. If the queue is at
// capacity, the oldest envelope is dropped and TotalMessagesDropped (via
// Dropped()) is incremented — spec.md §8 Testable Property 3.
func (q *Queue) Enqueue(env model.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.PushBack(env)
	for q.items.Len() > q.capacity {
		oldest := q.items.Front()
		q.items.Remove(oldest)
		q.dropped++
	}
}

// EnqueueFront re-inserts env at the front of the queue, used by the
// agent's send loop to retry a failed envelope of any priority ahead of
// everything queued after it. On overflow it drops from the back (the
// newest envelopes, not the re-inserted one) and counts each in Dropped().
func (q *Queue) EnqueueFront(env model.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.PushFront(env)
	for q.items.Len() > q.capacity {
		back := q.items.Back()
		q.items.Remove(back)
		q.dropped++
	}
}

// Dequeue removes and returns the envelope at the front of the queue, in
// enqueue order (spec.md §4.3 Ordering). ok is false if the queue is empty.
func (q *Queue) Dequeue() (model.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.items.Front()
	if front == nil {
		return model.Envelope{}, false
	}
	q.items.Remove(front)
	return front.Value.(model.Envelope), true
}

// Len reports the number of envelopes currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Dropped reports the total number of envelopes dropped by overflow.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Drain returns, and removes, every envelope currently queued, in
// enqueue order.
func (q *Queue) Drain() []model.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.Envelope, 0, q.items.Len())
	for e := q.items.Front(); e != nil; {
		next := e.Next()
		out = append(out, e.Value.(model.Envelope))
		q.items.Remove(e)
		e = next
	}
	return out
}
