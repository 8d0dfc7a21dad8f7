package datastore

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// cacheEntry distinguishes "known absent" (a tombstone written by Delete)
// from "not yet known" (simply never cached), per SPEC_FULL.md §5 Open
// Question 2: a nil cache hit never itself means "known absent".
type cacheEntry struct {
	value   []byte
	tomb    bool
	cachedAt time.Time
}

// CachedStore wraps a DataStore with an in-memory read-through cache.
// Concurrent Gets for the same key that miss the cache are coalesced via
// singleflight so a cache stampede only reaches the underlying store
// once, matching the pattern golang.org/x/sync/singleflight exists for.
type CachedStore struct {
	next DataStore
	ttl  time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

// NewCachedStore wraps next with a read-through cache whose entries
// expire after ttl (0 disables expiry).
func NewCachedStore(next DataStore, ttl time.Duration) *CachedStore {
	return &CachedStore{next: next, ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *CachedStore) lookup(key string) (cacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return cacheEntry{}, false
	}
	if c.ttl > 0 && time.Since(e.cachedAt) > c.ttl {
		return cacheEntry{}, false
	}
	return e, true
}

func (c *CachedStore) store(key string, e cacheEntry) {
	e.cachedAt = time.Now()
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

func (c *CachedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if e, ok := c.lookup(key); ok {
		if e.tomb {
			return nil, false, nil
		}
		return e.value, true, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		val, found, err := c.next.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			c.store(key, cacheEntry{tomb: true})
			return nil, nil
		}
		c.store(key, cacheEntry{value: val})
		return val, nil
	})
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

func (c *CachedStore) Set(ctx context.Context, key string, value []byte) error {
	if err := c.next.Set(ctx, key, value); err != nil {
		return err
	}
	c.store(key, cacheEntry{value: value})
	return nil
}

func (c *CachedStore) Delete(ctx context.Context, key string) error {
	if err := c.next.Delete(ctx, key); err != nil {
		return err
	}
	c.store(key, cacheEntry{tomb: true})
	return nil
}

func (c *CachedStore) Exists(ctx context.Context, key string) (bool, error) {
	_, found, err := c.Get(ctx, key)
	return found, err
}

func (c *CachedStore) BatchSet(ctx context.Context, kv map[string][]byte) error {
	if err := c.next.BatchSet(ctx, kv); err != nil {
		return err
	}
	for k, v := range kv {
		c.store(k, cacheEntry{value: v})
	}
	return nil
}
