// Package cache provides a small thread-safe TTL cache. FloorLink uses it
// to keep hot roster lookups (employee and bundle card membership) off the
// database on the scan path; the rosters are ERP-maintained views that
// change far slower than cards are scanned.
package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e entry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Stats holds cumulative hit and miss counts.
type Stats struct {
	Hits   int64
	Misses int64
}

// TTL is a thread-safe cache whose entries expire a fixed duration after
// they are written. Expired entries are removed lazily on access and by an
// occasional sweep on Set; there is no background goroutine to manage.
type TTL[V any] struct {
	ttl        time.Duration
	maxEntries int

	mu    sync.RWMutex
	items map[string]entry[V]

	hits   atomic.Int64
	misses atomic.Int64
	writes atomic.Int64
}

// Expired entries are swept on every sweepEvery-th write.
const sweepEvery = 256

// NewTTL creates a TTL cache. maxEntries bounds memory; at the bound the
// whole cache is reset rather than tracking recency, which is the right
// trade for lookups that are cheap to repopulate.
func NewTTL[V any](ttl time.Duration, maxEntries int) *TTL[V] {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	return &TTL[V]{
		ttl:        ttl,
		maxEntries: maxEntries,
		items:      make(map[string]entry[V]),
	}
}

// Get retrieves a value by key. Expired entries count as misses and are
// removed.
func (c *TTL[V]) Get(key string) (V, bool) {
	now := time.Now()

	c.mu.RLock()
	e, exists := c.items[key]
	c.mu.RUnlock()

	if !exists {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	if e.expired(now) {
		c.mu.Lock()
		if cur, still := c.items[key]; still && cur.expired(now) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		var zero V
		return zero, false
	}

	c.hits.Add(1)
	return e.value, true
}

// Set stores a value under key with the cache's TTL.
func (c *TTL[V]) Set(key string, value V) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.items) >= c.maxEntries {
		c.items = make(map[string]entry[V])
	}
	c.items[key] = entry[V]{value: value, expiresAt: now.Add(c.ttl)}

	if c.writes.Add(1)%sweepEvery == 0 {
		for k, e := range c.items {
			if e.expired(now) {
				delete(c.items, k)
			}
		}
	}
}

// Delete removes an entry by key.
func (c *TTL[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear removes all entries.
func (c *TTL[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]entry[V])
}

// Size returns the current number of entries, expired ones included.
func (c *TTL[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stats returns cumulative hit and miss counts.
func (c *TTL[V]) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}
