// Package cache is the content-addressed store of prior analysis payloads,
// keyed by request fingerprint, with LRU eviction and TTL expiry.
package cache

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultCapacity bounds the cache when no capacity is configured.
const DefaultCapacity = 1000

// Entry is a cached analysis payload.
type Entry struct {
	Fingerprint string
	Payload     []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Stats reports cache efficiency counters.
type Stats struct {
	Size    int   `json:"size"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Expired int64 `json:"expired"`
}

// Cache is a capacity-bounded LRU cache with per-entry TTL. Safe for
// concurrent use by multiple workers.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used

	hits    int64
	misses  int64
	expired int64

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates a cache with the given capacity. Non-positive capacity falls
// back to DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		nowFunc:  time.Now,
	}
}

// WithNow sets a fixed clock for testing.
func (c *Cache) WithNow(now func() time.Time) *Cache {
	c.nowFunc = now
	return c
}

// Get returns the cached payload for the fingerprint, or ok=false on a
// miss. Expired entries count as misses and are removed on access.
func (c *Cache) Get(fingerprint string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[fingerprint]
	if !ok {
		c.misses++
		return nil, false
	}

	entry := el.Value.(*Entry)
	if c.nowFunc().After(entry.ExpiresAt) {
		c.removeLocked(el)
		c.expired++
		c.misses++
		return nil, false
	}

	c.order.MoveToFront(el)
	c.hits++
	return entry.Payload, true
}

// Put stores a payload under the fingerprint with the given TTL, evicting
// the least-recently-used entry when the cache is at capacity.
func (c *Cache) Put(fingerprint string, payload []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	if el, ok := c.entries[fingerprint]; ok {
		entry := el.Value.(*Entry)
		entry.Payload = payload
		entry.CreatedAt = now
		entry.ExpiresAt = now.Add(ttl)
		c.order.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}

	entry := &Entry{
		Fingerprint: fingerprint,
		Payload:     payload,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	c.entries[fingerprint] = c.order.PushFront(entry)
}

// Sweep removes all expired entries and returns how many were purged.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	var purged int
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		entry := el.Value.(*Entry)
		if now.After(entry.ExpiresAt) {
			c.removeLocked(el)
			c.expired++
			purged++
		}
		el = prev
	}
	return purged
}

// StartSweeper runs Sweep on the given interval until stop is closed.
func (c *Cache) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					zap.L().Debug("cache sweep", zap.Int("purged", n))
				}
			}
		}
	}()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:    len(c.entries),
		Hits:    c.hits,
		Misses:  c.misses,
		Expired: c.expired,
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	entry := el.Value.(*Entry)
	delete(c.entries, entry.Fingerprint)
	c.order.Remove(el)
}
