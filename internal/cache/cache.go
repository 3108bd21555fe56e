// Package cache implements the proxy's bounded TTL+LRU response cache.
//
// A single mutex guards the map, the recency list, and the byte-size
// accounting so that every observable operation is linearizable with
// respect to every other one, per the invariants each entry must satisfy:
// the map's keyset always equals the recency list's keyset, and
// total_bytes always equals the sum of live entries' sizes.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// entry is one cached origin response, keyed externally by host.
type entry struct {
	key        string
	payload    []byte
	insertedAt time.Time
	ttl        time.Duration
	size       int64
}

func (e *entry) fresh(now time.Time) bool {
	return now.Sub(e.insertedAt) <= e.ttl
}

// Cache is a bounded, thread-safe TTL+LRU cache keyed by host string.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	recency    *list.List // front = most recently used
	maxEntries int
	maxBytes   int64
	totalBytes int64
	defaultTTL time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New returns an empty Cache with the given caps and default TTL applied to
// puts that don't specify an override.
func New(maxEntries int, maxBytes int64, defaultTTL time.Duration) *Cache {
	return &Cache{
		entries:    make(map[string]*list.Element),
		recency:    list.New(),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		defaultTTL: defaultTTL,
	}
}

// Get returns the cached payload for key if present and fresh. A miss is
// recorded both for an absent key and for an expired one; an expired entry
// is removed before the miss is recorded.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	e := elem.Value.(*entry)
	if !e.fresh(time.Now()) {
		c.removeElementLocked(elem)
		c.misses.Add(1)
		return nil, false
	}

	c.recency.MoveToFront(elem)
	c.hits.Add(1)
	return e.payload, true
}

// Put inserts or replaces the entry for key. ttlOverride, if positive, is
// used instead of the cache's default TTL.
func (c *Cache) Put(key string, payload []byte, ttlOverride time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeElementLocked(old)
	}

	if c.maxEntries <= 0 {
		return
	}

	ttl := c.defaultTTL
	if ttlOverride > 0 {
		ttl = ttlOverride
	}

	size := int64(len(payload))
	c.evictToFitLocked(size)

	e := &entry{
		key:        key,
		payload:    payload,
		insertedAt: time.Now(),
		ttl:        ttl,
		size:       size,
	}
	elem := c.recency.PushFront(e)
	c.entries[key] = elem
	c.totalBytes += size
}

// evictToFitLocked evicts from the back of the recency list until the cache
// has room for one more entry of incomingSize bytes, or the cache is empty.
// An incoming entry larger than maxBytes is still admitted into an empty
// cache; the next Put evicts it.
func (c *Cache) evictToFitLocked(incomingSize int64) {
	for c.recency.Len() > 0 &&
		(len(c.entries) >= c.maxEntries || c.totalBytes+incomingSize > c.maxBytes) {
		back := c.recency.Back()
		c.removeElementLocked(back)
	}
}

func (c *Cache) removeElementLocked(elem *list.Element) {
	e := elem.Value.(*entry)
	c.recency.Remove(elem)
	delete(c.entries, e.key)
	c.totalBytes -= e.size
}

// Remove deletes key from the cache. It is a no-op if key is absent.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeElementLocked(elem)
	}
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.recency.Init()
	c.totalBytes = 0
}

// SetMaxEntries updates the entry-count cap, evicting from the back until it
// is satisfied.
func (c *Cache) SetMaxEntries(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxEntries = n
	c.evictToCapsLocked()
}

// SetMaxSize updates the byte-size cap, evicting from the back until it is
// satisfied.
func (c *Cache) SetMaxSize(b int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxBytes = b
	c.evictToCapsLocked()
}

// evictToCapsLocked evicts from the back of the recency list until the live
// entries satisfy both caps: at most maxEntries entries and at most maxBytes
// bytes.
func (c *Cache) evictToCapsLocked() {
	for c.recency.Len() > 0 &&
		(len(c.entries) > c.maxEntries || c.totalBytes > c.maxBytes) {
		c.removeElementLocked(c.recency.Back())
	}
}

// SetDefaultTTL updates the TTL applied to future puts that don't specify an
// override. Existing entries are unaffected.
func (c *Cache) SetDefaultTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultTTL = ttl
}

// CleanupExpired scans all entries and removes those whose TTL has elapsed.
// It is safe to call concurrently with Get/Put; it takes the same lock they
// do, in one critical section.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for elem := c.recency.Back(); elem != nil; {
		prev := elem.Prev()
		e := elem.Value.(*entry)
		if !e.fresh(now) {
			c.removeElementLocked(elem)
			removed++
		}
		elem = prev
	}
	return removed
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// TotalBytes returns the current byte accounting.
func (c *Cache) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

func (c *Cache) Hits() uint64   { return c.hits.Load() }
func (c *Cache) Misses() uint64 { return c.misses.Load() }

// HitRate returns hits/(hits+misses), or 0 when there have been no lookups.
func (c *Cache) HitRate() float64 {
	h, m := c.hits.Load(), c.misses.Load()
	total := h + m
	if total == 0 {
		return 0
	}
	return float64(h) / float64(total)
}
