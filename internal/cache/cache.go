// Package cache is an in-process TTL cache with prefix-based bulk
// invalidation. It is a best-effort acceleration layer only: entries are
// partitioned by key prefix so a successful mutation can drop every cached
// view of one deal in a single call. It is never a correctness-critical store.
package cache

import (
	"strings"
	"sync"
	"time"
)

type entry struct {
	value     any
	expiresAt time.Time // zero means no expiry
}

type Cache struct {
	mu      sync.Mutex
	entries map[string]entry

	// Now is overridable for tests.
	Now func() time.Time
}

func New() *Cache {
	return &Cache{
		entries: map[string]entry{},
		Now:     time.Now,
	}
}

// Get returns the cached value for key. A read past the entry's expiry is a
// miss and evicts the entry.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !c.Now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key. A non-positive ttl stores the entry without an
// expiry.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = c.Now().Add(ttl)
	}
	c.entries[key] = e
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// DeleteByPrefix drops every entry whose key begins with prefix and returns
// how many entries were removed.
func (c *Cache) DeleteByPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of entries currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
