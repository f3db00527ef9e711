package catalog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// cacheEntry is one remembered resolution.
type cacheEntry struct {
	Key      string
	Name     string
	Fuzzy    bool
	StoredAt time.Time
}

// Cache maps raw identifiers to resolved file names. Entries older than the
// TTL are ignored by Get and removed by Evict. A zero TTL never expires.
type Cache struct {
	mu   sync.RWMutex
	data map[string]cacheEntry
	ttl  time.Duration
	now  func() time.Time // injectable for deterministic tests
}

// NewCache creates a Cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		data: make(map[string]cacheEntry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Put remembers the resolution of raw.
func (c *Cache) Put(raw, key, name string, fuzzy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[raw] = cacheEntry{Key: key, Name: name, Fuzzy: fuzzy, StoredAt: c.now()}
}

// Get returns the live entry for raw.
func (c *Cache) Get(raw string) (cacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.data[raw]
	if !ok || c.expired(e, c.now()) {
		return cacheEntry{}, false
	}
	return e, true
}

// Delete forgets raw.
func (c *Cache) Delete(raw string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, raw)
}

// Clear forgets everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.data)
}

// Len returns the number of entries held, including expired ones.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func (c *Cache) expired(e cacheEntry, now time.Time) bool {
	return c.ttl > 0 && !e.StoredAt.After(now.Add(-c.ttl))
}

// Evict removes expired entries and returns how many were removed.
func (c *Cache) Evict(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for raw, e := range c.data {
		if c.expired(e, now) {
			delete(c.data, raw)
			removed++
		}
	}
	return removed
}

// Run evicts expired entries every half TTL (minimum 1 second) until ctx is
// cancelled. It returns immediately when the TTL is zero.
func (c *Cache) Run(ctx context.Context) {
	if c.ttl <= 0 {
		return
	}
	interval := max(c.ttl/2, time.Second)
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := c.Evict(now); n > 0 {
				slog.Debug("catalog: evicted cached resolutions", "count", n)
			}
		}
	}
}
