package cache

import (
	"strings"
	"sync"
	"time"
)

// MemoryIndex is the in-process tier: a TTL map keyed by string.
// Freshness is measured from the stored-at time the caller supplies, so an
// entry refreshed from the persistent tier keeps its original age.
//
// Thread-safe: Uses RWMutex for concurrent access.
type MemoryIndex[V any] struct {
	mu      sync.RWMutex
	entries map[string]*memEntry[V]
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

type memEntry[V any] struct {
	value    V
	storedAt time.Time
}

var _ Invalidator = (*MemoryIndex[int])(nil)

// NewMemoryIndex creates a memory index.
// ttl: freshness window (use 0 for no expiration)
// maxSize: maximum number of entries (use 0 for unlimited)
// now: clock, nil for time.Now
func NewMemoryIndex[V any](ttl time.Duration, maxSize int, now func() time.Time) *MemoryIndex[V] {
	if now == nil {
		now = time.Now
	}
	return &MemoryIndex[V]{
		entries: make(map[string]*memEntry[V], 256),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
	}
}

// Get returns the value for key if present and younger than the TTL.
// An expired entry is dropped.
func (c *MemoryIndex[V]) Get(key string) (V, bool) {
	var zero V
	if Disabled {
		return zero, false
	}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}

	if c.ttl > 0 && c.now().Sub(entry.storedAt) >= c.ttl {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur == entry {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return entry.value, true
}

// Set stores value under key with the given stored-at time.
func (c *MemoryIndex[V]) Set(key string, value V, storedAt time.Time) {
	if Disabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		if _, exists := c.entries[key]; !exists {
			c.dropExpiredLocked()
			if len(c.entries) >= c.maxSize {
				// Full of live entries; the persistent tier still has the record.
				return
			}
		}
	}

	c.entries[key] = &memEntry[V]{value: value, storedAt: storedAt}
}

func (c *MemoryIndex[V]) dropExpiredLocked() {
	if c.ttl <= 0 {
		return
	}
	now := c.now()
	for key, entry := range c.entries {
		if now.Sub(entry.storedAt) >= c.ttl {
			delete(c.entries, key)
		}
	}
}

// Invalidate clears all entries from the cache.
func (c *MemoryIndex[V]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) > 0 {
		c.entries = make(map[string]*memEntry[V], 256)
	}
}

// InvalidateKey removes a single key.
func (c *MemoryIndex[V]) InvalidateKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// InvalidatePrefix removes all keys under prefix.
func (c *MemoryIndex[V]) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

// Size returns the current number of entries, expired ones included.
func (c *MemoryIndex[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// MemoryStats describes a MemoryIndex.
type MemoryStats struct {
	Size    int
	MaxSize int
	TTL     time.Duration
}

// Stats returns current cache statistics.
func (c *MemoryIndex[V]) Stats() MemoryStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return MemoryStats{
		Size:    len(c.entries),
		MaxSize: c.maxSize,
		TTL:     c.ttl,
	}
}
