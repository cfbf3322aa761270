package gocoord

import (
	"context"
	"sync"
	"time"
)

// Cache is the read-side snapshot store the coordinator keeps consistent
// with the durable store. It is never a source of truth: entries may be
// dropped or rebuilt at any time with no correctness impact beyond
// temporary staleness. Users are cached under `user:<id>`; derived
// snapshots and stale flags live under string values.
type Cache interface {
	// GetUser retrieves a cached user snapshot.
	GetUser(ctx context.Context, key string) (*User, bool, error)

	// SetUser stores a user snapshot with a TTL.
	SetUser(ctx context.Context, key string, u *User, ttl time.Duration) error

	// GetValue retrieves a cached string value (derived snapshots, flags).
	GetValue(ctx context.Context, key string) (string, bool, error)

	// SetValue stores a string value with a TTL.
	SetValue(ctx context.Context, key string, value string, ttl time.Duration) error

	// Delete removes entries; missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Clear removes all entries.
	Clear(ctx context.Context) error

	// Stats returns cache performance statistics.
	Stats() CacheStats
}

// CacheStats holds cache performance statistics.
type CacheStats struct {
	Hits   int64
	Misses int64
	Size   int
}

// NoopCache is a Cache that caches nothing. Used when caching is disabled.
type NoopCache struct{}

func (c *NoopCache) GetUser(ctx context.Context, key string) (*User, bool, error) {
	return nil, false, nil
}

func (c *NoopCache) SetUser(ctx context.Context, key string, u *User, ttl time.Duration) error {
	return nil
}

func (c *NoopCache) GetValue(ctx context.Context, key string) (string, bool, error) {
	return "", false, nil
}

func (c *NoopCache) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	return nil
}

func (c *NoopCache) Delete(ctx context.Context, keys ...string) error { return nil }

func (c *NoopCache) Clear(ctx context.Context) error { return nil }

func (c *NoopCache) Stats() CacheStats { return CacheStats{} }

// memoryCacheEntry wraps a cached value with its expiry.
type memoryCacheEntry struct {
	value      interface{}
	expiration time.Time
}

func (e *memoryCacheEntry) expired(now time.Time) bool {
	return now.After(e.expiration)
}

// MemoryCache implements Cache with an in-process TTL map. Suitable for
// single-instance deployments and tests; multi-instance deployments
// should use the Redis adapter so invalidation reaches every instance.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*memoryCacheEntry
	hits    int64
	misses  int64
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]*memoryCacheEntry)}
}

func (c *MemoryCache) GetUser(ctx context.Context, key string) (*User, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || entry.expired(time.Now()) {
		c.misses++
		return nil, false, nil
	}

	u, ok := entry.value.(*User)
	if !ok {
		c.misses++
		return nil, false, nil
	}

	c.hits++
	return u.Clone(), true, nil
}

func (c *MemoryCache) SetUser(ctx context.Context, key string, u *User, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &memoryCacheEntry{value: u.Clone(), expiration: time.Now().Add(ttl)}
	return nil
}

func (c *MemoryCache) GetValue(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || entry.expired(time.Now()) {
		c.misses++
		return "", false, nil
	}

	s, ok := entry.value.(string)
	if !ok {
		c.misses++
		return "", false, nil
	}

	c.hits++
	return s, true, nil
}

func (c *MemoryCache) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &memoryCacheEntry{value: value, expiration: time.Now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	return nil
}

func (c *MemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*memoryCacheEntry)
	return nil
}

func (c *MemoryCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Size: len(c.entries)}
}
