// Package tiered provides a two-level gocoord.Cache: a fast in-process
// front (L1) over a shared back (L2, typically Redis). Reads promote back
// entries into the front; writes and invalidations go to both levels, back
// first, so another instance can never re-read a key this one just dropped.
package tiered

import (
	"context"
	"errors"
	"time"

	"github.com/mihaimyh/gocoord/pkg/gocoord"
)

// Config configures the tiered cache.
type Config struct {
	// Front is the L1 cache, consulted first (e.g. MemoryCache).
	Front gocoord.Cache

	// Back is the L2 cache, the shared level (e.g. the Redis adapter).
	Back gocoord.Cache

	// FrontTTL caps how long promoted entries live in the front. The
	// front is per-instance and invisible to remote invalidations, so
	// it must stay short (default: 2s).
	FrontTTL time.Duration
}

// Cache implements gocoord.Cache over a front/back pair.
type Cache struct {
	front    gocoord.Cache
	back     gocoord.Cache
	frontTTL time.Duration
}

// New creates a tiered cache.
func New(config Config) (*Cache, error) {
	if config.Front == nil || config.Back == nil {
		return nil, errors.New("tiered cache: both front and back are required")
	}
	if config.FrontTTL <= 0 {
		config.FrontTTL = 2 * time.Second
	}
	return &Cache{
		front:    config.Front,
		back:     config.Back,
		frontTTL: config.FrontTTL,
	}, nil
}

// GetUser implements gocoord.Cache with read-through promotion.
func (c *Cache) GetUser(ctx context.Context, key string) (*gocoord.User, bool, error) {
	if u, ok, err := c.front.GetUser(ctx, key); err != nil {
		return nil, false, err
	} else if ok {
		return u, true, nil
	}

	u, ok, err := c.back.GetUser(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}

	// Promotion is best effort; a failed front write just costs the
	// next read another back round trip.
	_ = c.front.SetUser(ctx, key, u, c.frontTTL)
	return u, true, nil
}

// SetUser implements gocoord.Cache, writing back first.
func (c *Cache) SetUser(ctx context.Context, key string, u *gocoord.User, ttl time.Duration) error {
	if err := c.back.SetUser(ctx, key, u, ttl); err != nil {
		return err
	}
	return c.front.SetUser(ctx, key, u, c.capTTL(ttl))
}

// GetValue implements gocoord.Cache with read-through promotion.
func (c *Cache) GetValue(ctx context.Context, key string) (string, bool, error) {
	if v, ok, err := c.front.GetValue(ctx, key); err != nil {
		return "", false, err
	} else if ok {
		return v, true, nil
	}

	v, ok, err := c.back.GetValue(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}

	_ = c.front.SetValue(ctx, key, v, c.frontTTL)
	return v, true, nil
}

// SetValue implements gocoord.Cache, writing back first.
func (c *Cache) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.back.SetValue(ctx, key, value, ttl); err != nil {
		return err
	}
	return c.front.SetValue(ctx, key, value, c.capTTL(ttl))
}

// Delete implements gocoord.Cache. The back is dropped first: if the
// front delete then fails, its short TTL bounds the stale window, while
// the reverse order could let a front ghost outlive the invalidation.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if err := c.back.Delete(ctx, keys...); err != nil {
		return err
	}
	return c.front.Delete(ctx, keys...)
}

// Clear implements gocoord.Cache.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.back.Clear(ctx); err != nil {
		return err
	}
	return c.front.Clear(ctx)
}

// Stats implements gocoord.Cache. Hit and miss counts come from the
// front plus back; Size reports the back, the authoritative level.
func (c *Cache) Stats() gocoord.CacheStats {
	front := c.front.Stats()
	back := c.back.Stats()
	return gocoord.CacheStats{
		Hits:   front.Hits + back.Hits,
		Misses: front.Misses + back.Misses,
		Size:   back.Size,
	}
}

func (c *Cache) capTTL(ttl time.Duration) time.Duration {
	if ttl < c.frontTTL {
		return ttl
	}
	return c.frontTTL
}
