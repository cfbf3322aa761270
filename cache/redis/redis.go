// Package redis provides a Redis implementation of the gocoord.Cache
// interface, so cache invalidation reaches every instance of a
// horizontally-scaled deployment.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gocoord/pkg/gocoord"
)

// Cache implements gocoord.Cache using Redis.
type Cache struct {
	client redis.UniversalClient
	config Config

	hits   atomic.Int64
	misses atomic.Int64
}

// Config holds Redis cache configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gocoord:").
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{KeyPrefix: "gocoord:"}
}

// New creates a new Redis cache adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Cache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "gocoord:"
	}
	return &Cache{client: client, config: config}, nil
}

func (c *Cache) key(k string) string {
	return c.config.KeyPrefix + k
}

// GetUser implements gocoord.Cache.
func (c *Cache) GetUser(ctx context.Context, key string) (*gocoord.User, bool, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached user: %w", err)
	}

	var u gocoord.User
	if err := json.Unmarshal(data, &u); err != nil {
		// A corrupt entry is just a miss; the coordinator rebuilds it.
		c.misses.Add(1)
		return nil, false, nil
	}

	c.hits.Add(1)
	return &u, true, nil
}

// SetUser implements gocoord.Cache.
func (c *Cache) SetUser(ctx context.Context, key string, u *gocoord.User, ttl time.Duration) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	if err := c.client.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache user: %w", err)
	}
	return nil
}

// GetValue implements gocoord.Cache.
func (c *Cache) GetValue(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get cached value: %w", err)
	}
	c.hits.Add(1)
	return val, true, nil
}

// SetValue implements gocoord.Cache.
func (c *Cache) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache value: %w", err)
	}
	return nil
}

// Delete implements gocoord.Cache.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.key(k)
	}
	if err := c.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("failed to delete cache keys: %w", err)
	}
	return nil
}

// Clear implements gocoord.Cache by deleting all keys under the prefix.
func (c *Cache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.config.KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
	}
	return iter.Err()
}

// Stats implements gocoord.Cache. Size is not tracked for Redis; counting
// keys per call would be a full scan.
func (c *Cache) Stats() gocoord.CacheStats {
	return gocoord.CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}
