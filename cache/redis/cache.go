// Package redis provides a Redis-backed access-token cache for
// deployments where several processes share one token store.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache implements cache.AccessTokenCache using Redis.
type Cache struct {
	client *redis.Client
	prefix string // Optional prefix for keys
}

// New creates a new [Cache] instance.
func New(client *redis.Client, prefix string) *Cache {
	return &Cache{
		client: client,
		prefix: prefix,
	}
}

// redisKey returns the Redis key for a given cache key.
func (c *Cache) redisKey(key string) string {
	return fmt.Sprintf("%s:access_token:%s", c.prefix, key)
}

// Set stores an access token with the given TTL.
func (c *Cache) Set(ctx context.Context, key, accessToken string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, c.redisKey(key), accessToken, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set access token in Redis: %w", err)
	}
	return nil
}

// Get retrieves an access token. Redis expiry handles staleness.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.client.Get(ctx, c.redisKey(key)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// Treat Redis outages as cache misses, the caller refreshes.
			return "", false
		}
		return "", false
	}
	return val, true
}

// Delete removes an entry.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete access token from Redis: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}
