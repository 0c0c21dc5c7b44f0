package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryCache implements AccessTokenCache using ttlcache.
type MemoryCache struct {
	cache *ttlcache.Cache[string, string]
}

// NewMemoryCache creates an in-memory access-token cache with automatic
// expiry.
func NewMemoryCache() *MemoryCache {
	cache := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, string](),
	)

	// Start the cleanup process
	go cache.Start()

	return &MemoryCache{cache: cache}
}

// Set implements AccessTokenCache.Set.
func (c *MemoryCache) Set(_ context.Context, key, accessToken string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.cache.Set(key, accessToken, ttl)
	return nil
}

// Get implements AccessTokenCache.Get.
func (c *MemoryCache) Get(_ context.Context, key string) (string, bool) {
	item := c.cache.Get(key)
	if item == nil || item.IsExpired() {
		return "", false
	}
	return item.Value(), true
}

// Delete implements AccessTokenCache.Delete.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.cache.Delete(key)
	return nil
}

// Close stops the cleanup goroutine.
func (c *MemoryCache) Close() error {
	c.cache.Stop()
	return nil
}
