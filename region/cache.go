// Package region keeps track of the region each bucket lives in.
package region

import (
	"context"
	"sync"
)

// Cache maps bucket names to resolved regions. It is safe for concurrent
// use; every operation holds the lock for a single map access.
type Cache struct {
	regions map[string]string
	mu      sync.RWMutex
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{regions: map[string]string{}}
}

// Resolve returns the cached region of bucket.
func (c *Cache) Resolve(bucket string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.regions[bucket]
	return r, ok
}

// Remember inserts or replaces the region of bucket.
func (c *Cache) Remember(bucket, region string) {
	if bucket == "" || region == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.regions[bucket] = region
}

// Forget removes bucket from the cache.
func (c *Cache) Forget(bucket string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.regions, bucket)
}

// Len returns the number of cached buckets.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.regions)
}

// Locator discovers the region of a bucket with a round trip to the store.
type Locator interface {
	Locate(ctx context.Context, bucket string) (string, error)
}

// LocatorFunc adapts a function to the Locator interface.
type LocatorFunc func(ctx context.Context, bucket string) (string, error)

// Locate calls f.
func (f LocatorFunc) Locate(ctx context.Context, bucket string) (string, error) {
	return f(ctx, bucket)
}
