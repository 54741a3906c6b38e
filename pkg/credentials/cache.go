package credentials

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache defaults.
const (
	DefaultCacheSize = 32
	DefaultCacheTTL  = 5 * time.Minute
)

// Cache memoizes a provider with a bounded, TTL'd LRU.
//
// A Cache is an explicit object: construct one per process (or per test) and
// pass it where credentials are needed. Failed lookups are not cached.
type Cache struct {
	next    Provider
	entries *expirable.LRU[string, Credentials]
}

var (
	_ Provider    = (*Cache)(nil)
	_ Invalidator = (*Cache)(nil)
)

// NewCache wraps next. Non-positive size or ttl use the defaults.
func NewCache(next Provider, size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		next:    next,
		entries: expirable.NewLRU[string, Credentials](size, nil, ttl),
	}
}

// Get implements Provider.
func (c *Cache) Get(ctx context.Context, ref string) (Credentials, error) {
	if creds, ok := c.entries.Get(ref); ok {
		return creds, nil
	}
	creds, err := c.next.Get(ctx, ref)
	if err != nil {
		return Credentials{}, err
	}
	c.entries.Add(ref, creds)
	return creds, nil
}

// Invalidate drops a cached entry.
func (c *Cache) Invalidate(ref string) {
	c.entries.Remove(ref)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}
