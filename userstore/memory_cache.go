package userstore

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// MemoryCache is an in-process Cache backed by go-cache. Concurrent misses
// for the same name share one fetch through a singleflight group.
type MemoryCache struct {
	cache *cache.Cache
	group singleflight.Group
	ttl   time.Duration
}

// NewMemoryCache returns a MemoryCache whose entries live for ttl. A
// non-positive ttl uses five minutes.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	return &MemoryCache{
		cache: cache.New(ttl, 2*ttl),
		ttl:   ttl,
	}
}

func (c *MemoryCache) GetOrFetch(ctx context.Context, name string, fetch FetchFunc) (User, error) {
	if u, ok := c.load(name); ok {
		return u, nil
	}

	val, err, _ := c.group.Do(name, func() (any, error) {
		// another caller may have filled the entry while we waited
		if u, ok := c.load(name); ok {
			return u, nil
		}

		u, err := fetch(ctx)
		if err != nil {
			return User{}, err
		}

		c.cache.Set(name, u, c.ttl)
		return u, nil
	})
	if err != nil {
		return User{}, err
	}

	u, ok := val.(User)
	if !ok {
		return User{}, fmt.Errorf("userstore: unexpected cached type %T for %s", val, name)
	}

	return u, nil
}

func (c *MemoryCache) load(name string) (User, bool) {
	v, found := c.cache.Get(name)
	if !found {
		return User{}, false
	}

	u, ok := v.(User)
	return u, ok
}

func (c *MemoryCache) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.cache.Delete(name)
	return nil
}

func (c *MemoryCache) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.cache.Flush()
	return nil
}

// ItemCount returns the number of cached users, including expired entries
// not yet cleaned up.
func (c *MemoryCache) ItemCount() int {
	return c.cache.ItemCount()
}
