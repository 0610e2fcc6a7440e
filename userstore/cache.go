package userstore

import (
	"context"
	"time"
)

// FetchFunc loads a user from the backing store on a cache miss.
type FetchFunc func(ctx context.Context) (User, error)

// Cache memoizes successful user lookups. Fetch errors, including
// ErrNotFound, are never cached. Implementations prevent concurrent fetches
// of the same name.
type Cache interface {
	// GetOrFetch returns the cached user for name, or calls fetch and caches
	// its result.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - name: The user name
	//   - fetch: Loader used on a cache miss
	//
	// Returns:
	//   - The cached or fetched user
	//   - The fetch error, or a cache backend error
	GetOrFetch(ctx context.Context, name string, fetch FetchFunc) (User, error)

	// Delete drops name from the cache.
	Delete(ctx context.Context, name string) error

	// Clear drops every cached user.
	Clear(ctx context.Context) error
}

// CachedStore is a Store that consults a Cache before the wrapped Store.
// Writes go to the wrapped Store and invalidate the cached entry.
type CachedStore struct {
	store Store
	cache Cache
}

// NewCachedStore wraps store with cache.
func NewCachedStore(store Store, cache Cache) *CachedStore {
	return &CachedStore{store: store, cache: cache}
}

func (c *CachedStore) Lookup(ctx context.Context, name string) (User, error) {
	return c.cache.GetOrFetch(ctx, name, func(ctx context.Context) (User, error) {
		return c.store.Lookup(ctx, name)
	})
}

// Invalidate drops name from the cache so the next lookup reads the store.
func (c *CachedStore) Invalidate(ctx context.Context, name string) error {
	return c.cache.Delete(ctx, name)
}

// Put writes through to the wrapped store when it is a Writer.
func (c *CachedStore) Put(ctx context.Context, u User) error {
	w, ok := c.store.(Writer)
	if !ok {
		return ErrReadOnly
	}

	if err := w.Put(ctx, u); err != nil {
		return err
	}

	return c.cache.Delete(ctx, u.Name)
}

// SetBanned writes through to the wrapped store when it is a Writer.
func (c *CachedStore) SetBanned(ctx context.Context, name string, banned bool) error {
	w, ok := c.store.(Writer)
	if !ok {
		return ErrReadOnly
	}

	if err := w.SetBanned(ctx, name, banned); err != nil {
		return err
	}

	return c.cache.Delete(ctx, name)
}

const defaultCacheTTL = 5 * time.Minute
