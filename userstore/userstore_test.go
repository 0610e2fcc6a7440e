package userstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct{ err error }

func (f failingStore) Lookup(context.Context, string) (User, error) {
	return User{}, f.err
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(
		User{Name: "alice", PasswordHash: "h1"},
		User{Name: "mallory", PasswordHash: "h2", Banned: true},
	)

	tests := []struct {
		name, user, hash string
		want             Verdict
	}{
		{"valid credentials", "alice", "h1", Allow},
		{"wrong hash", "alice", "nope", Deny},
		{"unknown user", "bob", "h1", Deny},
		{"banned user", "mallory", "h2", Banned},
		{"banned user with wrong hash", "mallory", "x", Banned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Verify(ctx, store, tt.user, tt.hash)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("store failure is unavailable", func(t *testing.T) {
		_, err := Verify(ctx, failingStore{err: errors.New("disk on fire")}, "alice", "h1")
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("checker adapter", func(t *testing.T) {
		got, err := NewChecker(store).Check(ctx, "alice", "h1")
		require.NoError(t, err)
		assert.Equal(t, Allow, got)
		assert.Equal(t, "allow", got.String())
	})
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Lookup(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, User{Name: "alice", PasswordHash: "h"}))
	assert.Error(t, s.Put(ctx, User{}))
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.SetBanned(ctx, "alice", true))
	u, err := s.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, u.Banned)

	assert.ErrorIs(t, s.SetBanned(ctx, "bob", true), ErrNotFound)
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "users.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	require.NoError(t, err)

	t.Run("lookup missing user", func(t *testing.T) {
		_, err := s.Lookup(ctx, "alice")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("put and lookup", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, User{Name: "alice", PasswordHash: "h1"}))
		u, err := s.Lookup(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, User{Name: "alice", PasswordHash: "h1"}, u)
	})

	t.Run("put replaces", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, User{Name: "alice", PasswordHash: "h2"}))
		u, err := s.Lookup(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "h2", u.PasswordHash)
	})

	t.Run("ban", func(t *testing.T) {
		require.NoError(t, s.SetBanned(ctx, "alice", true))
		verdict, err := Verify(ctx, s, "alice", "h2")
		require.NoError(t, err)
		assert.Equal(t, Banned, verdict)

		assert.ErrorIs(t, s.SetBanned(ctx, "ghost", true), ErrNotFound)
	})

	t.Run("list", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, User{Name: "aaron", PasswordHash: "x"}))
		users, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, "aaron", users[0].Name)
		assert.Equal(t, "alice", users[1].Name)
	})

	t.Run("reopen keeps data", func(t *testing.T) {
		again, err := OpenSQLite(path)
		require.NoError(t, err)
		defer again.Close()

		u, err := again.Lookup(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, u.Banned)
	})
}

func TestMemoryCache_GetOrFetch(t *testing.T) {
	ctx := context.Background()

	t.Run("miss then hit", func(t *testing.T) {
		c := NewMemoryCache(time.Minute)
		var fetches atomic.Int32
		fetch := func(context.Context) (User, error) {
			fetches.Add(1)
			return User{Name: "alice"}, nil
		}

		for n := 0; n < 3; n++ {
			u, err := c.GetOrFetch(ctx, "alice", fetch)
			require.NoError(t, err)
			assert.Equal(t, "alice", u.Name)
		}
		assert.EqualValues(t, 1, fetches.Load())
		assert.Equal(t, 1, c.ItemCount())
	})

	t.Run("errors are not cached", func(t *testing.T) {
		c := NewMemoryCache(time.Minute)
		_, err := c.GetOrFetch(ctx, "bob", func(context.Context) (User, error) {
			return User{}, ErrNotFound
		})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, 0, c.ItemCount())
	})

	t.Run("concurrent misses share one fetch", func(t *testing.T) {
		c := NewMemoryCache(time.Minute)
		var fetches atomic.Int32
		release := make(chan struct{})
		fetch := func(context.Context) (User, error) {
			fetches.Add(1)
			<-release
			return User{Name: "carol"}, nil
		}

		var wg sync.WaitGroup
		for n := 0; n < 10; n++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				u, err := c.GetOrFetch(ctx, "carol", fetch)
				assert.NoError(t, err)
				assert.Equal(t, "carol", u.Name)
			}()
		}

		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()
		assert.EqualValues(t, 1, fetches.Load())
	})

	t.Run("delete and clear", func(t *testing.T) {
		c := NewMemoryCache(0)
		fetch := func(context.Context) (User, error) { return User{Name: "x"}, nil }
		_, _ = c.GetOrFetch(ctx, "a", fetch)
		_, _ = c.GetOrFetch(ctx, "b", fetch)

		require.NoError(t, c.Delete(ctx, "a"))
		assert.Equal(t, 1, c.ItemCount())
		require.NoError(t, c.Clear(ctx))
		assert.Equal(t, 0, c.ItemCount())

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, c.Delete(cancelled, "a"), context.Canceled)
	})
}

func TestCachedStore(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryStore(User{Name: "alice", PasswordHash: "h1"})
	store := NewCachedStore(backing, NewMemoryCache(time.Minute))

	verdict, err := Verify(ctx, store, "alice", "h1")
	require.NoError(t, err)
	assert.Equal(t, Allow, verdict)

	t.Run("stale until invalidated", func(t *testing.T) {
		require.NoError(t, backing.SetBanned(ctx, "alice", true))
		verdict, err := Verify(ctx, store, "alice", "h1")
		require.NoError(t, err)
		assert.Equal(t, Allow, verdict)

		require.NoError(t, store.Invalidate(ctx, "alice"))
		verdict, err = Verify(ctx, store, "alice", "h1")
		require.NoError(t, err)
		assert.Equal(t, Banned, verdict)
	})

	t.Run("writes invalidate", func(t *testing.T) {
		require.NoError(t, store.SetBanned(ctx, "alice", false))
		verdict, err := Verify(ctx, store, "alice", "h1")
		require.NoError(t, err)
		assert.Equal(t, Allow, verdict)
	})

	t.Run("read-only backing store", func(t *testing.T) {
		ro := NewCachedStore(failingStore{err: ErrNotFound}, NewMemoryCache(time.Minute))
		assert.ErrorIs(t, ro.Put(ctx, User{Name: "x"}), ErrReadOnly)
	})
}

// TestRedisCache runs against a real Redis when SESSIONKIT_TEST_REDIS_ADDR is set.
func TestRedisCache(t *testing.T) {
	addr := os.Getenv("SESSIONKIT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SESSIONKIT_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	require.NoError(t, client.Ping(ctx).Err())

	c := NewRedisCache(client, time.Minute)
	require.NoError(t, c.Clear(ctx))
	t.Cleanup(func() { _ = c.Clear(context.Background()) })

	var fetches atomic.Int32
	fetch := func(context.Context) (User, error) {
		fetches.Add(1)
		return User{Name: "alice", PasswordHash: "h1"}, nil
	}

	for n := 0; n < 2; n++ {
		u, err := c.GetOrFetch(ctx, "alice", fetch)
		require.NoError(t, err)
		assert.Equal(t, "h1", u.PasswordHash)
	}
	assert.EqualValues(t, 1, fetches.Load())

	_, err := c.GetOrFetch(ctx, "ghost", func(context.Context) (User, error) { return User{}, ErrNotFound })
	assert.ErrorIs(t, err, ErrNotFound)
	n, err := client.Exists(ctx, Key("ghost")).Result()
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, c.Delete(ctx, "alice"))
	_, err = c.GetOrFetch(ctx, "alice", fetch)
	require.NoError(t, err)
	assert.EqualValues(t, 2, fetches.Load())
}
