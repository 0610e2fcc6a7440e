package userstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces the Redis keys written by RedisCache.
const KeyPrefix = "sessionkit:user:"

const (
	lockTTL     = 30 * time.Second
	waitTimeout = 30 * time.Second
)

const releaseLockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// RedisCache is a Cache shared by every process pointing at the same Redis.
// Users are stored as JSON. On a miss one caller takes a SETNX fill lock and
// fetches; the others poll until the value appears or the lock is released.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache returns a RedisCache using client. A non-positive ttl uses
// five minutes.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	cache := NewRedisCache(client, time.Minute)
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	return &RedisCache{client: client, ttl: ttl}
}

// Key returns the Redis key holding name.
func Key(name string) string {
	return KeyPrefix + name
}

func (c *RedisCache) GetOrFetch(ctx context.Context, name string, fetch FetchFunc) (User, error) {
	key := Key(name)

	u, hit, err := c.get(ctx, key)
	if err != nil || hit {
		return u, err
	}

	lockKey := key + ":lock"
	lockValue := strconv.FormatInt(time.Now().UnixNano(), 10)

	acquired, err := c.client.SetNX(ctx, lockKey, lockValue, lockTTL).Result()
	if err != nil {
		return User{}, fmt.Errorf("userstore: acquire fill lock: %w", err)
	}

	if !acquired {
		return c.waitForFill(ctx, key, lockKey)
	}

	defer c.client.Eval(context.Background(), releaseLockScript, []string{lockKey}, lockValue)

	u, err = fetch(ctx)
	if err != nil {
		return User{}, err
	}

	data, err := json.Marshal(u)
	if err != nil {
		return User{}, fmt.Errorf("userstore: encode %s: %w", name, err)
	}

	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return User{}, fmt.Errorf("userstore: cache %s: %w", name, err)
	}

	return u, nil
}

func (c *RedisCache) get(ctx context.Context, key string) (User, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return User{}, false, nil
	}

	if err != nil {
		return User{}, false, fmt.Errorf("userstore: redis get: %w", err)
	}

	var u User
	if err := json.Unmarshal(val, &u); err != nil {
		return User{}, false, fmt.Errorf("userstore: decode cached user: %w", err)
	}

	return u, true, nil
}

// waitForFill polls with exponential backoff while another caller holds the
// fill lock. A released lock with no value means that fetch failed; the
// error is not shared, so the caller is told to retry.
func (c *RedisCache) waitForFill(ctx context.Context, key, lockKey string) (User, error) {
	backoff := 10 * time.Millisecond
	deadline := time.Now().Add(waitTimeout)

	for {
		if err := ctx.Err(); err != nil {
			return User{}, err
		}

		if time.Now().After(deadline) {
			return User{}, fmt.Errorf("%w: timeout waiting for cache fill", ErrUnavailable)
		}

		u, hit, err := c.get(ctx, key)
		if err != nil || hit {
			return u, err
		}

		exists, err := c.client.Exists(ctx, lockKey).Result()
		if err != nil {
			return User{}, fmt.Errorf("userstore: check fill lock: %w", err)
		}

		if exists == 0 {
			u, hit, err := c.get(ctx, key)
			if err != nil || hit {
				return u, err
			}
			return User{}, fmt.Errorf("%w: concurrent fill failed", ErrUnavailable)
		}

		time.Sleep(backoff)
		backoff = min(2*backoff, 500*time.Millisecond)
	}
}

func (c *RedisCache) Delete(ctx context.Context, name string) error {
	if err := c.client.Del(ctx, Key(name)).Err(); err != nil {
		return fmt.Errorf("userstore: delete %s: %w", name, err)
	}
	return nil
}

// Clear deletes every key under KeyPrefix. Other keys in the database are
// left alone.
func (c *RedisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, KeyPrefix+"*", 0).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("userstore: scan cache keys: %w", err)
	}

	if len(keys) == 0 {
		return nil
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("userstore: clear cache: %w", err)
	}

	return nil
}
