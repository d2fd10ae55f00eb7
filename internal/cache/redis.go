package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a Cache backed by a shared redis instance, for the
// multi-process deployment of the orchestrator. On any redis error
// (including a connection failure), callers should fall back to degraded
// mode rather than fail the turn. Get/Set surface the error so the
// caller can decide; they do not swallow it themselves.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// FallbackCache tries Primary first; any error from Primary is treated
// as the cache being unavailable and the call transparently falls
// through to Fallback (normally a NullCache), so degraded mode never
// returns an error to the rest of the orchestrator. Every store then
// acts as a cache-miss and every external cost is paid.
type FallbackCache struct {
	Primary  Cache
	Fallback Cache
	OnError  func(error)
}

func (c *FallbackCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, ok, err := c.Primary.Get(ctx, key)
	if err != nil {
		c.reportError(err)
		return c.Fallback.Get(ctx, key)
	}
	return val, ok, nil
}

func (c *FallbackCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.Primary.Set(ctx, key, value, ttl); err != nil {
		c.reportError(err)
		return c.Fallback.Set(ctx, key, value, ttl)
	}
	return nil
}

func (c *FallbackCache) Delete(ctx context.Context, key string) error {
	if err := c.Primary.Delete(ctx, key); err != nil {
		c.reportError(err)
		return c.Fallback.Delete(ctx, key)
	}
	return nil
}

func (c *FallbackCache) reportError(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}
