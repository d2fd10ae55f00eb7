// Package cache implements the process-wide cache: string keys to
// JSON-serializable values with a per-entry TTL, shared across
// conversations. Reads are not lock-free in every implementation:
// MemoryCache takes its mutex on Get as well as on Set and Delete.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Cache is the interface every component in the orchestrator (tool
// server client, memory composer) programs against. Get returns
// (nil, false) on both a true miss and an expired entry — callers never
// need to distinguish the two.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// GetJSON fetches key and unmarshals it into out. It returns ok=false
// without error on a cache miss.
func GetJSON(ctx context.Context, c Cache, key string, out any) (ok bool, err error) {
	raw, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, nil //nolint:nilerr // a corrupt cache entry is treated as a miss
	}
	return true, nil
}

// SetJSON marshals value and stores it under key with the given TTL.
func SetJSON(ctx context.Context, c Cache, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, raw, ttl)
}
