// Package cache defines the shared key-value cache the identity core uses for
// deny-lists, rate-limit counters, and single-use challenge state. All
// cross-request coordination goes through the atomic operations declared here
// so horizontally scaled replicas observe the same state.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss indicates the key does not exist or has expired.
var ErrMiss = errors.New("cache: miss")

// Cache is a minimal KV surface with the atomic primitives the core relies on.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores the value only when the key is absent. Reports whether the
	// write happened. This is the claim operation for single-use challenges.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// GetDel atomically reads and removes a key.
	GetDel(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	// Incr increments a counter, creating it with the given TTL on first use.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// TTL reports the remaining lifetime of a key, ErrMiss when absent.
	TTL(ctx context.Context, key string) (time.Duration, error)
}
