// Package cachemanager provides a small generic cache abstraction used by the
// registry to hold materialized instances. Values live until deleted; the TTL
// parameter exists for callers that want expiring entries.
package cachemanager

import (
	"context"
	"time"
)

// NeverExpire disables expiration for a cached value.
const NeverExpire time.Duration = -1

type CacheManager[K ~string, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...K) error
	Flush(ctx context.Context) error
	Count(ctx context.Context) int
}
