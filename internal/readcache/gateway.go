// Package readcache provides the cache gateways and the read-through
// coordinator used for appointment and user projections.
package readcache

import (
	"context"
	"time"
)

// Gateway is typed access to a shared key-value cache with per-key TTL.
type Gateway interface {
	// Get reports ok=false on a miss; err is reserved for an unreachable cache.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
}
