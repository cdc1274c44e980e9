package readcache

import (
	"context"
	"strconv"
	"time"

	"github.com/medibook/medibook/backend/booking-service/pkg/logger"
	"github.com/medibook/medibook/backend/booking-service/pkg/metrics"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"
)

// Coordinator serves projections cache-aside and invalidates them after writes.
// Cache failures never reach the caller: reads fall back to the loader and
// invalidation errors are logged.
type Coordinator struct {
	gw          Gateway
	ttl         time.Duration
	timeout     time.Duration
	loadTimeout time.Duration
	group       singleflight.Group
	stamps      *stampTable
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithOpTimeout bounds every individual gateway call.
func WithOpTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithLoadTimeout bounds a shared load. Loads run detached from the
// request that started them, so this is their only deadline.
func WithLoadTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.loadTimeout = d }
}

func NewCoordinator(gw Gateway, ttl time.Duration, opts ...Option) *Coordinator {
	c := &Coordinator{gw: gw, ttl: ttl, timeout: 500 * time.Millisecond, loadTimeout: 10 * time.Second}
	for _, o := range opts {
		o(c)
	}
	if c.loadTimeout <= 0 {
		c.loadTimeout = 10 * time.Second
	}
	c.stamps = newStampTable(2 * c.loadTimeout)
	return c
}

func (c *Coordinator) TTL() time.Duration { return c.ttl }

func (c *Coordinator) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(context.WithoutCancel(ctx))
	}
	return context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
}

type loadResult struct {
	value   interface{}
	encoded []byte
}

// GetOrLoad returns the cached value for key or invokes load, caches its
// result for the coordinator TTL and returns it. Concurrent misses on the
// same key share one load and each caller receives its own copy. A caller
// whose ctx ends stops waiting without failing the others. Loader errors
// are returned and never cached.
func GetOrLoad[T any](ctx context.Context, c *Coordinator, key string, load func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if v, ok := cachedValue[T](ctx, c, key); ok {
		return v, nil
	}

	stamp := c.stamps.get(key)
	flight := key + "#" + strconv.FormatUint(stamp, 10)
	ch := c.group.DoChan(flight, func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()
		v, err := load(lctx)
		if err != nil {
			return nil, err
		}
		b, err := msgpack.Marshal(v)
		if err != nil {
			logger.Warnf("cache encode %s: %v", key, err)
			return loadResult{value: v}, nil
		}
		c.store(lctx, key, b, stamp)
		return loadResult{value: v, encoded: b}, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return zero, res.Err
	}
	lr := res.Val.(loadResult)
	if !res.Shared || lr.encoded == nil {
		v, _ := lr.value.(T)
		return v, nil
	}
	var v T
	if err := msgpack.Unmarshal(lr.encoded, &v); err != nil {
		// cannot hand out a private copy; a shared value is still correct for value types
		logger.Warnf("cache decode %s: %v", key, err)
		v, _ = lr.value.(T)
		return v, nil
	}
	return v, nil
}

func cachedValue[T any](ctx context.Context, c *Coordinator, key string) (T, bool) {
	var zero T
	gctx, cancel := c.opCtx(ctx)
	defer cancel()

	b, ok, err := c.gw.Get(gctx, key)
	if err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		logger.Warnf("cache get %s failed, reading from store: %v", key, err)
		return zero, false
	}
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return zero, false
	}
	var v T
	if err := msgpack.Unmarshal(b, &v); err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		logger.Warnf("cache entry %s is undecodable, dropping it: %v", key, err)
		_ = c.gw.Delete(gctx, key)
		return zero, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return v, true
}

// store writes b unless key was invalidated since the load began.
func (c *Coordinator) store(ctx context.Context, key string, b []byte, stamp uint64) {
	if c.stamps.get(key) != stamp {
		logger.Debugf("cache fill %s skipped: invalidated during load", key)
		return
	}
	sctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.gw.Set(sctx, key, b, c.ttl); err != nil {
		logger.Warnf("cache set %s failed: %v", key, err)
		return
	}
	// An invalidation may have landed between the check above and the write.
	if c.stamps.get(key) != stamp {
		_ = c.gw.Delete(sctx, key)
	}
}

// Invalidate removes keys. Failures are logged and reported only through metrics.
func (c *Coordinator) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	c.stamps.bumpKeys(keys...)
	dctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.gw.Delete(dctx, keys...); err != nil {
		metrics.CacheInvalidations.WithLabelValues("key", "error").Inc()
		logger.Warnf("cache invalidate %v failed: %v", keys, err)
		return
	}
	metrics.CacheInvalidations.WithLabelValues("key", "ok").Inc()
}

// InvalidateByPrefix removes every key under prefix.
func (c *Coordinator) InvalidateByPrefix(ctx context.Context, prefix string) {
	c.stamps.bumpPrefix(prefix)
	dctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.gw.DeleteByPrefix(dctx, prefix); err != nil {
		metrics.CacheInvalidations.WithLabelValues("prefix", "error").Inc()
		logger.Warnf("cache invalidate prefix %s failed: %v", prefix, err)
		return
	}
	metrics.CacheInvalidations.WithLabelValues("prefix", "ok").Inc()
}

// Ping reports whether the underlying gateway is reachable, when it can tell.
func (c *Coordinator) Ping(ctx context.Context) error {
	p, ok := c.gw.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}
