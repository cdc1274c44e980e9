package readcache

import (
	"context"
	"errors"
	"time"

	"github.com/medibook/medibook/backend/booking-service/internal/appointment"
	"github.com/redis/go-redis/v9"
)

const scanBatch = 200

// RedisGateway stores projections in Redis under a namespace prefix.
type RedisGateway struct {
	client    *redis.Client
	namespace string
}

func NewRedisGateway(client *redis.Client, namespace string) *RedisGateway {
	return &RedisGateway{client: client, namespace: namespace}
}

func (g *RedisGateway) key(k string) string { return g.namespace + k }

func (g *RedisGateway) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := g.client.Get(ctx, g.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, appointment.Transient("cache get", err)
	}
	return b, true, nil
}

func (g *RedisGateway) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := g.client.Set(ctx, g.key(key), value, ttl).Err(); err != nil {
		return appointment.Transient("cache set", err)
	}
	return nil
}

func (g *RedisGateway) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = g.key(k)
	}
	if err := g.client.Del(ctx, full...).Err(); err != nil {
		return appointment.Transient("cache delete", err)
	}
	return nil
}

// DeleteByPrefix walks the keyspace with SCAN so the server is never blocked by KEYS.
func (g *RedisGateway) DeleteByPrefix(ctx context.Context, prefix string) error {
	var cursor uint64
	pattern := g.key(prefix) + "*"
	for {
		keys, next, err := g.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return appointment.Transient("cache scan", err)
		}
		if len(keys) > 0 {
			if err := g.client.Unlink(ctx, keys...).Err(); err != nil {
				return appointment.Transient("cache delete", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (g *RedisGateway) Ping(ctx context.Context) error {
	if err := g.client.Ping(ctx).Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return appointment.Transient("cache ping", err)
	}
	return nil
}
