package readcache

import (
	"context"
	"strings"
	"time"

	"github.com/viccon/sturdyc"
)

// LocalConfig sizes the in-process cache.
type LocalConfig struct {
	Capacity           int
	NumShards          int
	TTL                time.Duration
	EvictionPercentage int
}

// LocalGateway is an in-process gateway on sturdyc. The TTL is fixed at
// construction; the per-call ttl argument of Set is ignored.
type LocalGateway struct {
	client *sturdyc.Client[[]byte]
}

func NewLocalGateway(cfg LocalConfig) *LocalGateway {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	if cfg.NumShards <= 0 {
		cfg.NumShards = 10
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	if cfg.EvictionPercentage <= 0 {
		cfg.EvictionPercentage = 10
	}
	return &LocalGateway{
		client: sturdyc.New[[]byte](cfg.Capacity, cfg.NumShards, cfg.TTL, cfg.EvictionPercentage),
	}
}

func (g *LocalGateway) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := g.client.Get(key)
	return v, ok, nil
}

func (g *LocalGateway) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	g.client.Set(key, value)
	return nil
}

func (g *LocalGateway) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		g.client.Delete(k)
	}
	return nil
}

func (g *LocalGateway) DeleteByPrefix(ctx context.Context, prefix string) error {
	for _, k := range g.client.ScanKeys() {
		if strings.HasPrefix(k, prefix) {
			g.client.Delete(k)
		}
	}
	return nil
}
