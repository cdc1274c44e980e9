package readcache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	mr "github.com/alicebob/miniredis/v2"
	"github.com/medibook/medibook/backend/booking-service/internal/appointment"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisGateway(t *testing.T) (*RedisGateway, *mr.Miniredis) {
	t.Helper()
	m, err := mr.Run()
	require.NoError(t, err)
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisGateway(client, "booking:"), m
}

func TestRedisGatewaySetGetTTL(t *testing.T) {
	g, m := newRedisGateway(t)
	ctx := context.Background()

	_, ok, err := g.Get(ctx, "appointment:1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, g.Set(ctx, "appointment:1", []byte("payload"), 30*time.Second))
	require.True(t, m.Exists("booking:appointment:1"))

	b, ok, err := g.Get(ctx, "appointment:1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "payload", string(b))

	m.FastForward(31 * time.Second)
	_, ok, err = g.Get(ctx, "appointment:1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisGatewayDelete(t *testing.T) {
	g, m := newRedisGateway(t)
	ctx := context.Background()

	require.NoError(t, g.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, g.Set(ctx, "b", []byte("2"), time.Minute))
	require.NoError(t, g.Delete(ctx, "a", "b", "missing"))
	require.False(t, m.Exists("booking:a"))
	require.False(t, m.Exists("booking:b"))
	require.NoError(t, g.Delete(ctx))
}

func TestRedisGatewayDeleteByPrefix(t *testing.T) {
	g, m := newRedisGateway(t)
	ctx := context.Background()

	for i := 0; i < 450; i++ {
		require.NoError(t, g.Set(ctx, ListKey(map[string]string{"doctorId": fmt.Sprintf("d%d", i)}), []byte("x"), time.Minute))
	}
	require.NoError(t, g.Set(ctx, AppointmentKey("keep"), []byte("y"), time.Minute))
	require.NoError(t, m.Set("other:appointments:list:zzz", "foreign"))

	require.NoError(t, g.DeleteByPrefix(ctx, ListPrefix))

	for _, k := range m.Keys() {
		require.NotContains(t, k, "booking:"+ListPrefix)
	}
	require.True(t, m.Exists("booking:"+AppointmentKey("keep")))
	require.True(t, m.Exists("other:appointments:list:zzz"))
}

func TestRedisGatewayUnavailableIsTransient(t *testing.T) {
	g, m := newRedisGateway(t)
	m.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, _, err := g.Get(ctx, "k")
	require.True(t, errors.Is(err, appointment.ErrTransient))
	require.True(t, errors.Is(g.Set(ctx, "k", []byte("v"), time.Second), appointment.ErrTransient))
	require.True(t, errors.Is(g.DeleteByPrefix(ctx, "k"), appointment.ErrTransient))
	require.Error(t, g.Ping(ctx))
}
