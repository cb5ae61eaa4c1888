package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/freightline/pkg/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisDeduper(t *testing.T) {
	mr, client := newTestRedis(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	d := NewRedisDeduper(client, time.Hour, metrics)
	ctx := context.Background()

	seen, err := d.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, d.Mark(ctx, "evt_1"))
	require.NoError(t, d.Mark(ctx, "evt_1"))

	seen, err = d.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	assert.True(t, mr.Exists(dedupeKeyPrefix+"evt_1"))
	assert.Equal(t, time.Hour, mr.TTL(dedupeKeyPrefix+"evt_1"))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.RedisCommandsTotal.WithLabelValues("exists", "success")))

	t.Run("expires", func(t *testing.T) {
		mr.FastForward(2 * time.Hour)
		seen, err := d.Seen(ctx, "evt_1")
		require.NoError(t, err)
		assert.False(t, seen)
	})

	t.Run("redis down", func(t *testing.T) {
		down := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
		defer down.Close()
		d := NewRedisDeduper(down, time.Hour, nil)

		_, err := d.Seen(ctx, "evt_2")
		assert.Error(t, err)
		assert.Error(t, d.Mark(ctx, "evt_2"))
	})
}

func TestRedisDeduperDefaultTTL(t *testing.T) {
	_, client := newTestRedis(t)

	d := NewRedisDeduper(client, 0, nil)

	assert.Equal(t, 72*time.Hour, d.ttl)
}

func TestMemoryDeduper(t *testing.T) {
	ctx := context.Background()

	t.Run("marks", func(t *testing.T) {
		d := NewMemoryDeduper(10, time.Hour)

		seen, _ := d.Seen(ctx, "evt_1")
		assert.False(t, seen)

		require.NoError(t, d.Mark(ctx, "evt_1"))
		seen, _ = d.Seen(ctx, "evt_1")
		assert.True(t, seen)
	})

	t.Run("evicts least recently used", func(t *testing.T) {
		d := NewMemoryDeduper(2, time.Hour)
		for _, id := range []string{"evt_1", "evt_2", "evt_3"} {
			require.NoError(t, d.Mark(ctx, id))
		}

		seen, _ := d.Seen(ctx, "evt_1")
		assert.False(t, seen)
		seen, _ = d.Seen(ctx, "evt_3")
		assert.True(t, seen)
	})

	t.Run("expires", func(t *testing.T) {
		d := NewMemoryDeduper(10, 10*time.Millisecond)
		require.NoError(t, d.Mark(ctx, "evt_1"))

		assert.Eventually(t, func() bool {
			seen, _ := d.Seen(ctx, "evt_1")
			return !seen
		}, time.Second, 5*time.Millisecond)
	})
}
