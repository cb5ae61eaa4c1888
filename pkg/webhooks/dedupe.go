package webhooks

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/platinummonkey/freightline/pkg/observability"
)

// Deduper remembers provider event ids that were already applied. Seen is
// checked before processing and Mark is only called after it succeeded, so
// a failed event is redelivered by the provider and processed again.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

const dedupeKeyPrefix = "freightline:webhook:event:"

// RedisDeduper shares processed event ids between instances
type RedisDeduper struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *observability.Metrics
}

// NewRedisDeduper creates a Redis-backed deduper. Keys expire after ttl.
func NewRedisDeduper(client *redis.Client, ttl time.Duration, metrics *observability.Metrics) *RedisDeduper {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisDeduper{client: client, ttl: ttl, metrics: metrics}
}

// Seen reports whether the event id was marked
func (d *RedisDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	start := time.Now()
	n, err := d.client.Exists(ctx, dedupeKeyPrefix+eventID).Result()
	d.metrics.RecordRedisCommand("exists", time.Since(start), err)
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	return n > 0, nil
}

// Mark records the event id. Marking twice is harmless.
func (d *RedisDeduper) Mark(ctx context.Context, eventID string) error {
	start := time.Now()
	err := d.client.SetNX(ctx, dedupeKeyPrefix+eventID, time.Now().Unix(), d.ttl).Err()
	d.metrics.RecordRedisCommand("setnx", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	return nil
}

// MemoryDeduper keeps processed event ids in a bounded in-process LRU. It
// is used when no Redis is configured; ids are lost on restart, which the
// idempotent processor tolerates.
type MemoryDeduper struct {
	cache *lru.LRU[string, struct{}]
}

// NewMemoryDeduper creates an in-process deduper holding at most size ids
func NewMemoryDeduper(size int, ttl time.Duration) *MemoryDeduper {
	if size <= 0 {
		size = 10000
	}
	return &MemoryDeduper{cache: lru.NewLRU[string, struct{}](size, nil, ttl)}
}

// Seen reports whether the event id was marked and has not expired
func (d *MemoryDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	return d.cache.Contains(eventID), nil
}

// Mark records the event id
func (d *MemoryDeduper) Mark(ctx context.Context, eventID string) error {
	d.cache.Add(eventID, struct{}{})
	return nil
}
