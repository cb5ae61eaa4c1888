package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestDefaultConfig tests the DefaultConfig function
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "memory", cfg.Type)
	assert.Equal(t, 20, cfg.PostgresMaxConns)
	assert.Equal(t, 2, cfg.PostgresMinConns)
	assert.Equal(t, 10*time.Second, cfg.PostgresTimeout)
	assert.Equal(t, 0, cfg.RedisDB)
	assert.Equal(t, 3, cfg.RedisMaxRetries)
	assert.Equal(t, 10, cfg.RedisPoolSize)
	assert.Equal(t, 72*time.Hour, cfg.DedupeTTL)
	assert.Equal(t, 10000, cfg.DedupeCacheSize)
	assert.Empty(t, cfg.ArchiveBucket)
	assert.Equal(t, "us-east-1", cfg.ArchiveRegion)
	assert.Equal(t, "webhooks", cfg.ArchivePrefix)
}

func TestSentinelErrors(t *testing.T) {
	wrapped := fmt.Errorf("company %d: %w", 7, ErrNotFound)

	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.False(t, errors.Is(wrapped, ErrConflict))
	assert.Equal(t, "company 7: not found", wrapped.Error())
}
