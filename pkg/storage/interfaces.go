package storage

import (
	"errors"
	"time"
)

// Sentinel errors shared by every repository backend
var (
	// ErrNotFound is returned when the requested row does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write loses a uniqueness race that the
	// caller cannot resolve by itself
	ErrConflict = errors.New("conflict")
)

// Config for storage backend
type Config struct {
	Type string // "memory", "postgres"

	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs string // comma-separated
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	PostgresMaxLifetime time.Duration
	PostgresMaxIdleTime time.Duration

	// Redis config (webhook event dedupe)
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
	DedupeTTL       time.Duration

	// In-process dedupe fallback when Redis is not configured
	DedupeCacheSize int

	// Raw webhook payload archive; disabled when ArchiveBucket is empty
	ArchiveBucket       string
	ArchiveRegion       string
	ArchiveEndpoint     string
	ArchiveAccessKey    string
	ArchiveSecretKey    string
	ArchiveUsePathStyle bool
	ArchivePrefix       string
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:                "memory",
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: 30 * time.Minute,
		PostgresMaxIdleTime: 5 * time.Minute,
		RedisDB:             0,
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
		DedupeTTL:           72 * time.Hour,
		DedupeCacheSize:     10000,
		ArchiveRegion:       "us-east-1",
		ArchivePrefix:       "webhooks",
	}
}
