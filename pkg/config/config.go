package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/freightline/pkg/observability"
	"github.com/platinummonkey/freightline/pkg/storage"
	"github.com/robfig/cron/v3"
)

const envPrefix = "FREIGHTLINE_"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Billing       BillingConfig
	Housekeeper   HousekeeperConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s liveness and readiness)
	HealthPort string
}

// BillingConfig holds payment provider and catalog settings
type BillingConfig struct {
	// StripeSecretKey enables checkout and portal; without it those
	// endpoints answer 503 while webhooks keep working
	StripeSecretKey  string
	StripeAPIBase    string
	StripeTimeout    time.Duration
	WebhookSecret    string
	WebhookTolerance time.Duration

	SuccessURL      string
	CancelURL       string
	PortalReturnURL string

	// CatalogPath points to a YAML plan catalog; empty uses the built-in one
	CatalogPath string
}

// HousekeeperConfig holds the periodic rollover job settings
type HousekeeperConfig struct {
	Schedule    string
	Concurrency int
	Timeout     time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  observability.LogLevel
	LogFormat observability.LogFormat

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Billing:       loadBillingConfig(),
		Housekeeper:   loadHousekeeperConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("HOST", "0.0.0.0"),
		Port:            getEnv("PORT", "8080"),
		ReadTimeout:     getEnvDuration("READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("HEALTH_PORT", "9090"),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = storageType
	}

	// PostgreSQL config
	if pgURL := getEnv("POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if replicaURLs := getEnv("POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.PostgresReplicaURLs = replicaURLs
	}
	if maxConns := getEnvInt("POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	// Redis config
	if redisURL := getEnv("REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}
	if ttl := getEnvDuration("DEDUPE_TTL", 0); ttl > 0 {
		cfg.DedupeTTL = ttl
	}
	if size := getEnvInt("DEDUPE_CACHE_SIZE", 0); size > 0 {
		cfg.DedupeCacheSize = size
	}

	// Webhook payload archive
	cfg.ArchiveBucket = getEnv("ARCHIVE_BUCKET", cfg.ArchiveBucket)
	cfg.ArchiveRegion = getEnv("ARCHIVE_REGION", cfg.ArchiveRegion)
	cfg.ArchiveEndpoint = getEnv("ARCHIVE_ENDPOINT", cfg.ArchiveEndpoint)
	cfg.ArchiveAccessKey = getEnv("ARCHIVE_ACCESS_KEY", cfg.ArchiveAccessKey)
	cfg.ArchiveSecretKey = getEnv("ARCHIVE_SECRET_KEY", cfg.ArchiveSecretKey)
	cfg.ArchiveUsePathStyle = getEnvBool("ARCHIVE_USE_PATH_STYLE", cfg.ArchiveUsePathStyle)
	cfg.ArchivePrefix = getEnv("ARCHIVE_PREFIX", cfg.ArchivePrefix)

	return cfg
}

func loadBillingConfig() BillingConfig {
	return BillingConfig{
		StripeSecretKey:  getEnv("STRIPE_SECRET_KEY", ""),
		StripeAPIBase:    getEnv("STRIPE_API_BASE", ""),
		StripeTimeout:    getEnvDuration("STRIPE_TIMEOUT", 10*time.Second),
		WebhookSecret:    getEnv("STRIPE_WEBHOOK_SECRET", ""),
		WebhookTolerance: getEnvDuration("WEBHOOK_TOLERANCE", 5*time.Minute),
		SuccessURL:       getEnv("CHECKOUT_SUCCESS_URL", "http://localhost:3000/billing/success"),
		CancelURL:        getEnv("CHECKOUT_CANCEL_URL", "http://localhost:3000/billing/cancel"),
		PortalReturnURL:  getEnv("PORTAL_RETURN_URL", "http://localhost:3000/billing"),
		CatalogPath:      getEnv("CATALOG_PATH", ""),
	}
}

func loadHousekeeperConfig() HousekeeperConfig {
	return HousekeeperConfig{
		Schedule:    getEnv("ROLLOVER_SCHEDULE", "@hourly"),
		Concurrency: getEnvInt("ROLLOVER_CONCURRENCY", 8),
		Timeout:     getEnvDuration("ROLLOVER_TIMEOUT", 10*time.Minute),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("LOG_LEVEL", "info")),
		LogFormat:          parseLogFormat(getEnv("LOG_FORMAT", "json")),
		MetricsEnabled:     getEnvBool("METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("OTEL_SERVICE_NAME", "freightline-billing"),
		OTelServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
		if c.Storage.PostgresMinConns > c.Storage.PostgresMaxConns {
			return fmt.Errorf("postgres min connections exceed max connections")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory or postgres)", c.Storage.Type)
	}

	if c.Storage.ArchiveBucket != "" && c.Storage.ArchiveRegion == "" {
		return fmt.Errorf("archive region is required when an archive bucket is set")
	}

	// Unsigned webhooks are never accepted
	if c.Billing.WebhookSecret == "" {
		return fmt.Errorf("webhook signing secret is required")
	}
	if c.Billing.WebhookTolerance <= 0 {
		return fmt.Errorf("webhook tolerance must be positive")
	}

	if _, err := cron.ParseStandard(c.Housekeeper.Schedule); err != nil {
		return fmt.Errorf("invalid rollover schedule %q: %w", c.Housekeeper.Schedule, err)
	}
	if c.Housekeeper.Concurrency <= 0 {
		return fmt.Errorf("rollover concurrency must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// CheckoutEnabled reports whether a provider API key is configured
func (c *Config) CheckoutEnabled() bool {
	return c.Billing.StripeSecretKey != ""
}

// Telemetry returns the settings observability.StartTelemetry takes
func (c *Config) Telemetry() observability.TelemetryConfig {
	return observability.TelemetryConfig{
		Enabled:        c.Observability.OTelEnabled,
		Endpoint:       c.Observability.OTelEndpoint,
		ServiceName:    c.Observability.OTelServiceName,
		ServiceVersion: c.Observability.OTelServiceVersion,
		Insecure:       c.Observability.OTelInsecure,
		SampleRatio:    c.Observability.OTelSampleRatio,
	}
}

func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

func parseLogFormat(format string) observability.LogFormat {
	if strings.ToLower(format) == "text" {
		return observability.TextFormat
	}
	return observability.JSONFormat
}

// getEnv returns FREIGHTLINE_<key> or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := getEnv(key, ""); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := getEnv(key, ""); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := getEnv(key, ""); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := getEnv(key, ""); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
