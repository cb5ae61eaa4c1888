// Package config loads the service configuration from FREIGHTLINE_*
// environment variables with defaults for every optional setting.
//
// # Configuration Structure
//
// Server settings:
//
//	FREIGHTLINE_HOST="0.0.0.0"
//	FREIGHTLINE_PORT="8080"
//	FREIGHTLINE_HEALTH_PORT="9090"
//
// Storage settings:
//
//	FREIGHTLINE_STORAGE_TYPE="postgres"  # memory, postgres
//	FREIGHTLINE_POSTGRES_URL="postgres://localhost/freightline?sslmode=disable"
//	FREIGHTLINE_POSTGRES_REPLICA_URLS="postgres://replica1/freightline"
//	FREIGHTLINE_REDIS_URL="redis://localhost:6379"  # webhook dedupe
//	FREIGHTLINE_DEDUPE_TTL="72h"
//	FREIGHTLINE_ARCHIVE_BUCKET="freightline-webhooks"  # optional payload archive
//
// Billing settings:
//
//	FREIGHTLINE_STRIPE_SECRET_KEY="sk_live_..."
//	FREIGHTLINE_STRIPE_WEBHOOK_SECRET="whsec_..."  # required
//	FREIGHTLINE_CHECKOUT_SUCCESS_URL="https://app.example.com/billing/success"
//	FREIGHTLINE_CATALOG_PATH="/etc/freightline/plans.yaml"
//
// Housekeeper settings:
//
//	FREIGHTLINE_ROLLOVER_SCHEDULE="@hourly"  # standard cron syntax
//	FREIGHTLINE_ROLLOVER_CONCURRENCY="8"
//
// Observability settings:
//
//	FREIGHTLINE_LOG_LEVEL="info"  # debug, info, warn, error
//	FREIGHTLINE_LOG_FORMAT="json"  # json, text
//	FREIGHTLINE_OTEL_ENABLED="true"
//	FREIGHTLINE_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
package config
