package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/platinummonkey/freightline/pkg/billing"
	"github.com/platinummonkey/freightline/pkg/billing/stripe"
	"github.com/platinummonkey/freightline/pkg/companies"
	"github.com/platinummonkey/freightline/pkg/config"
	"github.com/platinummonkey/freightline/pkg/credits"
	"github.com/platinummonkey/freightline/pkg/httputil"
	"github.com/platinummonkey/freightline/pkg/observability"
	"github.com/platinummonkey/freightline/pkg/plans"
	"github.com/platinummonkey/freightline/pkg/proration"
	"github.com/platinummonkey/freightline/pkg/storage/memory"
	"github.com/platinummonkey/freightline/pkg/storage/postgres"
	"github.com/platinummonkey/freightline/pkg/subscriptions"
	"github.com/platinummonkey/freightline/pkg/usage"
	"github.com/platinummonkey/freightline/pkg/webhooks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// repositories bundles the four repository roles of one backend
type repositories interface {
	companies.Store
	usage.Repository
	credits.Repository
	subscriptions.Repository
}

// app is the wired service: the public API handler, the health/metrics
// router and everything that must be released on shutdown
type app struct {
	handler  http.Handler
	health   *mux.Router
	metrics  *observability.Metrics
	db       *postgres.ConnectionManager
	redis    *redis.Client
	closers  []observability.Closer
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger, registry *prometheus.Registry) (*app, error) {
	metrics := observability.NewMetrics(registry)
	a := &app{metrics: metrics}

	catalog := plans.DefaultCatalog()
	if cfg.Billing.CatalogPath != "" {
		loaded, err := plans.LoadCatalog(cfg.Billing.CatalogPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load plan catalog: %w", err)
		}
		catalog = loaded
	}

	var repos repositories
	var db *sql.DB
	switch cfg.Storage.Type {
	case "postgres":
		cm, store, err := postgres.Open(ctx, cfg.Storage, logger, metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		a.db = cm
		a.closers = append(a.closers, observability.Closer{Name: "postgres", Close: func(context.Context) error { return cm.Close() }})
		repos = store
		db = cm.Primary()
	default:
		logger.Warn("Using in-memory storage; state is lost on restart")
		repos = memory.New()
	}

	var deduper webhooks.Deduper
	if cfg.Storage.RedisURL != "" {
		client, err := webhooks.NewRedisClient(ctx, cfg.Storage)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		a.redis = client
		a.closers = append(a.closers, observability.Closer{Name: "redis", Close: func(context.Context) error { return client.Close() }})
		deduper = webhooks.NewRedisDeduper(client, cfg.Storage.DedupeTTL, metrics)
	} else {
		logger.Warn("Redis not configured; webhook dedupe is local to this instance")
		deduper = webhooks.NewMemoryDeduper(cfg.Storage.DedupeCacheSize, cfg.Storage.DedupeTTL)
	}

	var archiver webhooks.Archiver
	if cfg.Storage.ArchiveBucket != "" {
		s3Archiver, err := webhooks.NewS3Archiver(ctx, webhooks.S3ConfigFrom(cfg.Storage), metrics)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		archiver = s3Archiver
	}

	usageSvc := usage.NewService(repos, repos, logger, metrics)
	usageSvc.SetRolloverConcurrency(cfg.Housekeeper.Concurrency)
	ledger := credits.NewLedger(repos, usageSvc, logger, metrics)
	subs := subscriptions.NewService(repos, repos, catalog, logger)
	prorator := proration.NewProrator(ledger, logger, metrics)

	var gateway billing.Gateway
	if cfg.CheckoutEnabled() {
		gateway = stripe.NewClient(stripe.ClientConfig{
			SecretKey:         cfg.Billing.StripeSecretKey,
			BaseURL:           cfg.Billing.StripeAPIBase,
			Timeout:           cfg.Billing.StripeTimeout,
			MaxNetworkRetries: 2,
			Logger:            logger,
		})
	} else {
		logger.Warn("Payment provider key not configured; checkout and portal are disabled")
	}

	processor := billing.NewProcessor(billing.ProcessorConfig{
		Subscriptions: subs,
		Companies:     repos,
		Prorator:      prorator,
		Gateway:       gateway,
		Logger:        logger,
		Metrics:       metrics,
	})
	checkout := billing.NewCheckoutService(billing.CheckoutConfig{
		Subscriptions:   subs,
		Companies:       repos,
		Processor:       processor,
		Gateway:         gateway,
		Logger:          logger,
		Metrics:         metrics,
		SuccessURL:      cfg.Billing.SuccessURL,
		CancelURL:       cfg.Billing.CancelURL,
		PortalReturnURL: cfg.Billing.PortalReturnURL,
	})

	router := mux.NewRouter()
	webhooks.NewWebhookHandler(webhooks.WebhookConfig{
		Parser:    stripe.NewVerifier(cfg.Billing.WebhookSecret, cfg.Billing.WebhookTolerance),
		Processor: processor,
		Deduper:   deduper,
		Archiver:  archiver,
		Logger:    logger,
		Metrics:   metrics,
	}).RegisterRoutes(router)
	webhooks.NewBillingHandlers(webhooks.BillingConfig{
		Checkout:  checkout,
		Usage:     usageSvc,
		Ledger:    ledger,
		Companies: repos,
		Catalog:   catalog,
		Logger:    logger,
	}).RegisterRoutes(router)
	router.Use(observability.HTTPMetricsMiddleware(metrics))

	middleware := httputil.Chain(
		httputil.RequestIDMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
		httputil.LoggingMiddleware(logger),
	)
	a.handler = otelhttp.NewHandler(middleware(router), "freightline")

	a.health = mux.NewRouter()
	var deps []observability.Dependency
	if db != nil {
		deps = append(deps, observability.LedgerDatabase(db))
	}
	if a.redis != nil {
		deps = append(deps, observability.WebhookDedupe(a.redis))
	}
	observability.RegisterHealthRoutes(a.health, observability.NewHealthChecker(cfg.Observability.OTelServiceVersion, deps...))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(a.health, registry)
	}

	return a, nil
}

// close releases resources directly, for failures before the drainer
// takes over
func (a *app) close(ctx context.Context) {
	for _, c := range a.closers {
		_ = c.Close(ctx)
	}
}
