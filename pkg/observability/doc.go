// Package observability provides structured logging, Prometheus metrics,
// health checks and OpenTelemetry tracing for the billing engine.
//
// # Logging
//
// Processes build one logrus logger and hand it to every service:
//
//	logger := observability.NewLogger(observability.InfoLevel, observability.JSONFormat, os.Stdout)
//	logger.WithField("company_id", 42).Info("Plan updated")
//
// Request-scoped fields travel in the context:
//
//	ctx = observability.WithRequestID(ctx, reqID)
//	observability.FromContext(ctx).Warn("Slow provider call")
//
// # Metrics
//
// Metrics are registered on an explicit registry. Every Record method
// accepts a nil receiver.
//
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordWebhookEvent("subscription.updated", "processed")
//	router.Use(observability.HTTPMetricsMiddleware(metrics))
//
// # Health
//
//	checker := observability.NewHealthChecker(version,
//		observability.LedgerDatabase(db),
//		observability.WebhookDedupe(redisClient))
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	tel, err := observability.StartTelemetry(ctx, cfg.Telemetry(), logger)
//	defer tel.Shutdown(ctx)
package observability
