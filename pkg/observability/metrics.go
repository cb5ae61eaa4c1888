package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so services can be built without a registry in tests.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Storage metrics
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge

	// Redis metrics
	RedisCommandsTotal   *prometheus.CounterVec
	RedisCommandDuration *prometheus.HistogramVec

	// Billing metrics
	WebhookEventsTotal        *prometheus.CounterVec
	CreditTransactionsTotal   *prometheus.CounterVec
	CreditAmountTotal         *prometheus.CounterVec
	CreditDeductionsTotal     *prometheus.CounterVec
	RolloversTotal            *prometheus.CounterVec
	ProrationGrantsTotal      *prometheus.CounterVec
	ProrationCreditsTotal     *prometheus.CounterVec
	CollaboratorFailuresTotal *prometheus.CounterVec
	QuotaDeniedTotal          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freightline_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "freightline_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "freightline_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "freightline_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		// Storage metrics
		StorageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freightline_storage_operations_total",
				Help: "Total number of storage operations",
			},
			[]string{"operation", "backend", "status"},
		),
		StorageOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "freightline_storage_operation_duration_seconds",
				Help:    "Storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),

		// Database metrics
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "freightline_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "freightline_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "freightline_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "freightline_db_connections_wait_duration_seconds",
				Help: "Total time spent waiting for connections",
			},
		),

		// Redis metrics
		RedisCommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freightline_redis_commands_total",
				Help: "Total number of Redis commands",
			},
			[]string{"command", "status"},
		),
		RedisCommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "freightline_redis_command_duration_seconds",
				Help:    "Redis command duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"command"},
		),

		// Billing metrics
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freightline_webhook_events_total",
				Help: "Total number of billing webhook events by outcome",
			},
			[]string{"event_type", "outcome"},
		),
		CreditTransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freightline_credit_transactions_total",
				Help: "Total number of credit ledger transactions",
			},
			[]string{"wallet", "kind"},
		),
		CreditAmountTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freightline_credit_amount_total",
				Help: "Absolute credit amount moved through the ledger",
			},
			[]string{"wallet", "kind"},
		),
		CreditDeductionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freightline_credit_deductions_total",
				Help: "Total number of credit deduction attempts",
			},
			[]string{"wallet", "result"},
		),
		RolloversTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freightline_usage_rollovers_total",
				Help: "Total number of usage period rollovers by outcome",
			},
			[]string{"outcome"},
		),
		ProrationGrantsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freightline_proration_grants_total",
				Help: "Total number of mid-period upgrade grants",
			},
			[]string{"wallet"},
		),
		ProrationCreditsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freightline_proration_credits_total",
				Help: "Total credits granted by mid-period upgrades",
			},
			[]string{"wallet"},
		),
		CollaboratorFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freightline_collaborator_failures_total",
				Help: "Total number of swallowed collaborator failures",
			},
			[]string{"collaborator"},
		),
		QuotaDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freightline_quota_denied_total",
				Help: "Total number of requests rejected by a plan quota",
			},
			[]string{"resource"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.StorageOperationsTotal,
		m.StorageOperationDuration,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
		m.RedisCommandsTotal,
		m.RedisCommandDuration,
		m.WebhookEventsTotal,
		m.CreditTransactionsTotal,
		m.CreditAmountTotal,
		m.CreditDeductionsTotal,
		m.RolloversTotal,
		m.ProrationGrantsTotal,
		m.ProrationCreditsTotal,
		m.CollaboratorFailuresTotal,
		m.QuotaDeniedTotal,
	)

	return m
}

// RecordWebhookEvent counts a webhook delivery by normalized type and outcome
func (m *Metrics) RecordWebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordCreditTransaction counts a committed ledger row
func (m *Metrics) RecordCreditTransaction(wallet, kind string, amount int64) {
	if m == nil {
		return
	}
	if amount < 0 {
		amount = -amount
	}
	m.CreditTransactionsTotal.WithLabelValues(wallet, kind).Inc()
	m.CreditAmountTotal.WithLabelValues(wallet, kind).Add(float64(amount))
}

// RecordCreditDeduction counts a deduction attempt
func (m *Metrics) RecordCreditDeduction(wallet string, ok bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if ok {
		result = "accepted"
	}
	m.CreditDeductionsTotal.WithLabelValues(wallet, result).Inc()
}

// RecordRollover counts a period check; outcome is rolled, current or failed
func (m *Metrics) RecordRollover(outcome string) {
	if m == nil {
		return
	}
	m.RolloversTotal.WithLabelValues(outcome).Inc()
}

// RecordProrationGrant counts an upgrade grant
func (m *Metrics) RecordProrationGrant(wallet string, amount int64) {
	if m == nil {
		return
	}
	m.ProrationGrantsTotal.WithLabelValues(wallet).Inc()
	m.ProrationCreditsTotal.WithLabelValues(wallet).Add(float64(amount))
}

// RecordCollaboratorFailure counts a failure that was logged and swallowed
func (m *Metrics) RecordCollaboratorFailure(collaborator string) {
	if m == nil {
		return
	}
	m.CollaboratorFailuresTotal.WithLabelValues(collaborator).Inc()
}

// RecordQuotaDenied counts a quota rejection
func (m *Metrics) RecordQuotaDenied(resource string) {
	if m == nil {
		return
	}
	m.QuotaDeniedTotal.WithLabelValues(resource).Inc()
}

// RecordStorageOperation records one storage call
func (m *Metrics) RecordStorageOperation(operation, backend string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StorageOperationsTotal.WithLabelValues(operation, backend, status).Inc()
	m.StorageOperationDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// RecordRedisCommand records one Redis round trip
func (m *Metrics) RecordRedisCommand(command string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RedisCommandsTotal.WithLabelValues(command, status).Inc()
	m.RedisCommandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// UpdateDBStats copies connection pool statistics into the gauges
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
	m.DBConnectionsWaitDuration.Set(stats.WaitDuration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// routeLabel prefers the mux route template so path parameters do not
// explode label cardinality
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status and size
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			// Serve the request
			next.ServeHTTP(rw, r)

			path := routeLabel(r)
			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, path).Observe(float64(r.ContentLength))
			}

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
