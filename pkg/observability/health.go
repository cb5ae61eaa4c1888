package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Dependency names reported by readiness
const (
	DependencyLedgerDB      = "ledger_db"
	DependencyWebhookDedupe = "webhook_dedupe"
)

const readinessTimeout = 5 * time.Second

var errPoolExhausted = errors.New("connection pool exhausted")

// Dependency is a backing service the billing API needs. A failing
// required dependency makes the instance unready; an optional one only
// degrades it.
type Dependency struct {
	Name     string
	Required bool
	Ping     func(ctx context.Context) error
}

// LedgerDatabase checks the Postgres pool that holds companies, periods and
// the credit ledger
func LedgerDatabase(db *sql.DB) Dependency {
	return Dependency{
		Name:     DependencyLedgerDB,
		Required: true,
		Ping: func(ctx context.Context) error {
			if err := db.PingContext(ctx); err != nil {
				return err
			}
			var one int
			if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
				return fmt.Errorf("query failed: %w", err)
			}
			if stats := db.Stats(); stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
				return errPoolExhausted
			}
			return nil
		},
	}
}

// WebhookDedupe checks the Redis store of processed event ids. Without it
// redeliveries are still safe, so it is optional.
func WebhookDedupe(client *redis.Client) Dependency {
	return Dependency{
		Name: DependencyWebhookDedupe,
		Ping: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	}
}

// HealthReport is the readiness body
type HealthReport struct {
	Status       string                      `json:"status"`
	Version      string                      `json:"version,omitempty"`
	CheckedAt    time.Time                   `json:"checked_at"`
	Dependencies map[string]DependencyReport `json:"dependencies,omitempty"`
}

// DependencyReport is the result for one dependency
type DependencyReport struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// HealthChecker serves liveness and readiness for the billing API
type HealthChecker struct {
	version string
	deps    []Dependency
	now     func() time.Time
}

// NewHealthChecker creates a checker over the given dependencies
func NewHealthChecker(version string, deps ...Dependency) *HealthChecker {
	return &HealthChecker{version: version, deps: deps, now: time.Now}
}

// Check pings every dependency in order
func (h *HealthChecker) Check(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:       StatusHealthy,
		Version:      h.version,
		CheckedAt:    h.now().UTC(),
		Dependencies: make(map[string]DependencyReport, len(h.deps)),
	}

	for _, dep := range h.deps {
		start := h.now()
		err := dep.Ping(ctx)
		dr := DependencyReport{Status: StatusHealthy, LatencyMS: h.now().Sub(start).Milliseconds()}

		switch {
		case err == nil:
		case errors.Is(err, errPoolExhausted):
			dr.Status, dr.Error = StatusDegraded, err.Error()
			report.Status = worse(report.Status, StatusDegraded)
		case dep.Required:
			dr.Status, dr.Error = StatusUnhealthy, err.Error()
			report.Status = StatusUnhealthy
		default:
			dr.Status, dr.Error = StatusUnhealthy, err.Error()
			report.Status = worse(report.Status, StatusDegraded)
		}
		report.Dependencies[dep.Name] = dr
	}
	return report
}

func worse(current, next string) string {
	if current == StatusUnhealthy {
		return current
	}
	return next
}

// Liveness answers 200 while the process serves requests
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, HealthReport{Status: StatusHealthy, Version: h.version, CheckedAt: h.now().UTC()})
}

// Readiness answers 503 when a required dependency is down
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	report := h.Check(ctx)
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, report)
}

func writeHealth(w http.ResponseWriter, code int, report HealthReport) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}

// RegisterHealthRoutes mounts /health, /health/live and /health/ready
func RegisterHealthRoutes(router *mux.Router, checker *HealthChecker) {
	router.HandleFunc("/health", checker.Readiness).Methods(http.MethodGet)
	router.HandleFunc("/health/live", checker.Liveness).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", checker.Readiness).Methods(http.MethodGet)
}
