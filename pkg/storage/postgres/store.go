package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/platinummonkey/freightline/pkg/companies"
	"github.com/platinummonkey/freightline/pkg/credits"
	"github.com/platinummonkey/freightline/pkg/observability"
	"github.com/platinummonkey/freightline/pkg/storage"
	"github.com/platinummonkey/freightline/pkg/subscriptions"
	"github.com/platinummonkey/freightline/pkg/usage"
	"github.com/sirupsen/logrus"
)

// uniqueViolation is the SQLSTATE of a unique constraint failure
const uniqueViolation = "23505"

// Store implements every billing repository on PostgreSQL. Writes that must
// be atomic run in one transaction; balance checks use conditional updates
// so concurrent deductions never overdraw a wallet.
type Store struct {
	db      *sql.DB
	reads   func() *sql.DB
	logger  *logrus.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

var (
	_ companies.Store          = (*Store)(nil)
	_ usage.Repository         = (*Store)(nil)
	_ credits.Repository       = (*Store)(nil)
	_ subscriptions.Repository = (*Store)(nil)
)

// New creates a store on a connection manager. Listing queries go to read
// replicas; everything else uses the primary.
func New(cm *ConnectionManager, logger *logrus.Logger, metrics *observability.Metrics) *Store {
	s := NewFromDB(cm.Primary(), logger, metrics)
	s.reads = cm.Replica
	return s
}

// NewFromDB creates a store on a single pool
func NewFromDB(db *sql.DB, logger *logrus.Logger, metrics *observability.Metrics) *Store {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return &Store{
		db:      db,
		reads:   func() *sql.DB { return db },
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// SetClock replaces the time source used for row timestamps
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// observe records the duration and result of one repository call. Pass
// a pointer to the named error return.
func (s *Store) observe(operation string, start time.Time, err *error) {
	s.metrics.RecordStorageOperation(operation, "postgres", time.Since(start), *err)
}

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

// withTx runs fn in a transaction, committing only when fn succeeds
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// nullTime maps a zero time onto NULL
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullTimeFromPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// Open connects to the configured primary and replicas, applies pending
// migrations and returns a store reading through the replicas
func Open(ctx context.Context, cfg storage.Config, logger *logrus.Logger, metrics *observability.Metrics) (*ConnectionManager, *Store, error) {
	cm, err := NewConnectionManager(ConnectionConfigFrom(cfg), logger)
	if err != nil {
		return nil, nil, err
	}
	if err := RunMigrations(ctx, cm.Primary(), logger); err != nil {
		cm.Close()
		return nil, nil, err
	}
	return cm, New(cm, logger, metrics), nil
}
