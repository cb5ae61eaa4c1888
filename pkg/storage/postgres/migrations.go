package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/freightline/pkg/observability"
	"github.com/sirupsen/logrus"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns the schema migrations in order
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create companies table",
			SQL: `
				CREATE TABLE IF NOT EXISTS companies (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					plan VARCHAR(32) NOT NULL,
					plan_active BOOLEAN NOT NULL DEFAULT FALSE,
					plan_started_at TIMESTAMPTZ,
					plan_expires_at TIMESTAMPTZ,
					ranking_tier VARCHAR(32) NOT NULL,
					ranking_source VARCHAR(16) NOT NULL DEFAULT 'derived',
					commission_rate_bps INTEGER,
					external_customer_id VARCHAR(255) UNIQUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     2,
			Description: "Create usage_periods table",
			SQL: `
				CREATE TABLE IF NOT EXISTS usage_periods (
					company_id BIGINT PRIMARY KEY REFERENCES companies(id) ON DELETE CASCADE,
					period_start TIMESTAMPTZ NOT NULL,
					period_end TIMESTAMPTZ NOT NULL,
					counters JSONB NOT NULL DEFAULT '{}',
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CHECK (period_end > period_start)
				);
			`,
		},
		{
			Version:     3,
			Description: "Create credit wallets and transactions",
			SQL: `
				CREATE TABLE IF NOT EXISTS credit_wallets (
					company_id BIGINT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
					wallet VARCHAR(32) NOT NULL,
					balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
					used_this_period BIGINT NOT NULL DEFAULT 0,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (company_id, wallet)
				);

				CREATE TABLE IF NOT EXISTS credit_transactions (
					seq BIGSERIAL PRIMARY KEY,
					id UUID NOT NULL UNIQUE,
					company_id BIGINT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
					wallet VARCHAR(32) NOT NULL,
					kind VARCHAR(32) NOT NULL,
					amount BIGINT NOT NULL CHECK (amount <> 0),
					reason TEXT NOT NULL DEFAULT '',
					reference_id VARCHAR(255),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_transactions_reference
					ON credit_transactions(company_id, wallet, reference_id)
					WHERE reference_id IS NOT NULL;
				CREATE INDEX IF NOT EXISTS idx_credit_transactions_wallet
					ON credit_transactions(company_id, wallet, seq DESC);
			`,
		},
		{
			Version:     4,
			Description: "Create subscriptions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					id BIGSERIAL PRIMARY KEY,
					company_id BIGINT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
					plan_id VARCHAR(64) NOT NULL,
					external_customer_id VARCHAR(255),
					external_subscription_id VARCHAR(255) NOT NULL UNIQUE,
					status VARCHAR(16) NOT NULL,
					current_period_start TIMESTAMPTZ NOT NULL,
					current_period_end TIMESTAMPTZ NOT NULL,
					cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_subscriptions_company
					ON subscriptions(company_id, updated_at DESC);
			`,
		},
		{
			Version:     5,
			Description: "Scope transaction references to grants and allocations",
			SQL: `
				DROP INDEX IF EXISTS idx_credit_transactions_reference;
				CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_transactions_grant_reference
					ON credit_transactions(company_id, wallet, kind, reference_id)
					WHERE kind IN ('GRANT', 'MONTHLY_ALLOCATION') AND reference_id IS NOT NULL;
			`,
		},
	}
}

// RunMigrations executes all pending migrations, each in its own
// transaction
func RunMigrations(ctx context.Context, db *sql.DB, logger *logrus.Logger) error {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS billing_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM billing_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}
	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, m := range Migrations() {
		if applied[m.Version] {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"version":     m.Version,
			"description": m.Description,
		}).Info("Applied migration")
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO billing_migrations (version, description) VALUES ($1, $2)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
	}
	return nil
}
