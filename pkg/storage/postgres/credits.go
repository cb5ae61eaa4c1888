package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/freightline/pkg/credits"
	"github.com/platinummonkey/freightline/pkg/plans"
)

func prepareTransaction(tx *credits.Transaction, now time.Time) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
}

// insertTransaction appends a ledger row. Grants and monthly allocations
// skip a reference already recorded for the same wallet and kind; every
// other kind always inserts.
func insertTransaction(ctx context.Context, q querier, tx *credits.Transaction) (bool, error) {
	query := `
		INSERT INTO credit_transactions (id, company_id, wallet, kind, amount, reason, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
	`
	if tx.Kind.Deduplicated() && tx.ReferenceID != "" {
		query += `
		ON CONFLICT (company_id, wallet, kind, reference_id)
			WHERE kind IN ('GRANT', 'MONTHLY_ALLOCATION') AND reference_id IS NOT NULL
			DO NOTHING
	`
	}
	res, err := q.ExecContext(ctx, query,
		tx.ID, tx.CompanyID, string(tx.Wallet), string(tx.Kind), tx.Amount,
		tx.Reason, tx.ReferenceID, tx.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return n == 1, nil
}

// creditWithin appends a positive transaction and raises the balance,
// unless it is a grant or allocation whose reference is already recorded
func creditWithin(ctx context.Context, q querier, tx *credits.Transaction) (bool, error) {
	inserted, err := insertTransaction(ctx, q, tx)
	if err != nil || !inserted {
		return false, err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO credit_wallets (company_id, wallet, balance, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (company_id, wallet) DO UPDATE SET
			balance = credit_wallets.balance + EXCLUDED.balance,
			updated_at = EXCLUDED.updated_at
	`, tx.CompanyID, string(tx.Wallet), tx.Amount, tx.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to credit wallet: %w", err)
	}
	return true, nil
}

// Spend debits a wallet when the balance covers the amount. The balance
// check and the decrement are one conditional UPDATE, so two concurrent
// spends can never both pass on the same credits.
func (s *Store) Spend(ctx context.Context, tx *credits.Transaction) (applied bool, err error) {
	if tx.Amount >= 0 {
		return false, credits.ErrInvalidAmount
	}
	defer s.observe("spend", time.Now(), &err)
	prepareTransaction(tx, s.timestamp())

	err = s.withTx(ctx, func(sqlTx *sql.Tx) error {
		res, err := sqlTx.ExecContext(ctx, `
			UPDATE credit_wallets SET
				balance = balance + $3,
				used_this_period = used_this_period - $3,
				updated_at = $4
			WHERE company_id = $1 AND wallet = $2 AND balance >= -$3::bigint
		`, tx.CompanyID, string(tx.Wallet), tx.Amount, tx.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to debit wallet: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to debit wallet: %w", err)
		}
		if n == 0 {
			return nil
		}

		if _, err := insertTransaction(ctx, sqlTx, tx); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Credit adds a positive transaction
func (s *Store) Credit(ctx context.Context, tx *credits.Transaction) (applied bool, err error) {
	if tx.Amount <= 0 {
		return false, credits.ErrInvalidAmount
	}
	defer s.observe("credit", time.Now(), &err)
	prepareTransaction(tx, s.timestamp())

	err = s.withTx(ctx, func(sqlTx *sql.Tx) error {
		var err error
		applied, err = creditWithin(ctx, sqlTx, tx)
		return err
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Balance returns the wallet balance, zero for a wallet never touched
func (s *Store) Balance(ctx context.Context, companyID int64, wallet plans.Wallet) (balance int64, err error) {
	defer s.observe("balance", time.Now(), &err)

	err = s.db.QueryRowContext(ctx, `
		SELECT balance FROM credit_wallets WHERE company_id = $1 AND wallet = $2
	`, companyID, string(wallet)).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// ListTransactions returns the newest transactions first. A non-positive
// limit returns all of them.
func (s *Store) ListTransactions(ctx context.Context, companyID int64, wallet plans.Wallet, limit int) (out []*credits.Transaction, err error) {
	defer s.observe("list_transactions", time.Now(), &err)

	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.reads().QueryContext(ctx, `
		SELECT id, company_id, wallet, kind, amount, reason, COALESCE(reference_id, ''), created_at
		FROM credit_transactions
		WHERE company_id = $1 AND wallet = $2
		ORDER BY seq DESC
		LIMIT $3
	`, companyID, string(wallet), limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	out = make([]*credits.Transaction, 0)
	for rows.Next() {
		var (
			tx         credits.Transaction
			walletName string
			kind       string
		)
		if err := rows.Scan(&tx.ID, &tx.CompanyID, &walletName, &kind, &tx.Amount,
			&tx.Reason, &tx.ReferenceID, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Wallet = plans.Wallet(walletName)
		tx.Kind = credits.Kind(kind)
		tx.CreatedAt = tx.CreatedAt.UTC()
		out = append(out, &tx)
	}
	return out, rows.Err()
}

// SumTransactions returns the sum of every signed amount in the wallet
func (s *Store) SumTransactions(ctx context.Context, companyID int64, wallet plans.Wallet) (sum int64, err error) {
	defer s.observe("sum_transactions", time.Now(), &err)

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM credit_transactions
		WHERE company_id = $1 AND wallet = $2
	`, companyID, string(wallet)).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return sum, nil
}
