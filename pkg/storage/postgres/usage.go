package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/freightline/pkg/credits"
	"github.com/platinummonkey/freightline/pkg/plans"
	"github.com/platinummonkey/freightline/pkg/storage"
	"github.com/platinummonkey/freightline/pkg/usage"
)

// loadPeriod reads the period row and every wallet of the company
func loadPeriod(ctx context.Context, q querier, companyID int64) (*usage.Period, error) {
	var (
		raw []byte
		p   = &usage.Period{CompanyID: companyID}
	)
	err := q.QueryRowContext(ctx, `
		SELECT period_start, period_end, counters, updated_at
		FROM usage_periods WHERE company_id = $1
	`, companyID).Scan(&p.PeriodStart, &p.PeriodEnd, &raw, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("usage period for company %d: %w", companyID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage period: %w", err)
	}
	p.PeriodStart = p.PeriodStart.UTC()
	p.PeriodEnd = p.PeriodEnd.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()

	p.Counters = make(map[usage.Counter]int64)
	if err := json.Unmarshal(raw, &p.Counters); err != nil {
		return nil, fmt.Errorf("failed to decode usage counters: %w", err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT wallet, balance, used_this_period
		FROM credit_wallets WHERE company_id = $1
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get wallets: %w", err)
	}
	defer rows.Close()

	p.Wallets = make(map[plans.Wallet]usage.WalletState)
	for rows.Next() {
		var (
			wallet string
			state  usage.WalletState
		)
		if err := rows.Scan(&wallet, &state.Balance, &state.UsedThisPeriod); err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		p.Wallets[plans.Wallet(wallet)] = state
	}
	return p, rows.Err()
}

// GetPeriod returns the company's current period
func (s *Store) GetPeriod(ctx context.Context, companyID int64) (p *usage.Period, err error) {
	defer s.observe("get_period", time.Now(), &err)
	return loadPeriod(ctx, s.db, companyID)
}

// ReplacePeriod starts the period [start, end) unless it is already the
// stored one. The company row is locked for the duration so concurrent
// rollovers of one company serialize and only one allocates.
func (s *Store) ReplacePeriod(ctx context.Context, companyID int64, start, end time.Time, allocations map[plans.Wallet]int64, reference string) (p *usage.Period, replaced bool, err error) {
	defer s.observe("replace_period", time.Now(), &err)

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var locked int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM companies WHERE id = $1 FOR UPDATE`, companyID).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("company %d: %w", companyID, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock company: %w", err)
		}

		var current time.Time
		err = tx.QueryRowContext(ctx, `SELECT period_start FROM usage_periods WHERE company_id = $1`, companyID).Scan(&current)
		switch {
		case err == nil && current.Equal(start):
			p, err = loadPeriod(ctx, tx, companyID)
			return err
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to read usage period: %w", err)
		}

		zeroed := make(map[usage.Counter]int64)
		for _, c := range usage.Counters() {
			zeroed[c] = 0
		}
		counters, err := json.Marshal(zeroed)
		if err != nil {
			return fmt.Errorf("failed to encode usage counters: %w", err)
		}

		now := s.timestamp()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO usage_periods (company_id, period_start, period_end, counters, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (company_id) DO UPDATE SET
				period_start = EXCLUDED.period_start,
				period_end = EXCLUDED.period_end,
				counters = EXCLUDED.counters,
				updated_at = EXCLUDED.updated_at
		`, companyID, start.UTC(), end.UTC(), counters, now)
		if err != nil {
			return fmt.Errorf("failed to store usage period: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE credit_wallets SET used_this_period = 0, updated_at = $2
			WHERE company_id = $1
		`, companyID, now)
		if err != nil {
			return fmt.Errorf("failed to reset wallet usage: %w", err)
		}

		for _, w := range plans.Wallets() {
			amount, ok := allocations[w]
			if !ok || amount <= 0 {
				continue
			}
			_, err := creditWithin(ctx, tx, &credits.Transaction{
				ID:          uuid.NewString(),
				CompanyID:   companyID,
				Wallet:      w,
				Kind:        credits.KindMonthlyAllocation,
				Amount:      amount,
				Reason:      "monthly allocation",
				ReferenceID: reference,
				CreatedAt:   now,
			})
			if err != nil {
				return err
			}
		}

		replaced = true
		p, err = loadPeriod(ctx, tx, companyID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return p, replaced, nil
}

// IncrementCounter adds delta to a counter of the stored period in a
// single statement
func (s *Store) IncrementCounter(ctx context.Context, companyID int64, counter usage.Counter, delta int64) (value int64, err error) {
	defer s.observe("increment_counter", time.Now(), &err)

	err = s.db.QueryRowContext(ctx, `
		UPDATE usage_periods SET
			counters = jsonb_set(counters, ARRAY[$2::text],
				to_jsonb(COALESCE((counters->>$2::text)::bigint, 0) + $3::bigint)),
			updated_at = $4
		WHERE company_id = $1
		RETURNING (counters->>$2::text)::bigint
	`, companyID, string(counter), delta, s.timestamp()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("usage period for company %d: %w", companyID, storage.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return value, nil
}
