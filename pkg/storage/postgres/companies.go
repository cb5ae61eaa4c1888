package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/freightline/pkg/companies"
	"github.com/platinummonkey/freightline/pkg/plans"
	"github.com/platinummonkey/freightline/pkg/storage"
)

const companyColumns = `id, name, plan, plan_active, plan_started_at, plan_expires_at,
	ranking_tier, ranking_source, commission_rate_bps, external_customer_id,
	created_at, updated_at`

func scanCompany(row scanner) (*companies.Company, error) {
	var (
		c          companies.Company
		plan       string
		source     string
		started    sql.NullTime
		expires    sql.NullTime
		commission sql.NullInt64
		customerID sql.NullString
	)
	err := row.Scan(&c.ID, &c.Name, &plan, &c.PlanActive, &started, &expires,
		&c.Ranking.Value, &source, &commission, &customerID,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Plan = plans.Tier(plan)
	c.Ranking.Source = companies.RankingSource(source)
	c.PlanStartedAt = timePtr(started)
	c.PlanExpiresAt = timePtr(expires)
	if commission.Valid {
		bps := int(commission.Int64)
		c.CommissionRateBps = &bps
	}
	c.ExternalCustomerID = customerID.String
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func companyResult(c *companies.Company, err error, id int64, action string) (*companies.Company, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("company %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to %s company: %w", action, err)
	}
	return c, nil
}

// Create inserts a company. A zero ID is assigned by the database; a zero
// plan becomes the lowest tier with its derived ranking.
func (s *Store) Create(ctx context.Context, company *companies.Company) (err error) {
	defer s.observe("create_company", time.Now(), &err)

	if company.Plan == "" {
		company.Plan = plans.Lowest()
	}
	if company.Ranking.Value == "" {
		company.Ranking = companies.DerivedRanking(company.Plan)
	}
	now := s.timestamp()
	if company.CreatedAt.IsZero() {
		company.CreatedAt = now
	}
	company.UpdatedAt = now

	var commission any
	if company.CommissionRateBps != nil {
		commission = *company.CommissionRateBps
	}
	args := []any{
		company.Name, string(company.Plan), company.PlanActive,
		nullTimeFromPtr(company.PlanStartedAt), nullTimeFromPtr(company.PlanExpiresAt),
		company.Ranking.Value, string(company.Ranking.Source), commission,
		company.ExternalCustomerID, company.CreatedAt, company.UpdatedAt,
	}

	query := `
		INSERT INTO companies (name, plan, plan_active, plan_started_at, plan_expires_at,
			ranking_tier, ranking_source, commission_rate_bps, external_customer_id,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)
		RETURNING id
	`
	if company.ID != 0 {
		query = `
			INSERT INTO companies (name, plan, plan_active, plan_started_at, plan_expires_at,
				ranking_tier, ranking_source, commission_rate_bps, external_customer_id,
				created_at, updated_at, id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12)
			RETURNING id
		`
		args = append(args, company.ID)
	}

	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&company.ID); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: company %d already exists", storage.ErrConflict, company.ID)
		}
		return fmt.Errorf("failed to create company: %w", err)
	}
	return nil
}

// Get returns a company by id
func (s *Store) Get(ctx context.Context, id int64) (c *companies.Company, err error) {
	defer s.observe("get_company", time.Now(), &err)

	query := `SELECT ` + companyColumns + ` FROM companies WHERE id = $1`
	c, err = scanCompany(s.db.QueryRowContext(ctx, query, id))
	return companyResult(c, err, id, "get")
}

// ListIDs returns every company id in ascending order
func (s *Store) ListIDs(ctx context.Context) (ids []int64, err error) {
	defer s.observe("list_company_ids", time.Now(), &err)

	rows, err := s.reads().QueryContext(ctx, `SELECT id FROM companies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list companies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan company id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ApplyPlan activates a tier in one statement. The start date is kept when
// set, and a manual ranking survives when the update asks for it.
func (s *Store) ApplyPlan(ctx context.Context, id int64, update companies.PlanUpdate) (c *companies.Company, err error) {
	defer s.observe("apply_plan", time.Now(), &err)

	query := `
		UPDATE companies SET
			plan = $2,
			plan_active = TRUE,
			plan_started_at = COALESCE(plan_started_at, $3),
			plan_expires_at = $4,
			ranking_tier = CASE WHEN $5 AND ranking_source = 'manual' THEN ranking_tier ELSE $6 END,
			ranking_source = CASE WHEN $5 AND ranking_source = 'manual' THEN ranking_source ELSE $7 END,
			updated_at = $8
		WHERE id = $1
		RETURNING ` + companyColumns

	c, err = scanCompany(s.db.QueryRowContext(ctx, query,
		id,
		string(update.Plan),
		update.StartedAt.UTC(),
		nullTimeFromPtr(update.ExpiresAt),
		update.KeepManualRanking,
		update.Ranking.Value,
		string(update.Ranking.Source),
		s.timestamp(),
	))
	return companyResult(c, err, id, "apply plan to")
}

// Downgrade moves a company to the lowest tier and deactivates its plan
func (s *Store) Downgrade(ctx context.Context, id int64, ranking companies.RankingTier) (c *companies.Company, err error) {
	defer s.observe("downgrade", time.Now(), &err)

	query := `
		UPDATE companies SET
			plan = $2,
			plan_active = FALSE,
			plan_expires_at = NULL,
			ranking_tier = $3,
			ranking_source = $4,
			updated_at = $5
		WHERE id = $1
		RETURNING ` + companyColumns

	c, err = scanCompany(s.db.QueryRowContext(ctx, query,
		id, string(plans.Lowest()), ranking.Value, string(ranking.Source), s.timestamp(),
	))
	return companyResult(c, err, id, "downgrade")
}

// SetExternalCustomerID stores the customer id if none is set yet
func (s *Store) SetExternalCustomerID(ctx context.Context, id int64, customerID string) (written bool, err error) {
	defer s.observe("set_customer_id", time.Now(), &err)

	res, err := s.db.ExecContext(ctx, `
		UPDATE companies SET external_customer_id = $2, updated_at = $3
		WHERE id = $1 AND external_customer_id IS NULL
	`, id, customerID, s.timestamp())
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("%w: customer %s belongs to another company", storage.ErrConflict, customerID)
		}
		return false, fmt.Errorf("failed to set customer id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to set customer id: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if err := s.requireCompany(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// SetRanking overwrites the ranking tier
func (s *Store) SetRanking(ctx context.Context, id int64, ranking companies.RankingTier) (err error) {
	defer s.observe("set_ranking", time.Now(), &err)

	res, err := s.db.ExecContext(ctx, `
		UPDATE companies SET ranking_tier = $2, ranking_source = $3, updated_at = $4
		WHERE id = $1
	`, id, ranking.Value, string(ranking.Source), s.timestamp())
	if err != nil {
		return fmt.Errorf("failed to set ranking: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("company %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) requireCompany(ctx context.Context, id int64) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM companies WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check company: %w", err)
	}
	if !exists {
		return fmt.Errorf("company %d: %w", id, storage.ErrNotFound)
	}
	return nil
}
