package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/freightline/pkg/storage"
	"github.com/platinummonkey/freightline/pkg/subscriptions"
)

const subscriptionColumns = `id, company_id, plan_id, COALESCE(external_customer_id, ''),
	external_subscription_id, status, current_period_start, current_period_end,
	cancel_at_period_end, created_at, updated_at`

func scanSubscription(row scanner) (*subscriptions.Subscription, error) {
	var (
		sub    subscriptions.Subscription
		status string
	)
	err := row.Scan(&sub.ID, &sub.CompanyID, &sub.PlanID, &sub.ExternalCustomerID,
		&sub.ExternalSubscriptionID, &status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.Status = subscriptions.Status(status)
	sub.CurrentPeriodStart = sub.CurrentPeriodStart.UTC()
	sub.CurrentPeriodEnd = sub.CurrentPeriodEnd.UTC()
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}

func subscriptionResult(sub *subscriptions.Subscription, err error, key any, action string) (*subscriptions.Subscription, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription %v: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to %s subscription: %w", action, err)
	}
	return sub, nil
}

// UpsertByExternalID inserts or overwrites a subscription keyed on its
// provider id. An empty customer id never clears a stored one.
func (s *Store) UpsertByExternalID(ctx context.Context, in *subscriptions.Subscription) (sub *subscriptions.Subscription, err error) {
	if in.ExternalSubscriptionID == "" {
		return nil, subscriptions.ErrMissingExternalID
	}
	defer s.observe("upsert_subscription", time.Now(), &err)

	now := s.timestamp()
	query := `
		INSERT INTO subscriptions (company_id, plan_id, external_customer_id, external_subscription_id,
			status, current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (external_subscription_id) DO UPDATE SET
			company_id = EXCLUDED.company_id,
			plan_id = EXCLUDED.plan_id,
			external_customer_id = COALESCE(EXCLUDED.external_customer_id, subscriptions.external_customer_id),
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + subscriptionColumns

	sub, err = scanSubscription(s.db.QueryRowContext(ctx, query,
		in.CompanyID, in.PlanID, in.ExternalCustomerID, in.ExternalSubscriptionID,
		string(in.Status), in.CurrentPeriodStart.UTC(), in.CurrentPeriodEnd.UTC(),
		in.CancelAtPeriodEnd, now,
	))
	return subscriptionResult(sub, err, in.ExternalSubscriptionID, "upsert")
}

// UpdateStatus writes the provider-driven fields of a subscription. Zero
// period bounds keep the stored ones.
func (s *Store) UpdateStatus(ctx context.Context, id int64, update subscriptions.StatusUpdate) (sub *subscriptions.Subscription, err error) {
	defer s.observe("update_subscription_status", time.Now(), &err)

	query := `
		UPDATE subscriptions SET
			status = $2,
			current_period_start = COALESCE($3, current_period_start),
			current_period_end = COALESCE($4, current_period_end),
			cancel_at_period_end = $5,
			updated_at = $6
		WHERE id = $1
		RETURNING ` + subscriptionColumns

	sub, err = scanSubscription(s.db.QueryRowContext(ctx, query,
		id, string(update.Status), nullTime(update.PeriodStart), nullTime(update.PeriodEnd),
		update.CancelAtPeriodEnd, s.timestamp(),
	))
	return subscriptionResult(sub, err, id, "update")
}

// ChangePlan records a new plan on a subscription
func (s *Store) ChangePlan(ctx context.Context, id int64, planID string) (err error) {
	defer s.observe("change_subscription_plan", time.Now(), &err)

	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET plan_id = $2, updated_at = $3 WHERE id = $1
	`, id, planID, s.timestamp())
	if err != nil {
		return fmt.Errorf("failed to change subscription plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subscription %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

// GetByExternalID returns a subscription by provider id
func (s *Store) GetByExternalID(ctx context.Context, externalID string) (sub *subscriptions.Subscription, err error) {
	defer s.observe("get_subscription", time.Now(), &err)

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE external_subscription_id = $1`
	sub, err = scanSubscription(s.db.QueryRowContext(ctx, query, externalID))
	return subscriptionResult(sub, err, fmt.Sprintf("%q", externalID), "get")
}

// GetActiveForCompany returns the most recently updated non-cancelled
// subscription
func (s *Store) GetActiveForCompany(ctx context.Context, companyID int64) (sub *subscriptions.Subscription, err error) {
	defer s.observe("get_active_subscription", time.Now(), &err)

	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE company_id = $1 AND status <> $2
		ORDER BY updated_at DESC, id DESC
		LIMIT 1
	`
	sub, err = scanSubscription(s.db.QueryRowContext(ctx, query, companyID, string(subscriptions.StatusCancelled)))
	return subscriptionResult(sub, err, fmt.Sprintf("for company %d", companyID), "get active")
}
