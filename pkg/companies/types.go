package companies

import (
	"context"
	"time"

	"github.com/platinummonkey/freightline/pkg/plans"
)

// RankingSource tells whether a ranking tier was derived from the plan or
// set by an operator
type RankingSource string

const (
	RankingSourceDerived RankingSource = "derived"
	RankingSourceManual  RankingSource = "manual"
)

// RankingTier is the marketplace ranking a company receives
type RankingTier struct {
	Value  string        `json:"value"`
	Source RankingSource `json:"source"`
}

// IsManual reports whether an operator pinned this ranking
func (r RankingTier) IsManual() bool {
	return r.Source == RankingSourceManual
}

// DerivedRanking returns the default ranking of a tier
func DerivedRanking(tier plans.Tier) RankingTier {
	return RankingTier{
		Value:  plans.For(tier).RankingTier,
		Source: RankingSourceDerived,
	}
}

// Company holds the plan-related fields of a marketplace company
type Company struct {
	ID                 int64       `json:"id"`
	Name               string      `json:"name"`
	Plan               plans.Tier  `json:"plan"`
	PlanActive         bool        `json:"plan_active"`
	PlanStartedAt      *time.Time  `json:"plan_started_at,omitempty"`
	PlanExpiresAt      *time.Time  `json:"plan_expires_at,omitempty"`
	Ranking            RankingTier `json:"ranking"`
	CommissionRateBps  *int        `json:"commission_rate_bps,omitempty"`
	ExternalCustomerID string      `json:"external_customer_id,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Entitlements returns the allowances of the company's current tier
func (c *Company) Entitlements() plans.Entitlements {
	return plans.For(c.Plan)
}

// EffectiveCommissionBps returns the negotiated commission if one is set,
// otherwise the tier default
func (c *Company) EffectiveCommissionBps() int {
	if c.CommissionRateBps != nil {
		return *c.CommissionRateBps
	}
	return c.Entitlements().CommissionRateBps
}

// PlanUpdate describes an activation of a tier on a company
type PlanUpdate struct {
	Plan    plans.Tier
	Ranking RankingTier
	// KeepManualRanking leaves an existing manual ranking untouched
	KeepManualRanking bool
	// StartedAt is only written when the company has no start date yet
	StartedAt time.Time
	ExpiresAt *time.Time
}

// Store persists company plan fields. Implementations must apply each
// method as a single atomic write.
type Store interface {
	Create(ctx context.Context, company *Company) error
	Get(ctx context.Context, id int64) (*Company, error)
	ListIDs(ctx context.Context) ([]int64, error)

	ApplyPlan(ctx context.Context, id int64, update PlanUpdate) (*Company, error)
	Downgrade(ctx context.Context, id int64, ranking RankingTier) (*Company, error)

	// SetExternalCustomerID stores the provider customer id only if the
	// company has none. It reports whether the value was written.
	SetExternalCustomerID(ctx context.Context, id int64, customerID string) (bool, error)
	SetRanking(ctx context.Context, id int64, ranking RankingTier) error
}
