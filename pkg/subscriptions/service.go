package subscriptions

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/platinummonkey/freightline/pkg/companies"
	"github.com/platinummonkey/freightline/pkg/plans"
	"github.com/sirupsen/logrus"
)

// Service manages subscription records and the plan fields they drive on a
// company
type Service struct {
	repo      Repository
	companies companies.Store
	catalog   *plans.Catalog
	logger    *logrus.Logger
	now       func() time.Time
}

// NewService creates a new subscription service. A nil logger discards output.
func NewService(repo Repository, companyStore companies.Store, catalog *plans.Catalog, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if catalog == nil {
		catalog = plans.DefaultCatalog()
	}
	return &Service{
		repo:      repo,
		companies: companyStore,
		catalog:   catalog,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock replaces the time source
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Catalog returns the plan catalog the service resolves plans against
func (s *Service) Catalog() *plans.Catalog {
	return s.catalog
}

// UpsertByExternalID creates or updates a subscription keyed on its provider
// id. Replaying the same provider data yields the same row.
func (s *Service) UpsertByExternalID(ctx context.Context, sub *Subscription) (*Subscription, error) {
	sub.ExternalSubscriptionID = strings.TrimSpace(sub.ExternalSubscriptionID)
	if sub.ExternalSubscriptionID == "" {
		return nil, ErrMissingExternalID
	}
	if _, ok := s.catalog.Get(sub.PlanID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, sub.PlanID)
	}
	if sub.Status == "" {
		sub.Status = StatusActive
	}

	stored, err := s.repo.UpsertByExternalID(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return stored, nil
}

// UpdateStatus records the provider status and billing period
func (s *Service) UpdateStatus(ctx context.Context, id int64, update StatusUpdate) (*Subscription, error) {
	sub, err := s.repo.UpdateStatus(ctx, id, update)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription status: %w", err)
	}
	return sub, nil
}

// ChangePlan records a provider-side price change
func (s *Service) ChangePlan(ctx context.Context, id int64, planID string) error {
	if _, ok := s.catalog.Get(planID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlan, planID)
	}
	if err := s.repo.ChangePlan(ctx, id, planID); err != nil {
		return fmt.Errorf("failed to change subscription plan: %w", err)
	}
	return nil
}

// GetByExternalID retrieves a subscription by its provider id
func (s *Service) GetByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	return s.repo.GetByExternalID(ctx, externalID)
}

// GetActiveForCompany retrieves the company's current subscription
func (s *Service) GetActiveForCompany(ctx context.Context, companyID int64) (*Subscription, error) {
	return s.repo.GetActiveForCompany(ctx, companyID)
}

// UpdateCompanyPlan activates the tier behind planID on the company. The
// start date is only set the first time; a manual ranking survives when the
// new tier is the top tier.
func (s *Service) UpdateCompanyPlan(ctx context.Context, companyID int64, planID string, expiresAt *time.Time) (*companies.Company, error) {
	plan, ok := s.catalog.Get(planID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, planID)
	}

	update := companies.PlanUpdate{
		Plan:              plan.Tier,
		Ranking:           companies.DerivedRanking(plan.Tier),
		KeepManualRanking: plan.Tier == plans.Top(),
		StartedAt:         s.now().UTC(),
		ExpiresAt:         expiresAt,
	}

	company, err := s.companies.ApplyPlan(ctx, companyID, update)
	if err != nil {
		return nil, fmt.Errorf("failed to apply plan: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"company_id": companyID,
		"plan_id":    planID,
		"tier":       plan.Tier,
		"ranking":    company.Ranking.Value,
	}).Info("Company plan updated")

	return company, nil
}

// DowngradeCompany drops the company to the lowest tier and clears its
// expiry and ranking override
func (s *Service) DowngradeCompany(ctx context.Context, companyID int64) (*companies.Company, error) {
	company, err := s.companies.Downgrade(ctx, companyID, companies.DerivedRanking(plans.Lowest()))
	if err != nil {
		return nil, fmt.Errorf("failed to downgrade company: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"company_id": companyID,
		"tier":       company.Plan,
	}).Info("Company downgraded")

	return company, nil
}

// SetManualRanking pins the company's marketplace ranking. An empty value
// clears the override and restores the tier default.
func (s *Service) SetManualRanking(ctx context.Context, companyID int64, value string) error {
	value = strings.TrimSpace(value)
	ranking := companies.RankingTier{Value: value, Source: companies.RankingSourceManual}

	if value == "" {
		company, err := s.companies.Get(ctx, companyID)
		if err != nil {
			return fmt.Errorf("failed to get company: %w", err)
		}
		ranking = companies.DerivedRanking(company.Plan)
	}

	if err := s.companies.SetRanking(ctx, companyID, ranking); err != nil {
		return fmt.Errorf("failed to set ranking: %w", err)
	}
	return nil
}
