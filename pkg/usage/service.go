package usage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/platinummonkey/freightline/pkg/observability"
	"github.com/platinummonkey/freightline/pkg/plans"
	"github.com/platinummonkey/freightline/pkg/storage"
	"github.com/sirupsen/logrus"
)

// Service tracks per-period usage and enforces plan quotas
type Service struct {
	repo      Repository
	companies CompanyReader
	logger    *logrus.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	rolloverConcurrency int
}

// NewService creates a new usage service. A nil logger discards output.
func NewService(repo Repository, companies CompanyReader, logger *logrus.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Service{
		repo:                repo,
		companies:           companies,
		logger:              logger,
		metrics:             metrics,
		now:                 time.Now,
		rolloverConcurrency: 8,
	}
}

// SetClock replaces the time source
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// SetRolloverConcurrency bounds how many companies RolloverAll handles at once
func (s *Service) SetRolloverConcurrency(n int) {
	if n > 0 {
		s.rolloverConcurrency = n
	}
}

// EnsureCurrentPeriod returns the company's period for the current calendar
// month, starting a new one if needed. Starting a period allocates the
// monthly credits of the company's current tier exactly once per month.
func (s *Service) EnsureCurrentPeriod(ctx context.Context, companyID int64) (*Period, error) {
	period, _, err := s.ensure(ctx, companyID)
	return period, err
}

// CompanyPlan returns the company's current plan tier
func (s *Service) CompanyPlan(ctx context.Context, companyID int64) (plans.Tier, error) {
	company, err := s.companies.Get(ctx, companyID)
	if err != nil {
		return "", fmt.Errorf("failed to get company: %w", err)
	}
	return company.Plan, nil
}

func (s *Service) ensure(ctx context.Context, companyID int64) (*Period, bool, error) {
	now := s.now()

	period, err := s.repo.GetPeriod(ctx, companyID)
	switch {
	case err == nil && period.Contains(now):
		return period, false, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return nil, false, fmt.Errorf("failed to get usage period: %w", err)
	}

	company, err := s.companies.Get(ctx, companyID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get company: %w", err)
	}

	start, end := MonthBounds(now)
	allocations := plans.MonthlyAllocations(company.Plan)

	period, replaced, err := s.repo.ReplacePeriod(ctx, companyID, start, end, allocations, AllocationReference(start))
	if err != nil {
		return nil, false, fmt.Errorf("failed to start usage period: %w", err)
	}

	if replaced {
		s.logger.WithFields(logrus.Fields{
			"company_id":   companyID,
			"plan":         company.Plan,
			"period_start": start.Format("2006-01-02"),
		}).Info("Started usage period")
		for w, amount := range allocations {
			s.metrics.RecordCreditTransaction(string(w), "MONTHLY_ALLOCATION", amount)
		}
	}

	return period, replaced, nil
}

// IncrementCounter adds delta to a counter of the current period and returns
// the new value
func (s *Service) IncrementCounter(ctx context.Context, companyID int64, counter Counter, delta int64) (int64, error) {
	if delta <= 0 {
		return 0, ErrInvalidDelta
	}
	if !ValidCounter(counter) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCounter, counter)
	}
	if _, err := s.EnsureCurrentPeriod(ctx, companyID); err != nil {
		return 0, err
	}

	value, err := s.repo.IncrementCounter(ctx, companyID, counter, delta)
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", counter, err)
	}
	return value, nil
}

// Increment adds one to a counter of the current period
func (s *Service) Increment(ctx context.Context, companyID int64, counter Counter) (int64, error) {
	return s.IncrementCounter(ctx, companyID, counter, 1)
}

// CheckShipmentQuota checks if the company can create another shipment this
// month
func (s *Service) CheckShipmentQuota(ctx context.Context, companyID int64) error {
	company, err := s.companies.Get(ctx, companyID)
	if err != nil {
		return fmt.Errorf("failed to get company: %w", err)
	}

	limit := company.Entitlements().MaxShipmentsPerMonth
	if plans.IsUnlimited(limit) {
		return nil
	}

	period, err := s.EnsureCurrentPeriod(ctx, companyID)
	if err != nil {
		return err
	}

	if used := period.Count(CounterShipmentsCreated); used >= limit {
		s.metrics.RecordQuotaDenied("shipments")
		return &QuotaExceededError{
			Resource: "shipments",
			Current:  used,
			Limit:    limit,
		}
	}

	return nil
}

// RecordShipmentCreated counts a successfully created shipment
func (s *Service) RecordShipmentCreated(ctx context.Context, companyID int64) error {
	_, err := s.Increment(ctx, companyID, CounterShipmentsCreated)
	return err
}

// CheckTeamMemberQuota checks if the company can add another team member.
// Membership is not period-scoped, so the caller supplies the current count.
func (s *Service) CheckTeamMemberQuota(ctx context.Context, companyID int64, currentMembers int64) error {
	company, err := s.companies.Get(ctx, companyID)
	if err != nil {
		return fmt.Errorf("failed to get company: %w", err)
	}

	limit := company.Entitlements().MaxTeamMembers
	if plans.IsUnlimited(limit) {
		return nil
	}

	if currentMembers >= limit {
		s.metrics.RecordQuotaDenied("team_members")
		return &QuotaExceededError{
			Resource: "team_members",
			Current:  currentMembers,
			Limit:    limit,
		}
	}

	return nil
}
