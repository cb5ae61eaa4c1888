package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/platinummonkey/freightline/pkg/companies"
	"github.com/platinummonkey/freightline/pkg/observability"
	"github.com/platinummonkey/freightline/pkg/plans"
	"github.com/platinummonkey/freightline/pkg/proration"
	"github.com/platinummonkey/freightline/pkg/storage"
	"github.com/platinummonkey/freightline/pkg/subscriptions"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/platinummonkey/freightline/pkg/billing"

// ProcessorConfig wires the processor's collaborators. Gateway, Onboarding,
// Logger and Metrics are optional.
type ProcessorConfig struct {
	Subscriptions *subscriptions.Service
	Companies     companies.Store
	Prorator      *proration.Prorator
	Gateway       Gateway
	Onboarding    Onboarding
	Logger        *logrus.Logger
	Metrics       *observability.Metrics
	Retry         RetryConfig
	LockStripes   int
}

// Processor applies verified provider events to local billing state. Every
// branch is safe to replay: subscriptions are upserted by provider id and
// credit grants carry reference keys.
type Processor struct {
	subs       *subscriptions.Service
	catalog    *plans.Catalog
	companies  companies.Store
	prorator   *proration.Prorator
	gateway    Gateway
	onboarding Onboarding
	retry      *RetryPolicy
	locks      *companyLocks
	logger     *logrus.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
	now        func() time.Time
}

// NewProcessor creates a new event processor
func NewProcessor(cfg ProcessorConfig) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	onboarding := cfg.Onboarding
	if onboarding == nil {
		onboarding = NoopOnboarding{}
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryConfig()
	}

	return &Processor{
		subs:       cfg.Subscriptions,
		catalog:    cfg.Subscriptions.Catalog(),
		companies:  cfg.Companies,
		prorator:   cfg.Prorator,
		gateway:    cfg.Gateway,
		onboarding: onboarding,
		retry:      NewRetryPolicy(retry),
		locks:      newCompanyLocks(cfg.LockStripes),
		logger:     logger,
		metrics:    cfg.Metrics,
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
	}
}

// SetClock replaces the time source
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// Process applies one event. Unrecognized event types and events about
// unknown subscriptions are acknowledged with OutcomeIgnored.
func (p *Processor) Process(ctx context.Context, event *Event) (Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "billing.Process", trace.WithAttributes(
		attribute.String("billing.event_id", event.ID),
		attribute.String("billing.event_type", string(event.Type)),
	))
	defer span.End()

	var (
		outcome Outcome
		err     error
	)
	switch event.Type {
	case EventCheckoutCompleted:
		outcome, err = p.handleCheckoutCompleted(ctx, event)
	case EventSubscriptionUpdated:
		outcome, err = p.handleSubscriptionUpdated(ctx, event)
	case EventSubscriptionDeleted:
		outcome, err = p.handleSubscriptionDeleted(ctx, event)
	default:
		outcome = OutcomeIgnored
	}

	result := string(outcome)
	switch {
	case errors.Is(err, ErrMalformedEvent):
		result = "malformed"
	case err != nil:
		result = "failed"
	}
	p.metrics.RecordWebhookEvent(string(event.Type), result)
	span.SetAttributes(attribute.String("billing.outcome", result))

	entry := p.logger.WithFields(logrus.Fields{
		"event_id":      event.ID,
		"event_type":    event.Type,
		"provider_type": event.ProviderType,
		"outcome":       result,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		entry.WithError(err).Warn("Billing event not applied")
		return outcome, err
	}
	entry.Debug("Billing event handled")

	return outcome, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, args...))
}

func (p *Processor) handleCheckoutCompleted(ctx context.Context, event *Event) (Outcome, error) {
	if event.CompanyID == nil {
		return "", malformed("checkout %s has no company id", event.ID)
	}
	if event.PlanID == "" {
		return "", malformed("checkout %s has no plan id", event.ID)
	}
	if event.ExternalSubscriptionID == "" {
		return "", malformed("checkout %s has no subscription id", event.ID)
	}
	plan, ok := p.catalog.Get(event.PlanID)
	if !ok {
		return "", malformed("checkout %s references unknown plan %s", event.ID, event.PlanID)
	}
	companyID := *event.CompanyID

	unlock := p.locks.lockCompany(companyID)
	defer unlock()

	company, err := p.companies.Get(ctx, companyID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", malformed("checkout %s references unknown company %d", event.ID, companyID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get company: %w", err)
	}

	existing, err := p.subs.GetByExternalID(ctx, event.ExternalSubscriptionID)
	switch {
	case err == nil && existing.Status == subscriptions.StatusCancelled:
		// the subscription ended before this checkout notification arrived
		return OutcomeIgnored, nil
	case errors.Is(err, storage.ErrNotFound):
		existing = nil
	case err != nil:
		return "", fmt.Errorf("failed to get subscription: %w", err)
	}

	var sub *subscriptions.Subscription
	if existing != nil {
		sub, err = p.fillSubscription(ctx, existing, event)
		if err != nil {
			return "", err
		}
		if sub.PlanID != plan.ID || sub.Status != subscriptions.StatusActive {
			// later subscription events own the plan and status
			if err := p.storeCustomerID(ctx, company, event.ExternalCustomerID); err != nil {
				return "", err
			}
			p.logger.WithFields(logrus.Fields{
				"event_id":        event.ID,
				"company_id":      companyID,
				"subscription_id": sub.ExternalSubscriptionID,
				"plan_id":         sub.PlanID,
				"status":          sub.Status,
			}).Info("Checkout superseded by later subscription events")
			return OutcomeIgnored, nil
		}
	} else {
		start, end := p.periodBounds(ctx, event)
		sub, err = p.subs.UpsertByExternalID(ctx, &subscriptions.Subscription{
			CompanyID:              companyID,
			PlanID:                 plan.ID,
			ExternalCustomerID:     event.ExternalCustomerID,
			ExternalSubscriptionID: event.ExternalSubscriptionID,
			Status:                 subscriptions.StatusActive,
			CurrentPeriodStart:     start,
			CurrentPeriodEnd:       end,
			CancelAtPeriodEnd:      event.CancelAtPeriodEnd,
		})
		if err != nil {
			return "", err
		}
	}
	end := sub.CurrentPeriodEnd

	// Grants run before the plan switch so a failed attempt is retried from
	// the old tier; the grant references absorb the replay.
	if company.Plan != plan.Tier {
		if err := p.prorate(ctx, companyID, sub, company.Plan, plan.Tier); err != nil {
			return "", err
		}
	}

	if _, err := p.subs.UpdateCompanyPlan(ctx, companyID, plan.ID, &end); err != nil {
		return "", err
	}

	if err := p.storeCustomerID(ctx, company, event.ExternalCustomerID); err != nil {
		return "", err
	}

	p.markOnboarding(ctx, companyID, event.UserID)

	return OutcomeProcessed, nil
}

// fillSubscription completes a stored subscription from a redelivered
// checkout. Only empty fields are written; plan, status and period stay as
// the stored row has them.
func (p *Processor) fillSubscription(ctx context.Context, existing *subscriptions.Subscription, event *Event) (*subscriptions.Subscription, error) {
	filled := *existing
	changed := false
	if filled.ExternalCustomerID == "" && event.ExternalCustomerID != "" {
		filled.ExternalCustomerID = event.ExternalCustomerID
		changed = true
	}
	if filled.CurrentPeriodEnd.IsZero() {
		filled.CurrentPeriodStart, filled.CurrentPeriodEnd = p.periodBounds(ctx, event)
		changed = true
	}
	if !changed {
		return existing, nil
	}
	return p.subs.UpsertByExternalID(ctx, &filled)
}

func (p *Processor) storeCustomerID(ctx context.Context, company *companies.Company, customerID string) error {
	if customerID == "" || company.ExternalCustomerID != "" {
		return nil
	}
	if _, err := p.companies.SetExternalCustomerID(ctx, company.ID, customerID); err != nil {
		return fmt.Errorf("failed to store customer id: %w", err)
	}
	return nil
}

func (p *Processor) handleSubscriptionUpdated(ctx context.Context, event *Event) (Outcome, error) {
	if event.ExternalSubscriptionID == "" {
		return "", malformed("update %s has no subscription id", event.ID)
	}

	sub, err := p.subs.GetByExternalID(ctx, event.ExternalSubscriptionID)
	if errors.Is(err, storage.ErrNotFound) {
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get subscription: %w", err)
	}

	unlock := p.locks.lockCompany(sub.CompanyID)
	defer unlock()

	// re-read under the company lock
	sub, err = p.subs.GetByExternalID(ctx, event.ExternalSubscriptionID)
	if err != nil {
		return "", fmt.Errorf("failed to get subscription: %w", err)
	}
	if sub.Status == subscriptions.StatusCancelled {
		return OutcomeIgnored, nil
	}

	status, known := subscriptions.StatusFromProvider(event.Status)
	if !known {
		p.logger.WithFields(logrus.Fields{
			"event_id":        event.ID,
			"provider_status": event.Status,
		}).Warn("Unknown provider subscription status, keeping current status")
		status = sub.Status
	}

	planID := sub.PlanID
	if event.PriceID != "" || event.PriceAmountCents != nil {
		if plan, ok := p.catalog.ResolvePrice(event.PriceID, event.PriceAmountCents); ok {
			planID = plan.ID
		} else {
			p.collaboratorFailure("price_mapping", errors.New("no plan matches the subscription price"), logrus.Fields{
				"event_id": event.ID,
				"price_id": event.PriceID,
			})
		}
	}

	start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	if event.PeriodStart != nil {
		start = event.PeriodStart.UTC()
	}
	if event.PeriodEnd != nil {
		end = event.PeriodEnd.UTC()
	}

	oldPlan, _ := p.catalog.Get(sub.PlanID)
	newPlan, _ := p.catalog.Get(planID)
	planChanged := planID != sub.PlanID

	if status == subscriptions.StatusActive && planChanged {
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd = start, end
		if err := p.prorate(ctx, sub.CompanyID, sub, oldPlan.Tier, newPlan.Tier); err != nil {
			return "", err
		}
	}

	if _, err := p.subs.UpdateStatus(ctx, sub.ID, subscriptions.StatusUpdate{
		Status:            status,
		PeriodStart:       start,
		PeriodEnd:         end,
		CancelAtPeriodEnd: event.CancelAtPeriodEnd,
	}); err != nil {
		return "", err
	}

	if planChanged {
		if err := p.subs.ChangePlan(ctx, sub.ID, planID); err != nil {
			return "", err
		}
	}

	switch status {
	case subscriptions.StatusActive:
		if _, err := p.subs.UpdateCompanyPlan(ctx, sub.CompanyID, planID, &end); err != nil {
			return "", err
		}
	case subscriptions.StatusCancelled:
		if p.inGracePeriod(event, end) {
			p.logger.WithFields(logrus.Fields{
				"company_id": sub.CompanyID,
				"period_end": end,
			}).Info("Subscription canceled, plan kept until period end")
			break
		}
		if _, err := p.subs.DowngradeCompany(ctx, sub.CompanyID); err != nil {
			return "", err
		}
	case subscriptions.StatusPastDue:
		if subscriptions.IsUnpaid(event.Status) {
			if _, err := p.subs.DowngradeCompany(ctx, sub.CompanyID); err != nil {
				return "", err
			}
			break
		}
		p.logger.WithFields(logrus.Fields{
			"company_id":      sub.CompanyID,
			"provider_status": event.Status,
		}).Info("Subscription past due, plan kept during grace")
	}

	return OutcomeProcessed, nil
}

// inGracePeriod reports whether a canceled subscription still runs to the
// end of its paid period. Unpaid and expired subscriptions have no grace.
func (p *Processor) inGracePeriod(event *Event, periodEnd time.Time) bool {
	return event.Status == subscriptions.ProviderStatusCanceled &&
		event.CancelAtPeriodEnd &&
		periodEnd.After(p.now())
}

func (p *Processor) handleSubscriptionDeleted(ctx context.Context, event *Event) (Outcome, error) {
	if event.ExternalSubscriptionID == "" {
		return "", malformed("deletion %s has no subscription id", event.ID)
	}

	sub, err := p.subs.GetByExternalID(ctx, event.ExternalSubscriptionID)
	if errors.Is(err, storage.ErrNotFound) {
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get subscription: %w", err)
	}

	unlock := p.locks.lockCompany(sub.CompanyID)
	defer unlock()

	start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	if event.PeriodStart != nil {
		start = event.PeriodStart.UTC()
	}
	if event.PeriodEnd != nil {
		end = event.PeriodEnd.UTC()
	}

	if _, err := p.subs.UpdateStatus(ctx, sub.ID, subscriptions.StatusUpdate{
		Status:            subscriptions.StatusCancelled,
		PeriodStart:       start,
		PeriodEnd:         end,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}); err != nil {
		return "", err
	}

	if _, err := p.subs.DowngradeCompany(ctx, sub.CompanyID); err != nil {
		return "", err
	}

	return OutcomeProcessed, nil
}

func (p *Processor) prorate(ctx context.Context, companyID int64, sub *subscriptions.Subscription, from, to plans.Tier) error {
	if p.prorator == nil || !plans.Outranks(to, from) {
		return nil
	}
	_, err := p.prorator.Apply(ctx, proration.Change{
		CompanyID:      companyID,
		SubscriptionID: sub.ExternalSubscriptionID,
		From:           from,
		To:             to,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
	})
	if err != nil {
		return fmt.Errorf("failed to prorate plan change: %w", err)
	}
	return nil
}

// periodBounds returns the billing period of a checkout. Missing bounds are
// fetched from the gateway; if that fails the period runs one month from now.
func (p *Processor) periodBounds(ctx context.Context, event *Event) (time.Time, time.Time) {
	if event.PeriodStart != nil && event.PeriodEnd != nil {
		return event.PeriodStart.UTC(), event.PeriodEnd.UTC()
	}

	if p.gateway != nil {
		ps, err := p.gateway.FetchSubscription(ctx, event.ExternalSubscriptionID)
		if err == nil && !ps.CurrentPeriodEnd.IsZero() {
			return ps.CurrentPeriodStart.UTC(), ps.CurrentPeriodEnd.UTC()
		}
		if err != nil {
			p.collaboratorFailure("gateway", err, logrus.Fields{
				"event_id":        event.ID,
				"subscription_id": event.ExternalSubscriptionID,
			})
		}
	}

	now := p.now().UTC()
	return now, now.AddDate(0, 1, 0)
}

// markOnboarding records the plan selection milestone. Failures are logged
// and never fail the event.
func (p *Processor) markOnboarding(ctx context.Context, companyID int64, userID *int64) {
	err := p.retry.Do(ctx, func(ctx context.Context) error {
		return p.onboarding.MarkCompanyStepComplete(ctx, companyID, MilestoneCompanyPlanSelected)
	})
	if err != nil {
		p.collaboratorFailure("onboarding", err, logrus.Fields{"company_id": companyID})
	}

	if userID == nil {
		return
	}
	err = p.retry.Do(ctx, func(ctx context.Context) error {
		return p.onboarding.MarkUserStepComplete(ctx, *userID, MilestoneUserPlanSelected)
	})
	if err != nil {
		p.collaboratorFailure("onboarding", err, logrus.Fields{"company_id": companyID, "user_id": *userID})
	}
}

func (p *Processor) collaboratorFailure(collaborator string, err error, fields logrus.Fields) {
	p.metrics.RecordCollaboratorFailure(collaborator)
	p.logger.WithFields(fields).WithField("collaborator", collaborator).WithError(err).Warn("Collaborator call failed")
}
