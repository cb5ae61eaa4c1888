package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/platinummonkey/freightline/pkg/companies"
	"github.com/platinummonkey/freightline/pkg/observability"
	"github.com/platinummonkey/freightline/pkg/plans"
	"github.com/platinummonkey/freightline/pkg/storage"
	"github.com/platinummonkey/freightline/pkg/subscriptions"
	"github.com/sirupsen/logrus"
)

// CheckoutConfig wires the checkout service
type CheckoutConfig struct {
	Subscriptions *subscriptions.Service
	Companies     companies.Store
	Processor     *Processor
	Gateway       Gateway
	Onboarding    Onboarding
	Logger        *logrus.Logger
	Metrics       *observability.Metrics

	// SuccessURL and CancelURL are the local pages the hosted checkout
	// returns to. PortalReturnURL is where the billing portal sends users back.
	SuccessURL      string
	CancelURL       string
	PortalReturnURL string
}

// CheckoutSession is the result of starting a checkout
type CheckoutSession struct {
	URL string `json:"url"`
	// Applied is true when the plan took effect without a payment round-trip
	Applied bool `json:"applied"`
}

// CheckoutService starts checkouts and billing portal sessions and resyncs
// subscriptions on demand
type CheckoutService struct {
	subs            *subscriptions.Service
	catalog         *plans.Catalog
	companies       companies.Store
	processor       *Processor
	gateway         Gateway
	onboarding      Onboarding
	retry           *RetryPolicy
	logger          *logrus.Logger
	metrics         *observability.Metrics
	successURL      string
	cancelURL       string
	portalReturnURL string
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(cfg CheckoutConfig) *CheckoutService {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	onboarding := cfg.Onboarding
	if onboarding == nil {
		onboarding = NoopOnboarding{}
	}
	return &CheckoutService{
		subs:            cfg.Subscriptions,
		catalog:         cfg.Subscriptions.Catalog(),
		companies:       cfg.Companies,
		processor:       cfg.Processor,
		gateway:         cfg.Gateway,
		onboarding:      onboarding,
		retry:           NewRetryPolicy(DefaultRetryConfig()),
		logger:          logger,
		metrics:         cfg.Metrics,
		successURL:      cfg.SuccessURL,
		cancelURL:       cfg.CancelURL,
		portalReturnURL: cfg.PortalReturnURL,
	}
}

// ErrGatewayUnavailable is returned when a paid operation is requested but
// no payment provider is configured
var ErrGatewayUnavailable = errors.New("payment provider is not configured")

// CreateCheckoutSession starts a plan purchase. Free plans are applied
// immediately and never reach the payment provider; paid plans return the
// provider's hosted checkout URL.
func (s *CheckoutService) CreateCheckoutSession(ctx context.Context, companyID int64, planID string) (*CheckoutSession, error) {
	plan, ok := s.catalog.Get(planID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", subscriptions.ErrUnknownPlan, planID)
	}

	company, err := s.companies.Get(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get company: %w", err)
	}

	if plan.IsFree() {
		if _, err := s.subs.UpdateCompanyPlan(ctx, companyID, plan.ID, nil); err != nil {
			return nil, err
		}
		err := s.retry.Do(ctx, func(ctx context.Context) error {
			return s.onboarding.MarkCompanyStepComplete(ctx, companyID, MilestoneCompanyPlanSelected)
		})
		if err != nil {
			s.metrics.RecordCollaboratorFailure("onboarding")
			s.logger.WithFields(logrus.Fields{"company_id": companyID}).WithError(err).Warn("Failed to mark onboarding step")
		}
		return &CheckoutSession{URL: s.successURL, Applied: true}, nil
	}

	if s.gateway == nil {
		return nil, ErrGatewayUnavailable
	}

	customerID, err := s.ensureCustomer(ctx, company)
	if err != nil {
		return nil, err
	}

	url, err := s.gateway.CreateCheckoutSession(ctx, CheckoutRequest{
		CompanyID:       companyID,
		PlanID:          plan.ID,
		CustomerID:      customerID,
		ProviderPriceID: plan.ProviderPriceID,
		SuccessURL:      s.successURL,
		CancelURL:       s.cancelURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"company_id": companyID,
		"plan_id":    plan.ID,
	}).Info("Checkout session created")

	return &CheckoutSession{URL: url}, nil
}

// CreateBillingPortalSession returns the provider's self-service portal URL
func (s *CheckoutService) CreateBillingPortalSession(ctx context.Context, companyID int64) (string, error) {
	if s.gateway == nil {
		return "", ErrGatewayUnavailable
	}

	company, err := s.companies.Get(ctx, companyID)
	if err != nil {
		return "", fmt.Errorf("failed to get company: %w", err)
	}

	customerID, err := s.ensureCustomer(ctx, company)
	if err != nil {
		return "", err
	}

	url, err := s.gateway.CreatePortalSession(ctx, customerID, s.portalReturnURL)
	if err != nil {
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}
	return url, nil
}

// SyncSubscription pulls the company's subscription from the provider and
// applies it as a subscription update
func (s *CheckoutService) SyncSubscription(ctx context.Context, companyID int64) (*subscriptions.Subscription, error) {
	if s.gateway == nil {
		return nil, ErrGatewayUnavailable
	}

	sub, err := s.subs.GetActiveForCompany(ctx, companyID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	remote, err := s.gateway.FetchSubscription(ctx, sub.ExternalSubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscription: %w", err)
	}

	start, end := remote.CurrentPeriodStart, remote.CurrentPeriodEnd
	event := &Event{
		ID:                     "sync:" + sub.ExternalSubscriptionID,
		Type:                   EventSubscriptionUpdated,
		ProviderType:           "manual.sync",
		ExternalSubscriptionID: sub.ExternalSubscriptionID,
		ExternalCustomerID:     remote.CustomerID,
		Status:                 remote.Status,
		CancelAtPeriodEnd:      remote.CancelAtPeriodEnd,
		PriceID:                remote.PriceID,
		PriceAmountCents:       remote.PriceAmountCents,
	}
	if !start.IsZero() {
		event.PeriodStart = &start
	}
	if !end.IsZero() {
		event.PeriodEnd = &end
	}

	if _, err := s.processor.Process(ctx, event); err != nil {
		return nil, err
	}

	return s.subs.GetByExternalID(ctx, sub.ExternalSubscriptionID)
}

// ensureCustomer returns the company's provider customer, creating and
// storing one on first use
func (s *CheckoutService) ensureCustomer(ctx context.Context, company *companies.Company) (string, error) {
	if company.ExternalCustomerID != "" {
		return company.ExternalCustomerID, nil
	}

	customerID, err := s.gateway.CreateCustomer(ctx, company.ID, company.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create customer: %w", err)
	}
	customerID = strings.TrimSpace(customerID)

	stored, err := s.companies.SetExternalCustomerID(ctx, company.ID, customerID)
	if err != nil {
		return "", fmt.Errorf("failed to store customer id: %w", err)
	}
	if !stored {
		// a concurrent request stored a customer first; use that one
		latest, err := s.companies.Get(ctx, company.ID)
		if err != nil {
			return "", fmt.Errorf("failed to get company: %w", err)
		}
		return latest.ExternalCustomerID, nil
	}

	return customerID, nil
}
