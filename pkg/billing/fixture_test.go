package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/platinummonkey/freightline/pkg/companies"
	"github.com/platinummonkey/freightline/pkg/credits"
	"github.com/platinummonkey/freightline/pkg/plans"
	"github.com/platinummonkey/freightline/pkg/proration"
	"github.com/platinummonkey/freightline/pkg/storage/memory"
	"github.com/platinummonkey/freightline/pkg/subscriptions"
	"github.com/platinummonkey/freightline/pkg/usage"
	"github.com/stretchr/testify/require"
)

// mockGateway implements Gateway with overridable funcs
type mockGateway struct {
	mu    sync.Mutex
	calls []string

	createCustomerFunc        func(ctx context.Context, companyID int64, name string) (string, error)
	createCheckoutSessionFunc func(ctx context.Context, req CheckoutRequest) (string, error)
	createPortalSessionFunc   func(ctx context.Context, customerID, returnURL string) (string, error)
	fetchSubscriptionFunc     func(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)
}

func (m *mockGateway) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockGateway) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockGateway) CreateCustomer(ctx context.Context, companyID int64, name string) (string, error) {
	m.record("CreateCustomer")
	if m.createCustomerFunc != nil {
		return m.createCustomerFunc(ctx, companyID, name)
	}
	return "", errors.New("not implemented")
}

func (m *mockGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	m.record("CreateCheckoutSession")
	if m.createCheckoutSessionFunc != nil {
		return m.createCheckoutSessionFunc(ctx, req)
	}
	return "", errors.New("not implemented")
}

func (m *mockGateway) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	m.record("CreatePortalSession")
	if m.createPortalSessionFunc != nil {
		return m.createPortalSessionFunc(ctx, customerID, returnURL)
	}
	return "", errors.New("not implemented")
}

func (m *mockGateway) FetchSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	m.record("FetchSubscription")
	if m.fetchSubscriptionFunc != nil {
		return m.fetchSubscriptionFunc(ctx, subscriptionID)
	}
	return nil, errors.New("not implemented")
}

// mockOnboarding records marked steps and can fail a number of times
type mockOnboarding struct {
	mu           sync.Mutex
	companySteps map[int64][]string
	userSteps    map[int64][]string
	attempts     int
	failures     int
}

func newMockOnboarding() *mockOnboarding {
	return &mockOnboarding{
		companySteps: map[int64][]string{},
		userSteps:    map[int64][]string{},
	}
}

func (m *mockOnboarding) MarkCompanyStepComplete(ctx context.Context, companyID int64, step string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.failures > 0 {
		m.failures--
		return errors.New("onboarding unavailable")
	}
	m.companySteps[companyID] = append(m.companySteps[companyID], step)
	return nil
}

func (m *mockOnboarding) MarkUserStepComplete(ctx context.Context, userID int64, step string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userSteps[userID] = append(m.userSteps[userID], step)
	return nil
}

var (
	periodStart = time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2026, time.October, 31, 0, 0, 0, 0, time.UTC)
	midpoint    = time.Date(2026, time.October, 16, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	now        time.Time
	store      *memory.Store
	usage      *usage.Service
	ledger     *credits.Ledger
	subs       *subscriptions.Service
	processor  *Processor
	checkout   *CheckoutService
	gateway    *mockGateway
	onboarding *mockOnboarding
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		now:        midpoint,
		store:      memory.New(),
		gateway:    &mockGateway{},
		onboarding: newMockOnboarding(),
	}
	clock := func() time.Time { return f.now }

	f.store.SetClock(clock)
	f.usage = usage.NewService(f.store, f.store, nil, nil)
	f.usage.SetClock(clock)
	f.ledger = credits.NewLedger(f.store, f.usage, nil, nil)
	f.ledger.SetClock(clock)
	f.subs = subscriptions.NewService(f.store, f.store, nil, nil)
	f.subs.SetClock(clock)

	prorator := proration.NewProrator(f.ledger, nil, nil)
	prorator.SetClock(clock)

	f.processor = NewProcessor(ProcessorConfig{
		Subscriptions: f.subs,
		Companies:     f.store,
		Prorator:      prorator,
		Gateway:       f.gateway,
		Onboarding:    f.onboarding,
		Retry:         RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond},
	})
	f.processor.SetClock(clock)

	f.checkout = NewCheckoutService(CheckoutConfig{
		Subscriptions:   f.subs,
		Companies:       f.store,
		Processor:       f.processor,
		Gateway:         f.gateway,
		Onboarding:      f.onboarding,
		SuccessURL:      "https://app.example.com/billing/success",
		CancelURL:       "https://app.example.com/billing/cancel",
		PortalReturnURL: "https://app.example.com/billing",
	})

	return f
}

func (f *fixture) company(t *testing.T, tier plans.Tier) int64 {
	t.Helper()
	c := &companies.Company{Name: "Acme Freight", Plan: tier}
	require.NoError(t, f.store.Create(context.Background(), c))
	return c.ID
}

// subscribe seeds an active subscription without going through checkout
func (f *fixture) subscribe(t *testing.T, companyID int64, planID, externalID string) *subscriptions.Subscription {
	t.Helper()
	ctx := context.Background()
	sub, err := f.subs.UpsertByExternalID(ctx, &subscriptions.Subscription{
		CompanyID:              companyID,
		PlanID:                 planID,
		ExternalCustomerID:     "cus_" + externalID,
		ExternalSubscriptionID: externalID,
		Status:                 subscriptions.StatusActive,
		CurrentPeriodStart:     periodStart,
		CurrentPeriodEnd:       periodEnd,
	})
	require.NoError(t, err)
	end := periodEnd
	_, err = f.subs.UpdateCompanyPlan(ctx, companyID, planID, &end)
	require.NoError(t, err)
	return sub
}

func (f *fixture) balance(t *testing.T, companyID int64, wallet plans.Wallet) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), companyID, wallet)
	require.NoError(t, err)
	return b
}

func (f *fixture) getCompany(t *testing.T, companyID int64) *companies.Company {
	t.Helper()
	c, err := f.store.Get(context.Background(), companyID)
	require.NoError(t, err)
	return c
}

func ptr[T any](v T) *T {
	return &v
}
