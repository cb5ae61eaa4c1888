package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/freightline/pkg/billing"
	"github.com/platinummonkey/freightline/pkg/billing/stripe"
	"github.com/platinummonkey/freightline/pkg/companies"
	"github.com/platinummonkey/freightline/pkg/credits"
	"github.com/platinummonkey/freightline/pkg/observability"
	"github.com/platinummonkey/freightline/pkg/plans"
	"github.com/platinummonkey/freightline/pkg/proration"
	"github.com/platinummonkey/freightline/pkg/storage/memory"
	"github.com/platinummonkey/freightline/pkg/subscriptions"
	"github.com/platinummonkey/freightline/pkg/usage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

var testNow = time.Date(2026, time.October, 16, 0, 0, 0, 0, time.UTC)

// fakeGateway implements billing.Gateway with overridable funcs
type fakeGateway struct {
	createCustomerFunc    func(ctx context.Context, companyID int64, name string) (string, error)
	createCheckoutFunc    func(ctx context.Context, req billing.CheckoutRequest) (string, error)
	createPortalFunc      func(ctx context.Context, customerID, returnURL string) (string, error)
	fetchSubscriptionFunc func(ctx context.Context, subscriptionID string) (*billing.ProviderSubscription, error)
}

func (g *fakeGateway) CreateCustomer(ctx context.Context, companyID int64, name string) (string, error) {
	if g.createCustomerFunc != nil {
		return g.createCustomerFunc(ctx, companyID, name)
	}
	return fmt.Sprintf("cus_%d", companyID), nil
}

func (g *fakeGateway) CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (string, error) {
	if g.createCheckoutFunc != nil {
		return g.createCheckoutFunc(ctx, req)
	}
	return "https://checkout.example.com/" + req.PlanID, nil
}

func (g *fakeGateway) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	if g.createPortalFunc != nil {
		return g.createPortalFunc(ctx, customerID, returnURL)
	}
	return "https://portal.example.com/" + customerID, nil
}

func (g *fakeGateway) FetchSubscription(ctx context.Context, subscriptionID string) (*billing.ProviderSubscription, error) {
	if g.fetchSubscriptionFunc != nil {
		return g.fetchSubscriptionFunc(ctx, subscriptionID)
	}
	return nil, errors.New("not implemented")
}

type fixture struct {
	store     *memory.Store
	usage     *usage.Service
	ledger    *credits.Ledger
	subs      *subscriptions.Service
	processor *billing.Processor
	checkout  *billing.CheckoutService
	gateway   *fakeGateway
	metrics   *observability.Metrics
	router    *mux.Router
}

type fixtureOption func(cfg *WebhookConfig)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	clock := func() time.Time { return testNow }
	f := &fixture{
		store:   memory.New(),
		gateway: &fakeGateway{},
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	f.store.SetClock(clock)
	f.usage = usage.NewService(f.store, f.store, nil, f.metrics)
	f.usage.SetClock(clock)
	f.ledger = credits.NewLedger(f.store, f.usage, nil, f.metrics)
	f.ledger.SetClock(clock)
	f.subs = subscriptions.NewService(f.store, f.store, nil, nil)
	f.subs.SetClock(clock)
	prorator := proration.NewProrator(f.ledger, nil, f.metrics)
	prorator.SetClock(clock)

	f.processor = billing.NewProcessor(billing.ProcessorConfig{
		Subscriptions: f.subs,
		Companies:     f.store,
		Prorator:      prorator,
		Gateway:       f.gateway,
		Metrics:       f.metrics,
		Retry:         billing.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond},
	})
	f.processor.SetClock(clock)

	f.checkout = billing.NewCheckoutService(billing.CheckoutConfig{
		Subscriptions:   f.subs,
		Companies:       f.store,
		Processor:       f.processor,
		Gateway:         f.gateway,
		Metrics:         f.metrics,
		SuccessURL:      "https://app.example.com/billing/success",
		CancelURL:       "https://app.example.com/billing/cancel",
		PortalReturnURL: "https://app.example.com/billing",
	})

	cfg := WebhookConfig{
		Parser:    stripe.NewVerifier(testSecret, 0),
		Processor: f.processor,
		Deduper:   NewMemoryDeduper(100, time.Hour),
		Metrics:   f.metrics,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	f.router = newRouter(NewWebhookHandler(cfg), NewBillingHandlers(BillingConfig{
		Checkout:  f.checkout,
		Usage:     f.usage,
		Ledger:    f.ledger,
		Companies: f.store,
		Catalog:   f.subs.Catalog(),
	}))

	return f
}

type routeRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

func newRouter(registrars ...routeRegistrar) *mux.Router {
	router := mux.NewRouter()
	for _, r := range registrars {
		r.RegisterRoutes(router)
	}
	return router
}

func (f *fixture) company(t *testing.T, tier plans.Tier) int64 {
	t.Helper()
	c := &companies.Company{Name: "Acme Freight", Plan: tier}
	require.NoError(t, f.store.Create(context.Background(), c))
	return c.ID
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

// deliver posts a payload signed with the test secret. Signatures use the
// wall clock because the verifier checks timestamps against it.
func (f *fixture) deliver(t *testing.T, payload string) *httptest.ResponseRecorder {
	t.Helper()
	sig := stripe.SignHeader(testSecret, time.Now(), []byte(payload))
	return f.do(t, http.MethodPost, "/billing/webhook", payload, map[string]string{stripe.SignatureHeader: sig})
}

func (f *fixture) balance(t *testing.T, companyID int64, wallet plans.Wallet) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), companyID, wallet)
	require.NoError(t, err)
	return b
}

func checkoutPayload(eventID string, companyID int64, planID string) string {
	return fmt.Sprintf(`{
  "id": %q,
  "type": "checkout.session.completed",
  "data": {"object": {
    "id": "cs_1",
    "customer": "cus_%d",
    "subscription": "sub_%d",
    "metadata": {"company_id": "%d", "plan_id": %q}
  }}
}`, eventID, companyID, companyID, companyID, planID)
}

func subscriptionPayload(eventID, eventType string, companyID int64, status, priceID string) string {
	start := time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC).Unix()
	end := time.Date(2026, time.October, 31, 0, 0, 0, 0, time.UTC).Unix()
	return fmt.Sprintf(`{
  "id": %q,
  "type": %q,
  "data": {"object": {
    "id": "sub_%d",
    "customer": "cus_%d",
    "status": %q,
    "cancel_at_period_end": false,
    "metadata": {"company_id": "%d"},
    "items": {"data": [{
      "price": {"id": %q},
      "current_period_start": %d,
      "current_period_end": %d
    }]}
  }}
}`, eventID, eventType, companyID, companyID, status, companyID, priceID, start, end)
}
