package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/platinummonkey/freightline/pkg/billing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripeapi "github.com/stripe/stripe-go/v82"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(ClientConfig{SecretKey: "sk_test_123", BaseURL: server.URL + "/", HTTPClient: server.Client()})
}

func TestCreateCustomer(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/customers", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "Acme Freight", r.PostForm.Get("name"))
		assert.Equal(t, "42", r.PostForm.Get("metadata[company_id]"))
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "cus_123"})
	})

	id, err := client.CreateCustomer(context.Background(), 42, "Acme Freight")
	require.NoError(t, err)
	assert.Equal(t, "cus_123", id)
}

func TestCreateCheckoutSession(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "subscription", r.PostForm.Get("mode"))
		assert.Equal(t, "cus_123", r.PostForm.Get("customer"))
		assert.Equal(t, "price_pro", r.PostForm.Get("line_items[0][price]"))
		assert.Equal(t, "42", r.PostForm.Get("metadata[company_id]"))
		assert.Equal(t, "plan_professional", r.PostForm.Get("metadata[plan_id]"))
		assert.Equal(t, "42", r.PostForm.Get("client_reference_id"))
		assert.Equal(t, "plan_professional", r.PostForm.Get("subscription_data[metadata][plan_id]"))
		_ = json.NewEncoder(w).Encode(map[string]string{"url": "https://checkout.example/cs_1"})
	})

	url, err := client.CreateCheckoutSession(context.Background(), billing.CheckoutRequest{
		CompanyID:       42,
		PlanID:          "plan_professional",
		CustomerID:      "cus_123",
		ProviderPriceID: "price_pro",
		SuccessURL:      "https://app.example/billing/success",
		CancelURL:       "https://app.example/billing",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.example/cs_1", url)
}

func TestCreateCheckoutSession_RequiresPrice(t *testing.T) {
	client := NewClient(ClientConfig{SecretKey: "sk"})
	_, err := client.CreateCheckoutSession(context.Background(), billing.CheckoutRequest{PlanID: "plan_x"})
	assert.Error(t, err)
}

func TestCreatePortalSession(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/billing_portal/sessions", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "cus_123", r.PostForm.Get("customer"))
		assert.Equal(t, "https://app.example/settings", r.PostForm.Get("return_url"))
		_ = json.NewEncoder(w).Encode(map[string]string{"url": "https://portal.example/p_1"})
	})

	url, err := client.CreatePortalSession(context.Background(), "cus_123", "https://app.example/settings")
	require.NoError(t, err)
	assert.Equal(t, "https://portal.example/p_1", url)
}

func TestFetchSubscription(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/subscriptions/sub_42", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"id": "sub_42",
			"customer": "cus_42",
			"status": "active",
			"cancel_at_period_end": false,
			"items": {"object": "list", "data": [{
				"id": "si_1",
				"price": {"id": "price_starter_monthly", "unit_amount": 2900},
				"current_period_start": 1790812800,
				"current_period_end": 1793491200
			}]}
		}`))
	})

	sub, err := client.FetchSubscription(context.Background(), "sub_42")
	require.NoError(t, err)
	assert.Equal(t, "active", sub.Status)
	assert.Equal(t, "cus_42", sub.CustomerID)
	assert.Equal(t, "price_starter_monthly", sub.PriceID)
	require.NotNil(t, sub.PriceAmountCents)
	assert.Equal(t, int64(2900), *sub.PriceAmountCents)
	assert.Equal(t, int64(1793491200), sub.CurrentPeriodEnd.Unix())
}

func TestAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such subscription"}}`))
	})

	_, err := client.FetchSubscription(context.Background(), "sub_missing")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "resource_missing", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "No such subscription")
}

func TestAPIError_NoBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.CreateCustomer(context.Background(), 1, "")
	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
	assert.Contains(t, err.Error(), "failed to call stripe")
}

func TestWrapError(t *testing.T) {
	err := wrapError(&stripeapi.Error{HTTPStatusCode: http.StatusPaymentRequired, Code: stripeapi.ErrorCodeCardDeclined})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusPaymentRequired, apiErr.StatusCode)
	assert.Equal(t, "card_declined", apiErr.Code)
	assert.Equal(t, "Payment Required", apiErr.Message)
}
