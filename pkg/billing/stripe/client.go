package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/freightline/pkg/billing"
	"github.com/platinummonkey/freightline/pkg/observability"
	"github.com/sirupsen/logrus"
	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// APIError is an error response from the provider
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stripe: %s (%s, status %d)", e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("stripe: %s (status %d)", e.Message, e.StatusCode)
}

// ClientConfig configures the provider client
type ClientConfig struct {
	SecretKey string
	// BaseURL overrides the API host, for stubs and tests
	BaseURL           string
	Timeout           time.Duration
	MaxNetworkRetries int64
	HTTPClient        *http.Client
	Logger            *logrus.Logger
}

// Client implements billing.Gateway on the stripe-go SDK
type Client struct {
	api *client.API
}

var _ billing.Gateway = (*Client)(nil)

// NewClient creates a client with its own backends, so nothing touches the
// SDK's package-level key or backends
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}

	backendConfig := &stripeapi.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripeapi.Int64(cfg.MaxNetworkRetries),
		LeveledLogger:     logger,
	}
	if cfg.BaseURL != "" {
		backendConfig.URL = stripeapi.String(strings.TrimRight(cfg.BaseURL, "/"))
	}
	backend := stripeapi.GetBackendWithConfig(stripeapi.APIBackend, backendConfig)

	return &Client{
		api: client.New(cfg.SecretKey, &stripeapi.Backends{
			API:     backend,
			Connect: backend,
			Uploads: backend,
		}),
	}
}

// CreateCustomer creates a provider customer for a company
func (c *Client) CreateCustomer(ctx context.Context, companyID int64, name string) (string, error) {
	params := &stripeapi.CustomerParams{}
	params.Context = ctx
	if name != "" {
		params.Name = stripeapi.String(name)
	}
	params.AddMetadata(MetadataCompanyID, strconv.FormatInt(companyID, 10))

	customer, err := c.api.Customers.New(params)
	if err != nil {
		return "", wrapError(err)
	}
	return customer.ID, nil
}

// CreateCheckoutSession opens a hosted subscription checkout and returns
// its URL
func (c *Client) CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (string, error) {
	if req.ProviderPriceID == "" {
		return "", fmt.Errorf("plan %s has no provider price", req.PlanID)
	}

	companyID := strconv.FormatInt(req.CompanyID, 10)
	params := &stripeapi.CheckoutSessionParams{
		Mode:              stripeapi.String(string(stripeapi.CheckoutSessionModeSubscription)),
		Customer:          stripeapi.String(req.CustomerID),
		ClientReferenceID: stripeapi.String(companyID),
		SuccessURL:        stripeapi.String(req.SuccessURL),
		CancelURL:         stripeapi.String(req.CancelURL),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{{
			Price:    stripeapi.String(req.ProviderPriceID),
			Quantity: stripeapi.Int64(1),
		}},
		SubscriptionData: &stripeapi.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				MetadataCompanyID: companyID,
				MetadataPlanID:    req.PlanID,
			},
		},
	}
	params.Context = ctx
	params.AddMetadata(MetadataCompanyID, companyID)
	params.AddMetadata(MetadataPlanID, req.PlanID)

	session, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return "", wrapError(err)
	}
	return session.URL, nil
}

// CreatePortalSession opens the self-service billing portal for a customer
func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripeapi.BillingPortalSessionParams{
		Customer: stripeapi.String(customerID),
	}
	params.Context = ctx
	if returnURL != "" {
		params.ReturnURL = stripeapi.String(returnURL)
	}

	session, err := c.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", wrapError(err)
	}
	return session.URL, nil
}

// FetchSubscription retrieves a subscription by id
func (c *Client) FetchSubscription(ctx context.Context, subscriptionID string) (*billing.ProviderSubscription, error) {
	if subscriptionID == "" {
		return nil, fmt.Errorf("subscription id is required")
	}

	params := &stripeapi.SubscriptionParams{}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, wrapError(err)
	}
	return toProviderSubscription(sub), nil
}

// wrapError turns SDK error responses into *APIError so handlers can
// classify them without importing the SDK
func wrapError(err error) error {
	var stripeErr *stripeapi.Error
	if errors.As(err, &stripeErr) {
		apiErr := &APIError{
			StatusCode: stripeErr.HTTPStatusCode,
			Type:       string(stripeErr.Type),
			Code:       string(stripeErr.Code),
			Message:    stripeErr.Msg,
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(apiErr.StatusCode)
		}
		return apiErr
	}
	return fmt.Errorf("failed to call stripe: %w", err)
}
