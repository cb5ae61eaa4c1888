package billing

import (
	"context"
	"errors"
	"time"
)

// EventType is the normalized type of a provider event
type EventType string

const (
	EventCheckoutCompleted   EventType = "checkout.completed"
	EventSubscriptionUpdated EventType = "subscription.updated"
	EventSubscriptionDeleted EventType = "subscription.deleted"
)

// Event is a signature-verified provider notification normalized into the
// fields the processor acts on
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`
	// ProviderType is the provider's own event name, kept for logging
	ProviderType string `json:"provider_type,omitempty"`

	CompanyID              *int64     `json:"company_id,omitempty"`
	PlanID                 string     `json:"plan_id,omitempty"`
	ExternalSubscriptionID string     `json:"external_subscription_id,omitempty"`
	ExternalCustomerID     string     `json:"external_customer_id,omitempty"`
	Status                 string     `json:"status,omitempty"`
	CancelAtPeriodEnd      bool       `json:"cancel_at_period_end"`
	PriceID                string     `json:"price_id,omitempty"`
	PriceAmountCents       *int64     `json:"price_amount_cents,omitempty"`
	PeriodStart            *time.Time `json:"period_start,omitempty"`
	PeriodEnd              *time.Time `json:"period_end,omitempty"`
	// UserID is the user who started the checkout, when known
	UserID *int64 `json:"user_id,omitempty"`
}

// Outcome reports what the processor did with an event
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeIgnored   Outcome = "ignored"
)

var (
	// ErrMalformedEvent is returned for events missing required fields. The
	// transport answers these with a client error and no state changes.
	ErrMalformedEvent = errors.New("malformed billing event")

	// ErrNoSubscription is returned when a company has no provider
	// subscription to sync or manage
	ErrNoSubscription = errors.New("company has no subscription")
)

// ProviderSubscription is the provider's view of a subscription
type ProviderSubscription struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	PriceAmountCents   *int64
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
}

// CheckoutRequest holds what the provider needs to open a hosted checkout
type CheckoutRequest struct {
	CompanyID       int64
	PlanID          string
	CustomerID      string
	ProviderPriceID string
	SuccessURL      string
	CancelURL       string
}

// Gateway is the payment provider capability the engine consumes
type Gateway interface {
	CreateCustomer(ctx context.Context, companyID int64, name string) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	FetchSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)
}

// Onboarding milestones marked by the billing flow
const (
	MilestoneCompanyPlanSelected = "plan_selected"
	MilestoneUserPlanSelected    = "plan_selected"
)

// Onboarding is the onboarding tracker. Marking a step is idempotent.
type Onboarding interface {
	MarkCompanyStepComplete(ctx context.Context, companyID int64, step string) error
	MarkUserStepComplete(ctx context.Context, userID int64, step string) error
}

// NoopOnboarding is used when no onboarding tracker is configured
type NoopOnboarding struct{}

// MarkCompanyStepComplete does nothing
func (NoopOnboarding) MarkCompanyStepComplete(ctx context.Context, companyID int64, step string) error {
	return nil
}

// MarkUserStepComplete does nothing
func (NoopOnboarding) MarkUserStepComplete(ctx context.Context, userID int64, step string) error {
	return nil
}
