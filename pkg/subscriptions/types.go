package subscriptions

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Status is the local lifecycle state of a subscription
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPastDue   Status = "PAST_DUE"
	StatusCancelled Status = "CANCELLED"
)

// Provider statuses as reported by the payment provider
const (
	ProviderStatusActive            = "active"
	ProviderStatusTrialing          = "trialing"
	ProviderStatusPastDue           = "past_due"
	ProviderStatusIncomplete        = "incomplete"
	ProviderStatusUnpaid            = "unpaid"
	ProviderStatusCanceled          = "canceled"
	ProviderStatusIncompleteExpired = "incomplete_expired"
)

// StatusFromProvider maps a provider status onto a local status. Unknown
// values report ok=false. Unpaid stays PAST_DUE since the provider can still
// collect and reactivate it; only canceled and expired subscriptions end.
func StatusFromProvider(providerStatus string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case ProviderStatusActive, ProviderStatusTrialing:
		return StatusActive, true
	case ProviderStatusPastDue, ProviderStatusIncomplete, ProviderStatusUnpaid:
		return StatusPastDue, true
	case ProviderStatusCanceled, ProviderStatusIncompleteExpired:
		return StatusCancelled, true
	default:
		return "", false
	}
}

// IsUnpaid reports whether the provider gave up collecting the invoice.
// The company loses its plan, but the subscription can still recover.
func IsUnpaid(providerStatus string) bool {
	return strings.EqualFold(strings.TrimSpace(providerStatus), ProviderStatusUnpaid)
}

// Subscription mirrors one provider subscription
type Subscription struct {
	ID                     int64     `json:"id"`
	CompanyID              int64     `json:"company_id"`
	PlanID                 string    `json:"plan_id"`
	ExternalCustomerID     string    `json:"external_customer_id,omitempty"`
	ExternalSubscriptionID string    `json:"external_subscription_id"`
	Status                 Status    `json:"status"`
	CurrentPeriodStart     time.Time `json:"current_period_start"`
	CurrentPeriodEnd       time.Time `json:"current_period_end"`
	CancelAtPeriodEnd      bool      `json:"cancel_at_period_end"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// StatusUpdate is the provider-driven part of a subscription
type StatusUpdate struct {
	Status            Status
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
}

var (
	// ErrUnknownPlan is returned when a plan id is not in the catalog
	ErrUnknownPlan = errors.New("unknown plan")

	// ErrMissingExternalID is returned when a subscription lacks the provider id
	ErrMissingExternalID = errors.New("external subscription id is required")
)

// Repository persists subscriptions
type Repository interface {
	// UpsertByExternalID inserts the subscription or, when the external id
	// already exists, overwrites its mutable fields. It returns the stored row.
	UpsertByExternalID(ctx context.Context, sub *Subscription) (*Subscription, error)
	UpdateStatus(ctx context.Context, id int64, update StatusUpdate) (*Subscription, error)
	ChangePlan(ctx context.Context, id int64, planID string) error
	GetByExternalID(ctx context.Context, externalID string) (*Subscription, error)
	// GetActiveForCompany returns the most recently updated non-cancelled
	// subscription of the company
	GetActiveForCompany(ctx context.Context, companyID int64) (*Subscription, error)
}
