package stripe

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/freightline/pkg/billing"
	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Provider event names the engine acts on
const (
	TypeCheckoutSessionCompleted = string(stripeapi.EventTypeCheckoutSessionCompleted)
	TypeSubscriptionUpdated      = string(stripeapi.EventTypeCustomerSubscriptionUpdated)
	TypeSubscriptionDeleted      = string(stripeapi.EventTypeCustomerSubscriptionDeleted)
)

// Metadata keys written on checkout sessions and subscriptions
const (
	MetadataCompanyID = "company_id"
	MetadataPlanID    = "plan_id"
	MetadataUserID    = "user_id"
)

// Verifier authenticates webhook payloads and normalizes them into
// billing events
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a verifier for a webhook signing secret. A zero
// tolerance uses DefaultTolerance.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance == 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// ParseEvent verifies the signature over the raw payload and only then
// decodes it. Signature failures return ErrSignatureInvalid or
// ErrSignatureExpired; undecodable payloads return billing.ErrMalformedEvent.
func (v *Verifier) ParseEvent(payload []byte, header string) (*billing.Event, error) {
	raw, err := webhook.ConstructEventWithOptions(payload, header, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if sigErr := classifySignatureError(err); sigErr != nil {
			return nil, fmt.Errorf("%w: %v", sigErr, err)
		}
		return nil, fmt.Errorf("%w: %v", billing.ErrMalformedEvent, err)
	}
	return decodeEvent(raw)
}

func decodeEvent(raw stripeapi.Event) (*billing.Event, error) {
	if raw.ID == "" || raw.Type == "" {
		return nil, fmt.Errorf("%w: event id and type are required", billing.ErrMalformedEvent)
	}

	providerType := string(raw.Type)
	event := &billing.Event{
		ID:           raw.ID,
		Type:         billing.EventType(providerType),
		ProviderType: providerType,
	}

	switch providerType {
	case TypeCheckoutSessionCompleted:
		var session stripeapi.CheckoutSession
		if err := unmarshalObject(raw, &session); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", billing.ErrMalformedEvent, err)
		}
		event.Type = billing.EventCheckoutCompleted
		if session.Subscription != nil {
			event.ExternalSubscriptionID = session.Subscription.ID
		}
		if session.Customer != nil {
			event.ExternalCustomerID = session.Customer.ID
		}
		event.PlanID = session.Metadata[MetadataPlanID]
		event.CompanyID = parseID(session.Metadata[MetadataCompanyID])
		if event.CompanyID == nil {
			event.CompanyID = parseID(session.ClientReferenceID)
		}
		event.UserID = parseID(session.Metadata[MetadataUserID])

	case TypeSubscriptionUpdated, TypeSubscriptionDeleted:
		var sub stripeapi.Subscription
		if err := unmarshalObject(raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: subscription: %v", billing.ErrMalformedEvent, err)
		}
		event.Type = billing.EventSubscriptionUpdated
		if providerType == TypeSubscriptionDeleted {
			event.Type = billing.EventSubscriptionDeleted
		}
		ps := toProviderSubscription(&sub)
		event.ExternalSubscriptionID = ps.ID
		event.ExternalCustomerID = ps.CustomerID
		event.Status = ps.Status
		event.CancelAtPeriodEnd = ps.CancelAtPeriodEnd
		event.PriceID = ps.PriceID
		event.PriceAmountCents = ps.PriceAmountCents
		if !ps.CurrentPeriodStart.IsZero() {
			start := ps.CurrentPeriodStart
			event.PeriodStart = &start
		}
		if !ps.CurrentPeriodEnd.IsZero() {
			end := ps.CurrentPeriodEnd
			event.PeriodEnd = &end
		}
		event.CompanyID = parseID(sub.Metadata[MetadataCompanyID])
	}

	return event, nil
}

func unmarshalObject(raw stripeapi.Event, out interface{}) error {
	if raw.Data == nil || len(raw.Data.Raw) == 0 {
		return fmt.Errorf("missing data.object")
	}
	return json.Unmarshal(raw.Data.Raw, out)
}

// toProviderSubscription reads price and period from the first item, where
// current API versions report them
func toProviderSubscription(sub *stripeapi.Subscription) *billing.ProviderSubscription {
	ps := &billing.ProviderSubscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		ps.CustomerID = sub.Customer.ID
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0] == nil {
		return ps
	}

	item := sub.Items.Data[0]
	if item.Price != nil {
		ps.PriceID = item.Price.ID
		if item.Price.UnitAmount > 0 {
			amount := item.Price.UnitAmount
			ps.PriceAmountCents = &amount
		}
	}
	if item.CurrentPeriodStart > 0 {
		ps.CurrentPeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
	}
	if item.CurrentPeriodEnd > 0 {
		ps.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
	}
	return ps
}

func parseID(s string) *int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return nil
	}
	return &id
}
