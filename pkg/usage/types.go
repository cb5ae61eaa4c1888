package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/freightline/pkg/companies"
	"github.com/platinummonkey/freightline/pkg/plans"
)

// Counter names a per-period usage counter
type Counter string

const (
	CounterShipmentsCreated    Counter = "shipments_created"
	CounterMarketingEmailsSent Counter = "marketing_emails_sent"
	CounterPromoMessagesSent   Counter = "promo_messages_sent"
	CounterStoriesPosted       Counter = "stories_posted"
)

// Counters returns every known counter in a stable order
func Counters() []Counter {
	return []Counter{
		CounterShipmentsCreated,
		CounterMarketingEmailsSent,
		CounterPromoMessagesSent,
		CounterStoriesPosted,
	}
}

// ValidCounter reports whether c is a known counter
func ValidCounter(c Counter) bool {
	for _, known := range Counters() {
		if c == known {
			return true
		}
	}
	return false
}

// ErrInvalidDelta is returned when a counter increment is not positive
var ErrInvalidDelta = errors.New("counter delta must be positive")

// ErrUnknownCounter is returned for a counter name outside Counters()
var ErrUnknownCounter = errors.New("unknown usage counter")

// WalletState is the per-period view of one credit wallet
type WalletState struct {
	Balance        int64 `json:"balance"`
	UsedThisPeriod int64 `json:"used_this_period"`
}

// Period is the single current accounting window of a company
type Period struct {
	CompanyID   int64                        `json:"company_id"`
	PeriodStart time.Time                    `json:"period_start"`
	PeriodEnd   time.Time                    `json:"period_end"`
	Counters    map[Counter]int64            `json:"counters"`
	Wallets     map[plans.Wallet]WalletState `json:"wallets"`
	UpdatedAt   time.Time                    `json:"updated_at"`
}

// Contains reports whether t falls inside [PeriodStart, PeriodEnd)
func (p *Period) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(p.PeriodStart) && t.Before(p.PeriodEnd)
}

// Count returns the value of a counter, zero when unset
func (p *Period) Count(c Counter) int64 {
	return p.Counters[c]
}

// Wallet returns the state of a wallet, zero when unset
func (p *Period) Wallet(w plans.Wallet) WalletState {
	return p.Wallets[w]
}

// MonthBounds returns the UTC calendar month containing t as a half-open
// interval
func MonthBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// AllocationReference is the idempotency key of a month's wallet allocation.
// The ledger stores it on MONTHLY_ALLOCATION rows so one month can never be
// allocated twice.
func AllocationReference(periodStart time.Time) string {
	return fmt.Sprintf("period:%04d-%02d", periodStart.UTC().Year(), int(periodStart.UTC().Month()))
}

// QuotaExceededError represents a quota exceeded error
type QuotaExceededError struct {
	Resource string
	Current  int64
	Limit    int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s (%d/%d)", e.Resource, e.Current, e.Limit)
}

// IsQuotaExceeded checks if an error is a quota exceeded error
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}

// Repository persists usage periods. ReplacePeriod must be atomic per
// company: when the stored period already starts at start it returns it
// unchanged with replaced=false; otherwise it resets counters and
// UsedThisPeriod, appends one MONTHLY_ALLOCATION per allocation entry keyed
// by reference, adds the amounts to the wallet balances and returns
// replaced=true.
type Repository interface {
	GetPeriod(ctx context.Context, companyID int64) (*Period, error)
	ReplacePeriod(ctx context.Context, companyID int64, start, end time.Time, allocations map[plans.Wallet]int64, reference string) (*Period, bool, error)
	IncrementCounter(ctx context.Context, companyID int64, counter Counter, delta int64) (int64, error)
}

// CompanyReader is the slice of the company store the usage service reads
type CompanyReader interface {
	Get(ctx context.Context, id int64) (*companies.Company, error)
	ListIDs(ctx context.Context) ([]int64, error)
}
