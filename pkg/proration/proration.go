package proration

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/platinummonkey/freightline/pkg/credits"
	"github.com/platinummonkey/freightline/pkg/observability"
	"github.com/platinummonkey/freightline/pkg/plans"
	"github.com/sirupsen/logrus"
)

// Grant is one planned bonus credit for a wallet
type Grant struct {
	Wallet      plans.Wallet `json:"wallet"`
	Amount      int64        `json:"amount"`
	ReferenceID string       `json:"reference_id"`
}

// Change describes a plan change inside a billing period
type Change struct {
	CompanyID      int64
	SubscriptionID string
	From           plans.Tier
	To             plans.Tier
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// Reference builds the idempotency key of a proration grant
func Reference(subscriptionID string, wallet plans.Wallet, periodEnd time.Time) string {
	return fmt.Sprintf("%s:%s:%d", subscriptionID, wallet, periodEnd.Unix())
}

// RemainingFraction returns the share of [start, end) still ahead of now,
// clamped to [0, 1]
func RemainingFraction(start, end, now time.Time) float64 {
	total := end.Sub(start)
	if total <= 0 {
		return 0
	}
	f := float64(end.Sub(now)) / float64(total)
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Calculate returns the bonus grants owed for a plan change. Only strict
// upgrades produce grants, and wallets unbounded on either tier are skipped.
func Calculate(change Change, now time.Time) []Grant {
	if !plans.Outranks(change.To, change.From) {
		return nil
	}

	fraction := RemainingFraction(change.PeriodStart, change.PeriodEnd, now)
	if fraction == 0 {
		return nil
	}

	from := plans.For(change.From)
	to := plans.For(change.To)

	var grants []Grant
	for _, w := range plans.Wallets() {
		oldAmount := from.MonthlyCredits(w)
		newAmount := to.MonthlyCredits(w)
		if plans.IsUnlimited(oldAmount) || plans.IsUnlimited(newAmount) {
			continue
		}

		diff := newAmount - oldAmount
		if diff <= 0 {
			continue
		}

		bonus := int64(math.Floor(float64(diff) * fraction))
		if bonus <= 0 {
			continue
		}

		grants = append(grants, Grant{
			Wallet:      w,
			Amount:      bonus,
			ReferenceID: Reference(change.SubscriptionID, w, change.PeriodEnd),
		})
	}
	return grants
}

// Granter credits a wallet idempotently
type Granter interface {
	Add(ctx context.Context, companyID int64, wallet plans.Wallet, amount int64, kind credits.Kind, opts credits.Options) (bool, error)
}

// Prorator applies proration grants through the credit ledger
type Prorator struct {
	ledger  Granter
	logger  *logrus.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewProrator creates a new prorator. A nil logger discards output.
func NewProrator(ledger Granter, logger *logrus.Logger, metrics *observability.Metrics) *Prorator {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Prorator{
		ledger:  ledger,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// SetClock replaces the time source
func (p *Prorator) SetClock(now func() time.Time) {
	p.now = now
}

// Apply grants the bonus credits owed for change and returns the grants that
// were newly written. Grants already recorded under the same reference are
// skipped, so redelivery is harmless.
func (p *Prorator) Apply(ctx context.Context, change Change) ([]Grant, error) {
	planned := Calculate(change, p.now())
	if len(planned) == 0 {
		return nil, nil
	}

	var applied []Grant
	for _, g := range planned {
		ok, err := p.ledger.Add(ctx, change.CompanyID, g.Wallet, g.Amount, credits.KindGrant, credits.Options{
			ReferenceID: g.ReferenceID,
			Reason:      fmt.Sprintf("proration %s -> %s", change.From, change.To),
		})
		if err != nil {
			return applied, fmt.Errorf("failed to grant %s proration: %w", g.Wallet, err)
		}
		if !ok {
			continue
		}

		applied = append(applied, g)
		p.metrics.RecordProrationGrant(string(g.Wallet), g.Amount)
		p.logger.WithFields(logrus.Fields{
			"company_id":      change.CompanyID,
			"subscription_id": change.SubscriptionID,
			"wallet":          g.Wallet,
			"amount":          g.Amount,
		}).Info("Granted proration credits")
	}

	return applied, nil
}
