package proration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/platinummonkey/freightline/pkg/credits"
	"github.com/platinummonkey/freightline/pkg/plans"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	periodStart = time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2026, time.October, 31, 0, 0, 0, 0, time.UTC)
	midpoint    = time.Date(2026, time.October, 16, 0, 0, 0, 0, time.UTC)
)

func upgrade(from, to plans.Tier) Change {
	return Change{
		CompanyID:      1,
		SubscriptionID: "sub_123",
		From:           from,
		To:             to,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
	}
}

func TestRemainingFraction(t *testing.T) {
	assert.Equal(t, 1.0, RemainingFraction(periodStart, periodEnd, periodStart.Add(-time.Hour)))
	assert.Equal(t, 0.0, RemainingFraction(periodStart, periodEnd, periodEnd.Add(time.Hour)))
	assert.Equal(t, 0.5, RemainingFraction(periodStart, periodEnd, midpoint))
	assert.Equal(t, 0.0, RemainingFraction(periodEnd, periodStart, midpoint))
}

func TestCalculate_StarterToProfessionalAtMidpoint(t *testing.T) {
	grants := Calculate(upgrade(plans.TierStarter, plans.TierProfessional), midpoint)

	byWallet := map[plans.Wallet]Grant{}
	for _, g := range grants {
		byWallet[g.Wallet] = g
	}

	require.Len(t, grants, 3)
	assert.Equal(t, int64(10), byWallet[plans.WalletStoryPosting].Amount)
	assert.Equal(t, int64(200), byWallet[plans.WalletPromoMessaging].Amount)
	assert.Equal(t, int64(1000), byWallet[plans.WalletMarketingEmail].Amount)
	assert.Equal(t, "sub_123:STORY_POSTING:"+"1793404800", byWallet[plans.WalletStoryPosting].ReferenceID)
}

func TestCalculate_NoGrantsForDowngradeOrSameTier(t *testing.T) {
	assert.Empty(t, Calculate(upgrade(plans.TierProfessional, plans.TierStarter), midpoint))
	assert.Empty(t, Calculate(upgrade(plans.TierStarter, plans.TierStarter), midpoint))
}

func TestCalculate_SkipsUnlimitedWallets(t *testing.T) {
	grants := Calculate(upgrade(plans.TierProfessional, plans.TierEnterprise), midpoint)
	require.Len(t, grants, 1)
	assert.Equal(t, plans.WalletMarketingEmail, grants[0].Wallet)
	assert.Equal(t, int64(3750), grants[0].Amount)
}

func TestCalculate_FloorsFractions(t *testing.T) {
	now := periodStart.Add(periodEnd.Sub(periodStart) / 3)
	grants := Calculate(upgrade(plans.TierStarter, plans.TierProfessional), now)
	for _, g := range grants {
		if g.Wallet == plans.WalletStoryPosting {
			assert.Equal(t, int64(13), g.Amount)
		}
	}
}

func TestCalculate_ExpiredPeriod(t *testing.T) {
	assert.Empty(t, Calculate(upgrade(plans.TierFree, plans.TierProfessional), periodEnd))
}

type fakeGranter struct {
	refs map[string]bool
	err  error
}

func (f *fakeGranter) Add(ctx context.Context, companyID int64, wallet plans.Wallet, amount int64, kind credits.Kind, opts credits.Options) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.refs == nil {
		f.refs = map[string]bool{}
	}
	if f.refs[opts.ReferenceID] {
		return false, nil
	}
	f.refs[opts.ReferenceID] = true
	return true, nil
}

func TestApply_IsIdempotent(t *testing.T) {
	granter := &fakeGranter{}
	p := NewProrator(granter, nil, nil)
	p.SetClock(func() time.Time { return midpoint })

	applied, err := p.Apply(context.Background(), upgrade(plans.TierStarter, plans.TierProfessional))
	require.NoError(t, err)
	assert.Len(t, applied, 3)

	applied, err = p.Apply(context.Background(), upgrade(plans.TierStarter, plans.TierProfessional))
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestApply_LedgerError(t *testing.T) {
	p := NewProrator(&fakeGranter{err: errors.New("db down")}, nil, nil)
	p.SetClock(func() time.Time { return midpoint })

	_, err := p.Apply(context.Background(), upgrade(plans.TierStarter, plans.TierProfessional))
	assert.Error(t, err)
}
