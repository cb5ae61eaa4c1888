package plans

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForKnownTiers(t *testing.T) {
	free := For(TierFree)
	assert.Equal(t, int64(5), free.MaxShipmentsPerMonth)
	assert.Equal(t, int64(0), free.MonthlyCredits(WalletPromoMessaging))
	assert.False(t, free.HasFeature(FeatureSlotTemplates))

	pro := For(TierProfessional)
	assert.Equal(t, int64(100), pro.MaxShipmentsPerMonth)
	assert.Equal(t, int64(20), pro.MonthlyCredits(WalletStoryPosting))
	assert.True(t, pro.HasFeature(FeatureScanAccess))
	assert.False(t, pro.HasFeature(FeatureWarehouseAccess))

	ent := For(TierEnterprise)
	assert.True(t, IsUnlimited(ent.MaxShipmentsPerMonth))
	assert.True(t, IsUnlimited(ent.MonthlyCredits(WalletStoryPosting)))
	assert.Equal(t, "premier", ent.RankingTier)
}

func TestForUnknownTierFallsBackToLowest(t *testing.T) {
	assert.Equal(t, For(TierFree), For(Tier("PLATINUM")))
	assert.Equal(t, TierStarter, For(Tier(" starter ")).Tier)
}

func TestForReturnsIndependentCopies(t *testing.T) {
	a := For(TierStarter)
	a.Credits[WalletPromoMessaging] = 9999
	a.Features[FeatureWarehouseAccess] = true

	b := For(TierStarter)
	assert.Equal(t, int64(100), b.MonthlyCredits(WalletPromoMessaging))
	assert.False(t, b.HasFeature(FeatureWarehouseAccess))
}

func TestRankOrdering(t *testing.T) {
	assert.Equal(t, 0, Rank(TierFree))
	assert.Equal(t, 1, Rank(TierStarter))
	assert.Equal(t, 2, Rank(TierProfessional))
	assert.Equal(t, 3, Rank(TierEnterprise))
	assert.True(t, Outranks(TierProfessional, TierStarter))
	assert.False(t, Outranks(TierStarter, TierStarter))
	assert.Equal(t, TierFree, Lowest())
	assert.Equal(t, TierEnterprise, Top())
}

func TestMonthlyAllocationsSkipsUnlimitedAndZero(t *testing.T) {
	assert.Empty(t, MonthlyAllocations(TierFree))
	assert.Equal(t, map[Wallet]int64{
		WalletPromoMessaging: 100,
		WalletMarketingEmail: 500,
	}, MonthlyAllocations(TierStarter))
	assert.Equal(t, map[Wallet]int64{
		WalletMarketingEmail: 10000,
	}, MonthlyAllocations(TierEnterprise))
}

func TestValidWallet(t *testing.T) {
	for _, w := range Wallets() {
		assert.True(t, ValidWallet(w))
	}
	assert.False(t, ValidWallet(Wallet("SMS")))
}
