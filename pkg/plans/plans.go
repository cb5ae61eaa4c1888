package plans

import "strings"

// Tier represents an ordinal subscription level
type Tier string

const (
	TierFree         Tier = "FREE"
	TierStarter      Tier = "STARTER"
	TierProfessional Tier = "PROFESSIONAL"
	TierEnterprise   Tier = "ENTERPRISE"
)

// Wallet names a category of monthly-replenished, spendable credits
type Wallet string

const (
	WalletPromoMessaging Wallet = "PROMO_MESSAGING"
	WalletStoryPosting   Wallet = "STORY_POSTING"
	WalletMarketingEmail Wallet = "MARKETING_EMAIL"
)

// Feature is a boolean capability gated by plan
type Feature string

const (
	FeatureSlotTemplates   Feature = "slot_templates"
	FeatureAdvancedRules   Feature = "advanced_rules"
	FeatureScanAccess      Feature = "scan_access"
	FeatureWarehouseAccess Feature = "warehouse_access"
)

// Unlimited marks an unbounded allowance. It is never materialized into a
// finite allocation.
const Unlimited int64 = -1

// IsUnlimited reports whether v is the unbounded sentinel
func IsUnlimited(v int64) bool {
	return v < 0
}

// Entitlements is the concrete allowance set for a plan tier
type Entitlements struct {
	Tier                 Tier             `json:"tier" yaml:"tier"`
	MaxShipmentsPerMonth int64            `json:"max_shipments_per_month" yaml:"max_shipments_per_month"`
	MaxTeamMembers       int64            `json:"max_team_members" yaml:"max_team_members"`
	RankingTier          string           `json:"ranking_tier" yaml:"ranking_tier"`
	PayoutSpeed          string           `json:"payout_speed" yaml:"payout_speed"`
	Features             map[Feature]bool `json:"features" yaml:"features"`
	AnalyticsLevel       string           `json:"analytics_level" yaml:"analytics_level"`
	Credits              map[Wallet]int64 `json:"monthly_credits" yaml:"monthly_credits"`
	CommissionRateBps    int              `json:"commission_rate_bps" yaml:"commission_rate_bps"`
}

// MonthlyCredits returns the monthly allowance for a wallet. A wallet the
// tier does not list gets zero.
func (e Entitlements) MonthlyCredits(w Wallet) int64 {
	return e.Credits[w]
}

// HasFeature reports whether the tier unlocks the feature
func (e Entitlements) HasFeature(f Feature) bool {
	return e.Features[f]
}

var tierOrder = []Tier{TierFree, TierStarter, TierProfessional, TierEnterprise}

var walletOrder = []Wallet{WalletPromoMessaging, WalletStoryPosting, WalletMarketingEmail}

var table = map[Tier]Entitlements{
	TierFree: {
		Tier:                 TierFree,
		MaxShipmentsPerMonth: 5,
		MaxTeamMembers:       1,
		RankingTier:          "standard",
		PayoutSpeed:          "standard",
		Features:             map[Feature]bool{},
		AnalyticsLevel:       "basic",
		Credits: map[Wallet]int64{
			WalletPromoMessaging: 0,
			WalletStoryPosting:   0,
			WalletMarketingEmail: 0,
		},
		CommissionRateBps: 1500,
	},
	TierStarter: {
		Tier:                 TierStarter,
		MaxShipmentsPerMonth: 25,
		MaxTeamMembers:       3,
		RankingTier:          "boosted",
		PayoutSpeed:          "three_day",
		Features: map[Feature]bool{
			FeatureSlotTemplates: true,
		},
		AnalyticsLevel: "standard",
		Credits: map[Wallet]int64{
			WalletPromoMessaging: 100,
			WalletStoryPosting:   0,
			WalletMarketingEmail: 500,
		},
		CommissionRateBps: 1200,
	},
	TierProfessional: {
		Tier:                 TierProfessional,
		MaxShipmentsPerMonth: 100,
		MaxTeamMembers:       10,
		RankingTier:          "priority",
		PayoutSpeed:          "next_day",
		Features: map[Feature]bool{
			FeatureSlotTemplates: true,
			FeatureAdvancedRules: true,
			FeatureScanAccess:    true,
		},
		AnalyticsLevel: "advanced",
		Credits: map[Wallet]int64{
			WalletPromoMessaging: 500,
			WalletStoryPosting:   20,
			WalletMarketingEmail: 2500,
		},
		CommissionRateBps: 1000,
	},
	TierEnterprise: {
		Tier:                 TierEnterprise,
		MaxShipmentsPerMonth: Unlimited,
		MaxTeamMembers:       Unlimited,
		RankingTier:          "premier",
		PayoutSpeed:          "instant",
		Features: map[Feature]bool{
			FeatureSlotTemplates:   true,
			FeatureAdvancedRules:   true,
			FeatureScanAccess:      true,
			FeatureWarehouseAccess: true,
		},
		AnalyticsLevel: "full",
		Credits: map[Wallet]int64{
			WalletPromoMessaging: Unlimited,
			WalletStoryPosting:   Unlimited,
			WalletMarketingEmail: 10000,
		},
		CommissionRateBps: 800,
	},
}

// For returns the entitlements of a tier. Unknown tiers get the lowest tier's
// allowances, so the result is always usable.
func For(tier Tier) Entitlements {
	if e, ok := table[Normalize(tier)]; ok {
		return clone(e)
	}
	return clone(table[Lowest()])
}

func clone(e Entitlements) Entitlements {
	features := make(map[Feature]bool, len(e.Features))
	for k, v := range e.Features {
		features[k] = v
	}
	credits := make(map[Wallet]int64, len(e.Credits))
	for k, v := range e.Credits {
		credits[k] = v
	}
	e.Features = features
	e.Credits = credits
	return e
}

// Normalize maps free-form tier strings onto a known tier. Anything
// unrecognized becomes the lowest tier.
func Normalize(tier Tier) Tier {
	t := Tier(strings.ToUpper(strings.TrimSpace(string(tier))))
	for _, known := range tierOrder {
		if t == known {
			return known
		}
	}
	return Lowest()
}

// Rank returns the fixed ordinal of a tier (FREE=0 .. ENTERPRISE=3)
func Rank(tier Tier) int {
	t := Normalize(tier)
	for i, known := range tierOrder {
		if t == known {
			return i
		}
	}
	return 0
}

// Outranks reports whether a ranks strictly higher than b
func Outranks(a, b Tier) bool {
	return Rank(a) > Rank(b)
}

// Lowest is the tier companies fall back to on downgrade
func Lowest() Tier {
	return tierOrder[0]
}

// Top is the custom tier whose ranking may be manually overridden
func Top() Tier {
	return tierOrder[len(tierOrder)-1]
}

// Tiers returns all tiers in rank order
func Tiers() []Tier {
	out := make([]Tier, len(tierOrder))
	copy(out, tierOrder)
	return out
}

// Wallets returns all wallet types in a stable order
func Wallets() []Wallet {
	out := make([]Wallet, len(walletOrder))
	copy(out, walletOrder)
	return out
}

// ValidWallet reports whether w is a known wallet type
func ValidWallet(w Wallet) bool {
	for _, known := range walletOrder {
		if w == known {
			return true
		}
	}
	return false
}

// MonthlyAllocations returns the finite, positive wallet allowances of a tier,
// which are the amounts a period rollover materializes.
func MonthlyAllocations(tier Tier) map[Wallet]int64 {
	ent := For(tier)
	out := make(map[Wallet]int64)
	for _, w := range walletOrder {
		amount := ent.MonthlyCredits(w)
		if IsUnlimited(amount) || amount <= 0 {
			continue
		}
		out[w] = amount
	}
	return out
}
