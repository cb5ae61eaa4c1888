// Package plans holds the static plan entitlement table and the priced plan
// catalog.
//
// # Tiers
//
// Tiers are ordinal: FREE < STARTER < PROFESSIONAL < ENTERPRISE. ENTERPRISE is
// the custom tier whose marketplace ranking may be manually overridden.
//
// # Entitlements
//
//	ent := plans.For(plans.TierProfessional)
//	ent.MaxShipmentsPerMonth            // 100
//	ent.MonthlyCredits(plans.WalletStoryPosting) // 20
//
// Unbounded values use plans.Unlimited and are never turned into finite
// wallet allocations.
//
// # Catalog
//
// A Catalog maps plan ids and provider price ids onto tiers. It is built from
// the default catalog or a YAML file:
//
//	plans:
//	  - id: plan_starter
//	    tier: STARTER
//	    name: Starter
//	    price_cents: 2900
//	    provider_price_id: price_starter_monthly
package plans
