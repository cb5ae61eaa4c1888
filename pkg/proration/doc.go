// Package proration computes and grants the bonus credits owed when a
// company upgrades in the middle of a billing period.
//
// For every wallet that is finite on both tiers the bonus is
//
//	floor(max(0, new-old) * remaining/total)
//
// where remaining/total is the unelapsed share of the billing period. Each
// grant is keyed "<subscription>:<wallet>:<period end unix>".
package proration
