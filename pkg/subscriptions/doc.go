// Package subscriptions stores the local mirror of provider subscriptions
// and applies plan changes to companies.
//
// Subscriptions are keyed by their provider id; UpsertByExternalID is the
// idempotency boundary for redelivered checkout events. Provider statuses map
// onto three local states:
//
//	active, trialing             -> ACTIVE
//	past_due, incomplete         -> PAST_DUE (plan kept)
//	unpaid                       -> PAST_DUE (plan dropped until paid)
//	canceled, incomplete_expired -> CANCELLED (terminal)
package subscriptions
