// Package stripe adapts the Stripe payment provider to the billing engine.
//
// Verifier authenticates webhook deliveries with the stripe-go webhook
// package. The Stripe-Signature header is checked against the raw request
// bytes before any decoding, and timestamps outside the tolerance window are
// rejected. Verified payloads are normalized into billing.Event values.
//
// Client implements billing.Gateway on a stripe-go client with its own
// backends.
package stripe
