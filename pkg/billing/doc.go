// Package billing keeps local plan state consistent with the payment
// provider.
//
// # Event processing
//
// The Processor consumes signature-verified, normalized provider events:
//
//   - checkout.completed: records the subscription, grants proration credits
//     on an upgrade, activates the plan and marks onboarding
//   - subscription.updated: follows status and price changes; past due
//     subscriptions keep their plan, unpaid or canceled ones are downgraded,
//     and an unpaid subscription that becomes active gets its plan back
//   - subscription.deleted: cancels and downgrades unconditionally
//
// Events may arrive more than once and out of order. Subscriptions are
// upserted by provider id, proration grants carry reference keys and a
// cancelled subscription never comes back to life, so replays change nothing.
// Work on one company is serialized in-process; the stores make each write
// atomic.
//
// # Checkout
//
// CheckoutService starts purchases. Free plans are applied at once without
// contacting the provider:
//
//	session, err := checkout.CreateCheckoutSession(ctx, companyID, "plan_professional")
//	if err == nil && !session.Applied {
//		http.Redirect(w, r, session.URL, http.StatusSeeOther)
//	}
//
// # Related Packages
//
//   - pkg/billing/stripe: signature verification and the provider REST client
//   - pkg/webhooks: the HTTP ingress in front of the Processor
package billing
