// Package credits implements the append-only, multi-wallet credit ledger.
//
// Every balance change is a Transaction, and for every company and wallet
// the stored balance equals the sum of its transaction amounts. Deductions
// are atomic check-then-decrement operations; an insufficient balance is an
// ordinary outcome, not an error:
//
//	ok, err := ledger.Deduct(ctx, companyID, plans.WalletPromoMessaging, 10, credits.Options{
//		Reason: "promo blast",
//	})
//	if err == nil && !ok {
//		// not enough credits
//	}
//
// Grants carry a ReferenceID so redelivered events never grant twice.
package credits
