// Package memory implements every billing repository in process memory.
//
// A single Store satisfies companies.Store, usage.Repository,
// credits.Repository and subscriptions.Repository, so tests and local runs
// can share one instance:
//
//	store := memory.New()
//	usageSvc := usage.NewService(store, store, logger, metrics)
//	ledger := credits.NewLedger(store, usageSvc, logger, metrics)
//
// State is lost on restart. Use the postgres package in production.
package memory
