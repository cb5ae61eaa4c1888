// Package storage holds the configuration and sentinel errors shared by the
// persistence backends.
//
// # Backends
//
// Each domain package (companies, usage, credits, subscriptions) declares the
// repository interface it needs. Two backends implement all of them:
//
//   - postgres.Store: database/sql over lib/pq. Atomicity comes from
//     transactions with SELECT ... FOR UPDATE, conditional UPDATEs and
//     unique reference indexes.
//   - memory.Store: a mutex-guarded in-process store for tests and local
//     development.
//
// # Errors
//
// Backends return ErrNotFound for missing rows so callers can branch with
// errors.Is regardless of the backend in use:
//
//	sub, err := repo.GetByExternalID(ctx, "sub_123")
//	if errors.Is(err, storage.ErrNotFound) {
//		// unknown subscription
//	}
package storage
