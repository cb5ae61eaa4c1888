// Package postgres implements the billing repositories on PostgreSQL.
//
// Every multi-row write runs in one transaction. Balance checks are
// conditional updates and idempotency keys are unique indexes, so the
// ledger stays consistent across concurrent webhook deliveries and
// housekeeper runs on several nodes.
//
// Listing queries may be routed to read replicas through ConnectionManager.
package postgres
