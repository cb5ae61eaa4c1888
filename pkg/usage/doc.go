// Package usage tracks per-company monthly usage and enforces plan quotas.
//
// Each company has exactly one current period: a UTC calendar month holding
// usage counters and the per-wallet credit state. The first access in a new
// month replaces the period and allocates the month's credits for the
// company's current tier:
//
//	period, err := svc.EnsureCurrentPeriod(ctx, companyID)
//
// Allocation is keyed by AllocationReference ("period:YYYY-MM") so repeated
// or concurrent calls within a month never allocate twice.
//
// Quota gates return *QuotaExceededError:
//
//	if err := svc.CheckShipmentQuota(ctx, companyID); usage.IsQuotaExceeded(err) {
//		// reject the shipment
//	}
//	_ = svc.RecordShipmentCreated(ctx, companyID)
package usage
