package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/freightline/pkg/companies"
	"github.com/platinummonkey/freightline/pkg/credits"
	"github.com/platinummonkey/freightline/pkg/observability"
	"github.com/platinummonkey/freightline/pkg/plans"
	"github.com/platinummonkey/freightline/pkg/usage"
	"github.com/sirupsen/logrus"
)

// housekeeper runs the periodic maintenance jobs
type housekeeper struct {
	usage     *usage.Service
	ledger    *credits.Ledger
	companies companies.Store
	logger    *logrus.Logger
	timeout   time.Duration
}

// ReconcileReport summarizes one ledger reconciliation pass
type ReconcileReport struct {
	Checked int
	Drifted int
	Failed  int
}

func (h *housekeeper) context() (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), h.timeout)
}

// rollover opens the current period for every company
func (h *housekeeper) rollover() (*usage.RolloverReport, error) {
	ctx, cancel := h.context()
	defer cancel()

	start := time.Now()
	report, err := h.usage.RolloverAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("rollover failed: %w", err)
	}

	entry := h.logger.WithFields(logrus.Fields{
		"processed": report.Processed,
		"rolled":    report.Rolled,
		"failed":    report.Failed,
		"duration":  time.Since(start).String(),
	})
	if report.Failed > 0 {
		entry.WithField("failed_ids", report.FailedIDs).Warn("Rollover completed with failures")
	} else {
		entry.Info("Rollover completed")
	}
	return report, nil
}

// reconcile compares every wallet balance with its transaction history
func (h *housekeeper) reconcile() (*ReconcileReport, error) {
	ctx, cancel := h.context()
	defer cancel()

	ids, err := h.companies.ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list companies: %w", err)
	}

	report := &ReconcileReport{}
	for _, id := range ids {
		for _, wallet := range plans.Wallets() {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Checked++
			err := h.ledger.Reconcile(ctx, id, wallet)
			var drift *credits.BalanceDriftError
			switch {
			case errors.As(err, &drift):
				report.Drifted++
			case err != nil:
				report.Failed++
				h.logger.WithError(err).WithFields(logrus.Fields{
					"company_id": id,
					"wallet":     wallet,
				}).Warn("Failed to reconcile wallet")
			}
		}
	}

	h.logger.WithFields(logrus.Fields{
		"checked": report.Checked,
		"drifted": report.Drifted,
		"failed":  report.Failed,
	}).Info("Ledger reconciliation completed")
	return report, nil
}

// job wraps a scheduled func so a panic does not take the scheduler down
func (h *housekeeper) job(name string, fn func() error) func() {
	return func() {
		defer observability.RecoverPanic(h.logger, name)
		h.logger.WithField("job", name).Info("Starting job")
		if err := fn(); err != nil {
			h.logger.WithError(err).WithField("job", name).Error("Job failed")
		}
	}
}
