package usage

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// RolloverReport summarizes one RolloverAll run
type RolloverReport struct {
	Processed int     `json:"processed"`
	Rolled    int     `json:"rolled"`
	Failed    int     `json:"failed"`
	FailedIDs []int64 `json:"failed_ids,omitempty"`
}

// RolloverAll ensures every company has a period for the current month.
// Companies are independent, so they run in parallel; one company failing
// does not stop the others.
func (s *Service) RolloverAll(ctx context.Context) (*RolloverReport, error) {
	ids, err := s.companies.ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list companies: %w", err)
	}

	report := &RolloverReport{}
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.rolloverConcurrency)

	for _, id := range ids {
		id := id
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}

			_, replaced, err := s.ensure(egCtx, id)

			mu.Lock()
			defer mu.Unlock()
			report.Processed++
			switch {
			case err != nil:
				report.Failed++
				report.FailedIDs = append(report.FailedIDs, id)
				s.metrics.RecordRollover("failed")
				s.logger.WithFields(logrus.Fields{"company_id": id}).WithError(err).Error("Usage rollover failed")
			case replaced:
				report.Rolled++
				s.metrics.RecordRollover("rolled")
			default:
				s.metrics.RecordRollover("current")
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return report, fmt.Errorf("rollover interrupted: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"processed": report.Processed,
		"rolled":    report.Rolled,
		"failed":    report.Failed,
	}).Info("Usage rollover finished")

	return report, nil
}
