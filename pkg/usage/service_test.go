package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/platinummonkey/freightline/pkg/companies"
	"github.com/platinummonkey/freightline/pkg/plans"
	"github.com/platinummonkey/freightline/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRepository implements Repository for testing
type mockRepository struct {
	getPeriodFunc        func(companyID int64) (*Period, error)
	replacePeriodFunc    func(companyID int64, start, end time.Time, allocations map[plans.Wallet]int64, reference string) (*Period, bool, error)
	incrementCounterFunc func(companyID int64, counter Counter, delta int64) (int64, error)
}

func (m *mockRepository) GetPeriod(ctx context.Context, companyID int64) (*Period, error) {
	if m.getPeriodFunc != nil {
		return m.getPeriodFunc(companyID)
	}
	return nil, storage.ErrNotFound
}

func (m *mockRepository) ReplacePeriod(ctx context.Context, companyID int64, start, end time.Time, allocations map[plans.Wallet]int64, reference string) (*Period, bool, error) {
	if m.replacePeriodFunc != nil {
		return m.replacePeriodFunc(companyID, start, end, allocations, reference)
	}
	return nil, false, errors.New("not implemented")
}

func (m *mockRepository) IncrementCounter(ctx context.Context, companyID int64, counter Counter, delta int64) (int64, error) {
	if m.incrementCounterFunc != nil {
		return m.incrementCounterFunc(companyID, counter, delta)
	}
	return 0, errors.New("not implemented")
}

// mockCompanies implements CompanyReader for testing
type mockCompanies struct {
	byID map[int64]*companies.Company
	err  error
}

func (m *mockCompanies) Get(ctx context.Context, id int64) (*companies.Company, error) {
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return c, nil
}

func (m *mockCompanies) ListIDs(ctx context.Context) ([]int64, error) {
	if m.err != nil {
		return nil, m.err
	}
	ids := make([]int64, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	return ids, nil
}

var october = time.Date(2026, time.October, 18, 12, 0, 0, 0, time.UTC)

func newTestService(repo Repository, comps *mockCompanies) *Service {
	svc := NewService(repo, comps, nil, nil)
	svc.SetClock(func() time.Time { return october })
	return svc
}

func TestMonthBounds(t *testing.T) {
	start, end := MonthBounds(time.Date(2026, time.December, 31, 23, 59, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, time.December, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC), end)

	loc := time.FixedZone("UTC+10", 10*60*60)
	start, _ = MonthBounds(time.Date(2026, time.November, 1, 5, 0, 0, 0, loc))
	assert.Equal(t, time.October, start.Month())

	assert.Equal(t, "period:2026-10", AllocationReference(time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC)))
}

func TestEnsureCurrentPeriod_ExistingPeriodIsReused(t *testing.T) {
	start, end := MonthBounds(october)
	replaceCalled := false
	repo := &mockRepository{
		getPeriodFunc: func(companyID int64) (*Period, error) {
			return &Period{CompanyID: companyID, PeriodStart: start, PeriodEnd: end}, nil
		},
		replacePeriodFunc: func(int64, time.Time, time.Time, map[plans.Wallet]int64, string) (*Period, bool, error) {
			replaceCalled = true
			return nil, false, nil
		},
	}
	svc := newTestService(repo, &mockCompanies{})

	period, err := svc.EnsureCurrentPeriod(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, start, period.PeriodStart)
	assert.False(t, replaceCalled)
}

func TestEnsureCurrentPeriod_StalePeriodAllocatesCurrentTier(t *testing.T) {
	var gotAllocations map[plans.Wallet]int64
	var gotReference string
	repo := &mockRepository{
		getPeriodFunc: func(companyID int64) (*Period, error) {
			return &Period{
				CompanyID:   companyID,
				PeriodStart: time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC),
				PeriodEnd:   time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC),
			}, nil
		},
		replacePeriodFunc: func(companyID int64, start, end time.Time, allocations map[plans.Wallet]int64, reference string) (*Period, bool, error) {
			gotAllocations = allocations
			gotReference = reference
			return &Period{CompanyID: companyID, PeriodStart: start, PeriodEnd: end}, true, nil
		},
	}
	comps := &mockCompanies{byID: map[int64]*companies.Company{
		7: {ID: 7, Plan: plans.TierProfessional},
	}}
	svc := newTestService(repo, comps)

	period, err := svc.EnsureCurrentPeriod(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC), period.PeriodStart)
	assert.Equal(t, "period:2026-10", gotReference)
	assert.Equal(t, map[plans.Wallet]int64{
		plans.WalletPromoMessaging: 500,
		plans.WalletStoryPosting:   20,
		plans.WalletMarketingEmail: 2500,
	}, gotAllocations)
}

func TestEnsureCurrentPeriod_RepositoryError(t *testing.T) {
	repo := &mockRepository{
		getPeriodFunc: func(int64) (*Period, error) {
			return nil, errors.New("connection refused")
		},
	}
	svc := newTestService(repo, &mockCompanies{})

	_, err := svc.EnsureCurrentPeriod(context.Background(), 1)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get usage period")
}

func TestIncrementCounter_Validation(t *testing.T) {
	svc := newTestService(&mockRepository{}, &mockCompanies{})

	_, err := svc.IncrementCounter(context.Background(), 1, CounterShipmentsCreated, 0)
	assert.ErrorIs(t, err, ErrInvalidDelta)

	_, err = svc.IncrementCounter(context.Background(), 1, CounterShipmentsCreated, -3)
	assert.ErrorIs(t, err, ErrInvalidDelta)

	_, err = svc.IncrementCounter(context.Background(), 1, Counter("pallets"), 1)
	assert.ErrorIs(t, err, ErrUnknownCounter)
}

func currentPeriodRepo(counters map[Counter]int64) *mockRepository {
	start, end := MonthBounds(october)
	return &mockRepository{
		getPeriodFunc: func(companyID int64) (*Period, error) {
			return &Period{CompanyID: companyID, PeriodStart: start, PeriodEnd: end, Counters: counters}, nil
		},
		incrementCounterFunc: func(companyID int64, counter Counter, delta int64) (int64, error) {
			counters[counter] += delta
			return counters[counter], nil
		},
	}
}

func TestCheckShipmentQuota(t *testing.T) {
	comps := &mockCompanies{byID: map[int64]*companies.Company{
		1: {ID: 1, Plan: plans.TierFree},
		2: {ID: 2, Plan: plans.TierEnterprise},
	}}

	t.Run("under limit", func(t *testing.T) {
		svc := newTestService(currentPeriodRepo(map[Counter]int64{CounterShipmentsCreated: 4}), comps)
		assert.NoError(t, svc.CheckShipmentQuota(context.Background(), 1))
	})

	t.Run("at limit", func(t *testing.T) {
		svc := newTestService(currentPeriodRepo(map[Counter]int64{CounterShipmentsCreated: 5}), comps)
		err := svc.CheckShipmentQuota(context.Background(), 1)
		require.Error(t, err)
		assert.True(t, IsQuotaExceeded(err))

		var qe *QuotaExceededError
		require.ErrorAs(t, err, &qe)
		assert.Equal(t, "shipments", qe.Resource)
		assert.Equal(t, int64(5), qe.Current)
		assert.Equal(t, int64(5), qe.Limit)
	})

	t.Run("unlimited tier always passes", func(t *testing.T) {
		svc := newTestService(currentPeriodRepo(map[Counter]int64{CounterShipmentsCreated: 1_000_000}), comps)
		assert.NoError(t, svc.CheckShipmentQuota(context.Background(), 2))
	})
}

func TestRecordShipmentCreated(t *testing.T) {
	counters := map[Counter]int64{}
	svc := newTestService(currentPeriodRepo(counters), &mockCompanies{})

	require.NoError(t, svc.RecordShipmentCreated(context.Background(), 1))
	require.NoError(t, svc.RecordShipmentCreated(context.Background(), 1))
	assert.Equal(t, int64(2), counters[CounterShipmentsCreated])
}

func TestCheckTeamMemberQuota(t *testing.T) {
	comps := &mockCompanies{byID: map[int64]*companies.Company{
		1: {ID: 1, Plan: plans.TierStarter},
		2: {ID: 2, Plan: plans.TierEnterprise},
	}}
	svc := newTestService(&mockRepository{}, comps)

	assert.NoError(t, svc.CheckTeamMemberQuota(context.Background(), 1, 2))
	assert.True(t, IsQuotaExceeded(svc.CheckTeamMemberQuota(context.Background(), 1, 3)))
	assert.NoError(t, svc.CheckTeamMemberQuota(context.Background(), 2, 500))
}

func TestRolloverAll(t *testing.T) {
	comps := &mockCompanies{byID: map[int64]*companies.Company{
		1: {ID: 1, Plan: plans.TierFree},
		2: {ID: 2, Plan: plans.TierStarter},
		3: {ID: 3, Plan: plans.TierProfessional},
	}}
	start, end := MonthBounds(october)

	var mu sync.Mutex
	replaced := map[int64]bool{}
	repo := &mockRepository{
		getPeriodFunc: func(companyID int64) (*Period, error) {
			if companyID == 1 {
				return &Period{CompanyID: 1, PeriodStart: start, PeriodEnd: end}, nil
			}
			return nil, storage.ErrNotFound
		},
		replacePeriodFunc: func(companyID int64, s, e time.Time, _ map[plans.Wallet]int64, _ string) (*Period, bool, error) {
			if companyID == 3 {
				return nil, false, errors.New("deadlock detected")
			}
			mu.Lock()
			replaced[companyID] = true
			mu.Unlock()
			return &Period{CompanyID: companyID, PeriodStart: s, PeriodEnd: e}, true, nil
		},
	}
	svc := newTestService(repo, comps)
	svc.SetRolloverConcurrency(2)

	report, err := svc.RolloverAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 1, report.Rolled)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []int64{3}, report.FailedIDs)
	assert.True(t, replaced[2])
}

func TestRolloverAll_ListError(t *testing.T) {
	svc := newTestService(&mockRepository{}, &mockCompanies{err: errors.New("db down")})
	_, err := svc.RolloverAll(context.Background())
	assert.Error(t, err)
}
