package subscriptions

import (
	"context"
	"errors"
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
	upsertFunc       func(sub *Subscription) (*Subscription, error)
	updateStatusFunc func(id int64, update StatusUpdate) (*Subscription, error)
	changePlanFunc   func(id int64, planID string) error
}

func (m *mockRepository) UpsertByExternalID(ctx context.Context, sub *Subscription) (*Subscription, error) {
	if m.upsertFunc != nil {
		return m.upsertFunc(sub)
	}
	return nil, errors.New("not implemented")
}

func (m *mockRepository) UpdateStatus(ctx context.Context, id int64, update StatusUpdate) (*Subscription, error) {
	if m.updateStatusFunc != nil {
		return m.updateStatusFunc(id, update)
	}
	return nil, errors.New("not implemented")
}

func (m *mockRepository) ChangePlan(ctx context.Context, id int64, planID string) error {
	if m.changePlanFunc != nil {
		return m.changePlanFunc(id, planID)
	}
	return errors.New("not implemented")
}

func (m *mockRepository) GetByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	return nil, storage.ErrNotFound
}

func (m *mockRepository) GetActiveForCompany(ctx context.Context, companyID int64) (*Subscription, error) {
	return nil, storage.ErrNotFound
}

// mockCompanyStore implements companies.Store for testing
type mockCompanyStore struct {
	company    *companies.Company
	lastUpdate companies.PlanUpdate
	lastRank   companies.RankingTier
}

func (m *mockCompanyStore) Create(ctx context.Context, company *companies.Company) error {
	m.company = company
	return nil
}

func (m *mockCompanyStore) Get(ctx context.Context, id int64) (*companies.Company, error) {
	if m.company == nil || m.company.ID != id {
		return nil, storage.ErrNotFound
	}
	c := *m.company
	return &c, nil
}

func (m *mockCompanyStore) ListIDs(ctx context.Context) ([]int64, error) {
	return []int64{m.company.ID}, nil
}

func (m *mockCompanyStore) ApplyPlan(ctx context.Context, id int64, update companies.PlanUpdate) (*companies.Company, error) {
	m.lastUpdate = update
	m.company.Plan = update.Plan
	m.company.PlanActive = true
	if m.company.PlanStartedAt == nil {
		started := update.StartedAt
		m.company.PlanStartedAt = &started
	}
	m.company.PlanExpiresAt = update.ExpiresAt
	if !(update.KeepManualRanking && m.company.Ranking.IsManual()) {
		m.company.Ranking = update.Ranking
	}
	c := *m.company
	return &c, nil
}

func (m *mockCompanyStore) Downgrade(ctx context.Context, id int64, ranking companies.RankingTier) (*companies.Company, error) {
	m.company.Plan = plans.Lowest()
	m.company.PlanActive = false
	m.company.PlanExpiresAt = nil
	m.company.Ranking = ranking
	c := *m.company
	return &c, nil
}

func (m *mockCompanyStore) SetExternalCustomerID(ctx context.Context, id int64, customerID string) (bool, error) {
	if m.company.ExternalCustomerID != "" {
		return false, nil
	}
	m.company.ExternalCustomerID = customerID
	return true, nil
}

func (m *mockCompanyStore) SetRanking(ctx context.Context, id int64, ranking companies.RankingTier) error {
	m.lastRank = ranking
	m.company.Ranking = ranking
	return nil
}

var now = time.Date(2026, time.October, 18, 9, 30, 0, 0, time.UTC)

func newTestService(repo Repository, store *mockCompanyStore) *Service {
	svc := NewService(repo, store, nil, nil)
	svc.SetClock(func() time.Time { return now })
	return svc
}

func TestStatusFromProvider(t *testing.T) {
	cases := map[string]Status{
		"active":             StatusActive,
		"trialing":           StatusActive,
		"past_due":           StatusPastDue,
		"incomplete":         StatusPastDue,
		"unpaid":             StatusPastDue,
		"canceled":           StatusCancelled,
		"incomplete_expired": StatusCancelled,
		" ACTIVE ":           StatusActive,
	}
	for provider, want := range cases {
		got, ok := StatusFromProvider(provider)
		assert.True(t, ok, provider)
		assert.Equal(t, want, got, provider)
	}

	assert.True(t, IsUnpaid(" Unpaid"))
	assert.False(t, IsUnpaid("past_due"))

	_, ok := StatusFromProvider("paused")
	assert.False(t, ok)
}

func TestUpsertByExternalID_Validation(t *testing.T) {
	svc := newTestService(&mockRepository{}, &mockCompanyStore{})

	_, err := svc.UpsertByExternalID(context.Background(), &Subscription{PlanID: "plan_starter"})
	assert.ErrorIs(t, err, ErrMissingExternalID)

	_, err = svc.UpsertByExternalID(context.Background(), &Subscription{ExternalSubscriptionID: "sub_1", PlanID: "plan_gold"})
	assert.ErrorIs(t, err, ErrUnknownPlan)
}

func TestUpsertByExternalID_DefaultsStatus(t *testing.T) {
	repo := &mockRepository{
		upsertFunc: func(sub *Subscription) (*Subscription, error) {
			sub.ID = 42
			return sub, nil
		},
	}
	svc := newTestService(repo, &mockCompanyStore{})

	stored, err := svc.UpsertByExternalID(context.Background(), &Subscription{
		CompanyID:              1,
		PlanID:                 "plan_starter",
		ExternalSubscriptionID: " sub_1 ",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), stored.ID)
	assert.Equal(t, StatusActive, stored.Status)
	assert.Equal(t, "sub_1", stored.ExternalSubscriptionID)
}

func TestUpdateCompanyPlan(t *testing.T) {
	store := &mockCompanyStore{company: &companies.Company{
		ID:      1,
		Plan:    plans.TierFree,
		Ranking: companies.DerivedRanking(plans.TierFree),
	}}
	svc := newTestService(&mockRepository{}, store)
	expires := now.AddDate(0, 1, 0)

	company, err := svc.UpdateCompanyPlan(context.Background(), 1, "plan_professional", &expires)
	require.NoError(t, err)
	assert.Equal(t, plans.TierProfessional, company.Plan)
	assert.True(t, company.PlanActive)
	require.NotNil(t, company.PlanStartedAt)
	assert.Equal(t, now, *company.PlanStartedAt)
	assert.Equal(t, &expires, company.PlanExpiresAt)
	assert.Equal(t, companies.DerivedRanking(plans.TierProfessional), company.Ranking)
	assert.False(t, store.lastUpdate.KeepManualRanking)

	_, err = svc.UpdateCompanyPlan(context.Background(), 1, "plan_unknown", nil)
	assert.ErrorIs(t, err, ErrUnknownPlan)
}

func TestUpdateCompanyPlan_KeepsManualRankingOnTopTier(t *testing.T) {
	manual := companies.RankingTier{Value: "spotlight", Source: companies.RankingSourceManual}
	store := &mockCompanyStore{company: &companies.Company{ID: 1, Plan: plans.TierProfessional, Ranking: manual}}
	svc := newTestService(&mockRepository{}, store)

	company, err := svc.UpdateCompanyPlan(context.Background(), 1, "plan_enterprise", nil)
	require.NoError(t, err)
	assert.True(t, store.lastUpdate.KeepManualRanking)
	assert.Equal(t, manual, company.Ranking)
}

func TestUpdateCompanyPlan_ReplacesManualRankingBelowTopTier(t *testing.T) {
	manual := companies.RankingTier{Value: "spotlight", Source: companies.RankingSourceManual}
	store := &mockCompanyStore{company: &companies.Company{ID: 1, Plan: plans.TierEnterprise, Ranking: manual}}
	svc := newTestService(&mockRepository{}, store)

	company, err := svc.UpdateCompanyPlan(context.Background(), 1, "plan_starter", nil)
	require.NoError(t, err)
	assert.Equal(t, companies.DerivedRanking(plans.TierStarter), company.Ranking)
}

func TestDowngradeCompany(t *testing.T) {
	expires := now.AddDate(0, 1, 0)
	store := &mockCompanyStore{company: &companies.Company{
		ID:            1,
		Plan:          plans.TierEnterprise,
		PlanActive:    true,
		PlanExpiresAt: &expires,
		Ranking:       companies.RankingTier{Value: "spotlight", Source: companies.RankingSourceManual},
	}}
	svc := newTestService(&mockRepository{}, store)

	company, err := svc.DowngradeCompany(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, plans.TierFree, company.Plan)
	assert.False(t, company.PlanActive)
	assert.Nil(t, company.PlanExpiresAt)
	assert.Equal(t, companies.DerivedRanking(plans.TierFree), company.Ranking)
}

func TestSetManualRanking(t *testing.T) {
	store := &mockCompanyStore{company: &companies.Company{ID: 1, Plan: plans.TierStarter}}
	svc := newTestService(&mockRepository{}, store)

	require.NoError(t, svc.SetManualRanking(context.Background(), 1, "spotlight"))
	assert.Equal(t, companies.RankingTier{Value: "spotlight", Source: companies.RankingSourceManual}, store.lastRank)

	require.NoError(t, svc.SetManualRanking(context.Background(), 1, ""))
	assert.Equal(t, companies.DerivedRanking(plans.TierStarter), store.lastRank)
}

func TestChangePlan(t *testing.T) {
	var got string
	repo := &mockRepository{
		changePlanFunc: func(id int64, planID string) error {
			got = planID
			return nil
		},
	}
	svc := newTestService(repo, &mockCompanyStore{})

	require.NoError(t, svc.ChangePlan(context.Background(), 1, "plan_professional"))
	assert.Equal(t, "plan_professional", got)
	assert.ErrorIs(t, svc.ChangePlan(context.Background(), 1, "nope"), ErrUnknownPlan)
}
