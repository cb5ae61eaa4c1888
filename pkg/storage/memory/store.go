package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/freightline/pkg/companies"
	"github.com/platinummonkey/freightline/pkg/credits"
	"github.com/platinummonkey/freightline/pkg/plans"
	"github.com/platinummonkey/freightline/pkg/storage"
	"github.com/platinummonkey/freightline/pkg/subscriptions"
	"github.com/platinummonkey/freightline/pkg/usage"
)

type walletKey struct {
	companyID int64
	wallet    plans.Wallet
}

type referenceKey struct {
	companyID int64
	wallet    plans.Wallet
	kind      credits.Kind
	reference string
}

type walletRow struct {
	balance int64
	used    int64
}

type periodRow struct {
	start     time.Time
	end       time.Time
	counters  map[usage.Counter]int64
	updatedAt time.Time
}

// Store keeps every repository in process memory behind one mutex, which
// makes each method trivially atomic. It backs tests and single-node
// development.
type Store struct {
	mu sync.RWMutex

	companies     map[int64]*companies.Company
	nextCompanyID int64

	periods      map[int64]*periodRow
	wallets      map[walletKey]*walletRow
	transactions map[walletKey][]*credits.Transaction
	references   map[referenceKey]struct{}

	subscriptions map[int64]*subscriptions.Subscription
	subsByExt     map[string]int64
	nextSubID     int64

	now func() time.Time
}

var (
	_ companies.Store          = (*Store)(nil)
	_ usage.Repository         = (*Store)(nil)
	_ credits.Repository       = (*Store)(nil)
	_ subscriptions.Repository = (*Store)(nil)
)

// New creates an empty store
func New() *Store {
	return &Store{
		companies:     make(map[int64]*companies.Company),
		periods:       make(map[int64]*periodRow),
		wallets:       make(map[walletKey]*walletRow),
		transactions:  make(map[walletKey][]*credits.Transaction),
		references:    make(map[referenceKey]struct{}),
		subscriptions: make(map[int64]*subscriptions.Subscription),
		subsByExt:     make(map[string]int64),
		now:           time.Now,
	}
}

// SetClock replaces the time source used for row timestamps
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// Companies

func copyCompany(c *companies.Company) *companies.Company {
	out := *c
	if c.PlanStartedAt != nil {
		t := *c.PlanStartedAt
		out.PlanStartedAt = &t
	}
	if c.PlanExpiresAt != nil {
		t := *c.PlanExpiresAt
		out.PlanExpiresAt = &t
	}
	if c.CommissionRateBps != nil {
		bps := *c.CommissionRateBps
		out.CommissionRateBps = &bps
	}
	return &out
}

// Create stores a new company. A zero ID is assigned; a zero plan becomes
// the lowest tier with its derived ranking.
func (s *Store) Create(ctx context.Context, company *companies.Company) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if company.ID == 0 {
		s.nextCompanyID++
		company.ID = s.nextCompanyID
	} else if company.ID > s.nextCompanyID {
		s.nextCompanyID = company.ID
	}
	if _, exists := s.companies[company.ID]; exists {
		return fmt.Errorf("%w: company %d already exists", storage.ErrConflict, company.ID)
	}

	if company.Plan == "" {
		company.Plan = plans.Lowest()
	}
	if company.Ranking.Value == "" {
		company.Ranking = companies.DerivedRanking(company.Plan)
	}
	now := s.timestamp()
	if company.CreatedAt.IsZero() {
		company.CreatedAt = now
	}
	company.UpdatedAt = now

	s.companies[company.ID] = copyCompany(company)
	return nil
}

// Get returns a company by id
func (s *Store) Get(ctx context.Context, id int64) (*companies.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.companies[id]
	if !ok {
		return nil, fmt.Errorf("company %d: %w", id, storage.ErrNotFound)
	}
	return copyCompany(c), nil
}

// ListIDs returns every company id in ascending order
func (s *Store) ListIDs(ctx context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int64, 0, len(s.companies))
	for id := range s.companies {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ApplyPlan activates a tier on a company
func (s *Store) ApplyPlan(ctx context.Context, id int64, update companies.PlanUpdate) (*companies.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.companies[id]
	if !ok {
		return nil, fmt.Errorf("company %d: %w", id, storage.ErrNotFound)
	}

	c.Plan = update.Plan
	c.PlanActive = true
	if c.PlanStartedAt == nil {
		started := update.StartedAt.UTC()
		c.PlanStartedAt = &started
	}
	c.PlanExpiresAt = nil
	if update.ExpiresAt != nil {
		expires := update.ExpiresAt.UTC()
		c.PlanExpiresAt = &expires
	}
	if !(update.KeepManualRanking && c.Ranking.IsManual()) {
		c.Ranking = update.Ranking
	}
	c.UpdatedAt = s.timestamp()

	return copyCompany(c), nil
}

// Downgrade moves a company to the lowest tier and deactivates its plan
func (s *Store) Downgrade(ctx context.Context, id int64, ranking companies.RankingTier) (*companies.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.companies[id]
	if !ok {
		return nil, fmt.Errorf("company %d: %w", id, storage.ErrNotFound)
	}

	c.Plan = plans.Lowest()
	c.PlanActive = false
	c.PlanExpiresAt = nil
	c.Ranking = ranking
	c.UpdatedAt = s.timestamp()

	return copyCompany(c), nil
}

// SetExternalCustomerID stores the customer id if none is set yet
func (s *Store) SetExternalCustomerID(ctx context.Context, id int64, customerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.companies[id]
	if !ok {
		return false, fmt.Errorf("company %d: %w", id, storage.ErrNotFound)
	}
	if c.ExternalCustomerID != "" {
		return false, nil
	}
	c.ExternalCustomerID = customerID
	c.UpdatedAt = s.timestamp()
	return true, nil
}

// SetRanking overwrites the ranking tier
func (s *Store) SetRanking(ctx context.Context, id int64, ranking companies.RankingTier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.companies[id]
	if !ok {
		return fmt.Errorf("company %d: %w", id, storage.ErrNotFound)
	}
	c.Ranking = ranking
	c.UpdatedAt = s.timestamp()
	return nil
}

// Usage periods

// periodLocked assembles the public view of a company's period. Callers
// hold s.mu.
func (s *Store) periodLocked(companyID int64, row *periodRow) *usage.Period {
	p := &usage.Period{
		CompanyID:   companyID,
		PeriodStart: row.start,
		PeriodEnd:   row.end,
		Counters:    make(map[usage.Counter]int64, len(row.counters)),
		Wallets:     make(map[plans.Wallet]usage.WalletState),
		UpdatedAt:   row.updatedAt,
	}
	for c, v := range row.counters {
		p.Counters[c] = v
	}
	for _, w := range plans.Wallets() {
		if wr, ok := s.wallets[walletKey{companyID, w}]; ok {
			p.Wallets[w] = usage.WalletState{Balance: wr.balance, UsedThisPeriod: wr.used}
		}
	}
	return p
}

// GetPeriod returns the company's current period
func (s *Store) GetPeriod(ctx context.Context, companyID int64) (*usage.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.periods[companyID]
	if !ok {
		return nil, fmt.Errorf("usage period for company %d: %w", companyID, storage.ErrNotFound)
	}
	return s.periodLocked(companyID, row), nil
}

// ReplacePeriod starts the period [start, end) unless it is already the
// stored one
func (s *Store) ReplacePeriod(ctx context.Context, companyID int64, start, end time.Time, allocations map[plans.Wallet]int64, reference string) (*usage.Period, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.periods[companyID]; ok && row.start.Equal(start) {
		return s.periodLocked(companyID, row), false, nil
	}

	now := s.timestamp()
	row := &periodRow{
		start:     start.UTC(),
		end:       end.UTC(),
		counters:  make(map[usage.Counter]int64),
		updatedAt: now,
	}
	for _, c := range usage.Counters() {
		row.counters[c] = 0
	}
	s.periods[companyID] = row

	for _, w := range plans.Wallets() {
		if wr, ok := s.wallets[walletKey{companyID, w}]; ok {
			wr.used = 0
		}
	}

	for _, w := range plans.Wallets() {
		amount, ok := allocations[w]
		if !ok || amount <= 0 {
			continue
		}
		s.creditLocked(&credits.Transaction{
			ID:          uuid.NewString(),
			CompanyID:   companyID,
			Wallet:      w,
			Kind:        credits.KindMonthlyAllocation,
			Amount:      amount,
			Reason:      "monthly allocation",
			ReferenceID: reference,
			CreatedAt:   now,
		})
	}

	return s.periodLocked(companyID, row), true, nil
}

// IncrementCounter adds delta to a counter of the stored period
func (s *Store) IncrementCounter(ctx context.Context, companyID int64, counter usage.Counter, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.periods[companyID]
	if !ok {
		return 0, fmt.Errorf("usage period for company %d: %w", companyID, storage.ErrNotFound)
	}
	row.counters[counter] += delta
	row.updatedAt = s.timestamp()
	return row.counters[counter], nil
}

// Credit ledger

func (s *Store) walletLocked(companyID int64, wallet plans.Wallet) *walletRow {
	key := walletKey{companyID, wallet}
	wr, ok := s.wallets[key]
	if !ok {
		wr = &walletRow{}
		s.wallets[key] = wr
	}
	return wr
}

func (s *Store) seenLocked(tx *credits.Transaction) bool {
	if tx.ReferenceID == "" || !tx.Kind.Deduplicated() {
		return false
	}
	_, ok := s.references[referenceKey{tx.CompanyID, tx.Wallet, tx.Kind, tx.ReferenceID}]
	return ok
}

func (s *Store) appendLocked(tx *credits.Transaction) {
	key := walletKey{tx.CompanyID, tx.Wallet}
	stored := *tx
	s.transactions[key] = append(s.transactions[key], &stored)
	if tx.ReferenceID != "" && tx.Kind.Deduplicated() {
		s.references[referenceKey{tx.CompanyID, tx.Wallet, tx.Kind, tx.ReferenceID}] = struct{}{}
	}
}

// creditLocked applies a positive transaction unless its reference is known
func (s *Store) creditLocked(tx *credits.Transaction) bool {
	if s.seenLocked(tx) {
		return false
	}
	s.walletLocked(tx.CompanyID, tx.Wallet).balance += tx.Amount
	s.appendLocked(tx)
	return true
}

// Spend debits a wallet when the balance covers the amount
func (s *Store) Spend(ctx context.Context, tx *credits.Transaction) (bool, error) {
	if tx.Amount >= 0 {
		return false, credits.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wr := s.walletLocked(tx.CompanyID, tx.Wallet)
	if wr.balance < -tx.Amount {
		return false, nil
	}
	wr.balance += tx.Amount
	wr.used -= tx.Amount
	s.appendLocked(tx)
	return true, nil
}

// Credit adds a positive transaction
func (s *Store) Credit(ctx context.Context, tx *credits.Transaction) (bool, error) {
	if tx.Amount <= 0 {
		return false, credits.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.creditLocked(tx), nil
}

// Balance returns the wallet balance, zero for a wallet never touched
func (s *Store) Balance(ctx context.Context, companyID int64, wallet plans.Wallet) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if wr, ok := s.wallets[walletKey{companyID, wallet}]; ok {
		return wr.balance, nil
	}
	return 0, nil
}

// ListTransactions returns the newest transactions first
func (s *Store) ListTransactions(ctx context.Context, companyID int64, wallet plans.Wallet, limit int) ([]*credits.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.transactions[walletKey{companyID, wallet}]
	out := make([]*credits.Transaction, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		tx := *rows[i]
		out = append(out, &tx)
	}
	return out, nil
}

// SumTransactions returns the sum of every signed amount in the wallet
func (s *Store) SumTransactions(ctx context.Context, companyID int64, wallet plans.Wallet) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, tx := range s.transactions[walletKey{companyID, wallet}] {
		sum += tx.Amount
	}
	return sum, nil
}

// Subscriptions

func copySubscription(sub *subscriptions.Subscription) *subscriptions.Subscription {
	out := *sub
	return &out
}

// UpsertByExternalID inserts or overwrites a subscription keyed on its
// provider id
func (s *Store) UpsertByExternalID(ctx context.Context, sub *subscriptions.Subscription) (*subscriptions.Subscription, error) {
	if sub.ExternalSubscriptionID == "" {
		return nil, subscriptions.ErrMissingExternalID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timestamp()
	if id, ok := s.subsByExt[sub.ExternalSubscriptionID]; ok {
		existing := s.subscriptions[id]
		existing.CompanyID = sub.CompanyID
		existing.PlanID = sub.PlanID
		if sub.ExternalCustomerID != "" {
			existing.ExternalCustomerID = sub.ExternalCustomerID
		}
		existing.Status = sub.Status
		existing.CurrentPeriodStart = sub.CurrentPeriodStart.UTC()
		existing.CurrentPeriodEnd = sub.CurrentPeriodEnd.UTC()
		existing.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		existing.UpdatedAt = now
		return copySubscription(existing), nil
	}

	s.nextSubID++
	stored := copySubscription(sub)
	stored.ID = s.nextSubID
	stored.CurrentPeriodStart = sub.CurrentPeriodStart.UTC()
	stored.CurrentPeriodEnd = sub.CurrentPeriodEnd.UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.subscriptions[stored.ID] = stored
	s.subsByExt[stored.ExternalSubscriptionID] = stored.ID
	return copySubscription(stored), nil
}

// UpdateStatus writes the provider-driven fields of a subscription
func (s *Store) UpdateStatus(ctx context.Context, id int64, update subscriptions.StatusUpdate) (*subscriptions.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("subscription %d: %w", id, storage.ErrNotFound)
	}
	sub.Status = update.Status
	if !update.PeriodStart.IsZero() {
		sub.CurrentPeriodStart = update.PeriodStart.UTC()
	}
	if !update.PeriodEnd.IsZero() {
		sub.CurrentPeriodEnd = update.PeriodEnd.UTC()
	}
	sub.CancelAtPeriodEnd = update.CancelAtPeriodEnd
	sub.UpdatedAt = s.timestamp()
	return copySubscription(sub), nil
}

// ChangePlan records a new plan on a subscription
func (s *Store) ChangePlan(ctx context.Context, id int64, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return fmt.Errorf("subscription %d: %w", id, storage.ErrNotFound)
	}
	sub.PlanID = planID
	sub.UpdatedAt = s.timestamp()
	return nil
}

// GetByExternalID returns a subscription by provider id
func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*subscriptions.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.subsByExt[externalID]
	if !ok {
		return nil, fmt.Errorf("subscription %q: %w", externalID, storage.ErrNotFound)
	}
	return copySubscription(s.subscriptions[id]), nil
}

// GetActiveForCompany returns the most recently updated non-cancelled
// subscription
func (s *Store) GetActiveForCompany(ctx context.Context, companyID int64) (*subscriptions.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *subscriptions.Subscription
	for _, sub := range s.subscriptions {
		if sub.CompanyID != companyID || sub.Status == subscriptions.StatusCancelled {
			continue
		}
		if best == nil || sub.UpdatedAt.After(best.UpdatedAt) ||
			(sub.UpdatedAt.Equal(best.UpdatedAt) && sub.ID > best.ID) {
			best = sub
		}
	}
	if best == nil {
		return nil, fmt.Errorf("active subscription for company %d: %w", companyID, storage.ErrNotFound)
	}
	return copySubscription(best), nil
}
