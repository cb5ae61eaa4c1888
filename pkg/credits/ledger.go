package credits

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/freightline/pkg/observability"
	"github.com/platinummonkey/freightline/pkg/plans"
	"github.com/sirupsen/logrus"
)

const defaultListLimit = 100

// Ledger is the multi-wallet credit ledger
type Ledger struct {
	repo    Repository
	periods PeriodEnsurer
	logger  *logrus.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewLedger creates a new ledger. A nil logger discards output.
func NewLedger(repo Repository, periods PeriodEnsurer, logger *logrus.Logger, metrics *observability.Metrics) *Ledger {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Ledger{
		repo:    repo,
		periods: periods,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// SetClock replaces the time source
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

func validate(wallet plans.Wallet, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if !plans.ValidWallet(wallet) {
		return fmt.Errorf("%w: %s", ErrUnknownWallet, wallet)
	}
	return nil
}

// Deduct spends credits from a wallet. It returns false, with nothing
// written, when the balance does not cover amount. A wallet the company's
// plan grants without limit always passes and is never written.
func (l *Ledger) Deduct(ctx context.Context, companyID int64, wallet plans.Wallet, amount int64, opts Options) (bool, error) {
	if err := validate(wallet, amount); err != nil {
		return false, err
	}
	if _, err := l.periods.EnsureCurrentPeriod(ctx, companyID); err != nil {
		return false, fmt.Errorf("failed to ensure usage period: %w", err)
	}

	tier, err := l.periods.CompanyPlan(ctx, companyID)
	if err != nil {
		return false, fmt.Errorf("failed to get company plan: %w", err)
	}
	if plans.IsUnlimited(plans.For(tier).MonthlyCredits(wallet)) {
		l.metrics.RecordCreditDeduction(string(wallet), true)
		return true, nil
	}

	tx := &Transaction{
		ID:          uuid.NewString(),
		CompanyID:   companyID,
		Wallet:      wallet,
		Kind:        KindSpend,
		Amount:      -amount,
		Reason:      opts.Reason,
		ReferenceID: opts.ReferenceID,
		CreatedAt:   l.now().UTC(),
	}

	ok, err := l.repo.Spend(ctx, tx)
	if err != nil {
		return false, fmt.Errorf("failed to spend credits: %w", err)
	}

	l.metrics.RecordCreditDeduction(string(wallet), ok)
	if !ok {
		l.logger.WithFields(logrus.Fields{
			"company_id": companyID,
			"wallet":     wallet,
			"amount":     amount,
		}).Debug("Insufficient credits")
		return false, nil
	}

	l.metrics.RecordCreditTransaction(string(wallet), string(KindSpend), amount)
	return true, nil
}

// Add credits a wallet with a TOPUP or GRANT. A GRANT whose reference is
// already recorded for the wallet is skipped. A TOPUP is always written.
// The result reports whether anything was written.
func (l *Ledger) Add(ctx context.Context, companyID int64, wallet plans.Wallet, amount int64, kind Kind, opts Options) (bool, error) {
	if kind != KindTopup && kind != KindGrant {
		return false, fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}
	if err := validate(wallet, amount); err != nil {
		return false, err
	}
	if _, err := l.periods.EnsureCurrentPeriod(ctx, companyID); err != nil {
		return false, fmt.Errorf("failed to ensure usage period: %w", err)
	}

	tx := &Transaction{
		ID:          uuid.NewString(),
		CompanyID:   companyID,
		Wallet:      wallet,
		Kind:        kind,
		Amount:      amount,
		Reason:      opts.Reason,
		ReferenceID: opts.ReferenceID,
		CreatedAt:   l.now().UTC(),
	}

	applied, err := l.repo.Credit(ctx, tx)
	if err != nil {
		return false, fmt.Errorf("failed to credit wallet: %w", err)
	}

	if !applied {
		l.logger.WithFields(logrus.Fields{
			"company_id":   companyID,
			"wallet":       wallet,
			"reference_id": opts.ReferenceID,
		}).Debug("Credit already applied")
		return false, nil
	}

	l.metrics.RecordCreditTransaction(string(wallet), string(kind), amount)
	return true, nil
}

// Balance returns the current balance of a wallet
func (l *Ledger) Balance(ctx context.Context, companyID int64, wallet plans.Wallet) (int64, error) {
	if !plans.ValidWallet(wallet) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownWallet, wallet)
	}
	balance, err := l.repo.Balance(ctx, companyID, wallet)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// Transactions lists a wallet's transactions, newest first
func (l *Ledger) Transactions(ctx context.Context, companyID int64, wallet plans.Wallet, limit int) ([]*Transaction, error) {
	if !plans.ValidWallet(wallet) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWallet, wallet)
	}
	if limit <= 0 || limit > 1000 {
		limit = defaultListLimit
	}
	txs, err := l.repo.ListTransactions(ctx, companyID, wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

// Reconcile compares a wallet's balance with the sum of its transactions and
// returns *BalanceDriftError when they differ
func (l *Ledger) Reconcile(ctx context.Context, companyID int64, wallet plans.Wallet) error {
	balance, err := l.Balance(ctx, companyID, wallet)
	if err != nil {
		return err
	}
	sum, err := l.repo.SumTransactions(ctx, companyID, wallet)
	if err != nil {
		return fmt.Errorf("failed to sum transactions: %w", err)
	}
	if balance != sum {
		l.logger.WithFields(logrus.Fields{
			"company_id": companyID,
			"wallet":     wallet,
			"balance":    balance,
			"sum":        sum,
		}).Error("Credit wallet drift detected")
		return &BalanceDriftError{CompanyID: companyID, Wallet: wallet, Balance: balance, Sum: sum}
	}
	return nil
}
