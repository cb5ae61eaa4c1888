package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/freightline/pkg/plans"
	"github.com/platinummonkey/freightline/pkg/usage"
)

// Kind classifies a ledger transaction
type Kind string

const (
	KindMonthlyAllocation Kind = "MONTHLY_ALLOCATION"
	KindTopup             Kind = "TOPUP"
	KindGrant             Kind = "GRANT"
	KindSpend             Kind = "SPEND"
)

// Deduplicated reports whether a repeated reference id makes a write of
// this kind a no-op. Only grants and monthly allocations are idempotent;
// spends and top-ups always append.
func (k Kind) Deduplicated() bool {
	return k == KindGrant || k == KindMonthlyAllocation
}

// Transaction is one append-only ledger entry. Amount is signed: SPEND rows
// are negative, everything else positive.
type Transaction struct {
	ID          string       `json:"id"`
	CompanyID   int64        `json:"company_id"`
	Wallet      plans.Wallet `json:"wallet"`
	Kind        Kind         `json:"kind"`
	Amount      int64        `json:"amount"`
	Reason      string       `json:"reason,omitempty"`
	ReferenceID string       `json:"reference_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Options carries the optional fields of a ledger write
type Options struct {
	ReferenceID string
	Reason      string
}

var (
	// ErrInvalidAmount is returned for non-positive amounts
	ErrInvalidAmount = errors.New("credit amount must be positive")

	// ErrInvalidKind is returned when Add is called with a kind other than
	// TOPUP or GRANT
	ErrInvalidKind = errors.New("credit kind must be TOPUP or GRANT")

	// ErrUnknownWallet is returned for a wallet outside plans.Wallets()
	ErrUnknownWallet = errors.New("unknown credit wallet")
)

// BalanceDriftError reports a wallet whose stored balance disagrees with the
// sum of its transactions
type BalanceDriftError struct {
	CompanyID int64
	Wallet    plans.Wallet
	Balance   int64
	Sum       int64
}

func (e *BalanceDriftError) Error() string {
	return fmt.Sprintf("balance drift for company %d wallet %s: balance %d, transactions sum %d",
		e.CompanyID, e.Wallet, e.Balance, e.Sum)
}

// Repository persists wallets and their transactions
type Repository interface {
	// Spend appends a SPEND transaction and decrements the balance in one
	// atomic step, only if the balance covers it. A transaction whose
	// reference was already recorded for the wallet is reported as applied
	// without writing again.
	Spend(ctx context.Context, tx *Transaction) (bool, error)

	// Credit appends a positive transaction and increments the balance. It
	// returns false without writing when tx.ReferenceID is already recorded
	// for the company and wallet.
	Credit(ctx context.Context, tx *Transaction) (bool, error)

	Balance(ctx context.Context, companyID int64, wallet plans.Wallet) (int64, error)
	ListTransactions(ctx context.Context, companyID int64, wallet plans.Wallet, limit int) ([]*Transaction, error)
	SumTransactions(ctx context.Context, companyID int64, wallet plans.Wallet) (int64, error)
}

// PeriodEnsurer starts the company's current period if needed and reports
// the plan its allowances come from
type PeriodEnsurer interface {
	EnsureCurrentPeriod(ctx context.Context, companyID int64) (*usage.Period, error)
	CompanyPlan(ctx context.Context, companyID int64) (plans.Tier, error)
}
