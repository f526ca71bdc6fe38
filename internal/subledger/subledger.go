// Package subledger tracks per-agent balances inside the platform treasury.
// Every agent operates against a virtual sub-account; no agent ever holds an
// on-chain balance directly. Deposits, spends, holds, escrow, and credit
// draws all move funds between an agent's Available/Pending/Escrowed/Credit
// buckets, never touching on-chain state directly — that is the chain
// executor's job, invoked by the settlement engine above this package.
package subledger

import (
	"context"
	"errors"
	"time"

	"github.com/sardis-labs/paycore/internal/audittrail"
	"github.com/sardis-labs/paycore/internal/money"
)

var (
	ErrInsufficientBalance = errors.New("subledger: insufficient balance")
	ErrAccountNotFound     = errors.New("subledger: account not found")
	ErrInvalidAmount       = errors.New("subledger: invalid amount")
	ErrDuplicateDeposit    = errors.New("subledger: deposit already processed")
	ErrAlreadyReversed     = errors.New("subledger: entry already reversed")
	ErrEntryNotFound       = errors.New("subledger: entry not found")
)

// EntryType classifies a ledger entry for reporting and reversal semantics.
type EntryType string

const (
	EntryDeposit    EntryType = "deposit"
	EntryWithdrawal EntryType = "withdrawal"
	EntrySpend      EntryType = "spend"
	EntryRefund     EntryType = "refund"
	EntryHold       EntryType = "hold"
	EntryEscrow     EntryType = "escrow"
	EntryTransfer   EntryType = "transfer"
	EntryCredit     EntryType = "credit_draw"
)

// Entry is one append-only record of a balance-affecting operation.
type Entry struct {
	ID          string
	AccountID   string
	Type        EntryType
	Amount      money.Amount
	TxHash      string
	Reference   string
	Description string
	ReversedAt  *time.Time
	ReversedBy  string
	ReversalOf  string
	CreatedAt   time.Time
}

// Balance is an agent's sub-ledger position. Available+Pending+Escrowed is
// the agent's total claim on treasury funds; CreditUsed is a liability
// against CreditLimit, not a treasury claim.
type Balance struct {
	AccountID   string
	Available   money.Amount
	Pending     money.Amount
	Escrowed    money.Amount
	CreditLimit money.Amount
	CreditUsed  money.Amount
	TotalIn     money.Amount
	TotalOut    money.Amount
	UpdatedAt   time.Time
}

// Store persists sub-ledger balances and entries. Every mutating method
// must be atomic with respect to its own balance row(s): a Store built on
// Postgres uses row-level locking or a serializable transaction; a Store
// built in memory uses the account's own mutex shard.
type Store interface {
	GetBalance(ctx context.Context, accountID string) (Balance, error)
	Credit(ctx context.Context, accountID string, amount money.Amount, txHash, description string) error
	Debit(ctx context.Context, accountID string, amount money.Amount, reference, description string) error
	Refund(ctx context.Context, accountID string, amount money.Amount, reference, description string) error
	Withdraw(ctx context.Context, accountID string, amount money.Amount, txHash string) error
	GetHistory(ctx context.Context, accountID string, limit int) ([]Entry, error)
	HasDeposit(ctx context.Context, txHash string) (bool, error)

	Hold(ctx context.Context, accountID string, amount money.Amount, reference string) error
	ConfirmHold(ctx context.Context, accountID string, amount money.Amount, reference string) error
	ReleaseHold(ctx context.Context, accountID string, amount money.Amount, reference string) error

	EscrowLock(ctx context.Context, accountID string, amount money.Amount, reference string) error
	ReleaseEscrow(ctx context.Context, buyerID, sellerID string, amount money.Amount, reference string) error
	RefundEscrow(ctx context.Context, accountID string, amount money.Amount, reference string) error

	SetCreditLimit(ctx context.Context, accountID string, limit money.Amount) error
	UseCredit(ctx context.Context, accountID string, amount money.Amount) error
	RepayCredit(ctx context.Context, accountID string, amount money.Amount) error
	GetCreditInfo(ctx context.Context, accountID string) (limit, used money.Amount, err error)

	SumAllBalances(ctx context.Context) (available, pending, escrowed money.Amount, err error)

	Transfer(ctx context.Context, fromID, toID string, amount money.Amount, reference string) error
	SettleHold(ctx context.Context, buyerID, sellerID string, amount money.Amount, reference string) error

	GetEntry(ctx context.Context, entryID string) (Entry, error)
	Reverse(ctx context.Context, entryID, reason, actorID string) error
}

// SubLedger is the per-agent accounting façade. It wraps a Store with audit
// emission — every mutating operation is recorded to the audit trail
// regardless of outcome, so a denied or failed debit is just as visible as a
// successful one.
type SubLedger struct {
	store Store
	trail *audittrail.Trail
}

// New creates a SubLedger. trail may be nil to disable audit emission (used
// only in isolated unit tests of Store implementations).
func New(store Store, trail *audittrail.Trail) *SubLedger {
	return &SubLedger{store: store, trail: trail}
}

func (l *SubLedger) audit(ctx context.Context, action, subject string, detail map[string]any) {
	if l.trail == nil {
		return
	}
	_, _ = l.trail.Record(ctx, action, subject, detail)
}

// GetBalance returns the agent's current balance.
func (l *SubLedger) GetBalance(ctx context.Context, accountID string) (Balance, error) {
	return l.store.GetBalance(ctx, accountID)
}

// Credit records a confirmed deposit into the agent's available balance.
func (l *SubLedger) Credit(ctx context.Context, accountID string, amount money.Amount, txHash, description string) error {
	err := l.store.Credit(ctx, accountID, amount, txHash, description)
	l.audit(ctx, "subledger.credit", accountID, map[string]any{
		"amount": amount.String(), "txHash": txHash, "error": errString(err),
	})
	return err
}

// Debit spends from the agent's available balance.
func (l *SubLedger) Debit(ctx context.Context, accountID string, amount money.Amount, reference, description string) error {
	err := l.store.Debit(ctx, accountID, amount, reference, description)
	l.audit(ctx, "subledger.debit", accountID, map[string]any{
		"amount": amount.String(), "reference": reference, "error": errString(err),
	})
	return err
}

// Hold moves funds from available to pending ahead of an on-chain transfer.
func (l *SubLedger) Hold(ctx context.Context, accountID string, amount money.Amount, reference string) error {
	err := l.store.Hold(ctx, accountID, amount, reference)
	l.audit(ctx, "subledger.hold", accountID, map[string]any{
		"amount": amount.String(), "reference": reference, "error": errString(err),
	})
	return err
}

// ConfirmHold finalizes a hold after on-chain confirmation, moving the
// amount from pending into lifetime total_out.
func (l *SubLedger) ConfirmHold(ctx context.Context, accountID string, amount money.Amount, reference string) error {
	err := l.store.ConfirmHold(ctx, accountID, amount, reference)
	l.audit(ctx, "subledger.confirm_hold", accountID, map[string]any{
		"amount": amount.String(), "reference": reference, "error": errString(err),
	})
	return err
}

// ReleaseHold returns held funds to available after a failed settlement
// attempt — the compensating action for a Hold whose dispatch did not go
// through.
func (l *SubLedger) ReleaseHold(ctx context.Context, accountID string, amount money.Amount, reference string) error {
	err := l.store.ReleaseHold(ctx, accountID, amount, reference)
	l.audit(ctx, "subledger.release_hold", accountID, map[string]any{
		"amount": amount.String(), "reference": reference, "error": errString(err),
	})
	return err
}

// Transfer atomically moves funds between two agents' available balances
// within the same treasury, without any on-chain settlement.
func (l *SubLedger) Transfer(ctx context.Context, fromID, toID string, amount money.Amount, reference string) error {
	err := l.store.Transfer(ctx, fromID, toID, amount, reference)
	l.audit(ctx, "subledger.transfer", fromID+"->"+toID, map[string]any{
		"amount": amount.String(), "reference": reference, "error": errString(err),
	})
	return err
}

// Refund credits back a previously debited amount.
func (l *SubLedger) Refund(ctx context.Context, accountID string, amount money.Amount, reference, description string) error {
	err := l.store.Refund(ctx, accountID, amount, reference, description)
	l.audit(ctx, "subledger.refund", accountID, map[string]any{
		"amount": amount.String(), "reference": reference, "error": errString(err),
	})
	return err
}

// Withdraw records an agent-initiated withdrawal to an external address.
func (l *SubLedger) Withdraw(ctx context.Context, accountID string, amount money.Amount, txHash string) error {
	err := l.store.Withdraw(ctx, accountID, amount, txHash)
	l.audit(ctx, "subledger.withdraw", accountID, map[string]any{
		"amount": amount.String(), "txHash": txHash, "error": errString(err),
	})
	return err
}

// CanSpend reports whether accountID's available balance covers amount,
// without mutating state.
func (l *SubLedger) CanSpend(ctx context.Context, accountID string, amount money.Amount) (bool, error) {
	bal, err := l.store.GetBalance(ctx, accountID)
	if err != nil {
		return false, err
	}
	return bal.Available.Cmp(amount) >= 0, nil
}

// Reverse reverses a previously recorded entry, leaving the original intact
// and appending a compensating record — the ledger never edits history.
func (l *SubLedger) Reverse(ctx context.Context, entryID, reason, actorID string) error {
	err := l.store.Reverse(ctx, entryID, reason, actorID)
	l.audit(ctx, "subledger.reverse", entryID, map[string]any{
		"reason": reason, "actor": actorID, "error": errString(err),
	})
	return err
}

// GetHistory returns the agent's most recent entries.
func (l *SubLedger) GetHistory(ctx context.Context, accountID string, limit int) ([]Entry, error) {
	return l.store.GetHistory(ctx, accountID, limit)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
