// Package ledgerengine is the append-only, per-account ledger: every
// mutation becomes a new signed entry, histories are never edited, and
// reversing an entry creates a new opposite-sign entry rather than erasing
// the original. Concurrency is serialized per account (and per multi-account
// batch, in sorted lock order) through a LockManager rather than a database
// transaction, so the same engine runs unmodified over either store
// implementation.
package ledgerengine

import (
	"context"
	"fmt"
	"time"

	"github.com/sardis-labs/paycore/internal/audittrail"
	"github.com/sardis-labs/paycore/internal/idgen"
	"github.com/sardis-labs/paycore/internal/money"
	"github.com/sardis-labs/paycore/internal/ports"
)

// EntryType classifies what a ledger entry represents.
type EntryType string

const (
	EntryCredit     EntryType = "credit"
	EntryDebit      EntryType = "debit"
	EntryTransfer   EntryType = "transfer"
	EntryFee        EntryType = "fee"
	EntryRefund     EntryType = "refund"
	EntryAdjustment EntryType = "adjustment"
	EntryReversal   EntryType = "reversal"
)

// Status is an entry's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusReversed  Status = "reversed"
	StatusCancelled Status = "cancelled"
)

// DefaultLockTTL bounds how long a lock survives without explicit release,
// so a crashed holder cannot wedge an account forever.
const DefaultLockTTL = 30 * time.Second

// DefaultSnapshotInterval is how many entries accumulate, per
// (account, currency), between balance snapshots.
const DefaultSnapshotInterval = 100

// Entry is one append-only ledger record.
//
// Sign is carried explicitly rather than inferred from EntryType at read
// time: a transfer or reversal's direction depends on which side of the
// movement this entry represents, and baking that into a field makes every
// downstream balance computation a single multiply-and-add instead of a
// type switch repeated at every call site.
type Entry struct {
	EntryID        string
	Seq            int64 // monotonic insertion counter; breaks CreatedAt ties
	TxID           string
	AccountID      string
	EntryType      EntryType
	Sign           int8 // +1 or -1
	Amount         money.Amount
	Fee            money.Amount
	RunningBalance money.Amount
	Currency       string
	Chain          string
	ChainTxHash    string
	BlockNumber    uint64
	AuditAnchor    string
	Status         Status
	CreatedAt      time.Time
	ConfirmedAt    time.Time
	Metadata       map[string]any
}

// delta is the signed balance movement this entry causes.
func (e Entry) delta() money.Amount {
	d := e.Amount
	if e.EntryType == EntryDebit || e.EntryType == EntryFee {
		d = d.Add(e.Fee)
	}
	if e.Sign < 0 {
		return d.Neg()
	}
	return d
}

// Snapshot is a materialized balance as of a specific entry, letting
// historical balance queries scan forward from the nearest snapshot rather
// than from account genesis.
type Snapshot struct {
	SnapshotID  string
	AccountID   string
	Currency    string
	Balance     money.Amount
	LastEntryID string
	LastSeq     int64
	EntryCount  int64
	CreatedAt   time.Time
}

// Store persists entries and snapshots. Both the memory and Postgres
// implementations share the same Engine logic above them.
type Store interface {
	NextSeq(ctx context.Context) (int64, error)
	AppendEntry(ctx context.Context, e Entry) error
	GetEntry(ctx context.Context, entryID string) (Entry, error)
	SetStatus(ctx context.Context, entryID string, status Status) error
	// EntriesAfter returns entries for (accountID, currency) with seq >
	// afterSeq, in ascending seq order, up to and including at.
	EntriesAfter(ctx context.Context, accountID, currency string, afterSeq int64, at time.Time) ([]Entry, error)
	LatestSnapshot(ctx context.Context, accountID, currency string, at time.Time) (Snapshot, bool, error)
	WriteSnapshot(ctx context.Context, s Snapshot) error
	EntryCount(ctx context.Context, accountID, currency string) (int64, error)
	// ConfirmedChainEntries lists every confirmed entry carrying a
	// chain_tx_hash since the given time, for transaction reconciliation.
	ConfirmedChainEntries(ctx context.Context, since time.Time) ([]Entry, error)
}

// WriteRequest describes one entry to append.
type WriteRequest struct {
	TxID        string
	AccountID   string
	EntryType   EntryType
	Amount      money.Amount
	Fee         money.Amount
	Currency    string
	Chain       string
	ChainTxHash string
	Metadata    map[string]any
}

// Engine is the C5 ledger engine: lock-serialized append, batch atomicity,
// snapshotting, and non-destructive rollback.
type Engine struct {
	store            Store
	locks            *LockManager
	trail            *audittrail.Trail
	snapshotInterval int64
	lockTTL          time.Duration
}

// New builds an Engine with default snapshot interval and lock TTL.
func New(store Store, trail *audittrail.Trail) *Engine {
	return &Engine{
		store:            store,
		locks:            NewLockManager(),
		trail:            trail,
		snapshotInterval: DefaultSnapshotInterval,
		lockTTL:          DefaultLockTTL,
	}
}

// WithSnapshotInterval overrides the default snapshot cadence.
func (e *Engine) WithSnapshotInterval(n int64) *Engine {
	e.snapshotInterval = n
	return e
}

// signFor resolves an entry type to its balance-movement sign. transfer and
// reversal are directionless by type alone — callers of Write/Reverse pass
// the sign they mean via req.Metadata["sign"] when it isn't the type's
// natural default, e.g. the receiving leg of a transfer.
func signFor(t EntryType) int8 {
	switch t {
	case EntryCredit, EntryRefund:
		return 1
	case EntryDebit, EntryFee:
		return -1
	default:
		return 1
	}
}

// ErrInsufficientBalance is returned when a debit or fee would take an
// account's balance negative.
type ErrInsufficientBalance struct {
	AccountID string
	Available money.Amount
	Requested money.Amount
}

func (e *ErrInsufficientBalance) Error() string {
	return fmt.Sprintf("ledgerengine: account %s has %s available, requested %s", e.AccountID, e.Available, e.Requested)
}

// Write appends a single entry under the account's lock: validates the
// amount, checks sufficient balance for debit/fee entries, computes the new
// running balance, appends, maybe snapshots, and emits an audit record.
// holderID identifies the caller for lock reentrancy (e.g. a request ID);
// pass the same holderID across calls that must be treated as one
// logical writer.
func (e *Engine) Write(ctx context.Context, holderID string, req WriteRequest) (Entry, error) {
	release, err := e.locks.Acquire(ctx, req.AccountID, holderID, e.lockTTL)
	if err != nil {
		return Entry{}, ports.NewError(ports.ErrKindTransient, "ledgerengine.Write", "lock_acquire_failed", "failed to acquire account lock", err)
	}
	defer release()

	return e.writeLocked(ctx, req)
}

func (e *Engine) writeLocked(ctx context.Context, req WriteRequest) (Entry, error) {
	if req.Amount.Sign() <= 0 {
		return Entry{}, ports.NewError(ports.ErrKindPermanent, "ledgerengine.Write", "invalid_amount", "amount must be positive", nil)
	}

	current, err := e.balanceLocked(ctx, req.AccountID, req.Currency, time.Now())
	if err != nil {
		return Entry{}, err
	}

	sign := signFor(req.EntryType)
	if s, ok := req.Metadata["sign"].(int8); ok {
		sign = s
	}

	needed := req.Amount.Add(req.Fee)
	if (req.EntryType == EntryDebit || req.EntryType == EntryFee) && current.Cmp(needed) < 0 {
		return Entry{}, &ErrInsufficientBalance{AccountID: req.AccountID, Available: current, Requested: needed}
	}

	seq, err := e.store.NextSeq(ctx)
	if err != nil {
		return Entry{}, ports.NewError(ports.ErrKindTransient, "ledgerengine.Write", "seq_alloc_failed", "failed to allocate sequence", err)
	}

	entry := Entry{
		EntryID:     idgen.WithPrefix("entry_"),
		Seq:         seq,
		TxID:        req.TxID,
		AccountID:   req.AccountID,
		EntryType:   req.EntryType,
		Sign:        sign,
		Amount:      req.Amount,
		Fee:         req.Fee,
		Currency:    req.Currency,
		Chain:       req.Chain,
		ChainTxHash: req.ChainTxHash,
		Status:      StatusConfirmed,
		CreatedAt:   time.Now().UTC(),
		ConfirmedAt: time.Now().UTC(),
		Metadata:    req.Metadata,
	}
	entry.RunningBalance = current.Add(entry.delta())

	if err := e.store.AppendEntry(ctx, entry); err != nil {
		return Entry{}, ports.NewError(ports.ErrKindTransient, "ledgerengine.Write", "append_failed", "failed to append entry", err)
	}

	if err := e.maybeSnapshot(ctx, entry); err != nil {
		// A missed snapshot never loses history; it only makes the next
		// historical read scan a little further.
		_ = err
	}

	if e.trail != nil {
		_, _ = e.trail.Record(ctx, "ledger."+string(entry.EntryType), entry.AccountID, map[string]any{
			"entry_id":        entry.EntryID,
			"seq":             entry.Seq,
			"amount":          entry.Amount.String(),
			"sign":            entry.Sign,
			"running_balance": entry.RunningBalance.String(),
			"chain_tx_hash":   entry.ChainTxHash,
		})
	}

	return entry, nil
}

func (e *Engine) maybeSnapshot(ctx context.Context, entry Entry) error {
	count, err := e.store.EntryCount(ctx, entry.AccountID, entry.Currency)
	if err != nil {
		return err
	}
	if e.snapshotInterval <= 0 || count%e.snapshotInterval != 0 {
		return nil
	}
	return e.store.WriteSnapshot(ctx, Snapshot{
		SnapshotID:  idgen.WithPrefix("snap_"),
		AccountID:   entry.AccountID,
		Currency:    entry.Currency,
		Balance:     entry.RunningBalance,
		LastEntryID: entry.EntryID,
		LastSeq:     entry.Seq,
		EntryCount:  count,
		CreatedAt:   time.Now().UTC(),
	})
}

// Balance returns the account's balance at time at: the newest snapshot at
// or before at, plus every entry strictly after that snapshot up to and
// including at.
func (e *Engine) Balance(ctx context.Context, accountID, currency string, at time.Time) (money.Amount, error) {
	release, err := e.locks.Acquire(ctx, accountID, "reader:"+accountID, e.lockTTL)
	if err != nil {
		return money.Amount{}, err
	}
	defer release()
	return e.balanceLocked(ctx, accountID, currency, at)
}

func (e *Engine) balanceLocked(ctx context.Context, accountID, currency string, at time.Time) (money.Amount, error) {
	snap, ok, err := e.store.LatestSnapshot(ctx, accountID, currency, at)
	if err != nil {
		return money.Amount{}, err
	}

	balance := money.Zero()
	afterSeq := int64(0)
	if ok {
		balance = snap.Balance
		afterSeq = snap.LastSeq
	}

	entries, err := e.store.EntriesAfter(ctx, accountID, currency, afterSeq, at)
	if err != nil {
		return money.Amount{}, err
	}
	for _, entry := range entries {
		// A reversed original still counts: its reversal entry carries the
		// offsetting delta, so skipping both keeps the balance unchanged.
		if entry.Status == StatusCancelled || entry.Status == StatusFailed {
			continue
		}
		balance = balance.Add(entry.delta())
	}
	return balance, nil
}
