package ledgerengine

import (
	"context"
	"errors"

	"github.com/sardis-labs/paycore/internal/ports"
)

// BatchResult is one entry's outcome within a CreateBatch call.
type BatchResult struct {
	Entry Entry
}

// CreateBatch appends every request in reqs atomically: it collects every
// distinct account_id touched, acquires their locks in sorted order (so two
// concurrent batches touching an overlapping account set can never
// deadlock), and either all entries take effect or none do. A failure
// partway through rolls back every entry already appended in this batch by
// writing an offsetting reversal, so the earlier entries stay in history
// (marked reversed) and history is never rewritten, only extended.
func (e *Engine) CreateBatch(ctx context.Context, holderID string, reqs []WriteRequest) ([]BatchResult, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	accountIDs := make([]string, 0, len(reqs))
	for _, r := range reqs {
		accountIDs = append(accountIDs, r.AccountID)
	}

	release, err := e.locks.AcquireAll(ctx, accountIDs, holderID, e.lockTTL)
	if err != nil {
		return nil, ports.NewError(ports.ErrKindTransient, "ledgerengine.CreateBatch", "lock_acquire_failed", "failed to acquire batch locks", err)
	}
	defer release()

	written := make([]Entry, 0, len(reqs))
	for _, req := range reqs {
		entry, err := e.writeLocked(ctx, req)
		if err != nil {
			e.rollbackLocked(ctx, written)
			return nil, err
		}
		written = append(written, entry)
	}

	results := make([]BatchResult, len(written))
	for i, entry := range written {
		results[i] = BatchResult{Entry: entry}
	}
	return results, nil
}

// rollbackLocked reverses every already-written entry in a failed batch, in
// reverse order, under the locks CreateBatch already holds. Failures here
// are swallowed deliberately: the batch has already failed, and a rollback
// error must not mask the original error or retry forever inside the
// caller's lock hold.
func (e *Engine) rollbackLocked(ctx context.Context, written []Entry) {
	for i := len(written) - 1; i >= 0; i-- {
		_, _ = e.reverseLocked(ctx, written[i], "batch_rollback")
	}
}

// ErrAlreadyReversed is returned when Reverse is called on an entry that has
// already been reversed.
var ErrAlreadyReversed = errors.New("ledgerengine: entry already reversed")

// Reverse creates a new entry with the opposite sign of the original and
// marks the original entry status=reversed, never mutating or deleting the
// original record.
func (e *Engine) Reverse(ctx context.Context, holderID, entryID, reason string) (Entry, error) {
	original, err := e.store.GetEntry(ctx, entryID)
	if err != nil {
		return Entry{}, ports.NewError(ports.ErrKindPermanent, "ledgerengine.Reverse", "entry_not_found", "original entry not found", err)
	}

	release, err := e.locks.Acquire(ctx, original.AccountID, holderID, e.lockTTL)
	if err != nil {
		return Entry{}, ports.NewError(ports.ErrKindTransient, "ledgerengine.Reverse", "lock_acquire_failed", "failed to acquire account lock", err)
	}
	defer release()

	original, err = e.store.GetEntry(ctx, entryID)
	if err != nil {
		return Entry{}, ports.NewError(ports.ErrKindPermanent, "ledgerengine.Reverse", "entry_not_found", "original entry not found", err)
	}
	if original.Status == StatusReversed {
		return Entry{}, ErrAlreadyReversed
	}

	return e.reverseLocked(ctx, original, reason)
}

func (e *Engine) reverseLocked(ctx context.Context, original Entry, reason string) (Entry, error) {
	reversal, err := e.writeLocked(ctx, WriteRequest{
		TxID:      original.TxID,
		AccountID: original.AccountID,
		EntryType: EntryReversal,
		Amount:    original.Amount,
		Fee:       original.Fee,
		Currency:  original.Currency,
		Chain:     original.Chain,
		Metadata: map[string]any{
			"sign":            -original.Sign,
			"reverses_entry":  original.EntryID,
			"reversal_reason": reason,
		},
	})
	if err != nil {
		return Entry{}, err
	}

	if err := e.store.SetStatus(ctx, original.EntryID, StatusReversed); err != nil {
		return reversal, ports.NewError(ports.ErrKindTransient, "ledgerengine.Reverse", "status_update_failed", "reversal entry written but original status not updated", err)
	}

	return reversal, nil
}
