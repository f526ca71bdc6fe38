package reconciliation

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/sardis-labs/paycore/internal/audittrail"
	"github.com/sardis-labs/paycore/internal/ledgerengine"
	"github.com/sardis-labs/paycore/internal/money"
	"github.com/sardis-labs/paycore/internal/ports"
)

// TxDiscrepancyKind classifies a single-transaction mismatch between the
// ledger and the chain.
type TxDiscrepancyKind string

const (
	KindMissingOnChain  TxDiscrepancyKind = "missing_on_chain"
	KindMissingInLedger TxDiscrepancyKind = "missing_in_ledger"
	KindAmountMismatch  TxDiscrepancyKind = "amount_mismatch"
	KindStatusMismatch  TxDiscrepancyKind = "status_mismatch"
	KindDuplicateEntry  TxDiscrepancyKind = "duplicate_entry"
)

// TxResolution is the action taken for a classified discrepancy.
type TxResolution string

const (
	TxResolutionAutoCorrect  TxResolution = "auto_correct_ledger"
	TxResolutionManualReview TxResolution = "manual_review"
	TxResolutionIgnore       TxResolution = "ignore"
)

// DefaultAmountTolerance is the fraction (0.01%) above which an amount
// mismatch is no longer considered rounding noise.
const DefaultAmountTolerance = 0.0001

// averageBlockTime estimates how far back to scan when translating a lookback
// duration into a block range. Conservative for an L1-speed EVM chain; a
// faster L2 just rescans more blocks than strictly necessary.
const averageBlockTime = 12 * time.Second

// TxDiscrepancy is one finding from a transaction-level reconciliation pass.
type TxDiscrepancy struct {
	EntryID    string
	ChainHash  string
	AccountID  string
	Kind       TxDiscrepancyKind
	Resolution TxResolution
	LedgerInfo *ledgerengine.Entry
	ChainInfo  *ports.ChainTxInfo
	Detail     string
	DetectedAt time.Time
}

// TxLedgerSource lists confirmed entries carrying a chain_tx_hash so the
// reconciler has something to check against the chain.
type TxLedgerSource interface {
	ConfirmedChainEntries(ctx context.Context, since time.Time) ([]ledgerengine.Entry, error)
}

// TxReconciler runs the per-transaction discrepancy classifier of spec §4.8:
// it pulls confirmed ledger entries with a chain_tx_hash, looks each one up
// on-chain, classifies any mismatch, and resolves it — writing every
// resolution to the audit trail.
type TxReconciler struct {
	ledger             TxLedgerSource
	chain              ports.ChainTxInspector
	ledgerWriter       *ledgerengine.Engine
	trail              *audittrail.Trail
	tolerance          float64
	autoResolveCeiling money.Amount
	platformAddress    string
	logger             *slog.Logger
}

// NewTxReconciler builds a TxReconciler with a default 0.01% amount
// tolerance and a $10-equivalent auto-resolve ceiling.
func NewTxReconciler(ledger TxLedgerSource, chain ports.ChainTxInspector, ledgerWriter *ledgerengine.Engine, trail *audittrail.Trail, logger *slog.Logger) *TxReconciler {
	return &TxReconciler{
		ledger:             ledger,
		chain:              chain,
		ledgerWriter:       ledgerWriter,
		trail:              trail,
		tolerance:          DefaultAmountTolerance,
		autoResolveCeiling: money.MustParse("10"),
		logger:             logger,
	}
}

// WithTolerance overrides the default amount-mismatch tolerance fraction.
func (r *TxReconciler) WithTolerance(frac float64) *TxReconciler {
	r.tolerance = frac
	return r
}

// WithAutoResolveCeiling overrides the amount below which a discrepancy is
// auto-corrected rather than queued for manual review.
func (r *TxReconciler) WithAutoResolveCeiling(amount money.Amount) *TxReconciler {
	r.autoResolveCeiling = amount
	return r
}

// WithPlatformAddress enables the chain-side half of reconciliation: Run
// additionally scans transfers into/out of this address and flags ones that
// never landed in the ledger. Without it, Run only checks ledger entries
// that already carry a chain_tx_hash against the chain, and can never
// produce KindMissingInLedger.
func (r *TxReconciler) WithPlatformAddress(address string) *TxReconciler {
	r.platformAddress = address
	return r
}

// Run pulls confirmed chain-settled entries since `since`, classifies each
// against the chain, resolves what it can, and returns every discrepancy
// found (including ones it resolved).
func (r *TxReconciler) Run(ctx context.Context, since time.Time) ([]TxDiscrepancy, error) {
	entries, err := r.ledger.ConfirmedChainEntries(ctx, since)
	if err != nil {
		return nil, err
	}

	seenHash := make(map[string]string) // chain hash -> first entry id seen
	var discrepancies []TxDiscrepancy

	for i := range entries {
		entry := entries[i]
		if entry.ChainTxHash == "" {
			continue
		}

		if firstID, dup := seenHash[entry.ChainTxHash]; dup {
			d := TxDiscrepancy{
				EntryID: entry.EntryID, ChainHash: entry.ChainTxHash, AccountID: entry.AccountID,
				Kind: KindDuplicateEntry, Resolution: TxResolutionManualReview,
				LedgerInfo: &entry, Detail: "shares chain_tx_hash with entry " + firstID,
				DetectedAt: time.Now(),
			}
			discrepancies = append(discrepancies, d)
			r.resolve(ctx, d)
			continue
		}
		seenHash[entry.ChainTxHash] = entry.EntryID

		info, found, err := r.chain.GetTransaction(ctx, entry.ChainTxHash)
		if err != nil {
			r.logger.Warn("chain lookup failed during reconciliation", "hash", entry.ChainTxHash, "error", err)
			continue
		}
		if !found {
			d := TxDiscrepancy{
				EntryID: entry.EntryID, ChainHash: entry.ChainTxHash, AccountID: entry.AccountID,
				Kind: KindMissingOnChain, Resolution: TxResolutionManualReview,
				LedgerInfo: &entry, Detail: "ledger has chain_tx_hash but chain provider returned no transaction",
				DetectedAt: time.Now(),
			}
			discrepancies = append(discrepancies, d)
			r.resolve(ctx, d)
			continue
		}

		if d, mismatch := r.classifyMatch(entry, *info); mismatch {
			discrepancies = append(discrepancies, d)
			r.resolve(ctx, d)
		}
	}

	missing, err := r.findMissingInLedger(ctx, since, seenHash)
	if err != nil {
		r.logger.Warn("chain-side enumeration failed during reconciliation", "error", err)
	} else {
		for _, d := range missing {
			discrepancies = append(discrepancies, d)
			r.resolve(ctx, d)
		}
	}

	return discrepancies, nil
}

// findMissingInLedger scans chain transfers into/out of the platform address
// since `since` and reports any whose hash never showed up in seenHash — the
// other half of reconciliation that a ledger-side-only scan can never catch,
// since the ledger has no row at all to start from. A no-op if
// WithPlatformAddress was never called.
func (r *TxReconciler) findMissingInLedger(ctx context.Context, since time.Time, seenHash map[string]string) ([]TxDiscrepancy, error) {
	if r.platformAddress == "" {
		return nil, nil
	}

	latest, err := r.chain.LatestBlock(ctx)
	if err != nil {
		return nil, err
	}
	lookbackBlocks := uint64(time.Since(since) / averageBlockTime)
	var fromBlock uint64
	if lookbackBlocks < latest {
		fromBlock = latest - lookbackBlocks
	}

	transfers, err := r.chain.TransfersForAddress(ctx, r.platformAddress, fromBlock, latest)
	if err != nil {
		return nil, err
	}

	var discrepancies []TxDiscrepancy
	for _, info := range transfers {
		if info.Status != ports.ChainTxConfirmed {
			continue
		}
		if _, known := seenHash[info.Hash]; known {
			continue
		}
		infoCopy := info
		discrepancies = append(discrepancies, TxDiscrepancy{
			ChainHash: info.Hash, AccountID: info.To,
			Kind: KindMissingInLedger, Resolution: TxResolutionManualReview,
			ChainInfo: &infoCopy, Detail: "chain transfer has no matching ledger entry",
			DetectedAt: time.Now(),
		})
	}
	return discrepancies, nil
}

func (r *TxReconciler) classifyMatch(entry ledgerengine.Entry, info ports.ChainTxInfo) (TxDiscrepancy, bool) {
	if info.Status == ports.ChainTxFailed && entry.Status == ledgerengine.StatusConfirmed {
		return r.newDiscrepancy(entry, info, KindStatusMismatch, "chain reports failed; ledger reports confirmed"), true
	}

	diff := entry.Amount.Sub(info.Amount)
	if diff.IsNegative() {
		diff = diff.Neg()
	}
	larger := entry.Amount
	if info.Amount.Cmp(larger) > 0 {
		larger = info.Amount
	}
	toleranceAmount := moneyFrac(larger, r.tolerance)
	if diff.Cmp(toleranceAmount) > 0 {
		return r.newDiscrepancy(entry, info, KindAmountMismatch, "ledger/chain amount differs beyond tolerance"), true
	}

	return TxDiscrepancy{}, false
}

func (r *TxReconciler) newDiscrepancy(entry ledgerengine.Entry, info ports.ChainTxInfo, kind TxDiscrepancyKind, detail string) TxDiscrepancy {
	resolution := TxResolutionManualReview
	diff := entry.Amount.Sub(info.Amount)
	if diff.IsNegative() {
		diff = diff.Neg()
	}
	if kind == KindAmountMismatch && diff.Cmp(r.autoResolveCeiling) <= 0 {
		resolution = TxResolutionAutoCorrect
	}
	infoCopy := info
	return TxDiscrepancy{
		EntryID: entry.EntryID, ChainHash: entry.ChainTxHash, AccountID: entry.AccountID,
		Kind: kind, Resolution: resolution, LedgerInfo: &entry, ChainInfo: &infoCopy,
		Detail: detail, DetectedAt: time.Now(),
	}
}

// resolve applies a discrepancy's resolution and records it to the audit
// trail regardless of which strategy was taken; "ignore" and "manual_review"
// still leave an audit trace so an operator can see what was found.
func (r *TxReconciler) resolve(ctx context.Context, d TxDiscrepancy) {
	switch d.Resolution {
	case TxResolutionAutoCorrect:
		if r.ledgerWriter != nil && d.LedgerInfo != nil && d.ChainInfo != nil {
			adjustment := d.ChainInfo.Amount.Sub(d.LedgerInfo.Amount)
			entryType := ledgerengine.EntryAdjustment
			amount := adjustment
			if amount.IsNegative() {
				amount = amount.Neg()
			}
			sign := int8(1)
			if adjustment.IsNegative() {
				sign = -1
			}
			_, err := r.ledgerWriter.Write(ctx, "reconciler", ledgerengine.WriteRequest{
				TxID:      d.LedgerInfo.TxID,
				AccountID: d.AccountID,
				EntryType: entryType,
				Amount:    amount,
				Currency:  d.LedgerInfo.Currency,
				Chain:     d.LedgerInfo.Chain,
				Metadata: map[string]any{
					"sign":                sign,
					"reconciliation_of":   d.EntryID,
					"reconciliation_kind": string(d.Kind),
				},
			})
			if err != nil {
				r.logger.Error("auto-correct adjustment write failed", "entry_id", d.EntryID, "error", err)
			}
		}
	case TxResolutionManualReview:
		r.logger.Warn("reconciliation discrepancy needs manual review", "kind", d.Kind, "entry_id", d.EntryID, "chain_hash", d.ChainHash, "detail", d.Detail)
	case TxResolutionIgnore:
	}

	if r.trail != nil {
		_, _ = r.trail.Record(ctx, "reconciliation_discrepancy", d.AccountID, map[string]any{
			"entry_id":   d.EntryID,
			"chain_hash": d.ChainHash,
			"kind":       string(d.Kind),
			"resolution": string(d.Resolution),
			"detail":     d.Detail,
		})
	}
}

// moneyFrac computes amount * frac using integer arithmetic scaled by a
// millionth, keeping the tolerance comparison out of floating point.
func moneyFrac(amount money.Amount, frac float64) money.Amount {
	scale := int64(frac * 1_000_000)
	scaled := new(big.Int).Mul(amount.Units(), big.NewInt(scale))
	scaled.Div(scaled, big.NewInt(1_000_000))
	return money.FromUnits(scaled)
}
