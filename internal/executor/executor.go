// Package executor implements the top-level payment state machine:
// mandate verification, compliance preflight, settlement dispatch, and
// durable ledger/audit recording, with compensation on any post-dispatch
// failure. It is the single entry point every transport surface (HTTP, MCP)
// calls through — nothing downstream of it is reachable except via this
// pipeline.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/sardis-labs/paycore/internal/chainmanager"
	"github.com/sardis-labs/paycore/internal/compliance"
	"github.com/sardis-labs/paycore/internal/hybridledger"
	"github.com/sardis-labs/paycore/internal/idgen"
	"github.com/sardis-labs/paycore/internal/ledgerengine"
	"github.com/sardis-labs/paycore/internal/mandate"
	"github.com/sardis-labs/paycore/internal/metrics"
	"github.com/sardis-labs/paycore/internal/money"
	"github.com/sardis-labs/paycore/internal/ports"
)

// State is one step of the payment pipeline's state machine.
type State string

const (
	StateReceived    State = "received"
	StateVerifying   State = "verifying"
	StateRejected    State = "rejected"
	StateScreening   State = "screening"
	StateDenied      State = "denied"
	StateDispatching State = "dispatching"
	StateSubmitted   State = "submitted"
	StateConfirmed   State = "confirmed"
	StateFailed      State = "failed"
	StateRecorded    State = "recorded"
)

// Outcome is the caller-visible verdict: accepted, denied, or failed.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeDenied   Outcome = "denied"
	OutcomeFailed   Outcome = "failed"
)

// Result is what Execute returns: a machine-readable outcome plus every
// trace a caller needs to know what happened and prove what the system
// decided.
type Result struct {
	Outcome       Outcome
	State         State
	ErrorCode     string
	Reason        string
	AuditID       uint64
	LedgerEntryID string
	ChainTxHash   string
	SettlementID  string
}

// Request bundles one mandate chain with the screening and settlement
// details the executor does not read out of the mandate itself. The
// destination comes from Payment.Destination and the ledger entry posts
// against the account named by Payment.Subject.
type Request struct {
	Chain mandate.Chain

	// TenantID, ServiceType, and the risk-scoring
	// fields below are forwarded verbatim into compliance.PreflightRequest
	// — the executor does not interpret them, only plumbs them through.
	TenantID     string
	ServiceType  string
	RequestCount int
	TotalSpent   string
	SessionStart time.Time
	CredentialID string
	Nonce        uint64
	AmountUSDC   float64
	MaxTotal     string

	// Mode overrides the globally configured settlement mode for this one
	// request, selectable at runtime instead of only globally. Zero value
	// uses the executor's default.
	Mode ports.SettlementMode
}

// Executor drives one payment mandate through verify → preflight → dispatch
// → record, compensating on any failure after dispatch.
type Executor struct {
	verifier    *mandate.Verifier
	compliance  *compliance.Engine
	dispatch    map[ports.SettlementMode]*chainmanager.Dispatcher
	defaultMode ports.SettlementMode
	ledger      *hybridledger.Ledger
	currency    string
	logger      *slog.Logger
}

// New builds an Executor. dispatchers must contain at least defaultMode;
// additional modes may be registered so a request can opt into a different
// settlement mode than the platform default.
func New(
	verifier *mandate.Verifier,
	complianceEngine *compliance.Engine,
	dispatchers map[ports.SettlementMode]*chainmanager.Dispatcher,
	defaultMode ports.SettlementMode,
	ledger *hybridledger.Ledger,
	currency string,
	logger *slog.Logger,
) (*Executor, error) {
	if _, ok := dispatchers[defaultMode]; !ok {
		return nil, fmt.Errorf("executor: no dispatcher registered for default mode %q", defaultMode)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		verifier:    verifier,
		compliance:  complianceEngine,
		dispatch:    dispatchers,
		defaultMode: defaultMode,
		ledger:      ledger,
		currency:    currency,
		logger:      logger,
	}, nil
}

// Execute runs req through the full pipeline. It never panics on a
// downstream failure; every exit path returns a Result with an Outcome and,
// where one was recorded, an AuditID the caller can later use to prove what
// the system decided.
func (x *Executor) Execute(ctx context.Context, req Request) (result Result) {
	defer func() {
		metrics.TransactionsTotal.WithLabelValues(string(result.Outcome)).Inc()
	}()

	state := StateVerifying

	if err := x.verifier.Verify(ctx, req.Chain); err != nil {
		state = StateRejected
		var verr *mandate.VerificationError
		reason := err.Error()
		code := "invalid_mandate"
		if errors.As(err, &verr) {
			code = verr.Reason
		}
		auditID := x.auditNonLedger(ctx, "mandate_rejected", req.Chain.Payment.Subject, map[string]any{
			"mandate_id": req.Chain.Payment.MandateID,
			"reason":     reason,
			"state":      state,
		})
		return Result{Outcome: OutcomeFailed, State: state, ErrorCode: code, Reason: reason, AuditID: auditID}
	}

	state = StateScreening
	amount := money.FromUnits(amountMinorToUnits(req.Chain.Payment.AmountMinor, x.currency))
	preflight, err := x.compliance.Preflight(ctx, compliance.PreflightRequest{
		AgentID:      req.Chain.Payment.Subject,
		Counterparty: req.Chain.Payment.Destination,
		Amount:       amount,
		Token:        req.Chain.Payment.Token,
		ServiceType:  req.ServiceType,
		TenantID:     req.TenantID,
		RequestCount: req.RequestCount,
		TotalSpent:   req.TotalSpent,
		SessionStart: req.SessionStart,
		CredentialID: req.CredentialID,
		Nonce:        req.Nonce,
		AmountUSDC:   req.AmountUSDC,
		MaxTotal:     req.MaxTotal,
	})
	if err != nil {
		// The compliance engine itself is fail-closed internally; an error
		// here means even the audit write describing the denial failed.
		// That is an integrity problem, not a business denial.
		return Result{Outcome: OutcomeFailed, State: StateScreening, ErrorCode: "audit_write_failed", Reason: err.Error()}
	}
	if !preflight.Allowed {
		return Result{
			Outcome:   OutcomeDenied,
			State:     StateDenied,
			ErrorCode: nonEmpty(preflight.RuleID, "compliance_denied"),
			Reason:    preflight.Reason,
			AuditID:   preflight.AuditID,
		}
	}

	state = StateDispatching
	mode := req.Mode
	if mode == "" {
		mode = x.defaultMode
	}
	dispatcher, ok := x.dispatch[mode]
	if !ok {
		return Result{Outcome: OutcomeFailed, State: state, ErrorCode: "unsupported_settlement_mode", Reason: string(mode), AuditID: preflight.AuditID}
	}

	receipt, dispatchErr := dispatcher.Dispatch(ctx, ports.ChainTransfer{
		From:   platformAddressPlaceholder,
		To:     req.Chain.Payment.Destination,
		Amount: amount,
		Memo:   req.Chain.Payment.CheckoutID,
	})
	if dispatchErr != nil {
		x.auditNonLedger(ctx, "settlement_dispatch_failed", req.Chain.Payment.Subject, map[string]any{
			"mandate_id": req.Chain.Payment.MandateID,
			"chain":      req.Chain.Payment.Chain,
			"error":      dispatchErr.Error(),
		})
		return Result{
			Outcome:   OutcomeFailed,
			State:     StateFailed,
			ErrorCode: "chain_submission_failed",
			Reason:    dispatchErr.Error(),
			AuditID:   preflight.AuditID,
		}
	}

	state = StateConfirmed
	writerID := idgen.New()
	entry, ledgerErr := x.ledger.Write(ctx, writerID, ledgerengine.WriteRequest{
		TxID:        req.Chain.Payment.CheckoutID,
		AccountID:   req.Chain.Payment.Subject,
		EntryType:   ledgerengine.EntryDebit,
		Amount:      amount,
		Fee:         money.Zero(),
		Currency:    x.currency,
		Chain:       req.Chain.Payment.Chain,
		ChainTxHash: receipt.TxHash,
		Metadata: map[string]any{
			"mandate_id":  req.Chain.Payment.MandateID,
			"destination": req.Chain.Payment.Destination,
			"token":       req.Chain.Payment.Token,
		},
	})
	if ledgerErr != nil {
		// The chain settlement already happened; the ledger write failing
		// is a recording failure, not a money-movement failure.
		// hybridledger.Write has already reversed any entry it appended
		// before failing, so this path only records the failure and
		// surfaces the error — there is no silent retry of a financial write.
		x.auditNonLedger(ctx, "ledger_write_failed_after_settlement", req.Chain.Payment.Subject, map[string]any{
			"mandate_id":    req.Chain.Payment.MandateID,
			"chain_tx_hash": receipt.TxHash,
			"error":         ledgerErr.Error(),
		})
		return Result{
			Outcome:     OutcomeFailed,
			State:       StateFailed,
			ErrorCode:   "invariant_violated",
			Reason:      "settlement confirmed on chain but ledger recording failed: " + ledgerErr.Error(),
			AuditID:     preflight.AuditID,
			ChainTxHash: receipt.TxHash,
		}
	}

	state = StateRecorded
	return Result{
		Outcome:       OutcomeAccepted,
		State:         state,
		AuditID:       preflight.AuditID,
		LedgerEntryID: entry.EntryID,
		ChainTxHash:   receipt.TxHash,
	}
}

// Compensate reverses a ledger entry produced by a payment that later failed
// further downstream of Execute (e.g. a caller-side timeout after Execute
// returned but before the caller's own transaction committed), recording the
// reversal to both stores through hybridledger.Ledger.Reverse. Execute never
// calls it: a dispatch failure happens before any ledger entry exists, and a
// failed ledger write is undone inside hybridledger.Ledger.Write.
func (x *Executor) Compensate(ctx context.Context, holderID, ledgerEntryID, reason string) error {
	_, err := x.ledger.Reverse(ctx, holderID, ledgerEntryID, reason)
	return err
}

// auditNonLedger records a pipeline event that is not a ledger write (a
// rejection, denial, or post-dispatch failure) directly to the audit trail,
// since those are invisible to the ledger engine. It returns the new audit
// entry's Seq, or 0 if the write failed.
func (x *Executor) auditNonLedger(ctx context.Context, action, subject string, detail map[string]any) uint64 {
	entry, err := x.ledger.Trail().Record(ctx, action, subject, detail)
	if err != nil {
		x.logger.Error("failed to record audit entry", "action", action, "error", err)
		return 0
	}
	return entry.Seq
}

// platformAddressPlaceholder marks the treasury-controlled source address
// for an outbound transfer; the real address is resolved by the chain
// executor (internal/chainmanager.Manager) from its own configured wallet,
// so the executor only needs a transfer shape, not the address itself.
const platformAddressPlaceholder = "platform"

// amountMinorToUnits scales an integer minor-unit amount up to money's
// 18-fractional-digit unit scale. currency selects the token's native
// decimals; unrecognized currencies fall back to 6 (USDC-class
// stablecoins), which is the common case for this platform.
func amountMinorToUnits(amountMinor int64, currency string) *big.Int {
	decimals := tokenDecimals(currency)
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(money.Decimals-decimals)), nil)
	return new(big.Int).Mul(big.NewInt(amountMinor), scale)
}

func tokenDecimals(currency string) int {
	switch currency {
	case "ETH", "WETH":
		return 18
	default:
		return 6
	}
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
