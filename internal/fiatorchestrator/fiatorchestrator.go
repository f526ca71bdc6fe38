// Package fiatorchestrator ties the sub-ledger to a regulated banking
// partner, executing the deposit, withdrawal, and crypto-to-card funding
// flows an agent's fiat rails actually need. A withdrawal is a small
// compensating pipeline in the style of the multi-step escrow service: debit
// first, call the external provider second, and credit the amount back if
// the provider call fails. A deposit only credits the sub-ledger, and a
// crypto-to-card funding keeps its sub-ledger credit when the issuing
// transfer fails, reporting StatusPending instead.
package fiatorchestrator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sardis-labs/paycore/internal/idgen"
	"github.com/sardis-labs/paycore/internal/metrics"
	"github.com/sardis-labs/paycore/internal/money"
	"github.com/sardis-labs/paycore/internal/ports"
	"github.com/sardis-labs/paycore/internal/subledger"
)

var (
	ErrInsufficientBalance = errors.New("fiatorchestrator: insufficient available balance")
	ErrRampNotConfigured   = errors.New("fiatorchestrator: off-ramp router not configured")
)

// FlowStatus is the outcome of a fiat payment flow.
type FlowStatus string

const (
	StatusCompleted FlowStatus = "completed"
	StatusPending   FlowStatus = "pending"
	StatusFailed    FlowStatus = "failed"
)

// Flow names a payment flow for logging and audit entries.
type Flow string

const (
	FlowDeposit        Flow = "deposit"
	FlowWithdrawal     Flow = "withdrawal"
	FlowCryptoFund     Flow = "crypto_fund"
	FlowCardSettlement Flow = "card_settlement"
)

// Result is the outcome of a fiat orchestration flow: a status, whichever
// ledger/provider references it produced, and an error detail on failure.
type Result struct {
	Status           FlowStatus
	Flow             Flow
	AgentID          string
	Amount           money.Amount
	ReferenceID      string
	Description      string
	SubLedgerEntryID string
	TreasuryRef      string
	RampSessionID    string
	Error            string
}

// OffRampSession is the result of requesting a crypto-to-fiat conversion
// quote/session from an off-ramp router. Status mirrors the provider's own
// settlement lifecycle; only "completed" authorizes crediting the sub-ledger.
type OffRampSession struct {
	SessionID string
	Provider  string
	Status    string
}

// OffRampRouter finds the best venue to convert an agent's stablecoin
// balance into fiat headed for the platform treasury.
type OffRampRouter interface {
	RequestOffRamp(ctx context.Context, agentID, walletAddress, chain string, amount money.Amount) (OffRampSession, error)
}

// Service orchestrates fiat payment flows for agents, wiring the sub-ledger
// (per-agent balances) to a TreasuryProvider (external banking rails) and
// an optional OffRampRouter (crypto liquidation).
type Service struct {
	ledger     *subledger.SubLedger
	treasury   ports.TreasuryProvider
	rampRouter OffRampRouter
	logger     *slog.Logger
}

// New builds a Service. rampRouter may be nil if crypto-to-card funding is
// not offered; FundCardFromCrypto then always fails with ErrRampNotConfigured.
func New(ledger *subledger.SubLedger, treasury ports.TreasuryProvider, rampRouter OffRampRouter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: ledger, treasury: treasury, rampRouter: rampRouter, logger: logger}
}

func (s *Service) failed(flow Flow, agentID string, amount money.Amount, err error) Result {
	s.logger.Warn("fiat orchestration flow failed", "flow", flow, "agent_id", agentID, "error", err)
	return Result{Status: StatusFailed, Flow: flow, AgentID: agentID, Amount: amount, Error: err.Error()}
}

// recordFlow increments the flow counter for a finished Result; call via
// defer so every return path (success or failure) is counted exactly once.
func recordFlow(result *Result) {
	metrics.FiatFlowsTotal.WithLabelValues(string(result.Flow), string(result.Status)).Inc()
}

// Deposit credits an agent's sub-ledger for fiat that has already arrived at
// the platform treasury (wire, ACH, or a Treasury webhook calling in).
func (s *Service) Deposit(ctx context.Context, agentID string, amount money.Amount, referenceID, source string) (result Result) {
	defer func() { recordFlow(&result) }()

	if err := s.ledger.Credit(ctx, agentID, amount, referenceID, "deposit via "+source); err != nil {
		return s.failed(FlowDeposit, agentID, amount, err)
	}
	entry, err := s.lastEntry(ctx, agentID)
	if err != nil {
		return s.failed(FlowDeposit, agentID, amount, err)
	}
	return Result{
		Status: StatusCompleted, Flow: FlowDeposit, AgentID: agentID, Amount: amount,
		ReferenceID: referenceID, Description: "deposit via " + source, SubLedgerEntryID: entry,
	}
}

// WithdrawToBank moves funds from an agent's sub-ledger to an external bank
// account: debit the sub-ledger first (fail-closed — no outbound payment is
// ever created against funds not already reserved), then ask the treasury
// provider for an outbound payment. A provider failure compensates by
// crediting the debited amount back.
func (s *Service) WithdrawToBank(ctx context.Context, agentID string, amount money.Amount, destinationAccount, description string) (result Result) {
	defer func() { recordFlow(&result) }()

	if description == "" {
		description = "withdrawal to " + destinationAccount
	}

	bal, err := s.ledger.GetBalance(ctx, agentID)
	if err != nil {
		return s.failed(FlowWithdrawal, agentID, amount, err)
	}
	if bal.Available.Cmp(amount) < 0 {
		return s.failed(FlowWithdrawal, agentID, amount, ErrInsufficientBalance)
	}

	if err := s.ledger.Debit(ctx, agentID, amount, destinationAccount, description); err != nil {
		return s.failed(FlowWithdrawal, agentID, amount, err)
	}
	subEntry, err := s.lastEntry(ctx, agentID)
	if err != nil {
		return s.failed(FlowWithdrawal, agentID, amount, err)
	}

	idemKey := idgen.WithPrefix("wd_")
	providerRef, err := s.treasury.Withdraw(ctx, destinationAccount, amount, idemKey)
	if err != nil {
		s.logger.Error("treasury outbound payment failed, rolling back sub-ledger debit", "agent_id", agentID, "error", err)
		if rbErr := s.ledger.Refund(ctx, agentID, amount, "rollback_"+subEntry, "rollback failed withdrawal: "+err.Error()); rbErr != nil {
			s.logger.Error("withdrawal rollback credit also failed", "agent_id", agentID, "error", rbErr)
		}
		return s.failed(FlowWithdrawal, agentID, amount, err)
	}

	return Result{
		Status: StatusPending, Flow: FlowWithdrawal, AgentID: agentID, Amount: amount,
		ReferenceID: destinationAccount, Description: description,
		SubLedgerEntryID: subEntry, TreasuryRef: providerRef,
	}
}

// FundCardFromCrypto off-ramps an agent's stablecoin balance to fiat and
// funds the card issuing balance. Only a "completed" off-ramp session
// credits the sub-ledger; a pending or processing session returns
// StatusPending without touching balances, since the fiat has not actually
// settled into the treasury yet.
func (s *Service) FundCardFromCrypto(ctx context.Context, agentID string, amount money.Amount, walletAddress, chain string) (result Result) {
	defer func() { recordFlow(&result) }()

	if s.rampRouter == nil {
		return s.failed(FlowCryptoFund, agentID, amount, ErrRampNotConfigured)
	}

	session, err := s.rampRouter.RequestOffRamp(ctx, agentID, walletAddress, chain, amount)
	if err != nil {
		return s.failed(FlowCryptoFund, agentID, amount, err)
	}
	if session.Status != "completed" {
		s.logger.Info("off-ramp session pending settlement", "agent_id", agentID, "session_id", session.SessionID, "status", session.Status)
		return Result{
			Status: StatusPending, Flow: FlowCryptoFund, AgentID: agentID, Amount: amount,
			ReferenceID: walletAddress, RampSessionID: session.SessionID,
			Description: "off-ramp session created; waiting for settlement (" + session.Status + ")",
		}
	}

	if err := s.ledger.Credit(ctx, agentID, amount, session.SessionID, "crypto off-ramp from "+chain); err != nil {
		return s.failed(FlowCryptoFund, agentID, amount, err)
	}
	subEntry, err := s.lastEntry(ctx, agentID)
	if err != nil {
		return s.failed(FlowCryptoFund, agentID, amount, err)
	}

	idemKey := idgen.WithPrefix("fc_")
	providerRef, err := s.treasury.FundCard(ctx, agentID, amount, idemKey)
	if err != nil {
		// Sub-ledger is already credited so the funds are not lost; the
		// agent simply has to wait for an operator-driven issuing funding
		// retry instead of using the card immediately.
		s.logger.Error("issuing balance funding failed after sub-ledger credit", "agent_id", agentID, "error", err)
		return Result{
			Status: StatusPending, Flow: FlowCryptoFund, AgentID: agentID, Amount: amount,
			ReferenceID: walletAddress, SubLedgerEntryID: subEntry, RampSessionID: session.SessionID,
			Description: "funded from crypto, pending issuing transfer", Error: err.Error(),
		}
	}

	return Result{
		Status: StatusCompleted, Flow: FlowCryptoFund, AgentID: agentID, Amount: amount,
		ReferenceID: walletAddress, Description: "funded from crypto on " + chain,
		SubLedgerEntryID: subEntry, TreasuryRef: providerRef, RampSessionID: session.SessionID,
	}
}

// lastEntry reports the most recent sub-ledger entry id for agentID, used to
// stitch a Result back to the entry the flow just wrote.
func (s *Service) lastEntry(ctx context.Context, agentID string) (string, error) {
	history, err := s.ledger.GetHistory(ctx, agentID, 1)
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return "", nil
	}
	return history[0].ID, nil
}
