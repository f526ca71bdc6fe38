// Package ports declares the external collaborator interfaces the payment
// executor is built against: signing verification, chain settlement,
// compliance screening, KYC, sanctions, treasury funding, audit storage and
// anchoring, and ledger persistence. Concrete adapters are selected once at
// composition-root startup and never swapped at runtime.
package ports

import (
	"context"
	"time"

	"github.com/sardis-labs/paycore/internal/money"
)

// ErrorKind classifies a port-level failure so callers can decide whether to
// retry, fail closed, or surface the error to an operator without having to
// parse error strings.
type ErrorKind string

const (
	// ErrKindTransient indicates the call may succeed on retry (network
	// blip, provider rate limit, momentary unavailability).
	ErrKindTransient ErrorKind = "transient"
	// ErrKindPermanent indicates retrying will not help (bad input,
	// insufficient funds, malformed signature).
	ErrKindPermanent ErrorKind = "permanent"
	// ErrKindDenied indicates a deliberate policy or compliance refusal.
	ErrKindDenied ErrorKind = "denied"
	// ErrKindUnavailable indicates the upstream provider is down; all
	// configured providers exhausted.
	ErrKindUnavailable ErrorKind = "unavailable"
)

// Error is the typed error returned by every port implementation.
type Error struct {
	Kind    ErrorKind
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Op + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the error's kind suggests a retry is worthwhile.
func (e *Error) Retryable() bool {
	return e.Kind == ErrKindTransient
}

// NewError constructs a port Error.
func NewError(kind ErrorKind, op, code, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Message: message, Err: err}
}

// MandateProof is a W3C-style Data Integrity Proof attached to a payment
// mandate, binding an agent's authorization to a cryptographic signature.
type MandateProof struct {
	Type               string    `json:"type"` // "Ed25519Signature2020" | "EcdsaSecp256k1Signature2019"
	VerificationMethod string    `json:"verificationMethod"`
	Created            time.Time `json:"created"`
	ProofValue         string    `json:"proofValue"`
}

// SignatureVerifier validates a proof over a canonical payload and resolves
// the controlling key to an agent/account identity.
type SignatureVerifier interface {
	// Verify checks that proof is a valid signature over payload, made by
	// the key identified in proof.VerificationMethod. Returns the
	// recovered signer address/identifier on success.
	Verify(ctx context.Context, payload []byte, proof MandateProof) (signer string, err error)
}

// SettlementMode selects how the chain executor dispatches a confirmed
// transfer.
type SettlementMode string

const (
	SettlementInternalOnly SettlementMode = "internal_only"
	SettlementPerTx        SettlementMode = "per_tx"
	SettlementBatched      SettlementMode = "batched"
)

// ChainTransfer describes a single on-chain settlement instruction.
type ChainTransfer struct {
	From   string
	To     string
	Amount money.Amount
	Memo   string
}

// ChainReceipt is returned after a transfer is submitted or confirmed
// on-chain.
type ChainReceipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Confirmed   bool
}

// ChainExecutor dispatches settlement instructions to a blockchain network.
type ChainExecutor interface {
	// EstimateGas returns the expected gas cost of a transfer without
	// submitting it.
	EstimateGas(ctx context.Context, t ChainTransfer) (uint64, error)
	// Submit broadcasts the transfer and returns immediately with a
	// pending transaction hash; it does not wait for confirmation.
	Submit(ctx context.Context, t ChainTransfer) (*ChainReceipt, error)
	// Confirm blocks (subject to ctx) until the named transaction reaches
	// finality or fails.
	Confirm(ctx context.Context, txHash string) (*ChainReceipt, error)
	// Balance returns the on-chain balance of a platform-controlled
	// address.
	Balance(ctx context.Context, address string) (money.Amount, error)
}

// ComplianceDecision is the outcome of a compliance preflight check.
type ComplianceDecision struct {
	Approved  bool
	RiskScore float64
	Reasons   []string
}

// ComplianceProvider screens a payment for regulatory and policy risk before
// dispatch. Implementations MUST fail closed: any provider error results in
// a denial, never a silent approval.
type ComplianceProvider interface {
	Screen(ctx context.Context, agentID, counterparty string, amount money.Amount) (ComplianceDecision, error)
}

// KYCStatus describes the verification state of an agent's principal.
type KYCStatus struct {
	Verified  bool
	Tier      string
	ExpiresAt time.Time
}

// KYCProvider checks whether an agent's underlying principal has current
// identity verification on file.
type KYCProvider interface {
	Check(ctx context.Context, agentID string) (KYCStatus, error)
}

// SanctionsProvider checks a counterparty address or identity against
// sanctions/watchlist data.
type SanctionsProvider interface {
	Check(ctx context.Context, counterparty string) (hit bool, listName string, err error)
}

// TreasuryProvider moves fiat in and out of the platform treasury, backing
// the non-custodial stablecoin rails with a regulated banking partner.
type TreasuryProvider interface {
	Deposit(ctx context.Context, externalAccountID string, amount money.Amount, idempotencyKey string) (providerRef string, err error)
	Withdraw(ctx context.Context, externalAccountID string, amount money.Amount, idempotencyKey string) (providerRef string, err error)
	FundCard(ctx context.Context, cardID string, amount money.Amount, idempotencyKey string) (providerRef string, err error)
}

// AuditStore is the minimal persistence interface the hash-chained audit
// trail writes through. Distinct from the fast-query ledger store so the
// two can be backed by different engines in the hybrid ledger.
type AuditStore interface {
	Append(ctx context.Context, record []byte, prevHash []byte) (entryHash []byte, seq uint64, err error)
	Tail(ctx context.Context, n int) ([][]byte, error)
}

// Anchor periodically commits an audit trail root hash to an external,
// tamper-evident medium (a blockchain).
type Anchor interface {
	Commit(ctx context.Context, rootHash []byte) (anchorRef string, err error)
}

// ChainTxStatus is the on-chain lifecycle state of a lookup-up transaction.
type ChainTxStatus string

const (
	ChainTxConfirmed ChainTxStatus = "confirmed"
	ChainTxFailed    ChainTxStatus = "failed"
	ChainTxPending   ChainTxStatus = "pending"
)

// ChainTxInfo is what the reconciliation engine needs about a transaction it
// already has a hash for.
type ChainTxInfo struct {
	Hash   string
	From   string
	To     string
	Amount money.Amount
	Status ChainTxStatus
}

// ChainTxInspector looks up individual transactions by hash, and lists
// transfers into/out of a managed address within a block range, for
// reconciliation against ledger entries. A ChainExecutor backed by a real
// RPC client typically implements this too.
type ChainTxInspector interface {
	GetTransaction(ctx context.Context, hash string) (*ChainTxInfo, bool, error)
	TransfersForAddress(ctx context.Context, address string, fromBlock, toBlock uint64) ([]ChainTxInfo, error)
	// LatestBlock returns the chain's current block height, so a caller
	// working from a time window can translate it into a block range.
	LatestBlock(ctx context.Context) (uint64, error)
}
