// Package risk implements real-time transaction risk scoring for agent
// payment mandates, scored per signing credential rather than per account:
// a compromised or misbehaving verification key should stand out even when
// the account it authorizes for looks otherwise unremarkable.
//
// Every mandated payment is evaluated against 4 weighted factors: velocity,
// recipient novelty, time-of-day deviation, and burn rate projection against
// the mandate's authorized budget. Scores range from 0.0 (safe) to 1.0 (high
// risk). Transactions above the block threshold are rejected before funds
// move.
package risk

import (
	"context"
	"time"
)

// Decision represents the risk engine's verdict on a transaction.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionWarn  Decision = "warn"
	DecisionBlock Decision = "block"
)

// Default thresholds for risk decisions.
const (
	DefaultBlockThreshold = 0.8
	DefaultWarnThreshold  = 0.5
)

// RiskAssessment is the result of evaluating a single transaction.
type RiskAssessment struct {
	ID           string             `json:"id"`
	CredentialID string             `json:"credentialId"`
	Score        float64            `json:"score"`
	Factors      map[string]float64 `json:"factors"`
	Decision     Decision           `json:"decision"`
	EvaluatedAt  time.Time          `json:"evaluatedAt"`
}

// TransactionContext carries the data needed to score a transaction.
// Populated from the mandate's signing credential and its authorized
// spend budget — no extra DB queries.
type TransactionContext struct {
	CredentialID string // the mandate proof's verification method
	OwnerAddr    string
	To           string
	Amount       string  // USDC decimal string
	AmountUSDC   float64 // pre-parsed for math
	MaxTotal     string
	TotalSpent   string
	Nonce        uint64
	Timestamp    int64
}

// Store persists risk assessments for audit trail.
type Store interface {
	Record(ctx context.Context, assessment *RiskAssessment) error
	ListByCredential(ctx context.Context, credentialID string, limit int) ([]*RiskAssessment, error)
}
