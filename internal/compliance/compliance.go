// Package compliance implements the preflight screening every mandated
// payment passes through before it is routed for settlement: tenant-scoped
// rule evaluation (internal/policy), heuristic risk scoring
// (internal/risk), and an optional external compliance vendor, with every
// decision — approved or denied — emitted to the audit trail.
//
// Failure policy is fail-closed throughout: a provider error never becomes
// a silent approval.
package compliance

import (
	"context"
	"time"

	"github.com/sardis-labs/paycore/internal/audittrail"
	"github.com/sardis-labs/paycore/internal/money"
	"github.com/sardis-labs/paycore/internal/policy"
	"github.com/sardis-labs/paycore/internal/ports"
	"github.com/sardis-labs/paycore/internal/risk"
)

// ReasonEvaluationErrorFailClosed is the rule_id a denial carries when a
// provider itself errored, rather than producing an explicit denial.
const ReasonEvaluationErrorFailClosed = "evaluation_error_failclosed"

// PreflightRequest is everything the engine needs to screen one checkout.
type PreflightRequest struct {
	AgentID      string
	Counterparty string // settlement destination
	Amount       money.Amount
	Token        string
	ServiceType  string // merchant/category classification for allow/blocklists

	// Tenant-scoped policy context.
	TenantID     string
	RequestCount int
	TotalSpent   string // USDC decimal string accumulated so far
	SessionStart time.Time

	// Risk-scoring context.
	CredentialID string
	Nonce        uint64
	AmountUSDC   float64
	MaxTotal     string
}

// PreflightResult matches spec's preflight(mandate) contract:
// {allowed, reason?, rule_id, provider, audit_id}.
type PreflightResult struct {
	Allowed  bool
	Reason   string
	RuleID   string
	Provider string
	AuditID  uint64
}

// Engine composes the primary rule provider, the secondary risk heuristic,
// and an optional external vendor into a single fail-closed preflight
// check, recording every outcome to the audit trail.
type Engine struct {
	policies *policy.Evaluator
	risk     *risk.Engine
	external ports.ComplianceProvider // optional; nil = skip
	trail    *audittrail.Trail
}

// New builds a compliance Engine. external may be nil if no vendor is
// configured.
func New(policies *policy.Evaluator, riskEngine *risk.Engine, external ports.ComplianceProvider, trail *audittrail.Trail) *Engine {
	return &Engine{policies: policies, risk: riskEngine, external: external, trail: trail}
}

// Preflight runs the full screening pipeline and unconditionally records
// the outcome to the audit trail before returning.
func (e *Engine) Preflight(ctx context.Context, req PreflightRequest) (PreflightResult, error) {
	result := e.evaluate(ctx, req)

	detail := map[string]any{
		"agent_id":     req.AgentID,
		"counterparty": req.Counterparty,
		"amount":       req.Amount.String(),
		"token":        req.Token,
		"allowed":      result.Allowed,
		"rule_id":      result.RuleID,
		"provider":     result.Provider,
	}
	if result.Reason != "" {
		detail["reason"] = result.Reason
	}

	entry, auditErr := e.trail.Record(ctx, "compliance_preflight", req.AgentID, detail)
	if auditErr != nil {
		// The audit write itself failing is a permanent-class problem the
		// caller must surface; it does not flip an approval into a denial
		// (the decision was already made), but it cannot be hidden either.
		return result, ports.NewError(ports.ErrKindPermanent, "compliance.Preflight", "audit_write_failed", "failed to record preflight decision", auditErr)
	}
	result.AuditID = entry.Seq

	return result, nil
}

// evaluate runs the rule → risk → external chain without touching the
// audit trail, so every exit path (including the fail-closed ones) flows
// through Preflight's single Record call.
func (e *Engine) evaluate(ctx context.Context, req PreflightRequest) PreflightResult {
	if e.policies != nil {
		ec := &policy.EvalContext{
			TenantID:     req.TenantID,
			RequestCount: req.RequestCount,
			TotalSpent:   req.TotalSpent,
			CreatedAt:    req.SessionStart,
			Token:        req.Token,
		}
		decision, err := e.policies.EvaluateProxy(ctx, ec, req.ServiceType)
		if err != nil {
			return PreflightResult{Allowed: false, RuleID: ReasonEvaluationErrorFailClosed, Provider: "policy", Reason: err.Error()}
		}
		if !decision.Allowed && !decision.Shadow {
			return PreflightResult{Allowed: false, RuleID: decision.DeniedRule, Provider: "policy", Reason: decision.Reason}
		}
	}

	if e.risk != nil {
		assessment := e.risk.Score(ctx, &risk.TransactionContext{
			CredentialID: req.CredentialID,
			OwnerAddr:    req.AgentID,
			To:           req.Counterparty,
			Amount:       req.Amount.String(),
			AmountUSDC:   req.AmountUSDC,
			MaxTotal:     req.MaxTotal,
			TotalSpent:   req.TotalSpent,
			Nonce:        req.Nonce,
			Timestamp:    time.Now().Unix(),
		})
		if assessment.Decision == risk.DecisionBlock {
			return PreflightResult{Allowed: false, RuleID: "risk_score_exceeded", Provider: "risk", Reason: "risk score above block threshold"}
		}
	}

	if e.external != nil {
		decision, err := e.external.Screen(ctx, req.AgentID, req.Counterparty, req.Amount)
		if err != nil {
			return PreflightResult{Allowed: false, RuleID: ReasonEvaluationErrorFailClosed, Provider: "external", Reason: err.Error()}
		}
		if !decision.Approved {
			reason := "denied by external compliance vendor"
			if len(decision.Reasons) > 0 {
				reason = decision.Reasons[0]
			}
			return PreflightResult{Allowed: false, RuleID: "external_compliance_denied", Provider: "external", Reason: reason}
		}
	}

	return PreflightResult{Allowed: true, RuleID: "", Provider: "policy"}
}
