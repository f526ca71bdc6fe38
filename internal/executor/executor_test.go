package executor

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sardis-labs/paycore/internal/audittrail"
	"github.com/sardis-labs/paycore/internal/chainmanager"
	"github.com/sardis-labs/paycore/internal/compliance"
	"github.com/sardis-labs/paycore/internal/hybridledger"
	"github.com/sardis-labs/paycore/internal/ledgerengine"
	"github.com/sardis-labs/paycore/internal/mandate"
	"github.com/sardis-labs/paycore/internal/money"
	"github.com/sardis-labs/paycore/internal/ports"
)

type staticKeyResolver struct{ key ed25519.PublicKey }

func (r staticKeyResolver) Resolve(ctx context.Context, verificationMethod string) ([]byte, error) {
	return r.key, nil
}

func sign(priv ed25519.PrivateKey, payload []byte) string {
	return hex.EncodeToString(ed25519.Sign(priv, payload))
}

// fakeComplianceProvider lets tests force an approve/deny/error outcome
// without constructing a full policy.Evaluator.
type fakeComplianceProvider struct {
	decision ports.ComplianceDecision
	err      error
}

func (f fakeComplianceProvider) Screen(ctx context.Context, agentID, counterparty string, amount money.Amount) (ports.ComplianceDecision, error) {
	return f.decision, f.err
}

// testRig bundles everything needed to build an Executor against in-memory
// stores, mirroring the composition root's wiring at a much smaller scale.
type testRig struct {
	priv       ed25519.PrivateKey
	verifier   *mandate.Verifier
	ledger     *hybridledger.Ledger
	compliance *compliance.Engine
}

func newTestRig(t *testing.T, external ports.ComplianceProvider) *testRig {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	signer := mandate.NewLocalSignatureVerifier(staticKeyResolver{key: pub})
	verifier := mandate.NewVerifier(signer, mandate.NewNonceCache(time.Hour))

	ledger := hybridledger.New(ledgerengine.NewMemoryStore(), audittrail.NewMemoryStore(), hybridledger.DefaultConfig(), nil)
	complianceTrail := audittrail.New(audittrail.NewMemoryStore())
	engine := compliance.New(nil, nil, external, complianceTrail)

	return &testRig{priv: priv, verifier: verifier, ledger: ledger, compliance: engine}
}

func (r *testRig) validChain(t *testing.T, subject string, amountMinor int64, nonceSuffix string) mandate.Chain {
	t.Helper()
	now := time.Now().UTC()
	expires := now.Add(time.Hour)

	intent := mandate.Intent{
		MandateID:             "m_" + nonceSuffix,
		Subject:               subject,
		Issuer:                "issuer_1",
		AuthorizedAmountMinor: 30_000_000,
		ExpiresAt:             expires,
		Nonce:                 "nonce-intent-" + nonceSuffix,
	}
	intent.Proof = ports.MandateProof{Type: "Ed25519Signature2020", VerificationMethod: "issuer_1#key-1"}

	cart := mandate.Cart{
		MandateID:  intent.MandateID,
		CartID:     "cart_" + nonceSuffix,
		Subject:    subject,
		MerchantID: "merchant_1",
		Currency:   "USDC",
		Subtotal:   money.MustParse("25"),
		ExpiresAt:  expires,
		Nonce:      "nonce-cart-" + nonceSuffix,
	}
	cart.Proof = ports.MandateProof{Type: "Ed25519Signature2020", VerificationMethod: "issuer_1#key-1"}

	payment := mandate.Payment{
		MandateID:   intent.MandateID,
		CheckoutID:  "checkout_" + nonceSuffix,
		Subject:     subject,
		Chain:       "base",
		Token:       "USDC",
		AmountMinor: amountMinor,
		Destination: "0xdeadbeef",
		ExpiresAt:   expires,
		Nonce:       "nonce-payment-" + nonceSuffix,
	}
	payment.AuditHash = mandate.ComputeAuditHash(cart.CartID, payment.CheckoutID, payment.AmountMinor, payment.Chain, payment.Token, payment.Destination)
	payment.Proof = ports.MandateProof{Type: "Ed25519Signature2020", VerificationMethod: "issuer_1#key-1"}

	// The mandate package's payload builders are unexported, so the rig
	// signs the same pipe-joined fields they produce: mandate id, subject,
	// issuer and nonce for the intent; mandate id, cart id, merchant id,
	// currency and nonce for the cart; mandate id, audit hash, chain, token
	// and nonce for the payment.
	intent.Proof.ProofValue = sign(r.priv, []byte(intent.MandateID+"|"+intent.Subject+"|"+intent.Issuer+"|"+intent.Nonce))
	cart.Proof.ProofValue = sign(r.priv, []byte(cart.MandateID+"|"+cart.CartID+"|"+cart.MerchantID+"|"+cart.Currency+"|"+cart.Nonce))
	payment.Proof.ProofValue = sign(r.priv, []byte(payment.MandateID+"|"+payment.AuditHash+"|"+payment.Chain+"|"+payment.Token+"|"+payment.Nonce))

	return mandate.Chain{Intent: intent, Cart: cart, Payment: payment}
}

// fund credits accountID so a later debit passes the ledger's
// sufficient-balance check.
func (r *testRig) fund(t *testing.T, accountID, amount string) {
	t.Helper()
	_, err := r.ledger.Write(context.Background(), "seed", ledgerengine.WriteRequest{
		TxID:      "seed_" + accountID,
		AccountID: accountID,
		EntryType: ledgerengine.EntryCredit,
		Amount:    money.MustParse(amount),
		Currency:  "USDC",
	})
	require.NoError(t, err)
}

func internalOnlyExecutor(t *testing.T, rig *testRig) *Executor {
	t.Helper()
	dispatchers := map[ports.SettlementMode]*chainmanager.Dispatcher{
		ports.SettlementInternalOnly: chainmanager.NewDispatcher(nil, ports.SettlementInternalOnly, nil),
	}
	x, err := New(rig.verifier, rig.compliance, dispatchers, ports.SettlementInternalOnly, rig.ledger, "USDC", nil)
	require.NoError(t, err)
	return x
}

func TestExecute_HappyPathAccepted(t *testing.T) {
	rig := newTestRig(t, nil) // no external provider: always allowed
	x := internalOnlyExecutor(t, rig)
	rig.fund(t, "agent_1", "100")

	result := x.Execute(context.Background(), Request{Chain: rig.validChain(t, "agent_1", 25_000_000, "a")})

	assert.Equal(t, OutcomeAccepted, result.Outcome)
	assert.Equal(t, StateRecorded, result.State)
	assert.NotEmpty(t, result.LedgerEntryID)
	assert.NotZero(t, result.AuditID)

	bal, err := rig.ledger.Engine().Balance(context.Background(), "agent_1", "USDC", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "75.0", bal.String())
}

func TestExecute_InvalidSignatureRejected(t *testing.T) {
	rig := newTestRig(t, nil)
	x := internalOnlyExecutor(t, rig)

	chain := rig.validChain(t, "agent_1", 25_000_000, "b")
	chain.Payment.Proof.ProofValue = sign(rig.priv, []byte("tampered-payload"))

	result := x.Execute(context.Background(), Request{Chain: chain})
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, StateRejected, result.State)
	assert.Equal(t, mandate.ReasonInvalidSignature, result.ErrorCode)
}

func TestExecute_ExpiredMandateRejected(t *testing.T) {
	rig := newTestRig(t, nil)
	x := internalOnlyExecutor(t, rig)

	chain := rig.validChain(t, "agent_1", 25_000_000, "c")
	chain.Payment.ExpiresAt = time.Now().Add(-time.Minute)

	result := x.Execute(context.Background(), Request{Chain: chain})
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, StateRejected, result.State)
	assert.Equal(t, mandate.ReasonExpired, result.ErrorCode)
}

func TestExecute_DeniedByCompliance(t *testing.T) {
	external := fakeComplianceProvider{decision: ports.ComplianceDecision{Approved: false, Reasons: []string{"token not allowlisted"}}}
	rig := newTestRig(t, external)
	x := internalOnlyExecutor(t, rig)

	result := x.Execute(context.Background(), Request{Chain: rig.validChain(t, "agent_1", 25_000_000, "d")})

	assert.Equal(t, OutcomeDenied, result.Outcome)
	assert.Equal(t, StateDenied, result.State)
	assert.Equal(t, "external_compliance_denied", result.ErrorCode)
	assert.NotZero(t, result.AuditID)

	_, err := rig.ledger.Engine().Balance(context.Background(), "agent_1", "USDC", time.Now())
	require.NoError(t, err) // balance query succeeds (zero balance), no entry was written
}

func TestExecute_FailClosedOnComplianceProviderError(t *testing.T) {
	external := fakeComplianceProvider{err: assertAnError{}}
	rig := newTestRig(t, external)
	x := internalOnlyExecutor(t, rig)

	result := x.Execute(context.Background(), Request{Chain: rig.validChain(t, "agent_1", 25_000_000, "e")})
	assert.Equal(t, OutcomeDenied, result.Outcome)
	assert.Equal(t, compliance.ReasonEvaluationErrorFailClosed, result.ErrorCode)
}

type assertAnError struct{}

func (assertAnError) Error() string { return "compliance vendor unreachable" }

func TestExecute_DispatchFailureSurfacesChainSubmissionFailed(t *testing.T) {
	rig := newTestRig(t, nil)
	cfg := chainmanager.DefaultBatchConfig()
	cfg.MaxBatchSize = 1
	batcher := chainmanager.NewBatcher(nil, cfg, func(ctx context.Context, transfers []ports.ChainTransfer) (*ports.ChainReceipt, error) {
		return nil, ports.NewError(ports.ErrKindPermanent, "test", "bad_destination", "destination rejected", nil)
	})
	dispatchers := map[ports.SettlementMode]*chainmanager.Dispatcher{
		ports.SettlementBatched: chainmanager.NewDispatcher(nil, ports.SettlementBatched, batcher),
	}
	x, err := New(rig.verifier, rig.compliance, dispatchers, ports.SettlementBatched, rig.ledger, "USDC", nil)
	require.NoError(t, err)

	result := x.Execute(context.Background(), Request{Chain: rig.validChain(t, "agent_1", 25_000_000, "f")})
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, "chain_submission_failed", result.ErrorCode)

	bal, err := rig.ledger.Engine().Balance(context.Background(), "agent_1", "USDC", time.Now())
	require.NoError(t, err)
	assert.True(t, bal.IsZero(), "no ledger entry should be written when dispatch never succeeds")
}

func TestCompensate_ReversesLedgerEntry(t *testing.T) {
	rig := newTestRig(t, nil)
	x := internalOnlyExecutor(t, rig)
	rig.fund(t, "agent_1", "100")

	result := x.Execute(context.Background(), Request{Chain: rig.validChain(t, "agent_1", 25_000_000, "g")})
	require.Equal(t, OutcomeAccepted, result.Outcome)

	err := x.Compensate(context.Background(), "agent_1", result.LedgerEntryID, "caller-side timeout")
	require.NoError(t, err)

	bal, err := rig.ledger.Engine().Balance(context.Background(), "agent_1", "USDC", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "100.0", bal.String(), "reversal restores the pre-payment balance")
}
