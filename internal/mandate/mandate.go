// Package mandate validates the three-step intent/cart/payment authorization
// chain an agent presents before a payment is dispatched. It recomputes the
// binding audit_hash across the chain, checks expiry and nonce freshness,
// and verifies each artifact's cryptographic proof through the signing port
// — it never trusts a client-supplied hash or signature result.
package mandate

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/sardis-labs/paycore/internal/money"
	"github.com/sardis-labs/paycore/internal/ports"
)

// Intent declares what an agent may request: a scoped, time-bounded
// authorization issued to the agent ahead of any specific merchant offer.
type Intent struct {
	MandateID string
	Subject   string // the agent/principal this intent authorizes
	Issuer    string
	Scope     []string
	// AuthorizedAmountMinor bounds Payment.AmountMinor in the same
	// minor-unit scale as the payment's token (spec §3: integer amount ×
	// 10^decimals for the settled asset, not a fixed 6/18 conversion).
	AuthorizedAmountMinor int64
	ExpiresAt             time.Time
	Nonce                 string
	Proof                 ports.MandateProof
}

// LineItem is one priced item on a merchant's cart.
type LineItem struct {
	SKU      string
	Name     string
	Quantity int
	Price    money.Amount
}

// Cart is the merchant's offer the agent is being asked to authorize.
type Cart struct {
	MandateID       string
	CartID          string
	Subject         string
	MerchantID      string
	MerchantDomain  string
	LineItems       []LineItem
	Currency        string
	Subtotal        money.Amount
	Taxes           money.Amount
	Shipping        money.Amount
	Discounts       []money.Amount
	ExpiresAt       time.Time
	Nonce           string
	Proof           ports.MandateProof
}

// Total returns the cart's final charged amount: subtotal + taxes +
// shipping − discounts.
func (c Cart) Total() money.Amount {
	total := c.Subtotal.Add(c.Taxes).Add(c.Shipping)
	for _, d := range c.Discounts {
		total = total.Sub(d)
	}
	return total
}

// Payment is the instruction to settle: the final artifact in the chain,
// binding the intent and cart together via AuditHash.
type Payment struct {
	MandateID    string
	CheckoutID   string
	Subject      string
	Chain        string
	Token        string
	AmountMinor  int64
	Destination  string
	AuditHash    string
	ExpiresAt    time.Time
	Nonce        string
	Proof        ports.MandateProof
}

// ComputeAuditHash recomputes the binding hash over cart_id | checkout_id |
// amount_minor | chain | token | destination. Every store variant must hash
// this content identically.
func ComputeAuditHash(cartID, checkoutID string, amountMinor int64, chain, token, destination string) string {
	payload := fmt.Sprintf("%s|%s|%d|%s|%s|%s", cartID, checkoutID, amountMinor, chain, token, destination)
	sum := sha256.Sum256([]byte(payload))
	return fmt.Sprintf("%x", sum)
}

// Chain bundles the three mandates presented together for one payment
// request.
type Chain struct {
	Intent  Intent
	Cart    Cart
	Payment Payment
}

// Reason codes returned by Verify's error, matching the error taxonomy's
// Validation kinds.
const (
	ReasonExpired          = "expired_mandate"
	ReasonSubjectMismatch  = "subject_mismatch"
	ReasonAmountExceeded   = "amount_exceeds_authorization"
	ReasonHashMismatch     = "audit_hash_mismatch"
	ReasonInvalidSignature = "invalid_signature"
	ReasonNonceReplayed    = "nonce_replayed"
)

// NonceCache rejects a nonce that has already been seen within a sliding
// window, preventing replay of a previously valid mandate.
type NonceCache struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

// NewNonceCache builds a cache that remembers nonces for window.
func NewNonceCache(window time.Duration) *NonceCache {
	return &NonceCache{window: window, seen: make(map[string]time.Time)}
}

// CheckAndRecord reports whether nonce is fresh (not seen within the
// window) and records it. It also evicts expired entries opportunistically
// so the map does not grow unbounded.
func (c *NonceCache) CheckAndRecord(nonce string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for n, seenAt := range c.seen {
		if now.Sub(seenAt) > c.window {
			delete(c.seen, n)
		}
	}

	if seenAt, ok := c.seen[nonce]; ok && now.Sub(seenAt) <= c.window {
		return false
	}
	c.seen[nonce] = now
	return true
}

// Verifier validates mandate chains against a signing port and a nonce
// cache. Any failure is fatal for the request — there is no partial
// acceptance of a mandate chain.
type Verifier struct {
	signer ports.SignatureVerifier
	nonces *NonceCache
}

// NewVerifier builds a Verifier. signer resolves proofs to their signing
// key's controller; nonces rejects replayed nonces within its window.
func NewVerifier(signer ports.SignatureVerifier, nonces *NonceCache) *Verifier {
	return &Verifier{signer: signer, nonces: nonces}
}

// VerificationError is a rejected mandate chain's reason, matching the
// ReasonXxx constants above.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string { return "mandate: " + e.Reason }

// Verify validates the full chain: expiry, subject consistency, amount
// ordering, audit_hash binding, nonce freshness, and each artifact's
// signature. Returns nil on success or a *VerificationError describing the
// first failure encountered.
func (v *Verifier) Verify(ctx context.Context, c Chain) error {
	now := time.Now().UTC()

	if now.After(c.Intent.ExpiresAt) || now.After(c.Cart.ExpiresAt) || now.After(c.Payment.ExpiresAt) {
		return &VerificationError{Reason: ReasonExpired}
	}

	if c.Intent.Subject != c.Cart.Subject || c.Cart.Subject != c.Payment.Subject {
		return &VerificationError{Reason: ReasonSubjectMismatch}
	}

	if c.Payment.AmountMinor > c.Intent.AuthorizedAmountMinor {
		return &VerificationError{Reason: ReasonAmountExceeded}
	}

	wantHash := ComputeAuditHash(c.Cart.CartID, c.Payment.CheckoutID, c.Payment.AmountMinor, c.Payment.Chain, c.Payment.Token, c.Payment.Destination)
	if wantHash != c.Payment.AuditHash {
		return &VerificationError{Reason: ReasonHashMismatch}
	}

	for _, n := range []string{c.Intent.Nonce, c.Cart.Nonce, c.Payment.Nonce} {
		if n == "" || !v.nonces.CheckAndRecord(n, now) {
			return &VerificationError{Reason: ReasonNonceReplayed}
		}
	}

	if err := v.verifyProof(ctx, intentPayload(c.Intent), c.Intent.Proof); err != nil {
		return err
	}
	if err := v.verifyProof(ctx, cartPayload(c.Cart), c.Cart.Proof); err != nil {
		return err
	}
	if err := v.verifyProof(ctx, paymentPayload(c.Payment), c.Payment.Proof); err != nil {
		return err
	}

	return nil
}

func (v *Verifier) verifyProof(ctx context.Context, payload []byte, proof ports.MandateProof) error {
	if _, err := v.signer.Verify(ctx, payload, proof); err != nil {
		return &VerificationError{Reason: ReasonInvalidSignature}
	}
	return nil
}

func intentPayload(i Intent) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s", i.MandateID, i.Subject, i.Issuer, i.Nonce))
}

func cartPayload(c Cart) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s|%s", c.MandateID, c.CartID, c.MerchantID, c.Currency, c.Nonce))
}

func paymentPayload(p Payment) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s|%s", p.MandateID, p.AuditHash, p.Chain, p.Token, p.Nonce))
}
