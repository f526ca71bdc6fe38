package mandate

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sardis-labs/paycore/internal/ports"
)

// KeyResolver looks up the raw public key bytes registered for a
// verification method (an issuer's key handle), decoupling signature
// verification from key custody/rotation.
type KeyResolver interface {
	Resolve(ctx context.Context, verificationMethod string) (publicKey []byte, err error)
}

// LocalSignatureVerifier implements ports.SignatureVerifier for two proof
// types: Ed25519 (stdlib crypto/ed25519) and EcdsaSecp256k1 (go-ethereum's
// crypto, recovering the signer's public key and comparing it against the
// resolved key rather than recovering an address from the signature).
type LocalSignatureVerifier struct {
	keys KeyResolver
}

// NewLocalSignatureVerifier builds a verifier backed by keys.
func NewLocalSignatureVerifier(keys KeyResolver) *LocalSignatureVerifier {
	return &LocalSignatureVerifier{keys: keys}
}

// Verify checks proof.ProofValue (hex-encoded signature) over payload,
// dispatching on proof.Type, and returns the resolved key's controller
// (the verification method string) as the signer identity.
func (v *LocalSignatureVerifier) Verify(ctx context.Context, payload []byte, proof ports.MandateProof) (string, error) {
	pubKey, err := v.keys.Resolve(ctx, proof.VerificationMethod)
	if err != nil {
		return "", fmt.Errorf("mandate: resolve key %q: %w", proof.VerificationMethod, err)
	}

	sigHex := strings.TrimPrefix(proof.ProofValue, "0x")
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("mandate: decode proof value: %w", err)
	}

	switch proof.Type {
	case "Ed25519Signature2020":
		if len(pubKey) != ed25519.PublicKeySize {
			return "", fmt.Errorf("mandate: malformed ed25519 key")
		}
		if !ed25519.Verify(ed25519.PublicKey(pubKey), payload, sig) {
			return "", fmt.Errorf("mandate: ed25519 signature invalid")
		}
		return proof.VerificationMethod, nil

	case "EcdsaSecp256k1Signature2019":
		hash := crypto.Keccak256(payload)
		if len(sig) == 65 && sig[64] >= 27 {
			sig[64] -= 27
		}
		recovered, err := crypto.SigToPub(hash, sig)
		if err != nil {
			return "", fmt.Errorf("mandate: recover secp256k1 key: %w", err)
		}
		recoveredBytes := crypto.FromECDSAPub(recovered)
		if !equalKeys(recoveredBytes, pubKey) {
			return "", fmt.Errorf("mandate: secp256k1 signature does not match registered key")
		}
		return proof.VerificationMethod, nil

	default:
		return "", fmt.Errorf("mandate: unsupported proof type %q", proof.Type)
	}
}

func equalKeys(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var _ ports.SignatureVerifier = (*LocalSignatureVerifier)(nil)
