// Package audittrail implements the platform's hash-chained, append-only
// audit log. Every entry embeds the hash of its predecessor, so any
// retroactive edit or deletion breaks the chain and is detectable by
// replaying Verify. Entries are never updated or deleted; corrections are
// recorded as new entries referencing the one they correct.
package audittrail

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/sardis-labs/paycore/internal/canonical"
)

type actorKey struct{}
type requestIDKey struct{}

// WithActor attaches the acting principal (agent ID, operator email,
// "system") to ctx for audit attribution.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor extracts the actor set by WithActor, or "unknown" if absent.
func Actor(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "unknown"
}

// WithRequestID attaches a request correlation ID to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID extracts the request ID set by WithRequestID, or "" if absent.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// Entry is one link in the hash chain. Hash = SHA-256 over the canonical
// encoding of (Seq, Timestamp, Actor, RequestID, Action, Subject, Detail,
// PrevHash).
type Entry struct {
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	RequestID string         `json:"requestId"`
	Action    string         `json:"action"`
	Subject   string         `json:"subject"`
	Detail    map[string]any `json:"detail"`
	PrevHash  string         `json:"prevHash"`
	Hash      string         `json:"hash"`
}

func (e Entry) computeHash() (string, error) {
	payload := map[string]any{
		"seq":       e.Seq,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
		"actor":     e.Actor,
		"requestId": e.RequestID,
		"action":    e.Action,
		"subject":   e.Subject,
		"detail":    e.Detail,
		"prevHash":  e.PrevHash,
	}
	raw, err := canonical.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%x", sum), nil
}

// VerificationStatus describes the outcome of a chain verification pass.
type VerificationStatus string

const (
	VerificationVerified     VerificationStatus = "verified"
	VerificationTampered     VerificationStatus = "tampered"
	VerificationInconsistent VerificationStatus = "inconsistent"
)

// VerificationResult reports the outcome of Verify, pointing at the first
// broken link if the chain is not intact.
type VerificationResult struct {
	Status        VerificationStatus
	EntriesOK     uint64
	FirstBadSeq   uint64
	FailureReason string
}

// Store persists the hash-chained entries. A Store implementation MUST
// append entries strictly in sequence order and must never allow an update
// or delete of an existing row.
type Store interface {
	// Append writes entry (already hash-computed) and returns its
	// assigned sequence number, which must be exactly Tail's length+1 at
	// call time, enforced under the store's own serialization so
	// concurrent writers cannot interleave seq assignment.
	Append(ctx context.Context, entry Entry) (seq uint64, err error)
	// Tail returns the most recent n entries in ascending seq order. n<=0
	// returns the full chain.
	Tail(ctx context.Context, n int) ([]Entry, error)
	// Head returns the chain's first entry, or ErrEmpty if none exist.
	Head(ctx context.Context) (Entry, error)
	// Len returns the number of entries appended so far.
	Len(ctx context.Context) (uint64, error)
}

// ErrEmpty is returned by Head when the chain has no entries.
var ErrEmpty = fmt.Errorf("audittrail: chain is empty")

// Trail is the hash-chained audit log. It serializes Append calls through
// an internal mutex so prevHash linkage is race-free even when multiple
// goroutines emit audit events concurrently.
type Trail struct {
	mu    sync.Mutex
	store Store
}

// New wraps a Store with hash-chain append/verify logic.
func New(store Store) *Trail {
	return &Trail{store: store}
}

// Record appends a new audit entry, chaining it to the current tail. The
// audit trail must be written regardless of the outcome of the operation
// being recorded — callers pass the outcome (approved, denied, failed) in
// detail rather than skipping the write on failure paths.
func (t *Trail) Record(ctx context.Context, action, subject string, detail map[string]any) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prevHash := ""
	n, err := t.store.Len(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("audittrail: read chain length: %w", err)
	}
	if n > 0 {
		tail, err := t.latest(ctx)
		if err != nil {
			return Entry{}, err
		}
		prevHash = tail.Hash
	}

	e := Entry{
		Seq:       n + 1,
		Timestamp: time.Now().UTC(),
		Actor:     Actor(ctx),
		RequestID: RequestID(ctx),
		Action:    action,
		Subject:   subject,
		Detail:    detail,
		PrevHash:  prevHash,
	}
	hash, err := e.computeHash()
	if err != nil {
		return Entry{}, err
	}
	e.Hash = hash

	seq, err := t.store.Append(ctx, e)
	if err != nil {
		return Entry{}, fmt.Errorf("audittrail: append: %w", err)
	}
	e.Seq = seq
	return e, nil
}

func (t *Trail) latest(ctx context.Context) (Entry, error) {
	tail, err := t.store.Tail(ctx, 1)
	if err != nil {
		return Entry{}, fmt.Errorf("audittrail: read tail: %w", err)
	}
	if len(tail) == 0 {
		return Entry{}, ErrEmpty
	}
	return tail[0], nil
}

// Verify replays the entire chain, recomputing each entry's hash and
// checking prevHash linkage, detecting any tampering or gap.
func (t *Trail) Verify(ctx context.Context) (VerificationResult, error) {
	entries, err := t.store.Tail(ctx, -1)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("audittrail: read chain: %w", err)
	}

	prevHash := ""
	var expectSeq uint64 = 1
	for _, e := range entries {
		if e.Seq != expectSeq {
			return VerificationResult{
				Status:        VerificationInconsistent,
				EntriesOK:     expectSeq - 1,
				FirstBadSeq:   e.Seq,
				FailureReason: fmt.Sprintf("expected seq %d, found %d", expectSeq, e.Seq),
			}, nil
		}
		if e.PrevHash != prevHash {
			return VerificationResult{
				Status:        VerificationTampered,
				EntriesOK:     expectSeq - 1,
				FirstBadSeq:   e.Seq,
				FailureReason: "prevHash does not match predecessor",
			}, nil
		}
		wantHash := e.Hash
		e.Hash = ""
		gotHash, err := e.computeHash()
		if err != nil {
			return VerificationResult{}, err
		}
		if gotHash != wantHash {
			return VerificationResult{
				Status:        VerificationTampered,
				EntriesOK:     expectSeq - 1,
				FirstBadSeq:   e.Seq,
				FailureReason: "recomputed hash does not match stored hash",
			}, nil
		}
		prevHash = wantHash
		expectSeq++
	}

	return VerificationResult{Status: VerificationVerified, EntriesOK: expectSeq - 1}, nil
}

// RootHash returns the hash of the latest entry, the root committed to an
// Anchor. Returns "" if the chain is empty.
func (t *Trail) RootHash(ctx context.Context) (string, error) {
	tail, err := t.latest(ctx)
	if err != nil {
		if err == ErrEmpty {
			return "", nil
		}
		return "", err
	}
	return tail.Hash, nil
}
