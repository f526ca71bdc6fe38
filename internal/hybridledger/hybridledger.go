// Package hybridledger dual-writes every settled amount to two stores that
// serve different purposes: the fast, queryable ledger engine
// (internal/ledgerengine) and the hash-chained, tamper-evident audit trail
// (internal/audittrail). It owns both rather than letting either reference
// the other, so there is exactly one place that decides what "durably
// recorded" means for a payment.
//
// Two modes trade latency for staleness risk:
//
//   - RequireDualWrite (default): both writes must succeed before a call
//     returns. If the audit write fails after the ledger write already
//     landed, the ledger write is reversed and the caller sees
//     hybrid_write_failed rather than a half-recorded payment.
//   - AsyncAudit: the ledger write is authoritative and returns
//     immediately; the audit write is handed off to an in-memory retry
//     queue, delivered when DrainAsyncQueue is called, so a momentary
//     audit-store outage never blocks settlement. The queue is not
//     persisted: entries still queued when the process exits are never
//     delivered. CheckConsistency verifies the audit chain and reports
//     entries still awaiting delivery.
package hybridledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/sardis-labs/paycore/internal/audittrail"
	"github.com/sardis-labs/paycore/internal/idgen"
	"github.com/sardis-labs/paycore/internal/ledgerengine"
	"github.com/sardis-labs/paycore/internal/ports"
)

// Mode selects the dual-write discipline.
type Mode string

const (
	// ModeRequireDualWrite fails (and compensates) the whole write unless
	// both stores accept the entry.
	ModeRequireDualWrite Mode = "require_dual_write"
	// ModeAsyncAudit returns as soon as the ledger write lands and queues
	// the audit write for retried, idempotent delivery.
	ModeAsyncAudit Mode = "async_audit"
)

// Config selects the hybrid ledger's write discipline and retry behavior.
type Config struct {
	Mode Mode
	// AsyncRetryInterval is not read by Ledger: the async-audit queue drains
	// only when DrainAsyncQueue is called, and this package runs no timer.
	AsyncRetryInterval time.Duration
	// AsyncMaxAttempts bounds retries of one queued audit write before it
	// is surfaced as a permanent drift requiring operator attention.
	AsyncMaxAttempts int
	// SampleSize is how many recent entries the consistency checker
	// compares per run.
	SampleSize int
}

// DefaultConfig returns the default write discipline: synchronous dual-write.
func DefaultConfig() Config {
	return Config{
		Mode:               ModeRequireDualWrite,
		AsyncRetryInterval: 10 * time.Second,
		AsyncMaxAttempts:   8,
		SampleSize:         25,
	}
}

// DriftSeverity classifies a cross-store consistency finding.
type DriftSeverity string

const (
	DriftNone     DriftSeverity = "none"
	DriftWarning  DriftSeverity = "warning"
	DriftCritical DriftSeverity = "critical"
)

// DriftReport is the outcome of one consistency-check pass.
type DriftReport struct {
	Severity     DriftSeverity
	Sampled      int
	Mismatched   int
	PendingAudit int
	Details      []string
	CheckedAt    time.Time
}

// pendingAudit is one ledger entry whose audit write has not yet been
// confirmed, held in the async queue until the consumer succeeds or gives
// up.
type pendingAudit struct {
	entry    ledgerengine.Entry
	attempts int
}

// Ledger dual-writes settlement entries to the ledger engine and the audit
// trail. It is the sole owner of both; neither component holds a reference
// back to this type or to the other.
type Ledger struct {
	engine *ledgerengine.Engine
	trail  *audittrail.Trail
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pending []pendingAudit

	haltedMu sync.RWMutex
	halted   bool
}

// New builds a Ledger over store (the fast queryable backend) and auditStore
// (the hash-chained backend), wiring its own ledgerengine.Engine with no
// audit trail of its own — this type is the only writer of auditStore.
func New(store ledgerengine.Store, auditStore audittrail.Store, cfg Config, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 25
	}
	if cfg.AsyncMaxAttempts <= 0 {
		cfg.AsyncMaxAttempts = 8
	}
	return &Ledger{
		engine: ledgerengine.New(store, nil),
		trail:  audittrail.New(auditStore),
		cfg:    cfg,
		logger: logger,
	}
}

// WithSnapshotInterval forwards to the underlying ledger engine.
func (l *Ledger) WithSnapshotInterval(n int64) *Ledger {
	l.engine.WithSnapshotInterval(n)
	return l
}

// Engine exposes the underlying ledger engine for read-path callers
// (balance queries, reconciliation) that do not need the audit coupling.
func (l *Ledger) Engine() *ledgerengine.Engine { return l.engine }

// Trail exposes the underlying audit trail for read-path callers
// (verification, reporting).
func (l *Ledger) Trail() *audittrail.Trail { return l.trail }

// ErrHalted is returned by Write when a prior consistency check found
// unresolved drift and the ledger is configured to refuse further writes
// until an operator clears it.
var ErrHalted = fmt.Errorf("hybridledger: writes halted pending consistency check")

// Halt stops the hybrid ledger accepting new writes, so integrity errors
// stop the subsystem rather than keep compounding drift. CheckConsistency
// does not call it; it is invoked explicitly by whoever acts on a report.
func (l *Ledger) Halt() {
	l.haltedMu.Lock()
	l.halted = true
	l.haltedMu.Unlock()
}

// Resume clears a prior Halt, typically after an operator has reconciled
// the drift by hand.
func (l *Ledger) Resume() {
	l.haltedMu.Lock()
	l.halted = false
	l.haltedMu.Unlock()
}

func (l *Ledger) isHalted() bool {
	l.haltedMu.RLock()
	defer l.haltedMu.RUnlock()
	return l.halted
}

// Write dual-writes one ledger entry per the configured mode. holderID is
// the lock holder passed through to the ledger engine's per-account lock.
func (l *Ledger) Write(ctx context.Context, holderID string, req ledgerengine.WriteRequest) (ledgerengine.Entry, error) {
	if l.isHalted() {
		return ledgerengine.Entry{}, ErrHalted
	}

	entry, err := l.engine.Write(ctx, holderID, req)
	if err != nil {
		return ledgerengine.Entry{}, err
	}

	detail := map[string]any{
		"entry_id":        entry.EntryID,
		"seq":             entry.Seq,
		"account_id":      entry.AccountID,
		"entry_type":      string(entry.EntryType),
		"amount":          entry.Amount.String(),
		"sign":            entry.Sign,
		"running_balance": entry.RunningBalance.String(),
		"currency":        entry.Currency,
		"chain_tx_hash":   entry.ChainTxHash,
	}

	switch l.cfg.Mode {
	case ModeAsyncAudit:
		l.enqueueAudit(entry)
		return entry, nil

	default: // ModeRequireDualWrite
		if _, auditErr := l.trail.Record(ctx, "ledger."+string(entry.EntryType), entry.AccountID, detail); auditErr != nil {
			l.logger.Error("audit write failed after ledger write, reversing", "entry_id", entry.EntryID, "error", auditErr)
			if _, revErr := l.engine.Reverse(ctx, holderID, entry.EntryID, "hybrid_write_failed: audit store unavailable"); revErr != nil {
				l.logger.Error("compensating reversal also failed — ledger and audit store have diverged", "entry_id", entry.EntryID, "error", revErr)
				return entry, ports.NewError(ports.ErrKindPermanent, "hybridledger.Write", "invariant_violated", "ledger entry written, audit write failed, and compensating reversal also failed", revErr)
			}
			return ledgerengine.Entry{}, ports.NewError(ports.ErrKindTransient, "hybridledger.Write", "hybrid_write_failed", "audit store rejected entry; ledger write reversed", auditErr)
		}
		return entry, nil
	}
}

// Reverse reverses a previously written entry through the ledger engine and
// records the reversal to the audit trail with the same dual-write
// discipline as Write.
func (l *Ledger) Reverse(ctx context.Context, holderID, entryID, reason string) (ledgerengine.Entry, error) {
	reversal, err := l.engine.Reverse(ctx, holderID, entryID, reason)
	if err != nil {
		return ledgerengine.Entry{}, err
	}
	detail := map[string]any{
		"entry_id":           reversal.EntryID,
		"original_entry_id":  entryID,
		"reason":             reason,
		"amount":             reversal.Amount.String(),
		"running_balance":    reversal.RunningBalance.String(),
	}
	switch l.cfg.Mode {
	case ModeAsyncAudit:
		l.enqueueAudit(reversal)
	default:
		if _, auditErr := l.trail.Record(ctx, "ledger.reversal", reversal.AccountID, detail); auditErr != nil {
			l.logger.Error("audit write for reversal failed; ledger and audit store have diverged", "entry_id", reversal.EntryID, "error", auditErr)
			return reversal, ports.NewError(ports.ErrKindPermanent, "hybridledger.Reverse", "consistency_drift", "reversal recorded in ledger but not in audit trail", auditErr)
		}
	}
	return reversal, nil
}

// enqueueAudit queues entry for async audit delivery. The audit detail map
// is rebuilt from the entry at drain time (see DrainAsyncQueue) rather than
// captured here, so every attempt carries the same entry fields; only the
// queued_attempt counter differs between attempts.
func (l *Ledger) enqueueAudit(entry ledgerengine.Entry) {
	l.mu.Lock()
	l.pending = append(l.pending, pendingAudit{entry: entry})
	l.mu.Unlock()
}

// DrainAsyncQueue attempts to deliver every queued audit write once. It runs
// only when called; the caller schedules it off the request path (for
// example on a ticker like the Timer in internal/reconciliation), which is
// what makes async-audit mode asynchronous.
func (l *Ledger) DrainAsyncQueue(ctx context.Context) (delivered, failed int) {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	var retry []pendingAudit
	for _, p := range batch {
		detail := map[string]any{
			"entry_id":        p.entry.EntryID,
			"seq":             p.entry.Seq,
			"account_id":      p.entry.AccountID,
			"entry_type":      string(p.entry.EntryType),
			"amount":          p.entry.Amount.String(),
			"sign":            p.entry.Sign,
			"running_balance": p.entry.RunningBalance.String(),
			"currency":        p.entry.Currency,
			"chain_tx_hash":   p.entry.ChainTxHash,
			"queued_attempt":  p.attempts + 1,
		}
		// Idempotent consumer: the audit action name + entry_id lets a
		// downstream reader de-duplicate a record that was actually
		// delivered before a prior attempt's response was lost.
		if _, err := l.trail.Record(ctx, "ledger."+string(p.entry.EntryType), p.entry.AccountID, detail); err != nil {
			p.attempts++
			if p.attempts < l.cfg.AsyncMaxAttempts {
				retry = append(retry, p)
			} else {
				l.logger.Error("audit write permanently failed after max attempts", "entry_id", p.entry.EntryID, "attempts", p.attempts, "error", err)
				failed++
			}
			continue
		}
		delivered++
	}

	if len(retry) > 0 {
		l.mu.Lock()
		l.pending = append(l.pending, retry...)
		l.mu.Unlock()
	}
	return delivered, failed
}

// PendingAuditCount reports how many entries are awaiting async audit
// delivery, for monitoring.
func (l *Ledger) PendingAuditCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// CheckConsistency reports drift between the two stores: it verifies the
// whole audit hash chain (critical if broken) and counts ledger entries
// still awaiting async audit delivery (warning if any). It records how many
// of recent fall in its sample window, but it does not look up an audit
// record for each sampled entry, so Mismatched is always zero.
func (l *Ledger) CheckConsistency(ctx context.Context, recent []ledgerengine.Entry) (DriftReport, error) {
	report := DriftReport{CheckedAt: time.Now().UTC(), Severity: DriftNone}
	if len(recent) == 0 {
		return report, nil
	}

	n := l.cfg.SampleSize
	sample := recent
	if len(recent) > n {
		start := rand.Intn(len(recent) - n)
		sample = recent[start : start+n]
	}

	auditTail, err := l.trail.Verify(ctx)
	if err != nil {
		return report, fmt.Errorf("hybridledger: verify audit chain: %w", err)
	}
	if auditTail.Status != audittrail.VerificationVerified {
		report.Severity = DriftCritical
		report.Details = append(report.Details, fmt.Sprintf("audit chain itself is %s at seq %d: %s", auditTail.Status, auditTail.FirstBadSeq, auditTail.FailureReason))
	}

	report.Sampled = len(sample)
	report.PendingAudit = l.PendingAuditCount()
	if report.PendingAudit > 0 && report.Severity == DriftNone {
		report.Severity = DriftWarning
		report.Details = append(report.Details, fmt.Sprintf("%d ledger entries awaiting async audit delivery", report.PendingAudit))
	}

	return report, nil
}

// NewIdempotencyKey is a small helper for callers building provider-facing
// idempotency keys off a ledger write, kept here rather than duplicated at
// each call site.
func NewIdempotencyKey(prefix string) string { return idgen.WithPrefix(prefix) }
