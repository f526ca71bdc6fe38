package chainmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sardis-labs/paycore/internal/idgen"
	"github.com/sardis-labs/paycore/internal/ports"
)

var (
	ErrBatchClosed         = errors.New("chainmanager: batch already closed")
	ErrBatchRetryExhausted = errors.New("chainmanager: batch exhausted retry attempts")
)

// BatchConfig tunes when an open batch closes and submits.
type BatchConfig struct {
	MaxBatchSize     int
	MinBatchSize     int
	BatchInterval    time.Duration
	MaxRetryAttempts int
	RetryBaseDelay   time.Duration
}

// DefaultBatchConfig closes a batch at 50 settlements, or after 10 seconds
// once at least 2 have accumulated, retrying a failed submission 3 times.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize:     50,
		MinBatchSize:     2,
		BatchInterval:    10 * time.Second,
		MaxRetryAttempts: 3,
		RetryBaseDelay:   500 * time.Millisecond,
	}
}

// Settlement is one pending batched transfer request.
type Settlement struct {
	ID       string
	Transfer ports.ChainTransfer
	result   chan settlementOutcome
}

type settlementOutcome struct {
	receipt *ports.ChainReceipt
	err     error
}

// Batcher aggregates settlements for a single chain/token pair and submits
// them as one atomic chain call.
//
// A batch closes and submits on whichever comes first: size reaching
// MaxBatchSize, BatchInterval elapsing with at least MinBatchSize queued, or
// an explicit Flush call. Retries apply at the batch level: a failed batch
// retries as a whole up to MaxRetryAttempts before every settlement in it is
// marked failed.
type Batcher struct {
	mgr    *Manager
	cfg    BatchConfig
	submit func(ctx context.Context, transfers []ports.ChainTransfer) (*ports.ChainReceipt, error)

	mu      sync.Mutex
	pending []*Settlement
	timer   *time.Timer
	stopped bool
}

// NewBatcher builds a Batcher dispatching through mgr's underlying chain
// client. submitFn lets tests and alternate chains override how a closed
// batch is actually broadcast (e.g. a multicall contract); nil uses mgr's
// own Submit/Confirm pair sequentially per transfer.
func NewBatcher(mgr *Manager, cfg BatchConfig, submitFn func(ctx context.Context, transfers []ports.ChainTransfer) (*ports.ChainReceipt, error)) *Batcher {
	b := &Batcher{mgr: mgr, cfg: cfg, submit: submitFn}
	if b.submit == nil {
		b.submit = b.sequentialSubmit
	}
	return b
}

// sequentialSubmit is the default batch submission strategy absent a
// multicall contract: it submits and confirms each transfer in turn,
// returning the last receipt and treating any single failure as the whole
// batch's failure.
func (b *Batcher) sequentialSubmit(ctx context.Context, transfers []ports.ChainTransfer) (*ports.ChainReceipt, error) {
	var last *ports.ChainReceipt
	for _, t := range transfers {
		receipt, err := b.mgr.Submit(ctx, t)
		if err != nil {
			return nil, err
		}
		confirmed, err := b.mgr.Confirm(ctx, receipt.TxHash)
		if err != nil {
			return nil, err
		}
		last = confirmed
	}
	return last, nil
}

// Enqueue adds a settlement to the open batch, opening one and arming its
// interval timer if none is open, closing it immediately if this push
// reaches MaxBatchSize. The returned channel receives exactly one outcome
// once the batch this settlement landed in resolves.
func (b *Batcher) Enqueue(ctx context.Context, transfer ports.ChainTransfer) *Settlement {
	s := &Settlement{ID: idgen.WithPrefix("stl_"), Transfer: transfer, result: make(chan settlementOutcome, 1)}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		s.result <- settlementOutcome{err: ErrBatchClosed}
		return s
	}

	b.pending = append(b.pending, s)
	if len(b.pending) == 1 {
		b.armTimer()
	}
	shouldClose := len(b.pending) >= b.cfg.MaxBatchSize
	b.mu.Unlock()

	if shouldClose {
		go b.Flush(context.Background())
	}
	return s
}

// Wait blocks until s's batch resolves, returning its receipt or error.
func (s *Settlement) Wait(ctx context.Context) (*ports.ChainReceipt, error) {
	select {
	case out := <-s.result:
		return out.receipt, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Batcher) armTimer() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.cfg.BatchInterval, func() {
		b.mu.Lock()
		size := len(b.pending)
		b.mu.Unlock()
		if size >= b.cfg.MinBatchSize {
			b.Flush(context.Background())
		}
	})
}

// Flush closes the current batch (if any settlements are pending) and
// submits it, retrying the whole batch up to MaxRetryAttempts times before
// marking every settlement in it failed.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	transfers := make([]ports.ChainTransfer, len(batch))
	for i, s := range batch {
		transfers[i] = s.Transfer
	}

	receipt, err := b.submitWithRetry(ctx, transfers)
	for _, s := range batch {
		if err != nil {
			s.result <- settlementOutcome{err: err}
		} else {
			s.result <- settlementOutcome{receipt: receipt}
		}
	}
}

func (b *Batcher) submitWithRetry(ctx context.Context, transfers []ports.ChainTransfer) (*ports.ChainReceipt, error) {
	var lastErr error
	for attempt := 0; attempt <= b.cfg.MaxRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(b.cfg.RetryBaseDelay * time.Duration(attempt)):
			}
		}
		receipt, err := b.submit(ctx, transfers)
		if err == nil {
			return receipt, nil
		}
		var portsErr *ports.Error
		if errors.As(err, &portsErr) && !portsErr.Retryable() {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrBatchRetryExhausted, lastErr)
}

// Stop closes the batcher, failing any still-pending settlements and
// refusing new ones.
func (b *Batcher) Stop() {
	b.mu.Lock()
	b.stopped = true
	pending := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
	}
	b.mu.Unlock()

	for _, s := range pending {
		s.result <- settlementOutcome{err: ErrBatchClosed}
	}
}

// PendingCount reports how many settlements are queued in the current open
// batch, for tests and observability.
func (b *Batcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// internalOnlyDispatch handles ports.SettlementInternalOnly: it never calls
// the chain, returning an immediately-confirmed synthetic receipt.
func internalOnlyDispatch(transfer ports.ChainTransfer) *ports.ChainReceipt {
	return &ports.ChainReceipt{TxHash: idgen.WithPrefix("internal:"), Confirmed: true}
}

// Dispatcher routes a settlement through whichever of the three modes
// (internal_only, per_tx, batched) applies, so callers (the executor) never
// branch on mode themselves.
type Dispatcher struct {
	mgr     *Manager
	batcher *Batcher
	mode    ports.SettlementMode
}

// NewDispatcher builds a mode-aware settlement dispatcher. batcher may be
// nil unless mode is ports.SettlementBatched.
func NewDispatcher(mgr *Manager, mode ports.SettlementMode, batcher *Batcher) *Dispatcher {
	return &Dispatcher{mgr: mgr, batcher: batcher, mode: mode}
}

// Dispatch settles transfer according to the dispatcher's configured mode.
func (d *Dispatcher) Dispatch(ctx context.Context, transfer ports.ChainTransfer) (*ports.ChainReceipt, error) {
	switch d.mode {
	case ports.SettlementInternalOnly:
		return internalOnlyDispatch(transfer), nil
	case ports.SettlementBatched:
		if d.batcher == nil {
			return nil, fmt.Errorf("chainmanager: batched mode selected but no batcher configured")
		}
		s := d.batcher.Enqueue(ctx, transfer)
		return s.Wait(ctx)
	default: // ports.SettlementPerTx
		receipt, err := d.mgr.Submit(ctx, transfer)
		if err != nil {
			return nil, err
		}
		return d.mgr.Confirm(ctx, receipt.TxHash)
	}
}
