package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// TxTimer periodically runs the per-transaction discrepancy classifier. A
// separate lifecycle from Timer (which runs the aggregate balance check)
// since the two run at different natural cadences and one or the other may
// be disabled independently.
type TxTimer struct {
	reconciler *TxReconciler
	interval   time.Duration
	lookback   time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewTxTimer creates a per-transaction reconciliation timer with a 1-minute
// default interval and a 1-hour lookback window per run.
func NewTxTimer(reconciler *TxReconciler, logger *slog.Logger) *TxTimer {
	return &TxTimer{
		reconciler: reconciler,
		interval:   time.Minute,
		lookback:   time.Hour,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// WithInterval overrides the default polling interval.
func (t *TxTimer) WithInterval(d time.Duration) *TxTimer {
	t.interval = d
	return t
}

// WithLookback overrides the default per-run lookback window.
func (t *TxTimer) WithLookback(d time.Duration) *TxTimer {
	t.lookback = d
	return t
}

// Running reports whether the timer loop is actively running.
func (t *TxTimer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic reconciliation loop. Call in a goroutine.
func (t *TxTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *TxTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *TxTimer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in tx reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	since := time.Now().Add(-t.lookback)
	discrepancies, err := t.reconciler.Run(ctx, since)
	if err != nil {
		t.logger.Warn("tx reconciliation run failed", "error", err)
		return
	}
	if len(discrepancies) > 0 {
		t.logger.Warn("tx reconciliation found discrepancies", "count", len(discrepancies))
	}
}
