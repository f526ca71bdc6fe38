package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically runs on-chain reconciliation checks against the
// sub-ledger.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a reconciliation timer with a 5-minute default interval.
func NewTimer(service *Service, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		interval: 5 * time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the default polling interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	t.interval = d
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic reconciliation loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
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
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	start := time.Now()
	result, err := t.service.ReconcileOnChain(ctx)
	reconcileDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		reconcileErrors.Inc()
		t.logger.Warn("reconciliation run failed", "error", err)
		return
	}

	recordMetrics(result)
	if !result.Match {
		t.logger.Warn("ledger/chain reconciliation mismatch",
			"class", result.Class, "resolution", result.Resolution,
			"diff", result.Diff.String(), "ledgerTotal", result.LedgerTotal.String(),
			"platformBalance", result.PlatformBalance.String())
	}
}
