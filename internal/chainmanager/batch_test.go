package chainmanager

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sardis-labs/paycore/internal/money"
	"github.com/sardis-labs/paycore/internal/ports"
)

func testTransfer(to string) ports.ChainTransfer {
	return ports.ChainTransfer{From: "0xplatform", To: to, Amount: money.MustParse("1")}
}

func TestDispatcher_InternalOnlyNeverTouchesChain(t *testing.T) {
	d := NewDispatcher(nil, ports.SettlementInternalOnly, nil)
	receipt, err := d.Dispatch(context.Background(), testTransfer("0xB"))
	require.NoError(t, err)
	assert.True(t, receipt.Confirmed)
}

func TestDispatcher_PerTxUsesManager(t *testing.T) {
	client := newFakeEthClient()
	client.receipt = &types.Receipt{Status: 1, BlockNumber: big.NewInt(100), GasUsed: 55000}
	m := newTestManager(t, client)
	d := NewDispatcher(m, ports.SettlementPerTx, nil)

	receipt, err := d.Dispatch(context.Background(), testTransfer("0xB"))
	require.NoError(t, err)
	assert.True(t, receipt.Confirmed)
}

func TestBatcher_ClosesOnMaxSize(t *testing.T) {
	var mu sync.Mutex
	var calls [][]ports.ChainTransfer
	submitFn := func(ctx context.Context, transfers []ports.ChainTransfer) (*ports.ChainReceipt, error) {
		mu.Lock()
		calls = append(calls, transfers)
		mu.Unlock()
		return &ports.ChainReceipt{TxHash: "0xbatch", Confirmed: true}, nil
	}
	cfg := DefaultBatchConfig()
	cfg.MaxBatchSize = 2
	cfg.BatchInterval = time.Hour // effectively disabled for this test
	b := NewBatcher(nil, cfg, submitFn)

	s1 := b.Enqueue(context.Background(), testTransfer("0xA"))
	s2 := b.Enqueue(context.Background(), testTransfer("0xB"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r1, err := s1.Wait(ctx)
	require.NoError(t, err)
	r2, err := s2.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0xbatch", r1.TxHash)
	assert.Equal(t, "0xbatch", r2.TxHash)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0], 2)
}

func TestBatcher_ClosesOnIntervalWhenMinSizeReached(t *testing.T) {
	closed := make(chan []ports.ChainTransfer, 1)
	submitFn := func(ctx context.Context, transfers []ports.ChainTransfer) (*ports.ChainReceipt, error) {
		closed <- transfers
		return &ports.ChainReceipt{TxHash: "0xbatch", Confirmed: true}, nil
	}
	cfg := DefaultBatchConfig()
	cfg.MaxBatchSize = 100
	cfg.MinBatchSize = 1
	cfg.BatchInterval = 20 * time.Millisecond
	b := NewBatcher(nil, cfg, submitFn)

	b.Enqueue(context.Background(), testTransfer("0xA"))

	select {
	case transfers := <-closed:
		assert.Len(t, transfers, 1)
	case <-time.After(time.Second):
		t.Fatal("batch never closed on interval")
	}
}

func TestBatcher_RetriesTransientFailureThenSucceeds(t *testing.T) {
	var attempts int
	submitFn := func(ctx context.Context, transfers []ports.ChainTransfer) (*ports.ChainReceipt, error) {
		attempts++
		if attempts < 2 {
			return nil, ports.NewError(ports.ErrKindTransient, "test", "rpc_error", "transient failure", nil)
		}
		return &ports.ChainReceipt{TxHash: "0xok", Confirmed: true}, nil
	}
	cfg := DefaultBatchConfig()
	cfg.MaxBatchSize = 1
	cfg.RetryBaseDelay = time.Millisecond
	b := NewBatcher(nil, cfg, submitFn)

	s := b.Enqueue(context.Background(), testTransfer("0xA"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	receipt, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0xok", receipt.TxHash)
	assert.Equal(t, 2, attempts)
}

func TestBatcher_PermanentFailureNotRetried(t *testing.T) {
	var attempts int
	submitFn := func(ctx context.Context, transfers []ports.ChainTransfer) (*ports.ChainReceipt, error) {
		attempts++
		return nil, ports.NewError(ports.ErrKindPermanent, "test", "bad_input", "permanent failure", nil)
	}
	cfg := DefaultBatchConfig()
	cfg.MaxBatchSize = 1
	b := NewBatcher(nil, cfg, submitFn)

	s := b.Enqueue(context.Background(), testTransfer("0xA"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := s.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestBatcher_ExhaustsRetriesAndFailsAllSettlements(t *testing.T) {
	submitFn := func(ctx context.Context, transfers []ports.ChainTransfer) (*ports.ChainReceipt, error) {
		return nil, ports.NewError(ports.ErrKindTransient, "test", "rpc_error", "always fails", nil)
	}
	cfg := DefaultBatchConfig()
	cfg.MaxBatchSize = 2
	cfg.MaxRetryAttempts = 2
	cfg.RetryBaseDelay = time.Millisecond
	b := NewBatcher(nil, cfg, submitFn)

	s1 := b.Enqueue(context.Background(), testTransfer("0xA"))
	s2 := b.Enqueue(context.Background(), testTransfer("0xB"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err1 := s1.Wait(ctx)
	_, err2 := s2.Wait(ctx)
	assert.ErrorIs(t, err1, ErrBatchRetryExhausted)
	assert.ErrorIs(t, err2, ErrBatchRetryExhausted)
}

func TestBatcher_StopFailsPendingSettlements(t *testing.T) {
	submitFn := func(ctx context.Context, transfers []ports.ChainTransfer) (*ports.ChainReceipt, error) {
		return &ports.ChainReceipt{Confirmed: true}, nil
	}
	cfg := DefaultBatchConfig()
	cfg.MaxBatchSize = 100
	cfg.BatchInterval = time.Hour
	b := NewBatcher(nil, cfg, submitFn)

	s := b.Enqueue(context.Background(), testTransfer("0xA"))
	b.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := s.Wait(ctx)
	assert.ErrorIs(t, err, ErrBatchClosed)
}
