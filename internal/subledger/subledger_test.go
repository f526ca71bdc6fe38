package subledger

import (
	"context"
	"testing"

	"github.com/sardis-labs/paycore/internal/audittrail"
	"github.com/sardis-labs/paycore/internal/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger() *SubLedger {
	return New(NewMemoryStore(), audittrail.New(audittrail.NewMemoryStore()))
}

func TestCreditDebit_HappyPath(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	require.NoError(t, l.Credit(ctx, "agent_1", money.MustParse("100"), "0xdeadbeef", "deposit"))
	bal, err := l.GetBalance(ctx, "agent_1")
	require.NoError(t, err)
	assert.Equal(t, "100.0", bal.Available.String())

	require.NoError(t, l.Debit(ctx, "agent_1", money.MustParse("40"), "ref1", "spend"))
	bal, err = l.GetBalance(ctx, "agent_1")
	require.NoError(t, err)
	assert.Equal(t, "60.0", bal.Available.String())
	assert.Equal(t, "40.0", bal.TotalOut.String())
}

func TestDebit_InsufficientBalance(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	require.NoError(t, l.Credit(ctx, "agent_1", money.MustParse("10"), "0x1", ""))

	err := l.Debit(ctx, "agent_1", money.MustParse("50"), "ref", "")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestDuplicateDeposit_Rejected(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	require.NoError(t, l.Credit(ctx, "agent_1", money.MustParse("10"), "0xsame", ""))
	err := l.Credit(ctx, "agent_1", money.MustParse("10"), "0xsame", "")
	assert.ErrorIs(t, err, ErrDuplicateDeposit)
}

func TestHoldConfirmRelease(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	require.NoError(t, l.Credit(ctx, "agent_1", money.MustParse("100"), "0x1", ""))

	require.NoError(t, l.Hold(ctx, "agent_1", money.MustParse("30"), "ref"))
	bal, _ := l.GetBalance(ctx, "agent_1")
	assert.Equal(t, "70.0", bal.Available.String())
	assert.Equal(t, "30.0", bal.Pending.String())

	require.NoError(t, l.ConfirmHold(ctx, "agent_1", money.MustParse("30"), "ref"))
	bal, _ = l.GetBalance(ctx, "agent_1")
	assert.Equal(t, "0.0", bal.Pending.String())
	assert.Equal(t, "30.0", bal.TotalOut.String())
}

func TestHold_ReleaseOnFailure(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	require.NoError(t, l.Credit(ctx, "agent_1", money.MustParse("100"), "0x1", ""))
	require.NoError(t, l.Hold(ctx, "agent_1", money.MustParse("30"), "ref"))
	require.NoError(t, l.ReleaseHold(ctx, "agent_1", money.MustParse("30"), "ref"))

	bal, _ := l.GetBalance(ctx, "agent_1")
	assert.Equal(t, "100.0", bal.Available.String())
	assert.Equal(t, "0.0", bal.Pending.String())
}

func TestTransfer_MovesFundsBothSides(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	require.NoError(t, l.Credit(ctx, "agent_a", money.MustParse("100"), "0x1", ""))

	require.NoError(t, l.Transfer(ctx, "agent_a", "agent_b", money.MustParse("25"), "pay"))

	balA, _ := l.GetBalance(ctx, "agent_a")
	balB, _ := l.GetBalance(ctx, "agent_b")
	assert.Equal(t, "75.0", balA.Available.String())
	assert.Equal(t, "25.0", balB.Available.String())
}

func TestReverse_RestoresBalanceAndKeepsHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := New(store, nil)
	require.NoError(t, l.Credit(ctx, "agent_1", money.MustParse("50"), "0x1", ""))

	history, err := l.GetHistory(ctx, "agent_1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	entryID := history[0].ID

	require.NoError(t, l.Reverse(ctx, entryID, "duplicate deposit", "admin_1"))

	bal, _ := l.GetBalance(ctx, "agent_1")
	assert.True(t, bal.Available.IsZero())

	err = l.Reverse(ctx, entryID, "again", "admin_1")
	assert.ErrorIs(t, err, ErrAlreadyReversed)
}

func TestCanSpend(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	require.NoError(t, l.Credit(ctx, "agent_1", money.MustParse("20"), "0x1", ""))

	ok, err := l.CanSpend(ctx, "agent_1", money.MustParse("15"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.CanSpend(ctx, "agent_1", money.MustParse("25"))
	require.NoError(t, err)
	assert.False(t, ok)
}
