package fiatorchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/sardis-labs/paycore/internal/audittrail"
	"github.com/sardis-labs/paycore/internal/money"
	"github.com/sardis-labs/paycore/internal/subledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTreasury struct {
	withdrawErr  error
	fundCardErr  error
	withdrawCall int
	fundCardCall int
}

func (f *fakeTreasury) Deposit(ctx context.Context, externalAccountID string, amount money.Amount, idempotencyKey string) (string, error) {
	return "dep_ref", nil
}

func (f *fakeTreasury) Withdraw(ctx context.Context, externalAccountID string, amount money.Amount, idempotencyKey string) (string, error) {
	f.withdrawCall++
	if f.withdrawErr != nil {
		return "", f.withdrawErr
	}
	return "wd_ref", nil
}

func (f *fakeTreasury) FundCard(ctx context.Context, cardID string, amount money.Amount, idempotencyKey string) (string, error) {
	f.fundCardCall++
	if f.fundCardErr != nil {
		return "", f.fundCardErr
	}
	return "fc_ref", nil
}

type fakeRamp struct {
	status string
	err    error
}

func (f *fakeRamp) RequestOffRamp(ctx context.Context, agentID, walletAddress, chain string, amount money.Amount) (OffRampSession, error) {
	if f.err != nil {
		return OffRampSession{}, f.err
	}
	return OffRampSession{SessionID: "sess_1", Provider: "test-ramp", Status: f.status}, nil
}

func newTestService(treasury *fakeTreasury, ramp OffRampRouter) *Service {
	ledger := subledger.New(subledger.NewMemoryStore(), audittrail.New(audittrail.NewMemoryStore()))
	return New(ledger, treasury, ramp, nil)
}

func TestDeposit_CreditsSubLedger(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(&fakeTreasury{}, nil)

	result := svc.Deposit(ctx, "agent_1", money.MustParse("100"), "0xabc", "ach")
	assert.Equal(t, StatusCompleted, result.Status)
	assert.NotEmpty(t, result.SubLedgerEntryID)

	bal, err := svc.ledger.GetBalance(ctx, "agent_1")
	require.NoError(t, err)
	assert.Equal(t, "100.0", bal.Available.String())
}

func TestWithdrawToBank_InsufficientBalanceFailsFast(t *testing.T) {
	ctx := context.Background()
	treasury := &fakeTreasury{}
	svc := newTestService(treasury, nil)

	result := svc.WithdrawToBank(ctx, "agent_1", money.MustParse("50"), "acct_ext", "")
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 0, treasury.withdrawCall, "treasury must not be called when balance is insufficient")
}

func TestWithdrawToBank_HappyPath(t *testing.T) {
	ctx := context.Background()
	treasury := &fakeTreasury{}
	svc := newTestService(treasury, nil)
	svc.Deposit(ctx, "agent_1", money.MustParse("100"), "0xabc", "ach")

	result := svc.WithdrawToBank(ctx, "agent_1", money.MustParse("40"), "acct_ext", "")
	assert.Equal(t, StatusPending, result.Status)
	assert.Equal(t, "wd_ref", result.TreasuryRef)

	bal, err := svc.ledger.GetBalance(ctx, "agent_1")
	require.NoError(t, err)
	assert.Equal(t, "60.0", bal.Available.String())
}

func TestWithdrawToBank_ProviderFailureCompensates(t *testing.T) {
	ctx := context.Background()
	treasury := &fakeTreasury{withdrawErr: errors.New("bank rail down")}
	svc := newTestService(treasury, nil)
	svc.Deposit(ctx, "agent_1", money.MustParse("100"), "0xabc", "ach")

	result := svc.WithdrawToBank(ctx, "agent_1", money.MustParse("40"), "acct_ext", "")
	assert.Equal(t, StatusFailed, result.Status)

	bal, err := svc.ledger.GetBalance(ctx, "agent_1")
	require.NoError(t, err)
	assert.Equal(t, "100.0", bal.Available.String(), "the debit must be rolled back after the treasury call fails")
}

func TestFundCardFromCrypto_PendingDoesNotTouchBalance(t *testing.T) {
	ctx := context.Background()
	treasury := &fakeTreasury{}
	svc := newTestService(treasury, &fakeRamp{status: "pending"})

	result := svc.FundCardFromCrypto(ctx, "agent_1", money.MustParse("50"), "0xagentwallet", "base")
	assert.Equal(t, StatusPending, result.Status)
	assert.Equal(t, 0, treasury.fundCardCall)

	bal, err := svc.ledger.GetBalance(ctx, "agent_1")
	require.NoError(t, err)
	assert.True(t, bal.Available.IsZero())
}

func TestFundCardFromCrypto_CompletedCreditsAndFundsCard(t *testing.T) {
	ctx := context.Background()
	treasury := &fakeTreasury{}
	svc := newTestService(treasury, &fakeRamp{status: "completed"})

	result := svc.FundCardFromCrypto(ctx, "agent_1", money.MustParse("50"), "0xagentwallet", "base")
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 1, treasury.fundCardCall)

	bal, err := svc.ledger.GetBalance(ctx, "agent_1")
	require.NoError(t, err)
	assert.Equal(t, "50.0", bal.Available.String())
}

func TestFundCardFromCrypto_NoRampConfigured(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(&fakeTreasury{}, nil)

	result := svc.FundCardFromCrypto(ctx, "agent_1", money.MustParse("50"), "0xagentwallet", "base")
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, ErrRampNotConfigured.Error(), result.Error)
}
