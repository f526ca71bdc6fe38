// Package reconciliation compares the sub-ledger's view of treasury funds
// against the chain's and classifies any discrepancy found.
package reconciliation

import (
	"context"
	"fmt"

	"github.com/sardis-labs/paycore/internal/money"
)

// BalanceSummer returns the sum of all agent balances in the sub-ledger.
type BalanceSummer interface {
	SumAllBalances(ctx context.Context) (available, pending, escrowed money.Amount, err error)
}

// ChainBalanceProvider returns the platform wallet's on-chain balance.
type ChainBalanceProvider interface {
	PlatformBalance(ctx context.Context) (money.Amount, error)
}

// DiscrepancyClass buckets a mismatch by likely cause so an operator or an
// automated resolver knows what to do next.
type DiscrepancyClass string

const (
	// ClassNone means the mismatch is within the alert threshold and is
	// treated as settlement-timing noise, not a real discrepancy.
	ClassNone DiscrepancyClass = "none"
	// ClassInFlight suggests a settlement is mid-flight: submitted
	// on-chain but not yet confirmed back into the ledger, or vice versa.
	ClassInFlight DiscrepancyClass = "in_flight"
	// ClassShortfall means the chain holds less than the ledger believes
	// agents are owed — a potential fund-loss incident requiring halt.
	ClassShortfall DiscrepancyClass = "shortfall"
	// ClassSurplus means the chain holds more than the ledger accounts
	// for — often an unrecorded deposit or a reconciliation bug.
	ClassSurplus DiscrepancyClass = "surplus"
)

// Resolution is the recommended next action for a classified discrepancy.
type Resolution string

const (
	ResolutionNone          Resolution = "none"
	ResolutionWaitAndRecheck Resolution = "wait_and_recheck"
	ResolutionHaltSettlement Resolution = "halt_settlement"
	ResolutionInvestigate    Resolution = "investigate"
)

// OnChainResult holds the outcome of a reconciliation check.
type OnChainResult struct {
	Match           bool
	PlatformBalance money.Amount
	LedgerTotal     money.Amount
	Diff            money.Amount
	Class           DiscrepancyClass
	Resolution      Resolution
}

// Service performs reconciliation between the sub-ledger and on-chain state.
type Service struct {
	summer          BalanceSummer
	chain           ChainBalanceProvider
	alertThreshold  money.Amount
	inFlightWindow  money.Amount // magnitude below which a diff is presumed in-flight settlement
}

// NewService creates a reconciliation service with a $1-equivalent default
// alert threshold and a $100-equivalent in-flight tolerance band.
func NewService(summer BalanceSummer, chain ChainBalanceProvider) *Service {
	return &Service{
		summer:         summer,
		chain:          chain,
		alertThreshold: money.MustParse("1"),
		inFlightWindow: money.MustParse("100"),
	}
}

// SetAlertThreshold sets the absolute-difference threshold above which a
// mismatch is no longer treated as rounding/timing noise.
func (s *Service) SetAlertThreshold(amount money.Amount) {
	s.alertThreshold = amount
}

// SetInFlightWindow sets the magnitude below which a nonzero discrepancy is
// classified as a likely in-flight settlement rather than a shortfall.
func (s *Service) SetInFlightWindow(amount money.Amount) {
	s.inFlightWindow = amount
}

// ReconcileOnChain compares the ledger sum against the on-chain balance and
// classifies the result.
func (s *Service) ReconcileOnChain(ctx context.Context) (*OnChainResult, error) {
	avail, pend, escrow, err := s.summer.SumAllBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("sum ledger balances: %w", err)
	}
	ledgerTotal := avail.Add(pend).Add(escrow)

	chainBal, err := s.chain.PlatformBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("get on-chain balance: %w", err)
	}

	diff := chainBal.Sub(ledgerTotal)
	absDiff := diff
	if absDiff.IsNegative() {
		absDiff = absDiff.Neg()
	}

	result := &OnChainResult{
		Match:           absDiff.Cmp(s.alertThreshold) <= 0,
		PlatformBalance: chainBal,
		LedgerTotal:     ledgerTotal,
		Diff:            diff,
	}
	result.Class, result.Resolution = classify(diff, absDiff, s.alertThreshold, s.inFlightWindow)
	return result, nil
}

func classify(diff, absDiff, alertThreshold, inFlightWindow money.Amount) (DiscrepancyClass, Resolution) {
	if absDiff.Cmp(alertThreshold) <= 0 {
		return ClassNone, ResolutionNone
	}
	if absDiff.Cmp(inFlightWindow) <= 0 {
		return ClassInFlight, ResolutionWaitAndRecheck
	}
	if diff.IsNegative() {
		return ClassShortfall, ResolutionHaltSettlement
	}
	return ClassSurplus, ResolutionInvestigate
}
