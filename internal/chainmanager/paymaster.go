package chainmanager

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/sardis-labs/paycore/internal/money"
)

var (
	ErrGasPriceTooHigh          = errors.New("chainmanager: current gas price exceeds configured maximum")
	ErrDailyGasLimitExceeded    = errors.New("chainmanager: daily gas sponsorship limit exceeded")
	ErrPaymasterBalanceTooLow   = errors.New("chainmanager: paymaster ETH balance too low to sponsor gas")
)

// weiPerETH / weiPerGwei let sponsorship math stay in integer wei while
// external-facing config (MaxGasPriceGwei, price feeds) stays human-scaled.
var (
	weiPerETH  = big.NewInt(1_000_000_000_000_000_000)
	weiPerGwei = big.NewInt(1_000_000_000)
)

// SponsorConfig controls how the platform sponsors native gas on behalf of
// agents who hold only the stablecoin, not the chain's gas token.
type SponsorConfig struct {
	// ETHPriceUSDFallback seeds the price oracle and is used if the live
	// feed is unreachable.
	ETHPriceUSDFallback float64
	// GasMarkupPct is applied on top of the raw ETH-equivalent cost, e.g.
	// 0.2 charges agents 20% over the platform's actual gas spend.
	GasMarkupPct float64
	// MinGasFee/MaxGasFee clamp the USDC-equivalent fee charged per
	// transaction regardless of computed cost.
	MinGasFee money.Amount
	MaxGasFee money.Amount
	// MaxGasPriceGwei refuses sponsorship outright above this network gas
	// price, rather than passing an unbounded cost through to the agent.
	MaxGasPriceGwei int64
	// DailyGasLimitETH bounds total platform ETH spend on sponsored gas
	// per UTC day.
	DailyGasLimitETH money.Amount
	PriceCacheTTL    time.Duration
}

// DefaultSponsorConfig mirrors the conservative defaults used elsewhere in
// the fee-sponsorship pipeline: a modest markup, a $0.0001-$1 fee band, and
// a 0.1 ETH/day ceiling.
func DefaultSponsorConfig() SponsorConfig {
	return SponsorConfig{
		ETHPriceUSDFallback: 2500.0,
		GasMarkupPct:        0.2,
		MinGasFee:           money.MustParse("0.0001"),
		MaxGasFee:           money.MustParse("1.0"),
		MaxGasPriceGwei:     100,
		DailyGasLimitETH:    money.MustParse("0.1"),
		PriceCacheTTL:       60 * time.Second,
	}
}

// FeeEstimate is the USDC-denominated cost of sponsoring one transfer's gas.
type FeeEstimate struct {
	GasLimit     uint64
	GasPriceWei  *big.Int
	GasCostETH   money.Amount
	GasCostUSDC  money.Amount
	ETHPriceUSD  float64
	TotalWithGas money.Amount
	ValidUntil   time.Time
}

// SponsorResult is the outcome of authorizing gas sponsorship for a transfer
// before it is submitted on-chain.
type SponsorResult struct {
	GasFeeUSDC   money.Amount
	TotalCharged money.Amount
	GasCostETH   money.Amount
	GasPriceWei  *big.Int
	AuthorizedAt time.Time
}

// Sponsor manages platform-paid native gas for agent stablecoin transfers,
// charging each agent the USDC-equivalent cost (with markup) out of their
// sub-ledger balance instead of requiring them to hold the gas token.
type Sponsor struct {
	client  EthClient
	oracle  *PriceOracle
	cfg     SponsorConfig
	address string

	mu           sync.Mutex
	dailySpent   money.Amount
	lastResetDay string
}

// NewSponsor creates a gas sponsor bound to a Manager's signing client.
func NewSponsor(m *Manager, cfg SponsorConfig) *Sponsor {
	return &Sponsor{
		client:     m.client,
		oracle:     NewPriceOracle(cfg.ETHPriceUSDFallback, cfg.PriceCacheTTL),
		cfg:        cfg,
		address:    m.Address(),
		dailySpent: money.Zero(),
	}
}

// EstimateFee computes the USDC-equivalent gas cost for transferring t from
// `from` to `to` at current network gas prices. The gas limit is always
// defaultGasLimit; no per-transfer gas estimate is made.
func (s *Sponsor) EstimateFee(ctx context.Context, t money.Amount, from, to string) (*FeeEstimate, error) {
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chainmanager: suggest gas price: %w", err)
	}

	maxGasPrice := new(big.Int).Mul(big.NewInt(s.cfg.MaxGasPriceGwei), weiPerGwei)
	if gasPrice.Cmp(maxGasPrice) > 0 {
		return nil, ErrGasPriceTooHigh
	}

	gasLimit := defaultGasLimit

	gasCostWei := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	gasCostETH := money.FromUnits(gasCostWei)

	ethPrice := s.oracle.GetETHPrice(ctx)
	gasCostUSD := weiToFloatETH(gasCostWei) * ethPrice * (1 + s.cfg.GasMarkupPct)
	gasCostUSDC := money.MustParse(fmt.Sprintf("%.6f", gasCostUSD))

	if gasCostUSDC.Cmp(s.cfg.MinGasFee) < 0 {
		gasCostUSDC = s.cfg.MinGasFee
	}
	if gasCostUSDC.Cmp(s.cfg.MaxGasFee) > 0 {
		gasCostUSDC = s.cfg.MaxGasFee
	}

	return &FeeEstimate{
		GasLimit:     gasLimit,
		GasPriceWei:  gasPrice,
		GasCostETH:   gasCostETH,
		GasCostUSDC:  gasCostUSDC,
		ETHPriceUSD:  ethPrice,
		TotalWithGas: t.Add(gasCostUSDC),
		ValidUntil:   time.Now().Add(30 * time.Second),
	}, nil
}

// Sponsor authorizes gas sponsorship for a transfer of amount, checking the
// daily ETH spend ceiling and recording the spend against it. The caller is
// responsible for actually debiting GasFeeUSDC from the agent's sub-ledger
// balance alongside the transfer amount.
func (s *Sponsor) Sponsor(ctx context.Context, amount money.Amount, from, to string) (*SponsorResult, error) {
	estimate, err := s.EstimateFee(ctx, amount, from, to)
	if err != nil {
		return nil, err
	}

	if err := s.checkAndRecordDailyLimit(estimate.GasCostETH); err != nil {
		return nil, err
	}

	return &SponsorResult{
		GasFeeUSDC:   estimate.GasCostUSDC,
		TotalCharged: estimate.TotalWithGas,
		GasCostETH:   estimate.GasCostETH,
		GasPriceWei:  estimate.GasPriceWei,
		AuthorizedAt: time.Now(),
	}, nil
}

// Balance returns the platform paymaster's native ETH balance.
func (s *Sponsor) Balance(ctx context.Context) (money.Amount, error) {
	if s.address == "" {
		return money.Zero(), fmt.Errorf("chainmanager: paymaster address not configured")
	}
	wei, err := s.client.BalanceAt(ctx, addressOf(s.address), nil)
	if err != nil {
		return money.Zero(), err
	}
	return money.FromUnits(wei), nil
}

// DailySpending reports today's sponsored ETH spend against the configured
// limit.
func (s *Sponsor) DailySpending() (spent, limit money.Amount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dailySpent, s.cfg.DailyGasLimitETH
}

func (s *Sponsor) checkAndRecordDailyLimit(gasCostETH money.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := time.Now().UTC().Format("2006-01-02")
	if s.lastResetDay != today {
		s.dailySpent = money.Zero()
		s.lastResetDay = today
	}

	newTotal := s.dailySpent.Add(gasCostETH)
	if newTotal.Cmp(s.cfg.DailyGasLimitETH) > 0 {
		return ErrDailyGasLimitExceeded
	}
	s.dailySpent = newTotal
	return nil
}

func weiToFloatETH(wei *big.Int) float64 {
	f := new(big.Float).SetInt(wei)
	f.Quo(f, new(big.Float).SetInt(weiPerETH))
	v, _ := f.Float64()
	return v
}
