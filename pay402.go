// Package pay402 wires the x402 credit flow together: a claim issuer that
// answers with 402 Payment Required, a verifier that checks the payment on
// the ledger, and a settlement coordinator that grants each payment once.
package pay402

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitwit/pay402/clients"
	"github.com/vitwit/pay402/issuer"
	"github.com/vitwit/pay402/logger"
	"github.com/vitwit/pay402/metrics"
	"github.com/vitwit/pay402/settlement"
	"github.com/vitwit/pay402/types"
	"github.com/vitwit/pay402/utils"
	"github.com/vitwit/pay402/verification"
)

// Version information
const (
	Version         = "2.0.0"
	ProtocolVersion = types.X402Version1

	// Decimals of the credit token.
	CreditDecimals = 18
)

const (
	verifyRetries    = 2
	verifyRetryDelay = 500 * time.Millisecond
)

// Config describes what is sold and how payments are checked.
type Config struct {
	Pricing issuer.Config

	// Contract address of the settlement asset (USDC).
	Asset string

	// Bounds every ledger call and settlement write.
	Timeout time.Duration

	MinConfirmations uint64
}

// Pay402 is the main entry point of the library.
type Pay402 struct {
	cfg    Config
	ledger clients.Ledger

	issuer     *issuer.Issuer
	verifier   *verification.VerificationService
	settlement *settlement.SettlementService

	claims  issuer.ClaimStore
	dedupe  settlement.DedupeStore
	lease   time.Duration
	timeout time.Duration

	logger  logger.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

// New builds the issuer, verifier and coordinator on top of ledger.
func New(ledger clients.Ledger, cfg Config, opts ...Option) (*Pay402, error) {
	if ledger == nil {
		return nil, types.NewInfrastructureError(types.ErrConfigError, "ledger is required")
	}
	if err := utils.ValidateAddress(cfg.Asset); err != nil {
		return nil, types.NewInfrastructureError(types.ErrConfigError, "asset: %v", err)
	}
	if cfg.Pricing.Chain == "" {
		cfg.Pricing.Chain = ledger.GetNetwork()
	}
	if cfg.Pricing.Chain != ledger.GetNetwork() {
		return nil, types.NewInfrastructureError(types.ErrUnsupportedNetwork,
			"pricing chain %s does not match ledger network %s", cfg.Pricing.Chain, ledger.GetNetwork())
	}

	p := &Pay402{
		cfg:     cfg,
		ledger:  ledger,
		timeout: 30 * time.Second,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		now:     time.Now,
	}
	if cfg.Timeout > 0 {
		p.timeout = cfg.Timeout
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.lease == 0 {
		p.lease = settlement.DefaultLease(p.timeout)
	}
	if p.lease <= settlement.MinLease(p.timeout) {
		return nil, types.NewInfrastructureError(types.ErrConfigError,
			"settlement lease %s must exceed twice the ledger timeout %s", p.lease, p.timeout)
	}

	iss, err := issuer.New(cfg.Pricing, p.claims,
		issuer.WithLogger(p.logger.With(map[string]any{"component": "issuer"})),
		issuer.WithMetrics(p.metrics),
		issuer.WithClock(p.now),
	)
	if err != nil {
		return nil, types.NewInfrastructureError(types.ErrConfigError, "pricing: %v", err)
	}
	p.issuer = iss

	p.verifier = verification.NewVerificationService(ledger, cfg.Asset, p.timeout,
		verification.WithLogger(p.logger.With(map[string]any{"component": "verifier"})),
		verification.WithMetrics(p.metrics),
		verification.WithMinConfirmations(cfg.MinConfirmations),
	)

	settleOpts := []settlement.Option{
		settlement.WithLogger(p.logger.With(map[string]any{"component": "settlement"})),
		settlement.WithMetrics(p.metrics),
		settlement.WithClock(p.now),
		settlement.WithLease(p.lease),
	}
	if p.dedupe != nil {
		settleOpts = append(settleOpts, settlement.WithStore(p.dedupe))
	}
	p.settlement = settlement.NewSettlementService(iss, p.verifier, ledger, iss.Config().PayTo, p.timeout, settleOpts...)

	return p, nil
}

// Quote issues a payment claim for credit.
func (p *Pay402) Quote(ctx context.Context, credit int64) (*types.PaymentClaim, error) {
	return p.issuer.Quote(ctx, credit)
}

// Settle redeems a proof of payment. See settlement.SettlementService.Settle.
func (p *Pay402) Settle(ctx context.Context, req *types.SettleRequest) (types.SettlementOutcome, error) {
	return p.settlement.Settle(ctx, req)
}

// Verify checks ref against the price of credit without settling it.
// Ledger connection errors are retried; verification is read-only.
func (p *Pay402) Verify(ctx context.Context, ref string, credit int64) (*types.VerificationResult, error) {
	wire, err := p.issuer.RequiredAmountWire(credit)
	if err != nil {
		return nil, err
	}
	return p.verifier.VerifyWithRetry(ctx, ref, wire, p.issuer.Config().PayTo, verifyRetries, verifyRetryDelay)
}

// Record returns the settlement record of ref, or nil.
func (p *Pay402) Record(ctx context.Context, ref string) (*types.SettlementRecord, error) {
	rec, err := p.settlement.Record(ctx, ref)
	if err != nil {
		return nil, types.NewInfrastructureError(types.ErrStoreUnavailable, "load settlement record: %v", err)
	}
	return rec, nil
}

// Stats returns supply and payment totals read from the ledger.
func (p *Pay402) Stats(ctx context.Context) (*types.CreditStats, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	g, err := p.ledger.GetGlobalCreditStats(ctx)
	if err != nil {
		p.logger.Error("failed to read credit stats", map[string]any{"error": err})
		return nil, types.NewInfrastructureError(types.ErrLedgerUnavailable, "read credit stats: %v", err)
	}

	pricing := p.issuer.Config()
	return &types.CreditStats{
		TotalSupply:     utils.FormatAmountFromBigInt(g.TotalSupply, CreditDecimals),
		MaxSupply:       utils.FormatAmountFromBigInt(g.MaxSupply, CreditDecimals),
		RemainingSupply: utils.FormatAmountFromBigInt(g.RemainingSupply, CreditDecimals),
		TotalIssued:     utils.FormatAmountFromBigInt(g.TotalIssued, CreditDecimals),
		TotalPaid:       utils.FormatAmountFromBigInt(g.TotalPaid, pricing.Decimals),
		TotalPayments:   utils.FormatAmountFromBigInt(g.TotalPayments, 0),
		Price:           p.Price().String(),
		CreditsPerUnit:  pricing.CreditsPerUnit,
	}, nil
}

// UserStats returns what address has paid and been credited.
func (p *Pay402) UserStats(ctx context.Context, address string) (*types.UserStats, error) {
	if err := utils.ValidateAddress(address); err != nil {
		return nil, types.NewValidationError(types.ErrInvalidAddress, "%v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	u, err := p.ledger.GetUserCredits(ctx, address)
	if err != nil {
		p.logger.Error("failed to read user credits", map[string]any{"error": err, "address": address})
		return nil, types.NewInfrastructureError(types.ErrLedgerUnavailable, "read user credits: %v", err)
	}
	return &types.UserStats{
		TotalPaid:     utils.FormatAmountFromBigInt(u.TotalPaid, p.issuer.Config().Decimals),
		TotalCredited: utils.FormatAmountFromBigInt(u.TotalCredited, CreditDecimals),
	}, nil
}

// Price is the cost of a single credit in whole currency units.
func (p *Pay402) Price() decimal.Decimal {
	pricing := p.issuer.Config()
	return decimal.NewFromInt(1).DivRound(decimal.NewFromInt(pricing.CreditsPerUnit), int32(pricing.Decimals))
}

// Info describes the service for discovery endpoints.
type Info struct {
	Name           string        `json:"name"`
	Version        string        `json:"version"`
	X402Version    int           `json:"x402Version"`
	Network        types.Network `json:"network"`
	Currency       string        `json:"currency"`
	PayTo          string        `json:"payTo"`
	Rate           string        `json:"rate"`
	MinPayment     string        `json:"min"`
	MaxPayment     string        `json:"max"`
	ClaimTTLSecond int64         `json:"claimTtlSeconds"`
}

func (p *Pay402) Info() Info {
	pricing := p.issuer.Config()
	return Info{
		Name:           fmt.Sprintf("%s credit service", pricing.CreditSymbol),
		Version:        Version,
		X402Version:    int(ProtocolVersion),
		Network:        pricing.Chain,
		Currency:       string(pricing.Currency),
		PayTo:          pricing.PayTo,
		Rate:           fmt.Sprintf("1 %s = %d %s", pricing.Currency, pricing.CreditsPerUnit, pricing.CreditSymbol),
		MinPayment:     pricing.MinPayment.String(),
		MaxPayment:     pricing.MaxPayment.String(),
		ClaimTTLSecond: int64(pricing.ClaimTTL / time.Second),
	}
}

// RunSweeper evicts expired claims every interval until ctx is done.
func (p *Pay402) RunSweeper(ctx context.Context, interval time.Duration) {
	p.issuer.RunSweeper(ctx, interval)
}

// Network returns the network payments are accepted on.
func (p *Pay402) Network() types.Network {
	return p.ledger.GetNetwork()
}

// Close closes the ledger connection.
func (p *Pay402) Close() {
	p.verifier.Close()
}
