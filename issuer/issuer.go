// Package issuer prices credit purchases and hands out the time-bounded
// payment claims returned with 402 Payment Required.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitwit/pay402/logger"
	"github.com/vitwit/pay402/metrics"
	"github.com/vitwit/pay402/types"
	"github.com/vitwit/pay402/utils"
)

// Config prices credits and bounds a single purchase.
type Config struct {
	CreditsPerUnit int64
	MinPayment     decimal.Decimal
	MaxPayment     decimal.Decimal
	ClaimTTL       time.Duration

	Currency types.Currency
	// Decimals of the settlement currency.
	Decimals int
	Chain    types.Network

	// Receiver of the payment.
	PayTo string
	// Also accepted as payTo when checking claims.
	FacilitatorAddress string

	// Credit name used in the claim reason, e.g. "PAY402".
	CreditSymbol string
}

// Issuer creates and tracks payment claims.
type Issuer struct {
	cfg     Config
	store   ClaimStore
	logger  logger.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

type Option func(*Issuer)

func WithLogger(l logger.Logger) Option {
	return func(i *Issuer) { i.logger = l }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(i *Issuer) { i.metrics = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

func New(cfg Config, store ClaimStore, opts ...Option) (*Issuer, error) {
	if cfg.CreditsPerUnit <= 0 {
		return nil, fmt.Errorf("credits per unit must be positive, got %d", cfg.CreditsPerUnit)
	}
	if cfg.Decimals < 0 {
		return nil, fmt.Errorf("invalid currency decimals %d", cfg.Decimals)
	}
	if cfg.MinPayment.GreaterThan(cfg.MaxPayment) {
		return nil, fmt.Errorf("min payment %s above max payment %s", cfg.MinPayment, cfg.MaxPayment)
	}
	if cfg.ClaimTTL <= 0 {
		return nil, fmt.Errorf("claim ttl must be positive")
	}
	if err := utils.ValidateAddress(cfg.PayTo); err != nil {
		return nil, fmt.Errorf("payTo: %w", err)
	}
	if cfg.Currency == "" {
		cfg.Currency = types.CurrencyUSDC
	}
	if cfg.CreditSymbol == "" {
		cfg.CreditSymbol = "PAY402"
	}
	if store == nil {
		store = NewMemoryStore()
	}

	i := &Issuer{
		cfg:     cfg,
		store:   store,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Config returns the pricing configuration.
func (i *Issuer) Config() Config {
	return i.cfg
}

// RequiredAmountWire returns the price of credit in currency base units,
// floor(credit * 10^decimals / creditsPerUnit).
func (i *Issuer) RequiredAmountWire(credit int64) (*big.Int, error) {
	if credit <= 0 {
		return nil, types.NewValidationError(types.ErrInvalidAmount, "credit amount must be a positive integer, got %d", credit)
	}
	wire := new(big.Int).Mul(big.NewInt(credit), pow10(i.cfg.Decimals))
	return wire.Quo(wire, big.NewInt(i.cfg.CreditsPerUnit)), nil
}

// RequiredAmount returns the price of credit in whole currency units,
// floored to the currency's decimals.
func (i *Issuer) RequiredAmount(credit int64) (decimal.Decimal, error) {
	wire, err := i.RequiredAmountWire(credit)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(wire, -int32(i.cfg.Decimals)), nil
}

func (i *Issuer) inBounds(amount decimal.Decimal) bool {
	return !amount.LessThan(i.cfg.MinPayment) && !amount.GreaterThan(i.cfg.MaxPayment)
}

// CheckBounds validates credit and its price against the payment bounds.
func (i *Issuer) CheckBounds(credit int64) (decimal.Decimal, error) {
	amount, err := i.RequiredAmount(credit)
	if err != nil {
		return decimal.Zero, err
	}
	if !amount.IsPositive() {
		return decimal.Zero, &types.X402Error{
			Kind:    types.KindValidation,
			Code:    types.ErrOutOfRange,
			Message: fmt.Sprintf("%d credits cost less than the smallest %s unit", credit, i.cfg.Currency),
			Data: map[string]string{
				"min": i.cfg.MinPayment.String(),
				"max": i.cfg.MaxPayment.String(),
			},
		}
	}
	if !i.inBounds(amount) {
		return decimal.Zero, &types.X402Error{
			Kind: types.KindValidation,
			Code: types.ErrOutOfRange,
			Message: fmt.Sprintf("payment of %s %s is outside [%s, %s]",
				amount.StringFixed(int32(i.cfg.Decimals)), i.cfg.Currency, i.cfg.MinPayment, i.cfg.MaxPayment),
			Data: map[string]string{
				"min": i.cfg.MinPayment.String(),
				"max": i.cfg.MaxPayment.String(),
			},
		}
	}
	return amount, nil
}

// Quote prices credit and stores a claim for it.
func (i *Issuer) Quote(ctx context.Context, credit int64) (*types.PaymentClaim, error) {
	amount, err := i.CheckBounds(credit)
	if err != nil {
		i.metrics.IncCounter(metrics.QuotesRejected, map[string]string{"outcome": "invalid"})
		return nil, err
	}

	now := i.now()
	claim := &types.PaymentClaim{
		RequestedCredit: credit,
		RequiredAmount:  amount.StringFixed(int32(i.cfg.Decimals)),
		Currency:        i.cfg.Currency,
		Chain:           i.cfg.Chain,
		PayTo:           i.cfg.PayTo,
		Reason:          fmt.Sprintf("Mint %d %s credits", credit, i.cfg.CreditSymbol),
		CreatedAt:       now.Unix(),
		ExpiresAt:       now.Add(i.cfg.ClaimTTL).Unix(),
	}

	id, err := utils.ContentID(claim)
	if err != nil {
		return nil, fmt.Errorf("claim id: %w", err)
	}
	claim.ID = id

	if err := i.store.Put(ctx, claim, i.cfg.ClaimTTL); err != nil {
		i.metrics.IncCounter(metrics.QuotesRejected, map[string]string{"outcome": "store_error"})
		return nil, types.NewInfrastructureError(types.ErrStoreUnavailable, "store claim: %v", err)
	}

	i.metrics.IncCounter(metrics.QuotesIssued, map[string]string{"outcome": "ok"})
	i.logger.Debug("claim issued", map[string]any{
		"claim_id": claim.ID,
		"credit":   credit,
		"amount":   claim.RequiredAmount,
	})
	return claim, nil
}

// IsLiveClaim reports whether claim can still be paid: not expired, priced
// within bounds, and payable to this service.
func (i *Issuer) IsLiveClaim(claim *types.PaymentClaim) bool {
	if claim == nil || claim.Expired(i.now()) {
		return false
	}

	amount, err := decimal.NewFromString(claim.RequiredAmount)
	if err != nil || !i.inBounds(amount) {
		return false
	}

	return utils.AddressesEqual(claim.PayTo, i.cfg.PayTo) ||
		utils.AddressesEqual(claim.PayTo, i.cfg.FacilitatorAddress)
}

// Lookup returns the stored claim for id. Expired claims are evicted on read
// and reported as ErrClaimNotFound.
func (i *Issuer) Lookup(ctx context.Context, id string) (*types.PaymentClaim, error) {
	claim, err := i.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if claim.Expired(i.now()) {
		if err := i.store.Delete(ctx, id); err != nil {
			i.logger.Warn("failed to evict expired claim", map[string]any{"claim_id": id, "error": err})
		}
		i.metrics.IncCounter(metrics.ClaimsEvicted, map[string]string{"outcome": "lazy"})
		return nil, ErrClaimNotFound
	}
	return claim, nil
}

// Sweep evicts every expired claim.
func (i *Issuer) Sweep(ctx context.Context) (int, error) {
	n, err := i.store.Sweep(ctx, i.now())
	if err != nil {
		return 0, err
	}
	for k := 0; k < n; k++ {
		i.metrics.IncCounter(metrics.ClaimsEvicted, map[string]string{"outcome": "sweep"})
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (i *Issuer) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := i.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				i.logger.Warn("claim sweep failed", map[string]any{"error": err})
				continue
			}
			if n > 0 {
				i.logger.Debug("expired claims evicted", map[string]any{"count": n})
			}
		}
	}
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
