package pay402

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/pay402/clients"
	"github.com/vitwit/pay402/issuer"
	"github.com/vitwit/pay402/settlement"
	"github.com/vitwit/pay402/types"
)

const (
	usdc     = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	payer    = "0x4444444444444444444444444444444444444444"
	receiver = "0x3333333333333333333333333333333333333333"
	txRef    = "0x9f2c1e5a7b3d4c6e8f0a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60"
)

func testConfig() Config {
	return Config{
		Pricing: issuer.Config{
			CreditsPerUnit: 10000,
			MinPayment:     decimal.RequireFromString("0.1"),
			MaxPayment:     decimal.RequireFromString("1000"),
			ClaimTTL:       10 * time.Minute,
			Decimals:       6,
			PayTo:          receiver,
		},
		Asset:   usdc,
		Timeout: time.Second,
	}
}

func newTestPay402(t *testing.T, opts ...Option) (*Pay402, *clients.MemoryLedger) {
	t.Helper()
	ledger := clients.NewMemoryLedger(clients.MemoryLedgerConfig{Asset: usdc, CreditsPerUnit: 10000})
	p, err := New(ledger, testConfig(), opts...)
	require.NoError(t, err)
	return p, ledger
}

func TestQuotePaySettle(t *testing.T) {
	p, ledger := newTestPay402(t)
	ctx := context.Background()

	claim, err := p.Quote(ctx, 10000)
	require.NoError(t, err)
	assert.Equal(t, "1.000000", claim.RequiredAmount)
	assert.Equal(t, types.NetworkLocal, claim.Chain)
	assert.Equal(t, receiver, claim.PayTo)

	ledger.AddTransfer(txRef, payer, receiver, big.NewInt(1_000_000))

	result, err := p.Verify(ctx, txRef, 10000)
	require.NoError(t, err)
	assert.True(t, result.IsValid)

	outcome, err := p.Settle(ctx, &types.SettleRequest{
		TransactionReference: txRef,
		UserAddress:          payer,
		CreditAmount:         10000,
		ClaimID:              claim.ID,
	})
	require.NoError(t, err)
	settled, ok := outcome.(types.Settled)
	require.True(t, ok, "got %#v", outcome)
	assert.Equal(t, int64(10000), settled.Record.CreditAmount)

	outcome, err = p.Settle(ctx, &types.SettleRequest{TransactionReference: txRef, UserAddress: payer, CreditAmount: 10000})
	require.NoError(t, err)
	assert.IsType(t, types.AlreadyProcessed{}, outcome)

	rec, err := p.Record(ctx, txRef)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, settled.Record.SettlementTxReference, rec.SettlementTxReference)
	assert.Equal(t, 1, ledger.SettlementCount())
}

func TestStats(t *testing.T) {
	p, ledger := newTestPay402(t)
	ctx := context.Background()

	ledger.AddTransfer(txRef, payer, receiver, big.NewInt(2_500_000))
	_, err := p.Settle(ctx, &types.SettleRequest{TransactionReference: txRef, UserAddress: payer, CreditAmount: 25000})
	require.NoError(t, err)

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "25000", stats.TotalSupply)
	assert.Equal(t, "25000", stats.TotalIssued)
	assert.Equal(t, "2.5", stats.TotalPaid)
	assert.Equal(t, "1", stats.TotalPayments)
	assert.Equal(t, "0.0001", stats.Price)
	assert.Equal(t, int64(10000), stats.CreditsPerUnit)

	user, err := p.UserStats(ctx, payer)
	require.NoError(t, err)
	assert.Equal(t, "2.5", user.TotalPaid)
	assert.Equal(t, "25000", user.TotalCredited)

	_, err = p.UserStats(ctx, "not-an-address")
	assert.True(t, types.IsCode(err, types.ErrInvalidAddress))
}

func TestStatsLedgerUnavailable(t *testing.T) {
	p, _ := newTestPay402(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Stats(ctx)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrLedgerUnavailable))
	assert.Equal(t, types.KindInfrastructure, types.KindOf(err))
}

func TestSharedDedupeStore(t *testing.T) {
	store := settlement.NewMemoryStore()
	ledger := clients.NewMemoryLedger(clients.MemoryLedgerConfig{Asset: usdc, CreditsPerUnit: 10000})
	ledger.AddTransfer(txRef, payer, receiver, big.NewInt(1_000_000))

	a, err := New(ledger, testConfig(), WithDedupeStore(store))
	require.NoError(t, err)
	b, err := New(ledger, testConfig(), WithDedupeStore(store))
	require.NoError(t, err)

	req := &types.SettleRequest{TransactionReference: txRef, UserAddress: payer, CreditAmount: 10000}
	outcome, err := a.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.IsType(t, types.Settled{}, outcome)

	outcome, err = b.Settle(context.Background(), req)
	require.NoError(t, err)
	processed, ok := outcome.(types.AlreadyProcessed)
	require.True(t, ok)
	assert.NotNil(t, processed.Record)
}

func TestNewRejectsMismatchedChain(t *testing.T) {
	ledger := clients.NewMemoryLedger(clients.MemoryLedgerConfig{Asset: usdc, CreditsPerUnit: 10000})
	cfg := testConfig()
	cfg.Pricing.Chain = types.NetworkBase

	_, err := New(ledger, cfg)
	assert.True(t, types.IsCode(err, types.ErrUnsupportedNetwork))

	cfg = testConfig()
	cfg.Asset = "usdc"
	_, err = New(ledger, cfg)
	assert.True(t, types.IsCode(err, types.ErrConfigError))
}

func TestInfo(t *testing.T) {
	p, _ := newTestPay402(t)
	info := p.Info()

	assert.Equal(t, Version, info.Version)
	assert.Equal(t, "1 USDC = 10000 PAY402", info.Rate)
	assert.Equal(t, "0.1", info.MinPayment)
	assert.Equal(t, "1000", info.MaxPayment)
	assert.Equal(t, int64(600), info.ClaimTTLSecond)
}

func TestNewRejectsShortLease(t *testing.T) {
	ledger := clients.NewMemoryLedger(clients.MemoryLedgerConfig{Asset: usdc, CreditsPerUnit: 10000})

	_, err := New(ledger, testConfig(), WithLease(2*time.Second))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfigError), "got %v", err)

	_, err = New(ledger, testConfig(), WithLease(3*time.Second))
	assert.NoError(t, err)
}

// flakyLedger fails the first transaction read with a connection error.
type flakyLedger struct {
	*clients.MemoryLedger
	calls atomic.Int32
}

func (f *flakyLedger) GetTransaction(ctx context.Context, ref string) (*types.LedgerTransaction, error) {
	if f.calls.Add(1) == 1 {
		return nil, &clients.LedgerError{Kind: clients.KindConnection, Op: "get_transaction", Err: errors.New("connection reset")}
	}
	return f.MemoryLedger.GetTransaction(ctx, ref)
}

func TestVerifyRetriesConnectionErrors(t *testing.T) {
	ledger := &flakyLedger{MemoryLedger: clients.NewMemoryLedger(clients.MemoryLedgerConfig{Asset: usdc, CreditsPerUnit: 10000})}
	ledger.AddTransfer(txRef, payer, receiver, big.NewInt(1_000_000))
	p, err := New(ledger, testConfig())
	require.NoError(t, err)

	result, err := p.Verify(context.Background(), txRef, 10000)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, int32(2), ledger.calls.Load())
}
