package verification

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/pay402/clients"
	"github.com/vitwit/pay402/types"
)

const (
	usdc     = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	payer    = "0x4444444444444444444444444444444444444444"
	receiver = "0x3333333333333333333333333333333333333333"
	txRef    = "0x9f2c1e5a7b3d4c6e8f0a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60"
)

var oneUSDC = big.NewInt(1_000_000)

func newLedger() *clients.MemoryLedger {
	return clients.NewMemoryLedger(clients.MemoryLedgerConfig{Asset: usdc, CreditsPerUnit: 10000})
}

func TestVerifyValidPayment(t *testing.T) {
	ledger := newLedger()
	ledger.AddTransfer(txRef, payer, receiver, oneUSDC)
	svc := NewVerificationService(ledger, usdc, time.Second)

	result, err := svc.Verify(context.Background(), txRef, oneUSDC, receiver)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, payer, result.Sender)
	assert.Equal(t, receiver, result.Recipient)
	assert.Equal(t, "1000000", result.Amount)
	assert.Equal(t, uint64(1), result.Confirmations)
	assert.NotNil(t, result.Timestamp)
	assert.Empty(t, result.FailureReason)
}

func TestVerifyFailures(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*clients.MemoryLedger)
		reason types.FailureReason
	}{
		{
			name:   "unknown transaction",
			setup:  func(*clients.MemoryLedger) {},
			reason: types.FailureNotFound,
		},
		{
			name: "pending transaction",
			setup: func(l *clients.MemoryLedger) {
				l.AddTransfer(txRef, payer, receiver, oneUSDC, clients.Pending())
			},
			reason: types.FailureUnconfirmed,
		},
		{
			name: "reverted transaction",
			setup: func(l *clients.MemoryLedger) {
				l.AddTransfer(txRef, payer, receiver, oneUSDC, clients.Reverted())
			},
			reason: types.FailureExecutionFailed,
		},
		{
			name: "no transfer event",
			setup: func(l *clients.MemoryLedger) {
				l.AddTransfer(txRef, payer, receiver, oneUSDC, clients.WithoutEvent())
			},
			reason: types.FailureNoTransferFound,
		},
		{
			name: "transfer of another token",
			setup: func(l *clients.MemoryLedger) {
				l.AddTransfer(txRef, payer, receiver, oneUSDC, clients.WithAsset("0x9999999999999999999999999999999999999999"))
			},
			reason: types.FailureNoTransferFound,
		},
		{
			name: "wrong receiver",
			setup: func(l *clients.MemoryLedger) {
				l.AddTransfer(txRef, payer, "0x5555555555555555555555555555555555555555", oneUSDC)
			},
			reason: types.FailureWrongReceiver,
		},
		{
			name: "one unit short",
			setup: func(l *clients.MemoryLedger) {
				l.AddTransfer(txRef, payer, receiver, big.NewInt(999_999))
			},
			reason: types.FailureInsufficientAmount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := newLedger()
			tt.setup(ledger)
			svc := NewVerificationService(ledger, usdc, time.Second)

			result, err := svc.Verify(context.Background(), txRef, oneUSDC, receiver)
			require.NoError(t, err)
			assert.False(t, result.IsValid)
			assert.Equal(t, tt.reason, result.FailureReason)
			assert.NotEmpty(t, result.Error)
		})
	}
}

func TestVerifyAmountBoundary(t *testing.T) {
	tests := []struct {
		paid  int64
		valid bool
	}{
		{999_999, false},
		{1_000_000, true},
		{1_000_001, true},
		{50_000_000, true},
	}

	for _, tt := range tests {
		ledger := newLedger()
		ledger.AddTransfer(txRef, payer, receiver, big.NewInt(tt.paid))
		svc := NewVerificationService(ledger, usdc, time.Second)

		result, err := svc.Verify(context.Background(), txRef, oneUSDC, receiver)
		require.NoError(t, err)
		assert.Equal(t, tt.valid, result.IsValid, "paid %d", tt.paid)
	}
}

func TestVerifyReceiverIgnoresCase(t *testing.T) {
	ledger := newLedger()
	mixed := "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01"
	ledger.AddTransfer(txRef, payer, strings.ToLower(mixed), oneUSDC)
	svc := NewVerificationService(ledger, strings.ToLower(usdc), time.Second)

	result, err := svc.Verify(context.Background(), txRef, oneUSDC, "0x"+strings.ToUpper(mixed[2:]))
	require.NoError(t, err)
	assert.True(t, result.IsValid, result.Error)
}

func TestVerifyConfirmationDepth(t *testing.T) {
	ledger := newLedger()
	ledger.AddTransfer(txRef, payer, receiver, oneUSDC)
	svc := NewVerificationService(ledger, usdc, time.Second, WithMinConfirmations(3))

	result, err := svc.Verify(context.Background(), txRef, oneUSDC, receiver)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, types.FailureUnconfirmed, result.FailureReason)
	assert.Equal(t, uint64(1), result.Confirmations)

	ledger.MineBlocks(2)
	result, err = svc.Verify(context.Background(), txRef, oneUSDC, receiver)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, uint64(3), result.Confirmations)
}

func TestVerifyRejectsNonPositiveExpectation(t *testing.T) {
	svc := NewVerificationService(newLedger(), usdc, time.Second)
	_, err := svc.Verify(context.Background(), txRef, big.NewInt(0), receiver)
	assert.True(t, types.IsCode(err, types.ErrInvalidAmount))
}

// flakyLedger fails the first n transaction reads with a connection error.
type flakyLedger struct {
	*clients.MemoryLedger
	failures int32
	calls    atomic.Int32
}

func (f *flakyLedger) GetTransaction(ctx context.Context, ref string) (*types.LedgerTransaction, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, &clients.LedgerError{Kind: clients.KindConnection, Op: "get_transaction", Err: errors.New("connection refused")}
	}
	return f.MemoryLedger.GetTransaction(ctx, ref)
}

func TestVerifySurfacesInfrastructureErrors(t *testing.T) {
	ledger := &flakyLedger{MemoryLedger: newLedger(), failures: 1}
	ledger.AddTransfer(txRef, payer, receiver, oneUSDC)
	svc := NewVerificationService(ledger, usdc, time.Second)

	_, err := svc.Verify(context.Background(), txRef, oneUSDC, receiver)
	require.Error(t, err)
	assert.ErrorIs(t, err, clients.ErrConnection)
}

func TestVerifyWithRetry(t *testing.T) {
	ledger := &flakyLedger{MemoryLedger: newLedger(), failures: 2}
	ledger.AddTransfer(txRef, payer, receiver, oneUSDC)
	svc := NewVerificationService(ledger, usdc, time.Second)

	result, err := svc.VerifyWithRetry(context.Background(), txRef, oneUSDC, receiver, 3, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, int32(3), ledger.calls.Load())

	ledger = &flakyLedger{MemoryLedger: newLedger(), failures: 10}
	svc = NewVerificationService(ledger, usdc, time.Second)
	_, err = svc.VerifyWithRetry(context.Background(), txRef, oneUSDC, receiver, 2, time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, clients.ErrConnection)
	assert.Equal(t, int32(3), ledger.calls.Load())
}
