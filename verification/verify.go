package verification

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/vitwit/pay402/clients"
	"github.com/vitwit/pay402/logger"
	"github.com/vitwit/pay402/metrics"
	"github.com/vitwit/pay402/types"
	"github.com/vitwit/pay402/utils"
)

// Verifier checks a proof of payment against the ledger.
type Verifier interface {
	Verify(ctx context.Context, ref string, expectedAmount *big.Int, expectedReceiver string) (*types.VerificationResult, error)
}

// VerificationService verifies asset transfers through a Ledger. Failed
// checks are returned as invalid results; only ledger infrastructure
// failures are returned as errors.
type VerificationService struct {
	ledger           clients.Ledger
	asset            string
	timeout          time.Duration
	minConfirmations uint64
	logger           logger.Logger
	metrics          metrics.Recorder
}

var _ Verifier = (*VerificationService)(nil)

type Option func(*VerificationService)

func WithLogger(l logger.Logger) Option {
	return func(s *VerificationService) { s.logger = l }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *VerificationService) { s.metrics = r }
}

// WithMinConfirmations sets the confirmation depth a payment needs. The
// block that includes the payment counts as one.
func WithMinConfirmations(n uint64) Option {
	return func(s *VerificationService) {
		if n > 0 {
			s.minConfirmations = n
		}
	}
}

// NewVerificationService creates a verifier for transfers of asset.
func NewVerificationService(ledger clients.Ledger, asset string, timeout time.Duration, opts ...Option) *VerificationService {
	s := &VerificationService{
		ledger:           ledger,
		asset:            asset,
		timeout:          timeout,
		minConfirmations: 1,
		logger:           logger.NoopLogger{},
		metrics:          metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verify checks that ref is a confirmed, successful transfer of at least
// expectedAmount base units of the asset to expectedReceiver.
func (s *VerificationService) Verify(
	ctx context.Context,
	ref string,
	expectedAmount *big.Int,
	expectedReceiver string,
) (*types.VerificationResult, error) {
	start := time.Now()

	verifyCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.verify(verifyCtx, ref, expectedAmount, expectedReceiver)

	outcome := "valid"
	switch {
	case err != nil:
		outcome = "error"
		s.logger.Warn("payment verification errored", map[string]any{"tx": ref, "error": err})
	case !result.IsValid:
		outcome = string(result.FailureReason)
		s.logger.Info("payment rejected", map[string]any{
			"tx":     ref,
			"reason": result.FailureReason,
			"detail": result.Error,
		})
	}
	s.metrics.IncCounter(metrics.Verifications, map[string]string{"outcome": outcome})
	s.metrics.ObserveLatency(metrics.OperationVerify, time.Since(start), map[string]string{"outcome": outcome})

	return result, err
}

func (s *VerificationService) verify(
	ctx context.Context,
	ref string,
	expectedAmount *big.Int,
	expectedReceiver string,
) (*types.VerificationResult, error) {
	if expectedAmount == nil || expectedAmount.Sign() <= 0 {
		return nil, types.NewValidationError(types.ErrInvalidAmount, "expected amount must be positive")
	}

	tx, err := s.ledger.GetTransaction(ctx, ref)
	if errors.Is(err, clients.ErrNotFound) {
		return types.Fail(ref, types.FailureNotFound, "transaction not found"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	if tx.Pending() {
		return types.Fail(ref, types.FailureUnconfirmed, "transaction is not yet included in a block"), nil
	}

	receipt, err := s.ledger.GetReceipt(ctx, ref)
	if errors.Is(err, clients.ErrNotFound) {
		return types.Fail(ref, types.FailureUnconfirmed, "receipt not yet available"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	if !receipt.Succeeded {
		return types.Fail(ref, types.FailureExecutionFailed, "transaction execution failed"), nil
	}

	transfer := s.pickTransfer(receipt.Transfers, expectedReceiver)
	if transfer == nil {
		return types.Fail(ref, types.FailureNoTransferFound, fmt.Sprintf("no %s transfer in transaction", s.asset)), nil
	}

	if !utils.AddressesEqual(transfer.To, expectedReceiver) {
		r := types.Fail(ref, types.FailureWrongReceiver, fmt.Sprintf("payment sent to %s, expected %s", transfer.To, expectedReceiver))
		r.Sender, r.Recipient = transfer.From, transfer.To
		return r, nil
	}

	if transfer.Amount == nil || transfer.Amount.Cmp(expectedAmount) < 0 {
		r := types.Fail(ref, types.FailureInsufficientAmount, fmt.Sprintf("paid %s, expected at least %s", transfer.Amount, expectedAmount))
		r.Sender, r.Recipient = transfer.From, transfer.To
		r.Amount = transfer.Amount.String()
		return r, nil
	}

	head, err := s.ledger.GetBlock(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("get latest block: %w", err)
	}
	var confirmations uint64
	if head.Number >= receipt.BlockNumber {
		confirmations = head.Number - receipt.BlockNumber + 1
	}
	if confirmations < s.minConfirmations {
		r := types.Fail(ref, types.FailureUnconfirmed, fmt.Sprintf("%d of %d confirmations", confirmations, s.minConfirmations))
		r.Confirmations = confirmations
		return r, nil
	}

	block, err := s.ledger.GetBlock(ctx, new(big.Int).SetUint64(receipt.BlockNumber))
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", receipt.BlockNumber, err)
	}
	ts := block.Timestamp

	return &types.VerificationResult{
		IsValid:              true,
		TransactionReference: ref,
		Sender:               transfer.From,
		Recipient:            transfer.To,
		Amount:               transfer.Amount.String(),
		Confirmations:        confirmations,
		Timestamp:            &ts,
	}, nil
}

// pickTransfer returns the asset transfer to receiver if there is one, or
// else the first asset transfer so the mismatch can be reported.
func (s *VerificationService) pickTransfer(transfers []types.TransferEvent, receiver string) *types.TransferEvent {
	var first *types.TransferEvent
	for i := range transfers {
		t := &transfers[i]
		if !utils.AddressesEqual(t.Asset, s.asset) {
			continue
		}
		if utils.AddressesEqual(t.To, receiver) {
			return t
		}
		if first == nil {
			first = t
		}
	}
	return first
}

// VerifyWithRetry retries Verify on ledger infrastructure errors. Invalid
// results are final and returned immediately.
func (s *VerificationService) VerifyWithRetry(
	ctx context.Context,
	ref string,
	expectedAmount *big.Int,
	expectedReceiver string,
	maxRetries int,
	retryDelay time.Duration,
) (*types.VerificationResult, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		result, err := s.Verify(ctx, ref, expectedAmount, expectedReceiver)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// Input errors won't be fixed by retrying
		if types.KindOf(err) == types.KindValidation {
			return nil, err
		}
	}

	return nil, fmt.Errorf("verification failed after %d attempts: %w", maxRetries+1, lastErr)
}

// Close closes the underlying ledger connection.
func (s *VerificationService) Close() {
	s.ledger.Close()
}
