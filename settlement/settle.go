package settlement

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vitwit/pay402/clients"
	"github.com/vitwit/pay402/issuer"
	"github.com/vitwit/pay402/logger"
	"github.com/vitwit/pay402/metrics"
	"github.com/vitwit/pay402/types"
	"github.com/vitwit/pay402/utils"
	"github.com/vitwit/pay402/verification"
)

// Settler turns a proof of payment into a one-time credit grant.
type Settler interface {
	Settle(ctx context.Context, req *types.SettleRequest) (types.SettlementOutcome, error)
}

// ClaimIssuer is the part of issuer.Issuer the coordinator needs.
type ClaimIssuer interface {
	Quote(ctx context.Context, credit int64) (*types.PaymentClaim, error)
	Lookup(ctx context.Context, id string) (*types.PaymentClaim, error)
	IsLiveClaim(claim *types.PaymentClaim) bool
	CheckBounds(credit int64) (decimal.Decimal, error)
	RequiredAmountWire(credit int64) (*big.Int, error)
}

// LedgerWriter performs the settlement write.
type LedgerWriter interface {
	SubmitSettlement(ctx context.Context, user string, amount *big.Int, ref string) (*types.SettlementReceipt, error)
}

var _ ClaimIssuer = (*issuer.Issuer)(nil)

// SettlementService is the idempotency gate in front of the ledger write.
// At most one Settle call per transaction reference reaches the write; every
// other call observes AlreadyProcessed.
type SettlementService struct {
	issuer   ClaimIssuer
	verifier verification.Verifier
	ledger   LedgerWriter
	store    DedupeStore
	receiver string

	timeout time.Duration
	lease   time.Duration
	locks   *keyedMutex

	logger  logger.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

var _ Settler = (*SettlementService)(nil)

type Option func(*SettlementService)

func WithLogger(l logger.Logger) Option {
	return func(s *SettlementService) { s.logger = l }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *SettlementService) { s.metrics = r }
}

// WithStore replaces the default in-memory dedupe store.
func WithStore(store DedupeStore) Option {
	return func(s *SettlementService) { s.store = store }
}

// WithLease sets how long a reservation survives if its holder dies
// before committing or releasing it. Leases of at most MinLease(timeout)
// are raised to DefaultLease(timeout).
func WithLease(d time.Duration) Option {
	return func(s *SettlementService) {
		if d > 0 {
			s.lease = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *SettlementService) { s.now = now }
}

// NewSettlementService creates a coordinator that pays credits for transfers
// to receiver. timeout bounds each ledger write.
func NewSettlementService(
	iss ClaimIssuer,
	verifier verification.Verifier,
	ledger LedgerWriter,
	receiver string,
	timeout time.Duration,
	opts ...Option,
) *SettlementService {
	s := &SettlementService{
		issuer:   iss,
		verifier: verifier,
		ledger:   ledger,
		store:    NewMemoryStore(),
		receiver: receiver,
		timeout:  timeout,
		lease:    DefaultLease(timeout),
		locks:    newKeyedMutex(),
		logger:   logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.lease <= MinLease(timeout) {
		s.logger.Warn("settlement lease too short for the ledger timeout, raising it", map[string]any{
			"lease":   s.lease.String(),
			"timeout": timeout.String(),
		})
		s.lease = DefaultLease(timeout)
	}
	return s
}

// MinLease is the bound a reservation lease must exceed: one settle call
// spends up to timeout verifying and up to timeout writing.
func MinLease(timeout time.Duration) time.Duration {
	return 2 * timeout
}

// DefaultLease is the lease used when none, or one too short, is given.
func DefaultLease(timeout time.Duration) time.Duration {
	if d := 4 * timeout; d > 2*time.Minute {
		return d
	}
	return 2 * time.Minute
}

// Settle verifies req and grants its credit exactly once. The error return
// is reserved for invalid requests; every other result is an outcome.
func (s *SettlementService) Settle(ctx context.Context, req *types.SettleRequest) (types.SettlementOutcome, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	start := time.Now()
	ref := utils.NormalizeReference(req.TransactionReference)
	log := s.logger.With(map[string]any{"tx": ref, "user": req.UserAddress, "credit": req.CreditAmount})

	outcome := s.settle(ctx, log, ref, req)

	label := outcomeLabel(outcome)
	s.metrics.IncCounter(metrics.Settlements, map[string]string{"outcome": label})
	s.metrics.ObserveLatency(metrics.OperationSettle, time.Since(start), map[string]string{"outcome": label})
	return outcome, nil
}

func (s *SettlementService) validate(req *types.SettleRequest) error {
	if req == nil {
		return types.NewValidationError(types.ErrInvalidPayload, "missing settlement request")
	}
	if err := utils.ValidateStruct(req); err != nil {
		return err
	}
	if err := utils.ValidateTransactionHash(req.TransactionReference); err != nil {
		return types.NewValidationError(types.ErrInvalidReference, "%v", err)
	}
	if err := utils.ValidateAddress(req.UserAddress); err != nil {
		return types.NewValidationError(types.ErrInvalidAddress, "%v", err)
	}
	_, err := s.issuer.CheckBounds(req.CreditAmount)
	return err
}

func (s *SettlementService) settle(ctx context.Context, log logger.Logger, ref string, req *types.SettleRequest) types.SettlementOutcome {
	unlock := s.locks.Lock(ref)
	defer unlock()

	owner := uuid.NewString()
	status, existing, err := s.store.Reserve(ctx, ref, owner, s.lease)
	if err != nil {
		log.Error("dedupe store unavailable", map[string]any{"error": err})
		return types.Failed{Reason: "dedupe store unavailable", Err: err}
	}
	switch status {
	case StatusSettled:
		log.Info("payment already processed", nil)
		return types.AlreadyProcessed{TransactionReference: ref, Record: existing}
	case StatusInFlight:
		log.Info("payment settlement in progress elsewhere", nil)
		return types.AlreadyProcessed{TransactionReference: ref, Pending: true}
	}

	// From here on the reservation is ours and must be committed or released.
	cleanupCtx := context.WithoutCancel(ctx)

	if req.ClaimID != "" {
		if rejected, failed := s.checkClaim(ctx, log, req); rejected != nil || failed != nil {
			s.release(cleanupCtx, log, ref, owner)
			if failed != nil {
				return *failed
			}
			return *rejected
		}
	}

	wire, err := s.issuer.RequiredAmountWire(req.CreditAmount)
	if err != nil {
		s.release(cleanupCtx, log, ref, owner)
		return types.Failed{Reason: "price unavailable", Err: err}
	}

	result, err := s.verifier.Verify(ctx, ref, wire, s.receiver)
	if err != nil {
		s.release(cleanupCtx, log, ref, owner)
		log.Warn("verification unavailable", map[string]any{"error": err})
		return types.Failed{Reason: "verification unavailable", Err: err}
	}
	if !result.IsValid {
		s.release(cleanupCtx, log, ref, owner)
		return s.reject(ctx, log, result.FailureReason, result.Error, req.CreditAmount)
	}

	receipt, err := s.submit(ctx, req.UserAddress, wire, ref)
	switch {
	case errors.Is(err, clients.ErrAlreadySettled):
		// The ledger has this payment from an earlier run whose local commit
		// was lost. Record it so later calls stop at the store.
		tombstone := &types.SettlementRecord{
			TransactionReference: ref,
			UserAddress:          req.UserAddress,
			CreditAmount:         req.CreditAmount,
			RequiredAmount:       wire.String(),
			SettledAt:            s.now().UTC(),
		}
		if cerr := s.store.Commit(cleanupCtx, owner, tombstone); cerr != nil {
			log.Error("failed to record ledger-settled payment", map[string]any{"error": cerr})
		}
		log.Info("ledger reports payment already settled", nil)
		return types.AlreadyProcessed{TransactionReference: ref}
	case err != nil:
		s.release(cleanupCtx, log, ref, owner)
		log.Error("settlement write failed", map[string]any{"error": err})
		return types.Failed{Reason: "settlement write failed", Err: err}
	}

	record := types.SettlementRecord{
		TransactionReference:  ref,
		UserAddress:           req.UserAddress,
		CreditAmount:          req.CreditAmount,
		RequiredAmount:        wire.String(),
		SettlementTxReference: receipt.TxHash,
		SettledAt:             s.now().UTC(),
	}
	if err := s.store.Commit(cleanupCtx, owner, &record); err != nil {
		// The ledger guard still refuses a second write for ref.
		log.Error("failed to commit settlement record", map[string]any{"error": err, "settlement_tx": receipt.TxHash})
	}

	log.Info("payment settled", map[string]any{"settlement_tx": receipt.TxHash})
	return types.Settled{Record: record}
}

// checkClaim validates the claim the payment answers. It returns a rejection
// for a dead or mismatched claim and a failure if the store is unreachable.
func (s *SettlementService) checkClaim(ctx context.Context, log logger.Logger, req *types.SettleRequest) (*types.Rejected, *types.Failed) {
	claim, err := s.issuer.Lookup(ctx, req.ClaimID)
	switch {
	case errors.Is(err, issuer.ErrClaimNotFound):
		r := s.reject(ctx, log, types.FailureClaimExpired, "payment claim expired or unknown", req.CreditAmount)
		return &r, nil
	case err != nil:
		return nil, &types.Failed{Reason: "claim store unavailable", Err: err}
	}

	if !s.issuer.IsLiveClaim(claim) {
		r := s.reject(ctx, log, types.FailureClaimExpired, "payment claim is no longer valid", req.CreditAmount)
		return &r, nil
	}
	if claim.RequestedCredit != req.CreditAmount {
		r := s.reject(ctx, log, types.FailureClaimMismatch, "credit amount does not match the payment claim", req.CreditAmount)
		return &r, nil
	}
	return nil, nil
}

// reject builds a Rejected outcome with a fresh claim for the same credit.
func (s *SettlementService) reject(ctx context.Context, log logger.Logger, reason types.FailureReason, detail string, credit int64) types.Rejected {
	log.Info("payment rejected", map[string]any{"reason": reason, "detail": detail})

	claim, err := s.issuer.Quote(ctx, credit)
	if err != nil {
		log.Warn("failed to issue replacement claim", map[string]any{"error": err})
	}
	return types.Rejected{Reason: reason, Detail: detail, Claim: claim}
}

func (s *SettlementService) submit(ctx context.Context, user string, amount *big.Int, ref string) (*types.SettlementReceipt, error) {
	start := time.Now()

	writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	receipt, err := s.ledger.SubmitSettlement(writeCtx, user, amount, ref)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		var le *clients.LedgerError
		if errors.As(err, &le) {
			outcome = string(le.Kind)
		}
	}
	s.metrics.IncCounter(metrics.LedgerCalls, map[string]string{"outcome": outcome})
	s.metrics.ObserveLatency(metrics.OperationLedgerCall, time.Since(start), map[string]string{"outcome": outcome})
	return receipt, err
}

func (s *SettlementService) release(ctx context.Context, log logger.Logger, ref, owner string) {
	if err := s.store.Release(ctx, ref, owner); err != nil {
		log.Warn("failed to release reservation", map[string]any{"error": err})
	}
}

// Record returns the settlement record for ref, or nil if ref has not been
// settled.
func (s *SettlementService) Record(ctx context.Context, ref string) (*types.SettlementRecord, error) {
	return s.store.Get(ctx, utils.NormalizeReference(ref))
}

func outcomeLabel(o types.SettlementOutcome) string {
	switch v := o.(type) {
	case types.Settled:
		return "settled"
	case types.Rejected:
		return "rejected_" + string(v.Reason)
	case types.AlreadyProcessed:
		if v.Pending {
			return "pending"
		}
		return "already_processed"
	case types.Failed:
		return "failed"
	default:
		return "unknown"
	}
}
