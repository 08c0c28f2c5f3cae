package clients

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
)

// ErrorKind classifies ledger failures.
type ErrorKind string

const (
	KindConnection        ErrorKind = "connection"
	KindNotFound          ErrorKind = "not_found"
	KindExecutionReverted ErrorKind = "execution_reverted"
	KindAlreadySettled    ErrorKind = "already_settled"
)

// Sentinels for errors.Is. A *LedgerError matches the sentinel of its kind.
var (
	ErrConnection        = errors.New("ledger connection error")
	ErrNotFound          = errors.New("ledger object not found")
	ErrExecutionReverted = errors.New("ledger execution reverted")
	ErrAlreadySettled    = errors.New("payment already settled on ledger")

	ErrNoSigner = errors.New("no settlement signer configured")
)

// LedgerError is returned by every Ledger method on failure.
type LedgerError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *LedgerError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

func (e *LedgerError) Is(target error) bool {
	switch target {
	case ErrConnection:
		return e.Kind == KindConnection
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrExecutionReverted:
		return e.Kind == KindExecutionReverted
	case ErrAlreadySettled:
		return e.Kind == KindAlreadySettled
	}
	return false
}

// Timeout reports whether the failure was a deadline expiring.
func (e *LedgerError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

func newLedgerError(kind ErrorKind, op string, err error) *LedgerError {
	return &LedgerError{Kind: kind, Op: op, Err: err}
}

// classify maps a raw RPC error onto a LedgerError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var le *LedgerError
	if errors.As(err, &le) {
		return le
	}

	if errors.Is(err, ethereum.NotFound) {
		return newLedgerError(KindNotFound, op, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already processed"), strings.Contains(msg, "already settled"):
		return newLedgerError(KindAlreadySettled, op, err)
	case strings.Contains(msg, "execution reverted"), strings.Contains(msg, "revert"):
		return newLedgerError(KindExecutionReverted, op, err)
	default:
		return newLedgerError(KindConnection, op, err)
	}
}
