package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind groups error codes by how callers should react to them.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindPayment        ErrorKind = "payment"
	KindConflict       ErrorKind = "conflict"
	KindInfrastructure ErrorKind = "infrastructure"
)

// HTTPStatus maps the kind onto the status code of the 402 protocol.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindPayment:
		return http.StatusPaymentRequired
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error types
type X402Error struct {
	Kind    ErrorKind   `json:"-"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e X402Error) Error() string {
	return e.Message
}

// Common error codes
const (
	ErrInvalidPayload     = "INVALID_PAYLOAD"
	ErrMissingField       = "MISSING_FIELD"
	ErrInvalidAmount      = "INVALID_AMOUNT"
	ErrOutOfRange         = "OUT_OF_RANGE"
	ErrInvalidAddress     = "INVALID_ADDRESS"
	ErrInvalidReference   = "INVALID_REFERENCE"
	ErrPaymentInvalid     = "PAYMENT_INVALID"
	ErrAlreadyProcessed   = "ALREADY_PROCESSED"
	ErrSettlementPending  = "SETTLEMENT_PENDING"
	ErrSettlementFailed   = "SETTLEMENT_FAILED"
	ErrLedgerUnavailable  = "LEDGER_UNAVAILABLE"
	ErrStoreUnavailable   = "STORE_UNAVAILABLE"
	ErrUnsupportedNetwork = "UNSUPPORTED_NETWORK"
	ErrConfigError        = "CONFIG_ERROR"
)

// NewValidationError builds a 400-class error.
func NewValidationError(code, format string, args ...interface{}) *X402Error {
	return &X402Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewInfrastructureError builds a 500-class error.
func NewInfrastructureError(code, format string, args ...interface{}) *X402Error {
	return &X402Error{Kind: KindInfrastructure, Code: code, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, treating anything that is not an
// X402Error as an infrastructure failure.
func KindOf(err error) ErrorKind {
	var xe *X402Error
	if errors.As(err, &xe) && xe.Kind != "" {
		return xe.Kind
	}
	return KindInfrastructure
}

// IsCode reports whether err is an X402Error carrying code.
func IsCode(err error, code string) bool {
	var xe *X402Error
	return errors.As(err, &xe) && xe.Code == code
}
