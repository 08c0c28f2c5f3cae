package issuer

import (
	"context"
	"errors"
	"time"

	"github.com/vitwit/pay402/types"
)

// ErrClaimNotFound is returned for unknown and expired claims alike.
var ErrClaimNotFound = errors.New("payment claim not found")

// ClaimStore holds outstanding claims until they expire.
type ClaimStore interface {
	// Put stores claim until ttl elapses. Storing an existing id overwrites it.
	Put(ctx context.Context, claim *types.PaymentClaim, ttl time.Duration) error
	// Get returns ErrClaimNotFound when id is unknown.
	Get(ctx context.Context, id string) (*types.PaymentClaim, error)
	Delete(ctx context.Context, id string) error
	// Sweep removes every claim that expired before now and reports how many.
	Sweep(ctx context.Context, now time.Time) (int, error)
}
