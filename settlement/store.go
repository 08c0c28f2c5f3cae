package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/vitwit/pay402/types"
)

// ReserveStatus is the state of a reference as seen by Reserve.
type ReserveStatus int

const (
	// StatusReserved means the caller now holds the in-flight marker and
	// must Commit or Release it.
	StatusReserved ReserveStatus = iota
	// StatusSettled means a settlement record already exists.
	StatusSettled
	// StatusInFlight means another caller holds the marker.
	StatusInFlight
)

func (s ReserveStatus) String() string {
	switch s {
	case StatusReserved:
		return "reserved"
	case StatusSettled:
		return "settled"
	case StatusInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// ErrNotReserved is returned by Commit when owner does not hold the
// in-flight marker for the record's reference.
var ErrNotReserved = errors.New("reference is not reserved")

// DedupeStore is the set of settled payment references. Implementations
// must be safe for concurrent use, and Reserve must be an atomic
// insert-if-absent across every process sharing the store.
//
// An in-flight marker belongs to the owner token passed to Reserve. Once
// its lease runs out another owner may take it over, after which the
// previous owner's Commit and Release no longer touch it.
type DedupeStore interface {
	// Reserve marks ref in flight for owner unless it is already settled or
	// in flight. The record is returned with StatusSettled.
	Reserve(ctx context.Context, ref, owner string, lease time.Duration) (ReserveStatus, *types.SettlementRecord, error)

	// Commit replaces owner's in-flight marker with record. Committing an
	// already settled reference is a no-op. Once committed a reference is
	// never released.
	Commit(ctx context.Context, owner string, record *types.SettlementRecord) error

	// Release drops owner's in-flight marker so the reference can be
	// retried. Markers of other owners and settled references are left
	// untouched.
	Release(ctx context.Context, ref, owner string) error

	// Get returns the record for ref, or nil if it has not been settled.
	Get(ctx context.Context, ref string) (*types.SettlementRecord, error)
}
