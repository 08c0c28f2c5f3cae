package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/vitwit/pay402/types"
)

type memoryLease struct {
	owner    string
	deadline time.Time
}

// MemoryStore is a process-local DedupeStore. Records live as long as the
// process, so a restart forgets them; the ledger guard still refuses a
// second write for the same reference.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]types.SettlementRecord
	inFlight map[string]memoryLease
	now      func() time.Time
}

var _ DedupeStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]types.SettlementRecord),
		inFlight: make(map[string]memoryLease),
		now:      time.Now,
	}
}

func (s *MemoryStore) Reserve(_ context.Context, ref, owner string, lease time.Duration) (ReserveStatus, *types.SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[ref]; ok {
		return StatusSettled, &rec, nil
	}

	if l, ok := s.inFlight[ref]; ok && s.now().Before(l.deadline) {
		return StatusInFlight, nil, nil
	}

	s.inFlight[ref] = memoryLease{owner: owner, deadline: s.now().Add(lease)}
	return StatusReserved, nil, nil
}

func (s *MemoryStore) Commit(_ context.Context, owner string, record *types.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := record.TransactionReference
	if _, ok := s.records[ref]; ok {
		return nil
	}
	if l, ok := s.inFlight[ref]; !ok || l.owner != owner {
		return ErrNotReserved
	}

	s.records[ref] = *record
	delete(s.inFlight, ref)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, ref, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.inFlight[ref]; ok && l.owner == owner {
		delete(s.inFlight, ref)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, ref string) (*types.SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[ref]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Len returns the number of settled references.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
