package issuer

import (
	"context"
	"sync"
	"time"

	"github.com/vitwit/pay402/types"
)

type memoryEntry struct {
	claim    types.PaymentClaim
	deadline time.Time
}

// MemoryStore is a process-local ClaimStore.
type MemoryStore struct {
	mu     sync.RWMutex
	claims map[string]memoryEntry
}

var _ ClaimStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{claims: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Put(_ context.Context, claim *types.PaymentClaim, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims[claim.ID] = memoryEntry{claim: *claim, deadline: time.Unix(claim.CreatedAt, 0).Add(ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*types.PaymentClaim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.claims[id]
	if !ok {
		return nil, ErrClaimNotFound
	}
	c := e.claim
	return &c, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, id)
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, e := range s.claims {
		if now.After(e.deadline) {
			delete(s.claims, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored claims.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.claims)
}
