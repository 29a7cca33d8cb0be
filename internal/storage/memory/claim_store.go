package memory

import (
	"context"
	"sync"

	"stopguard/internal/domain"
	"stopguard/internal/storage"
)

// ClaimStore is an in-memory implementation of storage.ClaimStore.
type ClaimStore struct {
	mu   sync.Mutex
	data map[string]domain.IdempotencyClaim
}

// NewClaimStore creates a new in-memory claim store.
func NewClaimStore() *ClaimStore {
	return &ClaimStore{
		data: make(map[string]domain.IdempotencyClaim),
	}
}

// Claim inserts the claim if its token is absent.
func (s *ClaimStore) Claim(_ context.Context, c *domain.IdempotencyClaim) (domain.ClaimOutcome, error) {
	if c == nil || c.Token == "" || c.PositionID == "" {
		return "", storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[c.Token]; ok {
		return domain.AlreadyClaimed, nil
	}
	s.data[c.Token] = *c
	return domain.Claimed, nil
}

// Get retrieves a claim by token.
func (s *ClaimStore) Get(_ context.Context, token string) (*domain.IdempotencyClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.data[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &c, nil
}

// Compile-time interface check
var _ storage.ClaimStore = (*ClaimStore)(nil)
