package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"stopguard/internal/domain"
	"stopguard/internal/storage"
)

// CircuitBreakerStore is an in-memory implementation of storage.CircuitBreakerStore.
type CircuitBreakerStore struct {
	mu   sync.RWMutex
	data map[string]*domain.CircuitBreakerState
}

// NewCircuitBreakerStore creates a new in-memory circuit breaker store.
func NewCircuitBreakerStore() *CircuitBreakerStore {
	return &CircuitBreakerStore{
		data: make(map[string]*domain.CircuitBreakerState),
	}
}

// Get retrieves the breaker for a symbol.
func (s *CircuitBreakerStore) Get(_ context.Context, symbol string) (*domain.CircuitBreakerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.data[symbol]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return st.Clone(), nil
}

// Save persists st if the stored version equals expectedVersion.
func (s *CircuitBreakerStore) Save(_ context.Context, st *domain.CircuitBreakerState, expectedVersion int64) error {
	if st == nil || st.Symbol == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data[st.Symbol]
	switch {
	case !ok && expectedVersion != 0:
		return storage.ErrVersionConflict
	case ok && current.Version != expectedVersion:
		return storage.ErrVersionConflict
	}

	st.Version = expectedVersion + 1
	st.UpdatedAt = time.Now().UTC()
	s.data[st.Symbol] = st.Clone()
	return nil
}

// GetAll retrieves every breaker, ordered by symbol ASC.
func (s *CircuitBreakerStore) GetAll(_ context.Context) ([]*domain.CircuitBreakerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.CircuitBreakerState, 0, len(s.data))
	for _, st := range s.data {
		result = append(result, st.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Symbol < result[j].Symbol
	})
	return result, nil
}

// Compile-time interface check
var _ storage.CircuitBreakerStore = (*CircuitBreakerStore)(nil)
