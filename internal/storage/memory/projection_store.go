package memory

import (
	"context"
	"sort"
	"sync"

	"stopguard/internal/domain"
	"stopguard/internal/storage"
)

// ProjectionStore is an in-memory implementation of storage.ProjectionStore.
type ProjectionStore struct {
	mu   sync.RWMutex
	data map[string]*domain.ExecutionProjection
}

// NewProjectionStore creates a new in-memory projection store.
func NewProjectionStore() *ProjectionStore {
	return &ProjectionStore{
		data: make(map[string]*domain.ExecutionProjection),
	}
}

// Upsert writes p unless the stored row already reflects an equal or later event_seq.
func (s *ProjectionStore) Upsert(_ context.Context, p *domain.ExecutionProjection) (bool, error) {
	if p == nil || p.PositionID == "" {
		return false, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.data[p.PositionID]; ok && existing.LastEventSeq >= p.LastEventSeq {
		return false, nil
	}
	s.data[p.PositionID] = p.Clone()
	return true, nil
}

// Get retrieves the projection for a position.
func (s *ProjectionStore) Get(_ context.Context, positionID string) (*domain.ExecutionProjection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.data[positionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p.Clone(), nil
}

// GetByStatus retrieves all projections in a status, ordered by position_id ASC.
func (s *ProjectionStore) GetByStatus(_ context.Context, status domain.ExecutionStatus) ([]*domain.ExecutionProjection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ExecutionProjection
	for _, p := range s.data {
		if p.Status == status {
			result = append(result, p.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].PositionID < result[j].PositionID
	})
	return result, nil
}

// Delete removes the projection for a position.
func (s *ProjectionStore) Delete(_ context.Context, positionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, positionID)
	return nil
}

// Compile-time interface check
var _ storage.ProjectionStore = (*ProjectionStore)(nil)
