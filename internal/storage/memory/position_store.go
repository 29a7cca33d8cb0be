package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"stopguard/internal/domain"
	"stopguard/internal/storage"
)

// PositionStore is an in-memory implementation of storage.PositionStore.
type PositionStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Position
}

// NewPositionStore creates a new in-memory position store.
func NewPositionStore() *PositionStore {
	return &PositionStore{
		data: make(map[string]*domain.Position),
	}
}

// Insert adds a new position.
func (s *PositionStore) Insert(_ context.Context, p *domain.Position) error {
	if p == nil {
		return storage.ErrInvalidInput
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[p.ID]; ok {
		return storage.ErrDuplicateKey
	}
	c := p.Clone()
	if c.Status == "" {
		c.Status = domain.PositionActive
	}
	s.data[p.ID] = c
	return nil
}

// GetByID retrieves a position by its ID.
func (s *PositionStore) GetByID(_ context.Context, positionID string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.data[positionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p.Clone(), nil
}

// GetOpen retrieves all ACTIVE positions, ordered by position_id ASC.
func (s *PositionStore) GetOpen(_ context.Context) ([]*domain.Position, error) {
	return s.filter(func(p *domain.Position) bool { return p.IsActive() }), nil
}

// GetOpenBySymbol retrieves ACTIVE positions of one symbol, ordered by position_id ASC.
func (s *PositionStore) GetOpenBySymbol(_ context.Context, symbol string) ([]*domain.Position, error) {
	return s.filter(func(p *domain.Position) bool { return p.IsActive() && p.Symbol == symbol }), nil
}

// MarkClosed sets an ACTIVE position to CLOSED.
func (s *PositionStore) MarkClosed(_ context.Context, positionID string, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.data[positionID]
	if !ok {
		return storage.ErrNotFound
	}
	if !p.IsActive() {
		return nil
	}
	p.Status = domain.PositionClosed
	t := closedAt
	p.ClosedAt = &t
	return nil
}

func (s *PositionStore) filter(keep func(p *domain.Position) bool) []*domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Position
	for _, p := range s.data {
		if keep(p) {
			result = append(result, p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

// Compile-time interface check
var _ storage.PositionStore = (*PositionStore)(nil)
