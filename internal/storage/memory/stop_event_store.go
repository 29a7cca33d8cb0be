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

// StopEventStore is an in-memory implementation of storage.StopEventStore.
type StopEventStore struct {
	mu         sync.RWMutex
	data       []*domain.StopEvent
	byPosition map[string][]*domain.StopEvent
	unique     map[string]bool // claim and decision keys per token
	nextID     int64
}

// NewStopEventStore creates a new in-memory stop event store.
func NewStopEventStore() *StopEventStore {
	return &StopEventStore{
		data:       make([]*domain.StopEvent, 0),
		byPosition: make(map[string][]*domain.StopEvent),
		unique:     make(map[string]bool),
	}
}

// Append assigns event_seq and ID, then stores a copy of the event.
func (s *StopEventStore) Append(_ context.Context, e *domain.StopEvent) error {
	if e == nil {
		return storage.ErrInvalidInput
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keys := uniqueKeys(e)
	for _, k := range keys {
		if s.unique[k] {
			return storage.ErrDuplicateKey
		}
	}
	for _, k := range keys {
		s.unique[k] = true
	}

	s.nextID++
	e.ID = s.nextID
	e.Seq = int64(len(s.byPosition[e.PositionID])) + 1
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}

	// Store a copy
	copy := *e
	s.data = append(s.data, &copy)
	s.byPosition[e.PositionID] = append(s.byPosition[e.PositionID], &copy)

	return nil
}

// uniqueKeys mirrors the partial unique indexes on stop_events.
func uniqueKeys(e *domain.StopEvent) []string {
	var keys []string
	if e.Type == domain.EventExecutionClaimed {
		keys = append(keys, "claimed|"+e.Token)
	}
	if e.IsDecision() {
		keys = append(keys, "decision|"+e.Token)
	}
	return keys
}

// GetByPosition retrieves all events for a position, ordered by event_seq ASC.
func (s *StopEventStore) GetByPosition(_ context.Context, positionID string) ([]*domain.StopEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.byPosition[positionID]
	result := make([]*domain.StopEvent, 0, len(events))
	for _, e := range events {
		copy := *e
		result = append(result, &copy)
	}
	return result, nil
}

// GetByToken retrieves all events carrying an execution token, ordered by event_seq ASC.
func (s *StopEventStore) GetByToken(_ context.Context, token string) ([]*domain.StopEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.StopEvent
	for _, e := range s.data {
		if e.Token == token {
			copy := *e
			result = append(result, &copy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Seq < result[j].Seq
	})
	return result, nil
}

// GetSince retrieves up to limit events with ID > afterID, ordered by ID ASC.
func (s *StopEventStore) GetSince(_ context.Context, afterID int64, limit int) ([]*domain.StopEvent, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// data is appended in ID order
	idx := sort.Search(len(s.data), func(i int) bool {
		return s.data[i].ID > afterID
	})

	var result []*domain.StopEvent
	for i := idx; i < len(s.data) && len(result) < limit; i++ {
		copy := *s.data[i]
		result = append(result, &copy)
	}
	return result, nil
}

// ListPositionIDs returns every position that has at least one event.
func (s *StopEventStore) ListPositionIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.byPosition))
	for id := range s.byPosition {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Compile-time interface check
var _ storage.StopEventStore = (*StopEventStore)(nil)
