package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"stopguard/internal/domain"
	"stopguard/internal/storage"
)

// StopEventArchive is an in-memory implementation of storage.StopEventArchive.
type StopEventArchive struct {
	mu   sync.RWMutex
	data map[int64]*domain.StopEvent
}

// NewStopEventArchive creates a new in-memory stop event archive.
func NewStopEventArchive() *StopEventArchive {
	return &StopEventArchive{
		data: make(map[int64]*domain.StopEvent),
	}
}

// InsertBulk adds events. Re-inserting an event ID replaces it.
func (a *StopEventArchive) InsertBulk(_ context.Context, events []*domain.StopEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, e := range events {
		if e == nil || e.ID == 0 {
			return storage.ErrInvalidInput
		}
		copy := *e
		a.data[e.ID] = &copy
	}
	return nil
}

// GetByPosition retrieves archived events for a position, ordered by event_seq ASC.
func (a *StopEventArchive) GetByPosition(_ context.Context, positionID string) ([]*domain.StopEvent, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var result []*domain.StopEvent
	for _, e := range a.data {
		if e.PositionID == positionID {
			copy := *e
			result = append(result, &copy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Seq < result[j].Seq
	})
	return result, nil
}

// CountByType returns event counts per type for events that occurred in [start, end).
func (a *StopEventArchive) CountByType(_ context.Context, start, end time.Time) (map[domain.EventType]uint64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	counts := make(map[domain.EventType]uint64)
	for _, e := range a.data {
		if !e.OccurredAt.Before(start) && e.OccurredAt.Before(end) {
			counts[e.Type]++
		}
	}
	return counts, nil
}

// Compile-time interface check
var _ storage.StopEventArchive = (*StopEventArchive)(nil)
