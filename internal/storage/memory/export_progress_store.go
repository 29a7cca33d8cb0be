package memory

import (
	"context"
	"sync"

	"stopguard/internal/storage"
)

// ExportProgressStore is an in-memory implementation of storage.ExportProgressStore.
type ExportProgressStore struct {
	mu       sync.RWMutex
	progress map[string]int64
}

// NewExportProgressStore creates a new in-memory export progress store.
func NewExportProgressStore() *ExportProgressStore {
	return &ExportProgressStore{
		progress: make(map[string]int64),
	}
}

// GetLastExported returns the highest exported event ID for a sink.
func (s *ExportProgressStore) GetLastExported(_ context.Context, sink string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.progress[sink]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return id, nil
}

// SetLastExported saves the highest exported event ID for a sink.
func (s *ExportProgressStore) SetLastExported(_ context.Context, sink string, eventID int64) error {
	if sink == "" || eventID < 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.progress[sink] = eventID
	return nil
}

// Compile-time interface check
var _ storage.ExportProgressStore = (*ExportProgressStore)(nil)
