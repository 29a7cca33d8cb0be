package postgres

import (
	"context"
	"fmt"

	"stopguard/internal/storage"
)

// ExportProgressStore is a PostgreSQL implementation of storage.ExportProgressStore.
// One row per sink in export_progress.
type ExportProgressStore struct {
	pool *Pool
}

// NewExportProgressStore creates a new PostgreSQL export progress store.
func NewExportProgressStore(pool *Pool) *ExportProgressStore {
	return &ExportProgressStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ExportProgressStore = (*ExportProgressStore)(nil)

// GetLastExported returns the highest exported event ID for a sink.
func (s *ExportProgressStore) GetLastExported(ctx context.Context, sink string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		SELECT last_event_id
		FROM export_progress
		WHERE sink = $1
	`, sink).Scan(&id)
	if err != nil {
		if isNotFoundError(err) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("get export progress: %w", err)
	}
	return id, nil
}

// SetLastExported saves the highest exported event ID for a sink.
// Uses upsert to handle initial insert and subsequent updates.
func (s *ExportProgressStore) SetLastExported(ctx context.Context, sink string, eventID int64) error {
	if sink == "" || eventID < 0 {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO export_progress (sink, last_event_id, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (sink) DO UPDATE
		SET last_event_id = EXCLUDED.last_event_id,
		    updated_at = NOW()
	`, sink, eventID)
	if err != nil {
		return fmt.Errorf("set export progress: %w", err)
	}
	return nil
}
