package storage

import "context"

// ExportProgressStore persists how far the stop event log has been copied
// into the archive. This enables resumption after restarts without
// re-exporting or skipping events.
type ExportProgressStore interface {
	// GetLastExported returns the highest exported event ID for a sink.
	// Returns ErrNotFound if no progress has been saved yet.
	GetLastExported(ctx context.Context, sink string) (int64, error)

	// SetLastExported saves the highest exported event ID for a sink.
	SetLastExported(ctx context.Context, sink string, eventID int64) error
}
