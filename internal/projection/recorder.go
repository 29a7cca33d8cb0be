package projection

import (
	"context"
	"errors"
	"fmt"
	"log"

	"stopguard/internal/domain"
	"stopguard/internal/observability"
	"stopguard/internal/storage"
)

// ErrProjectionStale is returned by Record when the event was appended but
// the projection could not be refreshed. The append is the commit point, so
// callers treat it as success; the projection is repaired by the next refresh
// of the position or by a rebuild.
var ErrProjectionStale = errors.New("projection refresh failed")

// Recorder appends an event and then refreshes the position's projection.
type Recorder struct {
	events    storage.StopEventStore
	projector *Projector
	logger    *log.Logger
}

// NewRecorder creates a new Recorder.
func NewRecorder(events storage.StopEventStore, projector *Projector, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.Default()
	}
	return &Recorder{events: events, projector: projector, logger: logger}
}

// Record appends e and returns the refreshed projection (nil if none exists yet).
// An error wrapping ErrProjectionStale means e is in the log regardless.
func (r *Recorder) Record(ctx context.Context, e *domain.StopEvent) (*domain.ExecutionProjection, error) {
	if err := r.events.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("append %s for %s: %w", e.Type, e.PositionID, err)
	}
	observability.RecordEventAppended(string(e.Type))

	proj, err := r.projector.Refresh(ctx, e.PositionID)
	if err != nil {
		r.logger.Printf("[projector] refresh after %s/%d failed: %v", e.PositionID, e.Seq, err)
		return nil, fmt.Errorf("%w: %s/%d: %v", ErrProjectionStale, e.PositionID, e.Seq, err)
	}
	return proj, nil
}

// Projector returns the projector used after each append.
func (r *Recorder) Projector() *Projector {
	return r.projector
}
