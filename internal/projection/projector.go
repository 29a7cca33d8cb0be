package projection

import (
	"context"
	"errors"
	"fmt"
	"log"

	"stopguard/internal/domain"
	"stopguard/internal/storage"
)

// Projector keeps execution_projections in step with stop_events.
// Every refresh re-folds the full log of one position; the monotonic upsert
// makes concurrent refreshes converge on the newest fold.
type Projector struct {
	events      storage.StopEventStore
	projections storage.ProjectionStore
	logger      *log.Logger
}

// NewProjector creates a new Projector.
func NewProjector(events storage.StopEventStore, projections storage.ProjectionStore, logger *log.Logger) *Projector {
	if logger == nil {
		logger = log.Default()
	}
	return &Projector{events: events, projections: projections, logger: logger}
}

// Refresh folds the position's events and stores the result.
// Returns nil when the position has no execution attempt yet.
func (p *Projector) Refresh(ctx context.Context, positionID string) (*domain.ExecutionProjection, error) {
	events, err := p.events.GetByPosition(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", positionID, err)
	}

	proj := Replay(events)
	if proj == nil {
		return nil, nil
	}
	if _, err := p.projections.Upsert(ctx, proj); err != nil {
		return nil, fmt.Errorf("store projection for %s: %w", positionID, err)
	}
	return proj, nil
}

// Get returns the stored projection, or nil when there is none.
func (p *Projector) Get(ctx context.Context, positionID string) (*domain.ExecutionProjection, error) {
	proj, err := p.projections.Get(ctx, positionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return proj, err
}

// RebuildAll drops and re-derives the projection of every position in the log.
// Returns the number of projections written.
func (p *Projector) RebuildAll(ctx context.Context) (int, error) {
	ids, err := p.events.ListPositionIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list positions: %w", err)
	}

	written := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if err := p.projections.Delete(ctx, id); err != nil {
			return written, fmt.Errorf("delete projection %s: %w", id, err)
		}
		proj, err := p.Refresh(ctx, id)
		if err != nil {
			return written, err
		}
		if proj != nil {
			written++
		}
	}

	p.logger.Printf("[projector] rebuilt %d projections from %d positions", written, len(ids))
	return written, nil
}
