package storage

import (
	"context"
	"time"

	"stopguard/internal/domain"
)

// StopEventStore provides access to the append-only stop_events log.
type StopEventStore interface {
	// Append assigns the next per-position event_seq and a store-wide ID, then persists the event.
	// The assigned values are written back into e.
	// Returns ErrDuplicateKey if a second EXECUTION_CLAIMED is appended for the same token.
	Append(ctx context.Context, e *domain.StopEvent) error

	// GetByPosition retrieves all events for a position, ordered by event_seq ASC.
	GetByPosition(ctx context.Context, positionID string) ([]*domain.StopEvent, error)

	// GetByToken retrieves all events carrying an execution token, ordered by event_seq ASC.
	GetByToken(ctx context.Context, token string) ([]*domain.StopEvent, error)

	// GetSince retrieves up to limit events with ID > afterID, ordered by ID ASC.
	GetSince(ctx context.Context, afterID int64, limit int) ([]*domain.StopEvent, error)

	// ListPositionIDs returns every position that has at least one event.
	ListPositionIDs(ctx context.Context) ([]string, error)
}

// ProjectionStore provides access to execution_projections.
// The table is disposable: it can always be rebuilt from StopEventStore.
type ProjectionStore interface {
	// Upsert writes p unless the stored row already reflects an equal or later event_seq.
	// Returns true when the row was written.
	Upsert(ctx context.Context, p *domain.ExecutionProjection) (bool, error)

	// Get retrieves the projection for a position. Returns ErrNotFound if not exists.
	Get(ctx context.Context, positionID string) (*domain.ExecutionProjection, error)

	// GetByStatus retrieves all projections in a status, ordered by position_id ASC.
	GetByStatus(ctx context.Context, status domain.ExecutionStatus) ([]*domain.ExecutionProjection, error)

	// Delete removes the projection for a position. Used by rebuilds only.
	Delete(ctx context.Context, positionID string) error
}

// ClaimStore provides access to execution_claims.
type ClaimStore interface {
	// Claim atomically inserts the claim if its token is absent.
	// Exactly one concurrent caller per token receives domain.Claimed.
	Claim(ctx context.Context, c *domain.IdempotencyClaim) (domain.ClaimOutcome, error)

	// Get retrieves a claim by token. Returns ErrNotFound if not exists.
	Get(ctx context.Context, token string) (*domain.IdempotencyClaim, error)
}

// CircuitBreakerStore provides access to circuit_breaker_state.
type CircuitBreakerStore interface {
	// Get retrieves the breaker for a symbol. Returns ErrNotFound if not exists.
	Get(ctx context.Context, symbol string) (*domain.CircuitBreakerState, error)

	// Save persists s if the stored version equals expectedVersion
	// (0 means the row must not exist yet) and sets s.Version to expectedVersion+1.
	// Returns ErrVersionConflict otherwise.
	Save(ctx context.Context, s *domain.CircuitBreakerState, expectedVersion int64) error

	// GetAll retrieves every breaker, ordered by symbol ASC.
	GetAll(ctx context.Context) ([]*domain.CircuitBreakerState, error)
}

// PositionStore provides access to positions owned by the trading system.
type PositionStore interface {
	// Insert adds a new position. Returns ErrDuplicateKey if position_id exists.
	Insert(ctx context.Context, p *domain.Position) error

	// GetByID retrieves a position by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, positionID string) (*domain.Position, error)

	// GetOpen retrieves all ACTIVE positions, ordered by position_id ASC.
	GetOpen(ctx context.Context) ([]*domain.Position, error)

	// GetOpenBySymbol retrieves ACTIVE positions of one symbol, ordered by position_id ASC.
	GetOpenBySymbol(ctx context.Context, symbol string) ([]*domain.Position, error)

	// MarkClosed sets an ACTIVE position to CLOSED.
	// Returns ErrNotFound if the position does not exist; closing a closed position is a no-op.
	MarkClosed(ctx context.Context, positionID string, closedAt time.Time) error
}

// StopEventArchive is the analytics copy of the stop event log.
type StopEventArchive interface {
	// InsertBulk adds events. Re-inserting an event ID is tolerated.
	InsertBulk(ctx context.Context, events []*domain.StopEvent) error

	// GetByPosition retrieves archived events for a position, ordered by event_seq ASC.
	GetByPosition(ctx context.Context, positionID string) ([]*domain.StopEvent, error)

	// CountByType returns event counts per type for events that occurred in [start, end).
	CountByType(ctx context.Context, start, end time.Time) (map[domain.EventType]uint64, error)
}
