package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"stopguard/internal/domain"
	"stopguard/internal/storage"
)

const (
	stopEventsPKey         = "stop_events_pkey"
	stopEventsClaimedToken = "uq_stop_events_claimed_token"
	stopEventsDecision     = "uq_stop_events_decision_token"
	maxAppendAttempts      = 5
	stopEventColumns       = `id, position_id, event_seq, event_type, occurred_at, recorded_at, source, symbol, COALESCE(execution_token, ''), payload`
)

// StopEventStore implements storage.StopEventStore using PostgreSQL.
type StopEventStore struct {
	pool *Pool
}

// NewStopEventStore creates a new StopEventStore.
func NewStopEventStore(pool *Pool) *StopEventStore {
	return &StopEventStore{pool: pool}
}

// Compile-time interface check.
var _ storage.StopEventStore = (*StopEventStore)(nil)

// Append assigns the next event_seq for the position in the same statement as the insert.
// Two writers racing for one seq collide on the primary key; the loser retries.
func (s *StopEventStore) Append(ctx context.Context, e *domain.StopEvent) error {
	if e == nil {
		return storage.ErrInvalidInput
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	payload, err := domain.EncodePayload(e.Payload)
	if err != nil {
		return err
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO stop_events (
			position_id, event_seq, event_type, occurred_at, recorded_at,
			source, symbol, execution_token, payload
		)
		SELECT $1::text, COALESCE(MAX(event_seq), 0) + 1, $2::text, $3::timestamptz, $4::timestamptz,
			$5::text, $6::text, $7::text, $8::jsonb
		FROM stop_events
		WHERE position_id = $1::text
		RETURNING id, event_seq
	`

	for attempt := 1; ; attempt++ {
		err := s.pool.QueryRow(ctx, query,
			e.PositionID,
			string(e.Type),
			e.OccurredAt,
			e.RecordedAt,
			string(e.Source),
			e.Symbol,
			nullString(e.Token),
			payload,
		).Scan(&e.ID, &e.Seq)
		if err == nil {
			return nil
		}

		switch uniqueViolationConstraint(err) {
		case stopEventsClaimedToken, stopEventsDecision:
			return storage.ErrDuplicateKey
		case stopEventsPKey:
			if attempt < maxAppendAttempts {
				continue
			}
		}
		return fmt.Errorf("append stop event: %w", err)
	}
}

// GetByPosition retrieves all events for a position, ordered by event_seq ASC.
func (s *StopEventStore) GetByPosition(ctx context.Context, positionID string) ([]*domain.StopEvent, error) {
	query := `SELECT ` + stopEventColumns + `
		FROM stop_events
		WHERE position_id = $1
		ORDER BY event_seq ASC
	`

	rows, err := s.pool.Query(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("get stop events by position: %w", err)
	}
	defer rows.Close()

	return scanStopEvents(rows)
}

// GetByToken retrieves all events carrying an execution token, ordered by event_seq ASC.
func (s *StopEventStore) GetByToken(ctx context.Context, token string) ([]*domain.StopEvent, error) {
	query := `SELECT ` + stopEventColumns + `
		FROM stop_events
		WHERE execution_token = $1
		ORDER BY event_seq ASC
	`

	rows, err := s.pool.Query(ctx, query, token)
	if err != nil {
		return nil, fmt.Errorf("get stop events by token: %w", err)
	}
	defer rows.Close()

	return scanStopEvents(rows)
}

// GetSince retrieves up to limit events with id > afterID, ordered by id ASC.
func (s *StopEventStore) GetSince(ctx context.Context, afterID int64, limit int) ([]*domain.StopEvent, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	query := `SELECT ` + stopEventColumns + `
		FROM stop_events
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("get stop events since: %w", err)
	}
	defer rows.Close()

	return scanStopEvents(rows)
}

// ListPositionIDs returns every position that has at least one event.
func (s *StopEventStore) ListPositionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT position_id
		FROM stop_events
		ORDER BY position_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list stop event positions: %w", err)
	}
	defer rows.Close()

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan position ids: %w", err)
	}
	return ids, nil
}

func scanStopEvents(rows pgx.Rows) ([]*domain.StopEvent, error) {
	var result []*domain.StopEvent
	for rows.Next() {
		var (
			e         domain.StopEvent
			eventType string
			source    string
			payload   []byte
		)
		if err := rows.Scan(
			&e.ID,
			&e.PositionID,
			&e.Seq,
			&eventType,
			&e.OccurredAt,
			&e.RecordedAt,
			&source,
			&e.Symbol,
			&e.Token,
			&payload,
		); err != nil {
			return nil, fmt.Errorf("scan stop event: %w", err)
		}

		e.Type = domain.EventType(eventType)
		e.Source = domain.TickSource(source)
		p, err := domain.DecodePayload(e.Type, payload)
		if err != nil {
			return nil, fmt.Errorf("stop event %s/%d: %w", e.PositionID, e.Seq, err)
		}
		e.Payload = p
		e.OccurredAt = e.OccurredAt.UTC()
		e.RecordedAt = e.RecordedAt.UTC()

		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stop events: %w", err)
	}
	return result, nil
}

// nullString maps "" to SQL NULL.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
