package clickhouse

import (
	"context"
	"fmt"
	"time"

	"stopguard/internal/domain"
	"stopguard/internal/storage"
)

// StopEventArchive implements storage.StopEventArchive using ClickHouse.
type StopEventArchive struct {
	conn *Conn
}

// NewStopEventArchive creates a new StopEventArchive.
func NewStopEventArchive(conn *Conn) *StopEventArchive {
	return &StopEventArchive{conn: conn}
}

// Compile-time interface check.
var _ storage.StopEventArchive = (*StopEventArchive)(nil)

// InsertBulk adds events in one batch. ReplacingMergeTree collapses re-sent IDs,
// so a retried export after a crash does not double count.
func (a *StopEventArchive) InsertBulk(ctx context.Context, events []*domain.StopEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := a.conn.PrepareBatch(ctx, `
		INSERT INTO stop_events_archive (
			id, position_id, event_seq, event_type, occurred_at, recorded_at,
			source, symbol, execution_token, payload
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, e := range events {
		if e == nil || e.ID <= 0 {
			return storage.ErrInvalidInput
		}
		payload, err := domain.EncodePayload(e.Payload)
		if err != nil {
			return err
		}
		err = batch.Append(
			uint64(e.ID), e.PositionID, uint64(e.Seq), string(e.Type),
			e.OccurredAt.UTC(), e.RecordedAt.UTC(),
			string(e.Source), e.Symbol, e.Token, string(payload),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetByPosition retrieves archived events for a position, ordered by event_seq ASC.
func (a *StopEventArchive) GetByPosition(ctx context.Context, positionID string) ([]*domain.StopEvent, error) {
	query := `
		SELECT id, position_id, event_seq, event_type, occurred_at, recorded_at,
			source, symbol, execution_token, payload
		FROM stop_events_archive FINAL
		WHERE position_id = ?
		ORDER BY event_seq ASC
	`

	rows, err := a.conn.Query(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("query archived events: %w", err)
	}
	defer rows.Close()

	var result []*domain.StopEvent
	for rows.Next() {
		var (
			id, seq                    uint64
			eventType, source, payload string
			e                          domain.StopEvent
		)
		if err := rows.Scan(
			&id, &e.PositionID, &seq, &eventType, &e.OccurredAt, &e.RecordedAt,
			&source, &e.Symbol, &e.Token, &payload,
		); err != nil {
			return nil, fmt.Errorf("scan archived event: %w", err)
		}
		e.ID = int64(id)
		e.Seq = int64(seq)
		e.Type = domain.EventType(eventType)
		e.Source = domain.TickSource(source)
		e.OccurredAt = e.OccurredAt.UTC()
		e.RecordedAt = e.RecordedAt.UTC()

		p, err := domain.DecodePayload(e.Type, []byte(payload))
		if err != nil {
			return nil, fmt.Errorf("archived event %d: %w", id, err)
		}
		e.Payload = p
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archived events: %w", err)
	}
	return result, nil
}

// CountByType returns event counts per type for events that occurred in [start, end).
func (a *StopEventArchive) CountByType(ctx context.Context, start, end time.Time) (map[domain.EventType]uint64, error) {
	query := `
		SELECT event_type, count() AS n
		FROM stop_events_archive FINAL
		WHERE occurred_at >= ? AND occurred_at < ?
		GROUP BY event_type
	`

	rows, err := a.conn.Query(ctx, query, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("count archived events: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.EventType]uint64)
	for rows.Next() {
		var (
			eventType string
			n         uint64
		)
		if err := rows.Scan(&eventType, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[domain.EventType(eventType)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}
