package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"stopguard/internal/domain"
	"stopguard/internal/storage"
)

const projectionColumns = `
	position_id, symbol, status, execution_token, source, trigger_type,
	threshold_price, observed_price, triggered_at, submitted_at, executed_at, failed_at,
	fill_price, slippage_pct, order_id, retry_count, last_error, attempts,
	last_event_seq, updated_at`

// ProjectionStore implements storage.ProjectionStore using PostgreSQL.
type ProjectionStore struct {
	pool *Pool
}

// NewProjectionStore creates a new ProjectionStore.
func NewProjectionStore(pool *Pool) *ProjectionStore {
	return &ProjectionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ProjectionStore = (*ProjectionStore)(nil)

// Upsert writes p unless the stored row already reflects an equal or later event_seq.
func (s *ProjectionStore) Upsert(ctx context.Context, p *domain.ExecutionProjection) (bool, error) {
	if p == nil || p.PositionID == "" {
		return false, storage.ErrInvalidInput
	}

	query := `
		INSERT INTO execution_projections (` + projectionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (position_id) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			status = EXCLUDED.status,
			execution_token = EXCLUDED.execution_token,
			source = EXCLUDED.source,
			trigger_type = EXCLUDED.trigger_type,
			threshold_price = EXCLUDED.threshold_price,
			observed_price = EXCLUDED.observed_price,
			triggered_at = EXCLUDED.triggered_at,
			submitted_at = EXCLUDED.submitted_at,
			executed_at = EXCLUDED.executed_at,
			failed_at = EXCLUDED.failed_at,
			fill_price = EXCLUDED.fill_price,
			slippage_pct = EXCLUDED.slippage_pct,
			order_id = EXCLUDED.order_id,
			retry_count = EXCLUDED.retry_count,
			last_error = EXCLUDED.last_error,
			attempts = EXCLUDED.attempts,
			last_event_seq = EXCLUDED.last_event_seq,
			updated_at = EXCLUDED.updated_at
		WHERE execution_projections.last_event_seq < EXCLUDED.last_event_seq
	`

	tag, err := s.pool.Exec(ctx, query,
		p.PositionID,
		p.Symbol,
		string(p.Status),
		p.Token,
		string(p.Source),
		string(p.TriggerType),
		p.ThresholdPrice,
		p.ObservedPrice,
		p.TriggeredAt,
		p.SubmittedAt,
		p.ExecutedAt,
		p.FailedAt,
		nullDecimal(p.FillPrice),
		nullDecimal(p.SlippagePct),
		p.OrderID,
		p.RetryCount,
		p.LastError,
		p.Attempts,
		p.LastEventSeq,
		p.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("upsert projection: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Get retrieves the projection for a position. Returns ErrNotFound if not exists.
func (s *ProjectionStore) Get(ctx context.Context, positionID string) (*domain.ExecutionProjection, error) {
	query := `SELECT ` + projectionColumns + `
		FROM execution_projections
		WHERE position_id = $1
	`

	rows, err := s.pool.Query(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("get projection: %w", err)
	}
	defer rows.Close()

	result, err := scanProjections(rows)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, storage.ErrNotFound
	}
	return result[0], nil
}

// GetByStatus retrieves all projections in a status, ordered by position_id ASC.
func (s *ProjectionStore) GetByStatus(ctx context.Context, status domain.ExecutionStatus) ([]*domain.ExecutionProjection, error) {
	query := `SELECT ` + projectionColumns + `
		FROM execution_projections
		WHERE status = $1
		ORDER BY position_id ASC
	`

	rows, err := s.pool.Query(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("get projections by status: %w", err)
	}
	defer rows.Close()

	return scanProjections(rows)
}

// Delete removes the projection for a position.
func (s *ProjectionStore) Delete(ctx context.Context, positionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM execution_projections WHERE position_id = $1`, positionID); err != nil {
		return fmt.Errorf("delete projection: %w", err)
	}
	return nil
}

func scanProjections(rows pgx.Rows) ([]*domain.ExecutionProjection, error) {
	var result []*domain.ExecutionProjection
	for rows.Next() {
		var (
			p                    domain.ExecutionProjection
			status, source, trig string
			fillPrice, slippage  decimal.NullDecimal
		)
		if err := rows.Scan(
			&p.PositionID,
			&p.Symbol,
			&status,
			&p.Token,
			&source,
			&trig,
			&p.ThresholdPrice,
			&p.ObservedPrice,
			&p.TriggeredAt,
			&p.SubmittedAt,
			&p.ExecutedAt,
			&p.FailedAt,
			&fillPrice,
			&slippage,
			&p.OrderID,
			&p.RetryCount,
			&p.LastError,
			&p.Attempts,
			&p.LastEventSeq,
			&p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan projection: %w", err)
		}

		p.Status = domain.ExecutionStatus(status)
		p.Source = domain.TickSource(source)
		p.TriggerType = domain.TriggerType(trig)
		p.FillPrice = decimalPtr(fillPrice)
		p.SlippagePct = decimalPtr(slippage)
		p.TriggeredAt = utcPtr(p.TriggeredAt)
		p.SubmittedAt = utcPtr(p.SubmittedAt)
		p.ExecutedAt = utcPtr(p.ExecutedAt)
		p.FailedAt = utcPtr(p.FailedAt)
		p.UpdatedAt = p.UpdatedAt.UTC()

		result = append(result, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projections: %w", err)
	}
	return result, nil
}
