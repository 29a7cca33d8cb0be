package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"stopguard/internal/domain"
	"stopguard/internal/storage"
)

const positionColumns = `position_id, symbol, direction, quantity, entry_price, stop_price, target_price, status, closed_at`

// PositionStore implements storage.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *Pool
}

// NewPositionStore creates a new PositionStore.
func NewPositionStore(pool *Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.PositionStore = (*PositionStore)(nil)

// Insert adds a new position. Returns ErrDuplicateKey if position_id exists.
func (s *PositionStore) Insert(ctx context.Context, p *domain.Position) error {
	if p == nil {
		return storage.ErrInvalidInput
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	status := p.Status
	if status == "" {
		status = domain.PositionActive
	}

	query := `
		INSERT INTO positions (` + positionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.pool.Exec(ctx, query,
		p.ID,
		p.Symbol,
		string(p.Direction),
		p.Quantity,
		p.EntryPrice,
		nullDecimal(p.StopPrice),
		nullDecimal(p.TargetPrice),
		string(status),
		p.ClosedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// GetByID retrieves a position by its ID. Returns ErrNotFound if not exists.
func (s *PositionStore) GetByID(ctx context.Context, positionID string) (*domain.Position, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+positionColumns+` FROM positions WHERE position_id = $1`, positionID)
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	defer rows.Close()

	result, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, storage.ErrNotFound
	}
	return result[0], nil
}

// GetOpen retrieves all ACTIVE positions, ordered by position_id ASC.
func (s *PositionStore) GetOpen(ctx context.Context) ([]*domain.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE status = 'ACTIVE'
		ORDER BY position_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("get open positions: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// GetOpenBySymbol retrieves ACTIVE positions of one symbol, ordered by position_id ASC.
func (s *PositionStore) GetOpenBySymbol(ctx context.Context, symbol string) ([]*domain.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE status = 'ACTIVE' AND symbol = $1
		ORDER BY position_id ASC
	`, symbol)
	if err != nil {
		return nil, fmt.Errorf("get open positions by symbol: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// MarkClosed sets an ACTIVE position to CLOSED. Closing a closed position is a no-op.
func (s *PositionStore) MarkClosed(ctx context.Context, positionID string, closedAt time.Time) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		WITH updated AS (
			UPDATE positions
			SET status = 'CLOSED', closed_at = $2
			WHERE position_id = $1 AND status = 'ACTIVE'
			RETURNING 1
		)
		SELECT EXISTS(SELECT 1 FROM positions WHERE position_id = $1)
	`, positionID, closedAt).Scan(&exists)
	if err != nil {
		return fmt.Errorf("mark position closed: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return nil
}

func scanPositions(rows pgx.Rows) ([]*domain.Position, error) {
	var result []*domain.Position
	for rows.Next() {
		var (
			p                 domain.Position
			direction, status string
			stopPrice, target decimal.NullDecimal
		)
		if err := rows.Scan(
			&p.ID,
			&p.Symbol,
			&direction,
			&p.Quantity,
			&p.EntryPrice,
			&stopPrice,
			&target,
			&status,
			&p.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.Direction = domain.Direction(direction)
		p.Status = domain.PositionStatus(status)
		p.StopPrice = decimalPtr(stopPrice)
		p.TargetPrice = decimalPtr(target)
		p.ClosedAt = utcPtr(p.ClosedAt)
		result = append(result, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}
	return result, nil
}
