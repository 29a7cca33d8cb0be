package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"stopguard/internal/domain"
	"stopguard/internal/storage"
)

const breakerColumns = `
	symbol, state, failure_count, last_failure_at, opened_at, will_retry_at,
	failure_threshold, retry_delay_ms, probe_in_flight, version, updated_at`

// CircuitBreakerStore implements storage.CircuitBreakerStore using PostgreSQL.
type CircuitBreakerStore struct {
	pool *Pool
}

// NewCircuitBreakerStore creates a new CircuitBreakerStore.
func NewCircuitBreakerStore(pool *Pool) *CircuitBreakerStore {
	return &CircuitBreakerStore{pool: pool}
}

// Compile-time interface check.
var _ storage.CircuitBreakerStore = (*CircuitBreakerStore)(nil)

// Get retrieves the breaker for a symbol. Returns ErrNotFound if not exists.
func (s *CircuitBreakerStore) Get(ctx context.Context, symbol string) (*domain.CircuitBreakerState, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+breakerColumns+` FROM circuit_breaker_state WHERE symbol = $1`, symbol)
	if err != nil {
		return nil, fmt.Errorf("get circuit breaker: %w", err)
	}
	defer rows.Close()

	result, err := scanBreakers(rows)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, storage.ErrNotFound
	}
	return result[0], nil
}

// Save persists st if the stored version equals expectedVersion.
// Version 0 inserts; any other version is a compare-and-swap update.
func (s *CircuitBreakerStore) Save(ctx context.Context, st *domain.CircuitBreakerState, expectedVersion int64) error {
	if st == nil || st.Symbol == "" {
		return storage.ErrInvalidInput
	}

	now := time.Now().UTC()
	args := []any{
		st.Symbol,
		string(st.State),
		st.FailureCount,
		st.LastFailureAt,
		st.OpenedAt,
		st.WillRetryAt,
		st.FailureThreshold,
		st.RetryDelay.Milliseconds(),
		st.ProbeInFlight,
		expectedVersion + 1,
		now,
	}

	var query string
	if expectedVersion == 0 {
		query = `
			INSERT INTO circuit_breaker_state (` + breakerColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (symbol) DO NOTHING
		`
	} else {
		query = `
			UPDATE circuit_breaker_state SET
				state = $2,
				failure_count = $3,
				last_failure_at = $4,
				opened_at = $5,
				will_retry_at = $6,
				failure_threshold = $7,
				retry_delay_ms = $8,
				probe_in_flight = $9,
				version = $10,
				updated_at = $11
			WHERE symbol = $1 AND version = $12
		`
		args = append(args, expectedVersion)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("save circuit breaker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrVersionConflict
	}

	st.Version = expectedVersion + 1
	st.UpdatedAt = now
	return nil
}

// GetAll retrieves every breaker, ordered by symbol ASC.
func (s *CircuitBreakerStore) GetAll(ctx context.Context) ([]*domain.CircuitBreakerState, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+breakerColumns+` FROM circuit_breaker_state ORDER BY symbol ASC`)
	if err != nil {
		return nil, fmt.Errorf("get circuit breakers: %w", err)
	}
	defer rows.Close()

	return scanBreakers(rows)
}

func scanBreakers(rows pgx.Rows) ([]*domain.CircuitBreakerState, error) {
	var result []*domain.CircuitBreakerState
	for rows.Next() {
		var (
			st      domain.CircuitBreakerState
			state   string
			delayMs int64
		)
		if err := rows.Scan(
			&st.Symbol,
			&state,
			&st.FailureCount,
			&st.LastFailureAt,
			&st.OpenedAt,
			&st.WillRetryAt,
			&st.FailureThreshold,
			&delayMs,
			&st.ProbeInFlight,
			&st.Version,
			&st.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan circuit breaker: %w", err)
		}
		st.State = domain.BreakerState(state)
		st.RetryDelay = time.Duration(delayMs) * time.Millisecond
		st.LastFailureAt = utcPtr(st.LastFailureAt)
		st.OpenedAt = utcPtr(st.OpenedAt)
		st.WillRetryAt = utcPtr(st.WillRetryAt)
		st.UpdatedAt = st.UpdatedAt.UTC()
		result = append(result, &st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate circuit breakers: %w", err)
	}
	return result, nil
}
