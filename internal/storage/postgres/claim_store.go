package postgres

import (
	"context"
	"fmt"

	"stopguard/internal/domain"
	"stopguard/internal/storage"
)

// ClaimStore implements storage.ClaimStore using PostgreSQL.
// The primary key on execution_token is the only exclusion mechanism
// between stream and poll triggers, across processes.
type ClaimStore struct {
	pool *Pool
}

// NewClaimStore creates a new ClaimStore.
func NewClaimStore(pool *Pool) *ClaimStore {
	return &ClaimStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ClaimStore = (*ClaimStore)(nil)

// Claim inserts the claim if its token is absent.
func (s *ClaimStore) Claim(ctx context.Context, c *domain.IdempotencyClaim) (domain.ClaimOutcome, error) {
	if c == nil || c.Token == "" || c.PositionID == "" {
		return "", storage.ErrInvalidInput
	}

	query := `
		INSERT INTO execution_claims (execution_token, position_id, claimed_at, claimed_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (execution_token) DO NOTHING
	`

	tag, err := s.pool.Exec(ctx, query, c.Token, c.PositionID, c.ClaimedAt, c.ClaimedBy)
	if err != nil {
		// ON CONFLICT covers the primary key; keep the mapping for any other unique index.
		if isDuplicateKeyError(err) {
			return domain.AlreadyClaimed, nil
		}
		return "", fmt.Errorf("claim execution token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.AlreadyClaimed, nil
	}
	return domain.Claimed, nil
}

// Get retrieves a claim by token. Returns ErrNotFound if not exists.
func (s *ClaimStore) Get(ctx context.Context, token string) (*domain.IdempotencyClaim, error) {
	query := `
		SELECT execution_token, position_id, claimed_at, claimed_by
		FROM execution_claims
		WHERE execution_token = $1
	`

	var c domain.IdempotencyClaim
	err := s.pool.QueryRow(ctx, query, token).Scan(&c.Token, &c.PositionID, &c.ClaimedAt, &c.ClaimedBy)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get claim: %w", err)
	}
	c.ClaimedAt = c.ClaimedAt.UTC()
	return &c, nil
}
