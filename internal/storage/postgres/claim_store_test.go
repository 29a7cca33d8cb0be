package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stopguard/internal/domain"
	"stopguard/internal/storage"
)

func TestClaimStore_ExactlyOneWinner(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewClaimStore(pool)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := store.Claim(ctx, &domain.IdempotencyClaim{
				Token:      "stk_race",
				PositionID: "pos-1",
				ClaimedAt:  observedAt,
				ClaimedBy:  "worker",
			})
			assert.NoError(t, err)
			if outcome == domain.Claimed {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())

	claim, err := store.Get(ctx, "stk_race")
	require.NoError(t, err)
	assert.Equal(t, "pos-1", claim.PositionID)
	assert.True(t, observedAt.Equal(claim.ClaimedAt))

	_, err = store.Get(ctx, "stk_missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
