package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"stopguard/internal/domain"
	"stopguard/internal/storage"
)

func TestClaimStore_ClaimOnce(t *testing.T) {
	store := NewClaimStore()
	ctx := context.Background()

	c := &domain.IdempotencyClaim{Token: "tok-1", PositionID: "pos-1", ClaimedAt: t0, ClaimedBy: "a"}
	outcome, err := store.Claim(ctx, c)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if outcome != domain.Claimed {
		t.Fatalf("first claim outcome = %s", outcome)
	}

	outcome, err = store.Claim(ctx, &domain.IdempotencyClaim{Token: "tok-1", PositionID: "pos-1", ClaimedBy: "b"})
	if err != nil {
		t.Fatalf("second Claim returned error: %v", err)
	}
	if outcome != domain.AlreadyClaimed {
		t.Errorf("second claim outcome = %s, want already_claimed", outcome)
	}

	got, err := store.Get(ctx, "tok-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ClaimedBy != "a" {
		t.Errorf("claim owner = %s, want a", got.ClaimedBy)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimStore_ConcurrentClaimsExactlyOneWinner(t *testing.T) {
	store := NewClaimStore()
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := store.Claim(ctx, &domain.IdempotencyClaim{Token: "tok", PositionID: "pos-1"})
			if err != nil {
				t.Errorf("Claim failed: %v", err)
				return
			}
			if outcome == domain.Claimed {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly 1 winner, got %d", wins.Load())
	}
}

func TestClaimStore_InvalidInput(t *testing.T) {
	store := NewClaimStore()
	if _, err := store.Claim(context.Background(), &domain.IdempotencyClaim{PositionID: "p"}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
