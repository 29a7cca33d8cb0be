package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"stopguard/internal/domain"
	"stopguard/internal/storage"
)

func TestCircuitBreakerStore_SaveVersioning(t *testing.T) {
	store := NewCircuitBreakerStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "BTCUSDT"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	st := domain.NewCircuitBreakerState("BTCUSDT", 3, 5*time.Minute)
	if err := store.Save(ctx, st, 0); err != nil {
		t.Fatalf("initial Save failed: %v", err)
	}
	if st.Version != 1 {
		t.Errorf("version = %d, want 1", st.Version)
	}

	// A second creator loses.
	other := domain.NewCircuitBreakerState("BTCUSDT", 3, 5*time.Minute)
	if err := store.Save(ctx, other, 0); !errors.Is(err, storage.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}

	got, _ := store.Get(ctx, "BTCUSDT")
	got.FailureCount = 2
	if err := store.Save(ctx, got, 1); err != nil {
		t.Fatalf("update Save failed: %v", err)
	}

	stale := st.Clone()
	stale.FailureCount = 1
	if err := store.Save(ctx, stale, 1); !errors.Is(err, storage.ErrVersionConflict) {
		t.Errorf("stale writer should conflict, got %v", err)
	}

	final, _ := store.Get(ctx, "BTCUSDT")
	if final.FailureCount != 2 || final.Version != 2 {
		t.Errorf("final state = count %d version %d", final.FailureCount, final.Version)
	}

	all, _ := store.GetAll(ctx)
	if len(all) != 1 {
		t.Errorf("GetAll returned %d", len(all))
	}
}
