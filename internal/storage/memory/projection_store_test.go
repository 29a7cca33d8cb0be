package memory

import (
	"context"
	"errors"
	"testing"

	"stopguard/internal/domain"
	"stopguard/internal/storage"
)

func TestProjectionStore_UpsertIsMonotonic(t *testing.T) {
	store := NewProjectionStore()
	ctx := context.Background()

	newer := &domain.ExecutionProjection{PositionID: "pos-1", Status: domain.StatusSubmitted, LastEventSeq: 3}
	older := &domain.ExecutionProjection{PositionID: "pos-1", Status: domain.StatusTriggered, LastEventSeq: 2}

	written, err := store.Upsert(ctx, newer)
	if err != nil || !written {
		t.Fatalf("Upsert newer: written=%v err=%v", written, err)
	}
	written, err = store.Upsert(ctx, older)
	if err != nil {
		t.Fatalf("Upsert older failed: %v", err)
	}
	if written {
		t.Error("older projection must not overwrite newer one")
	}

	got, err := store.Get(ctx, "pos-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.StatusSubmitted {
		t.Errorf("status = %s, want SUBMITTED", got.Status)
	}

	byStatus, _ := store.GetByStatus(ctx, domain.StatusSubmitted)
	if len(byStatus) != 1 {
		t.Errorf("GetByStatus returned %d", len(byStatus))
	}

	_ = store.Delete(ctx, "pos-1")
	if _, err := store.Get(ctx, "pos-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
