package projection

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stopguard/internal/domain"
	"stopguard/internal/storage/memory"
)

// failingProjections rejects every write.
type failingProjections struct {
	*memory.ProjectionStore
}

func (failingProjections) Upsert(context.Context, *domain.ExecutionProjection) (bool, error) {
	return false, errors.New("connection refused")
}

func TestRecorder_RecordUpdatesProjection(t *testing.T) {
	events := memory.NewStopEventStore()
	projections := memory.NewProjectionStore()
	logger := log.New(io.Discard, "", 0)
	rec := NewRecorder(events, NewProjector(events, projections, logger), logger)
	ctx := context.Background()

	stale := domain.NewStopEvent("pos-1", "BTCUSDT", "", domain.SourcePoll, t0, domain.SkippedStale{TickObservedAt: t0})
	p, err := rec.Record(ctx, stale)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if p != nil {
		t.Fatalf("stale event must not create a projection")
	}

	_, _ = rec.Record(ctx, domain.NewStopEvent("pos-1", "BTCUSDT", "tok-a", domain.SourcePoll, t0, observedPayload("100")))
	p, err = rec.Record(ctx, domain.NewStopEvent("pos-1", "BTCUSDT", "tok-a", domain.SourcePoll, t0, domain.ExecutionClaimed{}))
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if p == nil || p.Status != domain.StatusTriggered || p.LastEventSeq != 3 {
		t.Fatalf("unexpected projection: %+v", p)
	}

	stored, err := rec.Projector().Get(ctx, "pos-1")
	if err != nil || stored == nil {
		t.Fatalf("Get: %v %v", stored, err)
	}
	if stored.Status != domain.StatusTriggered {
		t.Errorf("stored status = %s", stored.Status)
	}

	missing, err := rec.Projector().Get(ctx, "pos-unknown")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for unknown position; got %v, %v", missing, err)
	}
}

func TestRecorder_RefreshFailureIsReported(t *testing.T) {
	events := memory.NewStopEventStore()
	logger := log.New(io.Discard, "", 0)
	rec := NewRecorder(events, NewProjector(events, failingProjections{memory.NewProjectionStore()}, logger), logger)
	ctx := context.Background()

	e := domain.NewStopEvent("pos-1", "BTCUSDT", "tok-a", domain.SourcePoll, t0, observedPayload("100"))
	p, err := rec.Record(ctx, e)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProjectionStale)
	assert.Nil(t, p)

	stored, err := events.GetByPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.Len(t, stored, 1, "the event is appended even though the refresh failed")
}

func TestProjector_RebuildAll(t *testing.T) {
	events := memory.NewStopEventStore()
	projections := memory.NewProjectionStore()
	logger := log.New(io.Discard, "", 0)
	projector := NewProjector(events, projections, logger)
	ctx := context.Background()

	for _, e := range []*domain.StopEvent{
		domain.NewStopEvent("pos-1", "BTCUSDT", "tok-a", domain.SourcePoll, t0, observedPayload("100")),
		domain.NewStopEvent("pos-1", "BTCUSDT", "tok-a", domain.SourcePoll, t0, domain.ExecutionClaimed{}),
		domain.NewStopEvent("pos-2", "ETHUSDT", "", domain.SourcePoll, t0, domain.SkippedStale{TickObservedAt: t0}),
	} {
		if err := events.Append(ctx, e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	// A corrupted read model is replaced by the fold of the log.
	_, _ = projections.Upsert(ctx, &domain.ExecutionProjection{PositionID: "pos-1", Status: domain.StatusExecuted, LastEventSeq: 99})

	n, err := projector.RebuildAll(ctx)
	if err != nil {
		t.Fatalf("RebuildAll failed: %v", err)
	}
	if n != 1 {
		t.Errorf("rebuilt %d projections, want 1", n)
	}

	p, _ := projections.Get(ctx, "pos-1")
	if p.Status != domain.StatusTriggered || p.LastEventSeq != 2 {
		t.Errorf("rebuilt projection = %+v", p)
	}
}
