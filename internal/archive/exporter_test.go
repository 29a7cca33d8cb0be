package archive

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stopguard/internal/domain"
	"stopguard/internal/storage"
	"stopguard/internal/storage/memory"
)

var t0 = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

// settled puts the exporter clock past the lag of events appended just now.
func settled() time.Time { return time.Now().Add(time.Minute) }

func appendStale(t *testing.T, events *memory.StopEventStore, positionIDs ...string) {
	t.Helper()
	for _, id := range positionIDs {
		e := domain.NewStopEvent(id, "BTCUSDT", "", domain.SourcePoll, t0, domain.SkippedStale{
			TickObservedAt: t0,
			AgeMs:          400_000,
			MaxAgeMs:       300_000,
		})
		require.NoError(t, events.Append(context.Background(), e))
	}
}

// flakyArchive fails the first n inserts.
type flakyArchive struct {
	*memory.StopEventArchive
	failures int
	inserts  int
}

func (a *flakyArchive) InsertBulk(ctx context.Context, events []*domain.StopEvent) error {
	a.inserts++
	if a.failures > 0 {
		a.failures--
		return errors.New("clickhouse unavailable")
	}
	return a.StopEventArchive.InsertBulk(ctx, events)
}

func TestExportOnce_CopiesInBatchesAndSavesCursor(t *testing.T) {
	ctx := context.Background()
	events := memory.NewStopEventStore()
	archive := memory.NewStopEventArchive()
	progress := memory.NewExportProgressStore()
	appendStale(t, events, "pos-1", "pos-2", "pos-1", "pos-3", "pos-2")

	x := New(Options{Now: settled, Events: events, Archive: archive, Progress: progress, BatchSize: 2})

	n, err := x.ExportOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	cursor, err := progress.GetLastExported(ctx, DefaultSink)
	require.NoError(t, err)
	assert.Equal(t, int64(5), cursor)

	archived, err := archive.GetByPosition(ctx, "pos-1")
	require.NoError(t, err)
	require.Len(t, archived, 2)
	assert.Equal(t, int64(1), archived[0].Seq)
	assert.Equal(t, int64(2), archived[1].Seq)

	n, err = x.ExportOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing new to export")
}

func TestExportOnce_ResumesFromCursor(t *testing.T) {
	ctx := context.Background()
	events := memory.NewStopEventStore()
	archive := memory.NewStopEventArchive()
	progress := memory.NewExportProgressStore()
	appendStale(t, events, "pos-1", "pos-2")
	require.NoError(t, progress.SetLastExported(ctx, DefaultSink, 1))

	x := New(Options{Now: settled, Events: events, Archive: archive, Progress: progress})
	n, err := x.ExportOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	first, _ := archive.GetByPosition(ctx, "pos-1")
	assert.Empty(t, first, "event before the cursor is not re-exported")
	second, _ := archive.GetByPosition(ctx, "pos-2")
	assert.Len(t, second, 1)
}

func TestExportOnce_FailedInsertKeepsCursor(t *testing.T) {
	ctx := context.Background()
	events := memory.NewStopEventStore()
	archive := &flakyArchive{StopEventArchive: memory.NewStopEventArchive(), failures: 1}
	progress := memory.NewExportProgressStore()
	appendStale(t, events, "pos-1", "pos-2")

	x := New(Options{Now: settled, Events: events, Archive: archive, Progress: progress})

	_, err := x.ExportOnce(ctx)
	assert.ErrorContains(t, err, "clickhouse unavailable")
	_, err = progress.GetLastExported(ctx, DefaultSink)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	n, err := x.ExportOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, archive.inserts)
}

func TestExportOnce_SinksAreIndependent(t *testing.T) {
	ctx := context.Background()
	events := memory.NewStopEventStore()
	progress := memory.NewExportProgressStore()
	appendStale(t, events, "pos-1")

	for _, sink := range []string{"a", "b"} {
		x := New(Options{Now: settled, Events: events, Archive: memory.NewStopEventArchive(), Progress: progress, Sink: sink})
		n, err := x.ExportOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "sink %s", sink)
	}
}

func TestRun_ExportsUntilCancelled(t *testing.T) {
	events := memory.NewStopEventStore()
	archive := memory.NewStopEventArchive()
	progress := memory.NewExportProgressStore()
	appendStale(t, events, "pos-1")

	x := New(Options{Now: settled, Events: events, Archive: archive, Progress: progress, Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- x.Run(ctx) }()

	require.Eventually(t, func() bool {
		cursor, err := x.Cursor(context.Background())
		return err == nil && cursor == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestExportOnce_WaitsForLagBeforeAdvancingCursor(t *testing.T) {
	ctx := context.Background()
	events := memory.NewStopEventStore()
	archive := memory.NewStopEventArchive()
	progress := memory.NewExportProgressStore()

	// ids 1..3; id 2 was recorded last, as a slow commit would be
	for i, recorded := range []time.Time{t0, t0.Add(4 * time.Second), t0.Add(time.Second)} {
		e := domain.NewStopEvent(fmt.Sprintf("pos-%d", i+1), "BTCUSDT", "", domain.SourcePoll, t0, domain.SkippedStale{TickObservedAt: t0})
		e.RecordedAt = recorded
		require.NoError(t, events.Append(ctx, e))
	}

	clock := t0.Add(6 * time.Second)
	x := New(Options{
		Events:   events,
		Archive:  archive,
		Progress: progress,
		Lag:      5 * time.Second,
		Now:      func() time.Time { return clock },
	})

	n, err := x.ExportOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "stops at the first event younger than the lag")
	cursor, err := x.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cursor)

	third, _ := archive.GetByPosition(ctx, "pos-3")
	assert.Empty(t, third, "an older event behind a young one waits too")

	clock = t0.Add(10 * time.Second)
	n, err = x.ExportOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	cursor, err = x.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cursor)
}
