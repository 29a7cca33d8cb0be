// Package archive relays the stop event log into the analytics archive.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"stopguard/internal/domain"
	"stopguard/internal/observability"
	"stopguard/internal/storage"
)

// DefaultSink names the ClickHouse archive in export_progress.
const DefaultSink = "clickhouse"

// DefaultLag is how long an event must have been in the log before it is
// exported.
const DefaultLag = 5 * time.Second

// Exporter copies appended stop events into a StopEventArchive in global ID
// order. The cursor is saved after every batch; a batch that was inserted but
// whose cursor was not saved is re-sent, which the archive tolerates.
//
// IDs are allocated before commit, so a slow writer can make id N visible
// after N+1. The exporter only passes events recorded at least lag ago and
// stops at the first younger one, leaving in-flight IDs behind the cursor.
type Exporter struct {
	events   storage.StopEventStore
	archive  storage.StopEventArchive
	progress storage.ExportProgressStore

	sink      string
	batchSize int
	interval  time.Duration
	lag       time.Duration
	now       func() time.Time
	logger    *log.Logger
}

// Options for creating Exporter.
type Options struct {
	Events    storage.StopEventStore
	Archive   storage.StopEventArchive
	Progress  storage.ExportProgressStore
	Sink      string        // default DefaultSink
	BatchSize int           // default 500
	Interval  time.Duration // default 10s
	Lag       time.Duration // default DefaultLag; negative exports immediately
	Now       func() time.Time
	Logger    *log.Logger
}

// New creates a new Exporter.
func New(opts Options) *Exporter {
	sink := opts.Sink
	if sink == "" {
		sink = DefaultSink
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	lag := opts.Lag
	switch {
	case lag == 0:
		lag = DefaultLag
	case lag < 0:
		lag = 0
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Exporter{
		events:    opts.Events,
		archive:   opts.Archive,
		progress:  opts.Progress,
		sink:      sink,
		batchSize: batchSize,
		interval:  interval,
		lag:       lag,
		now:       now,
		logger:    logger,
	}
}

// Run exports on every interval until ctx is done. Export errors are logged
// and retried on the next interval.
func (x *Exporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(x.interval)
	defer ticker.Stop()

	x.logger.Printf("[archive] exporting to %s every %s", x.sink, x.interval)
	for {
		if _, err := x.ExportOnce(ctx); err != nil && ctx.Err() == nil {
			x.logger.Printf("[archive] export failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ExportOnce drains everything appended since the saved cursor.
// Returns the number of events exported.
func (x *Exporter) ExportOnce(ctx context.Context) (int, error) {
	cursor, err := x.Cursor(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for {
		fetched, err := x.events.GetSince(ctx, cursor, x.batchSize)
		if err != nil {
			return total, fmt.Errorf("read events after %d: %w", cursor, err)
		}
		batch := x.settled(fetched)
		if len(batch) == 0 {
			return total, nil
		}

		if err := x.archive.InsertBulk(ctx, batch); err != nil {
			return total, fmt.Errorf("archive %d events after %d: %w", len(batch), cursor, err)
		}
		last := batch[len(batch)-1].ID
		if err := x.progress.SetLastExported(ctx, x.sink, last); err != nil {
			return total, fmt.Errorf("save cursor %d: %w", last, err)
		}

		cursor = last
		total += len(batch)
		observability.RecordEventsArchived(len(batch))

		if len(batch) < x.batchSize {
			return total, nil
		}
	}
}

// settled returns the prefix of batch recorded at least lag ago.
func (x *Exporter) settled(batch []*domain.StopEvent) []*domain.StopEvent {
	if x.lag == 0 {
		return batch
	}
	cutoff := x.now().Add(-x.lag)
	for i, e := range batch {
		if e.RecordedAt.After(cutoff) {
			return batch[:i]
		}
	}
	return batch
}

// Cursor returns the highest exported event ID, 0 before the first export.
func (x *Exporter) Cursor(ctx context.Context) (int64, error) {
	cursor, err := x.progress.GetLastExported(ctx, x.sink)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor for %s: %w", x.sink, err)
	}
	return cursor, nil
}
