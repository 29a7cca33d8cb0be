package verification

import (
	"context"
	"errors"
	"fmt"

	"stopguard/internal/domain"
	"stopguard/internal/projection"
	"stopguard/internal/storage"
)

// ErrPositionNotFound is returned when a position has no events.
var ErrPositionNotFound = errors.New("position has no stop events")

// ReplayVerifier implements Verifier over the primary stores.
type ReplayVerifier struct {
	events      storage.StopEventStore
	projections storage.ProjectionStore
}

// ReplayVerifierOptions contains configuration for creating a ReplayVerifier.
type ReplayVerifierOptions struct {
	Events      storage.StopEventStore
	Projections storage.ProjectionStore
}

// NewReplayVerifier creates a new ReplayVerifier.
func NewReplayVerifier(opts ReplayVerifierOptions) *ReplayVerifier {
	return &ReplayVerifier{
		events:      opts.Events,
		projections: opts.Projections,
	}
}

// VerifyPosition replays one position and compares it with its stored row.
func (v *ReplayVerifier) VerifyPosition(ctx context.Context, positionID string) (*VerificationResult, error) {
	events, err := v.events.GetByPosition(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", positionID, err)
	}
	if len(events) == 0 {
		return nil, ErrPositionNotFound
	}

	stored, err := v.projections.Get(ctx, positionID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load projection for %s: %w", positionID, err)
	}

	replayed := projection.Replay(events)
	divergences := CompareProjections(replayed, stored)

	return &VerificationResult{
		PositionID:   positionID,
		Match:        len(divergences) == 0,
		Divergences:  divergences,
		EventCount:   len(events),
		StoredStatus: statusOf(stored),
		ReplayStatus: statusOf(replayed),
	}, nil
}

// VerifyAll verifies every position in the log.
func (v *ReplayVerifier) VerifyAll(ctx context.Context) (*VerificationReport, error) {
	ids, err := v.events.ListPositionIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	report := &VerificationReport{
		TotalPositions: len(ids),
		Results:        make([]VerificationResult, 0, len(ids)),
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		result, err := v.VerifyPosition(ctx, id)
		if err != nil {
			// Record error as divergence
			report.Results = append(report.Results, VerificationResult{
				PositionID: id,
				Divergences: []FieldDivergence{
					{Field: "Error", Expected: nil, Actual: err.Error()},
				},
			})
			report.DivergentPositions++
			continue
		}

		report.Results = append(report.Results, *result)
		if result.Match {
			report.MatchedPositions++
		} else {
			report.DivergentPositions++
		}
	}

	return report, nil
}

func statusOf(p *domain.ExecutionProjection) domain.ExecutionStatus {
	if p == nil {
		return ""
	}
	return p.Status
}

// Compile-time interface check
var _ Verifier = (*ReplayVerifier)(nil)
