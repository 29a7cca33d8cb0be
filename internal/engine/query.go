package engine

import (
	"context"
	"fmt"

	"stopguard/internal/domain"
	"stopguard/internal/verification"
)

// GetStatus returns the execution projection of a position, or nil when no
// threshold has been crossed for it yet.
func (e *Engine) GetStatus(ctx context.Context, positionID string) (*domain.ExecutionProjection, error) {
	return e.recorder.Projector().Get(ctx, positionID)
}

// GetEvents returns the full event history of a position ordered by event_seq.
func (e *Engine) GetEvents(ctx context.Context, positionID string) ([]*domain.StopEvent, error) {
	events, err := e.stores.Events.GetByPosition(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", positionID, err)
	}
	return events, nil
}

// Breakers returns the state of every symbol's circuit breaker.
func (e *Engine) Breakers(ctx context.Context) ([]*domain.CircuitBreakerState, error) {
	return e.breaker.All(ctx)
}

// Verify replays the event log and compares it with the stored projections.
func (e *Engine) Verify(ctx context.Context) (*verification.VerificationReport, error) {
	v := verification.NewReplayVerifier(verification.ReplayVerifierOptions{
		Events:      e.stores.Events,
		Projections: e.stores.Projections,
	})
	return v.VerifyAll(ctx)
}

// Rebuild re-derives every projection from the event log.
func (e *Engine) Rebuild(ctx context.Context) (int, error) {
	return e.recorder.Projector().RebuildAll(ctx)
}
