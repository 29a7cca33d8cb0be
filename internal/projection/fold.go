// Package projection derives execution state from the stop event log.
package projection

import (
	"sort"
	"time"

	"stopguard/internal/domain"
)

// Apply folds one event into the projection and returns the result.
// p may be nil; nil is returned until the first CONDITION_OBSERVED.
// Apply never mutates p and never reads the wall clock, so replaying
// the same events always yields the same projection.
func Apply(p *domain.ExecutionProjection, e *domain.StopEvent) *domain.ExecutionProjection {
	if e == nil {
		return p
	}

	var next *domain.ExecutionProjection
	if p != nil {
		next = p.Clone()
	}

	switch payload := e.Payload.(type) {
	case domain.ConditionObserved:
		next = observe(next, e, payload)
	case domain.ExecutionClaimed:
		if current(next, e) && next.Status == domain.StatusPending {
			next.Status = domain.StatusTriggered
			next.TriggeredAt = timePtr(e)
		}
	case domain.ExecutionSubmitted:
		if current(next, e) && next.Status.IsInFlight() {
			next.Status = domain.StatusSubmitted
			if next.SubmittedAt == nil {
				next.SubmittedAt = timePtr(e)
			}
			if payload.Attempt > 1 {
				next.RetryCount = payload.Attempt - 1
				next.LastError = payload.LastError
			}
		}
	case domain.Executed:
		if current(next, e) && !next.Status.IsTerminal() {
			next.Status = domain.StatusExecuted
			executedAt := payload.FilledAt
			if executedAt.IsZero() {
				executedAt = e.OccurredAt
			}
			next.ExecutedAt = &executedAt
			fill := payload.FillPrice
			slip := payload.SlippagePct
			next.FillPrice = &fill
			next.SlippagePct = &slip
			next.OrderID = payload.OrderID
			next.LastError = ""
		}
	case domain.Failed:
		// A circuit-open failure is decided before submission and cannot
		// end an attempt that already reached the exchange.
		if current(next, e) && !next.Status.IsTerminal() && (!payload.CircuitOpen || unsubmitted(next)) {
			next.Status = domain.StatusFailed
			next.FailedAt = timePtr(e)
			next.RetryCount = payload.RetryCount
			next.LastError = payload.Error
		}
	case domain.Skipped:
		if current(next, e) && unsubmitted(next) {
			next.Status = domain.StatusSkipped
			next.LastError = payload.Reason
		}
	case domain.SkippedStale:
		// audit only
	}

	if next != nil {
		next.LastEventSeq = e.Seq
		next.UpdatedAt = e.OccurredAt
	}
	return next
}

// observe starts or re-arms the row for a new token.
// EXECUTED is permanent. FAILED and SKIPPED end only their own token, so a
// later crossing with a fresh token starts a new attempt on the same row.
// A different token observed while an attempt is in flight changes nothing.
func observe(p *domain.ExecutionProjection, e *domain.StopEvent, c domain.ConditionObserved) *domain.ExecutionProjection {
	if p != nil {
		if p.Status == domain.StatusExecuted || !p.Status.IsTerminal() || p.Token == e.Token {
			return p
		}
	}

	attempts := 1
	if p != nil {
		attempts = p.Attempts + 1
	}
	return &domain.ExecutionProjection{
		PositionID:     e.PositionID,
		Symbol:         e.Symbol,
		Status:         domain.StatusPending,
		Token:          e.Token,
		Source:         e.Source,
		TriggerType:    c.TriggerType,
		ThresholdPrice: c.ThresholdPrice,
		ObservedPrice:  c.ObservedPrice,
		Attempts:       attempts,
	}
}

// current reports whether e belongs to the attempt the projection is tracking.
func current(p *domain.ExecutionProjection, e *domain.StopEvent) bool {
	return p != nil && e.Token != "" && p.Token == e.Token
}

func unsubmitted(p *domain.ExecutionProjection) bool {
	return p.Status == domain.StatusPending || p.Status == domain.StatusTriggered
}

func timePtr(e *domain.StopEvent) *time.Time {
	t := e.OccurredAt
	return &t
}

// Replay folds events in event_seq order. The input slice is not modified.
func Replay(events []*domain.StopEvent) *domain.ExecutionProjection {
	ordered := make([]*domain.StopEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Seq < ordered[j].Seq
	})

	var p *domain.ExecutionProjection
	for _, e := range ordered {
		p = Apply(p, e)
	}
	return p
}
