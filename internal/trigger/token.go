package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stopguard/internal/domain"
	"stopguard/internal/idhash"
	"stopguard/internal/storage"
)

// CrossingToken returns the token a crossing is claimed under.
//
// Buckets are floor-aligned, so two ticks of one crossing can land on either
// side of a boundary (14:00:04 and 14:00:06). When the bucket before or after
// the observation already holds a claim for the same position and threshold,
// that token is reused and the second tick resolves to AlreadyClaimed instead
// of opening a new execution. Lookups are read-only.
func CrossingToken(ctx context.Context, claims storage.ClaimStore, cond *domain.StopCondition, width time.Duration) (string, error) {
	if width <= 0 {
		width = idhash.DefaultBucketWidth
	}
	token := idhash.ComputeExecutionToken(cond.PositionID, cond.ThresholdPrice, cond.ObservedAt, width)

	for _, at := range []time.Time{cond.ObservedAt.Add(-width), cond.ObservedAt.Add(width)} {
		neighbour := idhash.ComputeExecutionToken(cond.PositionID, cond.ThresholdPrice, at, width)
		claim, err := claims.Get(ctx, neighbour)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("look up claim %s: %w", neighbour, err)
		}
		if claim.PositionID == cond.PositionID {
			return neighbour, nil
		}
	}
	return token, nil
}
