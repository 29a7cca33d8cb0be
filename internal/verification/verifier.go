// Package verification checks that stored execution projections equal a
// fresh replay of the stop event log.
package verification

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"stopguard/internal/domain"
)

// FieldDivergence represents a mismatch between stored and replayed values.
type FieldDivergence struct {
	Field    string      // field name
	Expected interface{} // replayed value
	Actual   interface{} // stored value
}

// VerificationResult contains the result of verifying a single position.
type VerificationResult struct {
	PositionID   string            // verified position ID
	Match        bool              // true if all fields match
	Divergences  []FieldDivergence // list of divergent fields
	EventCount   int               // events replayed
	StoredStatus domain.ExecutionStatus
	ReplayStatus domain.ExecutionStatus
}

// VerificationReport contains results for batch verification.
type VerificationReport struct {
	TotalPositions     int                  // positions verified
	MatchedPositions   int                  // positions that matched exactly
	DivergentPositions int                  // positions with divergences
	Results            []VerificationResult // individual results
}

// Verifier replays the event log and compares it with stored projections.
type Verifier interface {
	// VerifyPosition replays one position's events and compares the fold
	// with the stored projection.
	VerifyPosition(ctx context.Context, positionID string) (*VerificationResult, error)

	// VerifyAll verifies every position that has at least one event.
	VerifyAll(ctx context.Context) (*VerificationReport, error)
}

// CompareProjections compares a replayed projection with the stored one and
// returns divergences. Either side may be nil.
func CompareProjections(replayed, stored *domain.ExecutionProjection) []FieldDivergence {
	if replayed == nil && stored == nil {
		return nil
	}
	if replayed == nil || stored == nil {
		return []FieldDivergence{{Field: "Projection", Expected: present(replayed), Actual: present(stored)}}
	}

	var d divergences
	d.check("Status", replayed.Status, stored.Status, replayed.Status == stored.Status)
	d.check("Token", replayed.Token, stored.Token, replayed.Token == stored.Token)
	d.check("Symbol", replayed.Symbol, stored.Symbol, replayed.Symbol == stored.Symbol)
	d.check("Source", replayed.Source, stored.Source, replayed.Source == stored.Source)
	d.check("TriggerType", replayed.TriggerType, stored.TriggerType, replayed.TriggerType == stored.TriggerType)
	d.check("ThresholdPrice", replayed.ThresholdPrice, stored.ThresholdPrice, replayed.ThresholdPrice.Equal(stored.ThresholdPrice))
	d.check("ObservedPrice", replayed.ObservedPrice, stored.ObservedPrice, replayed.ObservedPrice.Equal(stored.ObservedPrice))
	d.check("TriggeredAt", replayed.TriggeredAt, stored.TriggeredAt, timePtrEquals(replayed.TriggeredAt, stored.TriggeredAt))
	d.check("SubmittedAt", replayed.SubmittedAt, stored.SubmittedAt, timePtrEquals(replayed.SubmittedAt, stored.SubmittedAt))
	d.check("ExecutedAt", replayed.ExecutedAt, stored.ExecutedAt, timePtrEquals(replayed.ExecutedAt, stored.ExecutedAt))
	d.check("FailedAt", replayed.FailedAt, stored.FailedAt, timePtrEquals(replayed.FailedAt, stored.FailedAt))
	d.check("FillPrice", replayed.FillPrice, stored.FillPrice, decimalPtrEquals(replayed.FillPrice, stored.FillPrice))
	d.check("SlippagePct", replayed.SlippagePct, stored.SlippagePct, decimalPtrEquals(replayed.SlippagePct, stored.SlippagePct))
	d.check("OrderID", replayed.OrderID, stored.OrderID, replayed.OrderID == stored.OrderID)
	d.check("RetryCount", replayed.RetryCount, stored.RetryCount, replayed.RetryCount == stored.RetryCount)
	d.check("LastError", replayed.LastError, stored.LastError, replayed.LastError == stored.LastError)
	d.check("Attempts", replayed.Attempts, stored.Attempts, replayed.Attempts == stored.Attempts)
	d.check("LastEventSeq", replayed.LastEventSeq, stored.LastEventSeq, replayed.LastEventSeq == stored.LastEventSeq)
	return d
}

type divergences []FieldDivergence

func (d *divergences) check(field string, expected, actual interface{}, equal bool) {
	if !equal {
		*d = append(*d, FieldDivergence{Field: field, Expected: expected, Actual: actual})
	}
}

func present(p *domain.ExecutionProjection) string {
	if p == nil {
		return "absent"
	}
	return string(p.Status)
}

// timePtrEquals returns true if both are nil, or both are non-nil and equal.
func timePtrEquals(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func decimalPtrEquals(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
