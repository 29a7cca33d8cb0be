// Package trigger turns price ticks into claimed stop executions.
package trigger

import (
	"errors"

	"stopguard/internal/domain"
)

var (
	// ErrMalformedTick is returned for ticks that fail validation.
	ErrMalformedTick = domain.ErrMalformedTick

	// ErrMissingStopPrice is returned for active positions without an absolute stop.
	// Such positions are never evaluated and never given a default stop.
	ErrMissingStopPrice = errors.New("position has no absolute stop price")
)

// Evaluate returns the condition crossed by tick, or nil.
// The stop is checked before the target, so a tick that somehow satisfies
// both yields STOP_LOSS.
//
//	LONG:  price <= stop → STOP_LOSS, price >= target → TAKE_PROFIT
//	SHORT: price >= stop → STOP_LOSS, price <= target → TAKE_PROFIT
func Evaluate(p *domain.Position, tick domain.PriceTick) *domain.StopCondition {
	if p == nil || !p.IsActive() || p.StopPrice == nil || p.Symbol != tick.Symbol {
		return nil
	}

	price := tick.Price
	var (
		triggerType domain.TriggerType
		threshold   = *p.StopPrice
	)
	switch p.Direction {
	case domain.DirectionLong:
		switch {
		case price.LessThanOrEqual(*p.StopPrice):
			triggerType = domain.TriggerStopLoss
		case p.TargetPrice != nil && price.GreaterThanOrEqual(*p.TargetPrice):
			triggerType, threshold = domain.TriggerTakeProfit, *p.TargetPrice
		}
	case domain.DirectionShort:
		switch {
		case price.GreaterThanOrEqual(*p.StopPrice):
			triggerType = domain.TriggerStopLoss
		case p.TargetPrice != nil && price.LessThanOrEqual(*p.TargetPrice):
			triggerType, threshold = domain.TriggerTakeProfit, *p.TargetPrice
		}
	}
	if triggerType == "" {
		return nil
	}

	return &domain.StopCondition{
		PositionID:     p.ID,
		Symbol:         p.Symbol,
		Direction:      p.Direction,
		Quantity:       p.Quantity,
		TriggerType:    triggerType,
		ThresholdPrice: threshold,
		ObservedPrice:  price,
		ObservedAt:     tick.ObservedAt,
		Source:         tick.Source,
	}
}
