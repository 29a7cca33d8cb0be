package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformedTick is returned when a price tick cannot be evaluated.
var ErrMalformedTick = errors.New("malformed price tick")

// PriceTick is one normalized price observation.
type PriceTick struct {
	Symbol     string
	Price      decimal.Decimal
	ObservedAt time.Time
	Source     TickSource
}

// Validate rejects ticks that must never reach evaluation.
func (t PriceTick) Validate() error {
	switch {
	case t.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrMalformedTick)
	case !t.Price.IsPositive():
		return fmt.Errorf("%w: %s: non-positive price %s", ErrMalformedTick, t.Symbol, t.Price)
	case t.ObservedAt.IsZero():
		return fmt.Errorf("%w: %s: missing observed_at", ErrMalformedTick, t.Symbol)
	case !t.Source.IsValid():
		return fmt.Errorf("%w: %s: source %q", ErrMalformedTick, t.Symbol, t.Source)
	}
	return nil
}

// Age returns how old the tick is relative to now.
func (t PriceTick) Age(now time.Time) time.Duration {
	return now.Sub(t.ObservedAt)
}
