package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of an open position.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// IsValid checks if the direction is a valid value.
func (d Direction) IsValid() bool {
	return d == DirectionLong || d == DirectionShort
}

// CloseSide returns the order side that flattens a position of this direction.
func (d Direction) CloseSide() OrderSide {
	if d == DirectionShort {
		return SideBuy
	}
	return SideSell
}

// OrderSide is the side of an exchange order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// PositionStatus is the lifecycle status of a position.
type PositionStatus string

const (
	PositionActive PositionStatus = "ACTIVE"
	PositionClosed PositionStatus = "CLOSED"
)

// ErrInvalidPosition is returned by Position.Validate.
var ErrInvalidPosition = errors.New("invalid position")

// Position is an open trade owned by the surrounding trading system.
// The engine only reads it, except for marking it closed after a fill.
type Position struct {
	ID          string
	Symbol      string
	Direction   Direction
	Quantity    decimal.Decimal
	EntryPrice  decimal.Decimal
	StopPrice   *decimal.Decimal // absolute; required for evaluation
	TargetPrice *decimal.Decimal // absolute; optional
	Status      PositionStatus
	ClosedAt    *time.Time
}

// IsActive reports whether the position is still open.
func (p *Position) IsActive() bool {
	return p.Status == PositionActive
}

// Validate checks the fields needed to evaluate and close the position.
func (p *Position) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidPosition)
	case p.Symbol == "":
		return fmt.Errorf("%w: %s: empty symbol", ErrInvalidPosition, p.ID)
	case !p.Direction.IsValid():
		return fmt.Errorf("%w: %s: direction %q", ErrInvalidPosition, p.ID, p.Direction)
	case !p.Quantity.IsPositive():
		return fmt.Errorf("%w: %s: quantity must be positive", ErrInvalidPosition, p.ID)
	case p.StopPrice != nil && !p.StopPrice.IsPositive():
		return fmt.Errorf("%w: %s: stop price must be positive", ErrInvalidPosition, p.ID)
	case p.TargetPrice != nil && !p.TargetPrice.IsPositive():
		return fmt.Errorf("%w: %s: target price must be positive", ErrInvalidPosition, p.ID)
	}
	return nil
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	c := *p
	if p.StopPrice != nil {
		v := *p.StopPrice
		c.StopPrice = &v
	}
	if p.TargetPrice != nil {
		v := *p.TargetPrice
		c.TargetPrice = &v
	}
	c.ClosedAt = cloneTime(p.ClosedAt)
	return &c
}
