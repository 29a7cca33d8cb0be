package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TriggerType is the kind of threshold that was crossed.
type TriggerType string

const (
	TriggerStopLoss   TriggerType = "STOP_LOSS"
	TriggerTakeProfit TriggerType = "TAKE_PROFIT"
)

// IsValid checks if the trigger type is a valid value.
func (t TriggerType) IsValid() bool {
	return t == TriggerStopLoss || t == TriggerTakeProfit
}

// StopCondition is a position whose stop or target threshold was crossed by a tick.
type StopCondition struct {
	PositionID     string
	Symbol         string
	Direction      Direction
	Quantity       decimal.Decimal
	TriggerType    TriggerType
	ThresholdPrice decimal.Decimal
	ObservedPrice  decimal.Decimal
	ObservedAt     time.Time
	Source         TickSource
}
