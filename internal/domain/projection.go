package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionStatus is the state of a position's current execution attempt.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "PENDING"
	StatusTriggered ExecutionStatus = "TRIGGERED"
	StatusSubmitted ExecutionStatus = "SUBMITTED"
	StatusExecuted  ExecutionStatus = "EXECUTED"
	StatusFailed    ExecutionStatus = "FAILED"
	StatusSkipped   ExecutionStatus = "SKIPPED"
)

// IsTerminal reports whether no further transition is possible for the current token.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusSkipped
}

// IsInFlight reports whether an exchange call may be outstanding.
func (s ExecutionStatus) IsInFlight() bool {
	return s == StatusTriggered || s == StatusSubmitted
}

// ExecutionProjection is the current execution state of one position,
// derived entirely from its stop events.
type ExecutionProjection struct {
	PositionID     string           `json:"position_id"`
	Symbol         string           `json:"symbol"`
	Status         ExecutionStatus  `json:"status"`
	Token          string           `json:"execution_token"`
	Source         TickSource       `json:"source"`
	TriggerType    TriggerType      `json:"trigger_type"`
	ThresholdPrice decimal.Decimal  `json:"threshold_price"`
	ObservedPrice  decimal.Decimal  `json:"observed_price"`
	TriggeredAt    *time.Time       `json:"triggered_at,omitempty"`
	SubmittedAt    *time.Time       `json:"submitted_at,omitempty"`
	ExecutedAt     *time.Time       `json:"executed_at,omitempty"`
	FailedAt       *time.Time       `json:"failed_at,omitempty"`
	FillPrice      *decimal.Decimal `json:"fill_price,omitempty"`
	SlippagePct    *decimal.Decimal `json:"slippage_pct,omitempty"`
	OrderID        string           `json:"order_id,omitempty"`
	RetryCount     int              `json:"retry_count"`
	LastError      string           `json:"last_error,omitempty"`
	Attempts       int              `json:"attempts"`
	LastEventSeq   int64            `json:"last_event_seq"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Clone returns a deep copy.
func (p *ExecutionProjection) Clone() *ExecutionProjection {
	c := *p
	c.TriggeredAt = cloneTime(p.TriggeredAt)
	c.SubmittedAt = cloneTime(p.SubmittedAt)
	c.ExecutedAt = cloneTime(p.ExecutedAt)
	c.FailedAt = cloneTime(p.FailedAt)
	if p.FillPrice != nil {
		v := *p.FillPrice
		c.FillPrice = &v
	}
	if p.SlippagePct != nil {
		v := *p.SlippagePct
		c.SlippagePct = &v
	}
	return &c
}
