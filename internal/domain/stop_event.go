package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventType is the discriminator of a stop event.
type EventType string

const (
	EventConditionObserved  EventType = "CONDITION_OBSERVED"
	EventExecutionClaimed   EventType = "EXECUTION_CLAIMED"
	EventExecutionSubmitted EventType = "EXECUTION_SUBMITTED"
	EventExecuted           EventType = "EXECUTED"
	EventFailed             EventType = "FAILED"
	EventSkippedStale       EventType = "SKIPPED_STALE"
	EventSkipped            EventType = "SKIPPED"
)

// IsValid checks if the event type is a valid value.
func (t EventType) IsValid() bool {
	switch t {
	case EventConditionObserved, EventExecutionClaimed, EventExecutionSubmitted,
		EventExecuted, EventFailed, EventSkippedStale, EventSkipped:
		return true
	}
	return false
}

// ErrUnknownEventType is returned when decoding a payload of an unknown type.
var ErrUnknownEventType = errors.New("unknown event type")

// Reasons recorded on FAILED and SKIPPED events.
const (
	ReasonCircuitOpen      = "circuit open"
	ReasonPositionNotOpen  = "position no longer open"
	ReasonSupersededPrefix = "superseded by execution "
	ReasonAlreadyExecuted  = "position already executed"
	ReasonPositionMissing  = "position not found"
)

// StopEvent is one immutable fact in a position's audit log.
// Seq orders events within a position; ID orders events across the whole store.
type StopEvent struct {
	ID         int64
	PositionID string
	Seq        int64
	Type       EventType
	OccurredAt time.Time // from the triggering observation
	RecordedAt time.Time // wall clock at append; audit only
	Source     TickSource
	Symbol     string
	Token      string
	Payload    EventPayload
}

// EventPayload is implemented by exactly one struct per EventType.
type EventPayload interface {
	EventType() EventType
}

// ConditionObserved records the crossing that started an execution chain.
type ConditionObserved struct {
	TriggerType    TriggerType     `json:"trigger_type"`
	Direction      Direction       `json:"direction"`
	Quantity       decimal.Decimal `json:"quantity"`
	ThresholdPrice decimal.Decimal `json:"threshold_price"`
	ObservedPrice  decimal.Decimal `json:"observed_price"`
}

// ExecutionClaimed records that this process won the claim for a token.
type ExecutionClaimed struct {
	ClaimedBy string `json:"claimed_by"`
}

// ExecutionSubmitted records one attempt to close the position on the exchange.
type ExecutionSubmitted struct {
	Attempt       int       `json:"attempt"`
	CloseSide     OrderSide `json:"close_side"`
	ClientOrderID string    `json:"client_order_id"`
	LastError     string    `json:"last_error,omitempty"`
}

// Executed records the fill that closed the position.
type Executed struct {
	FillPrice      decimal.Decimal `json:"fill_price"`
	IntendedPrice  decimal.Decimal `json:"intended_price"`
	SlippagePct    decimal.Decimal `json:"slippage_pct"`
	SlippageBreach bool            `json:"slippage_breach,omitempty"`
	OrderID        string          `json:"order_id"`
	FilledAt       time.Time       `json:"filled_at"`
	Attempts       int             `json:"attempts"`
}

// Failed records that the execution chain ended without a fill.
type Failed struct {
	Error       string `json:"error"`
	RetryCount  int    `json:"retry_count"`
	CircuitOpen bool   `json:"circuit_open,omitempty"`
}

// SkippedStale records that a stale tick was ignored.
type SkippedStale struct {
	TickObservedAt time.Time `json:"tick_observed_at"`
	AgeMs          int64     `json:"age_ms"`
	MaxAgeMs       int64     `json:"max_age_ms"`
}

// Skipped records that a claimed execution ended without an exchange call.
type Skipped struct {
	Reason string `json:"reason"`
}

func (ConditionObserved) EventType() EventType  { return EventConditionObserved }
func (ExecutionClaimed) EventType() EventType   { return EventExecutionClaimed }
func (ExecutionSubmitted) EventType() EventType { return EventExecutionSubmitted }
func (Executed) EventType() EventType           { return EventExecuted }
func (Failed) EventType() EventType             { return EventFailed }
func (SkippedStale) EventType() EventType       { return EventSkippedStale }
func (Skipped) EventType() EventType            { return EventSkipped }

// NewStopEvent builds an event whose Type is taken from the payload.
func NewStopEvent(positionID, symbol, token string, source TickSource, occurredAt time.Time, payload EventPayload) *StopEvent {
	return &StopEvent{
		PositionID: positionID,
		Type:       payload.EventType(),
		OccurredAt: occurredAt,
		Source:     source,
		Symbol:     symbol,
		Token:      token,
		Payload:    payload,
	}
}

// IsDecision reports whether e records what a worker decided to do with a
// claimed token: the first submission, a skip, or a failure because the
// breaker denied the call. Stores keep at most one decision per token.
func (e *StopEvent) IsDecision() bool {
	switch p := e.Payload.(type) {
	case ExecutionSubmitted:
		return p.Attempt == 1
	case Skipped:
		return true
	case Failed:
		return p.CircuitOpen
	}
	return false
}

// Validate checks that the event is well formed before it is appended.
func (e *StopEvent) Validate() error {
	switch {
	case e.PositionID == "":
		return errors.New("stop event: empty position id")
	case !e.Type.IsValid():
		return fmt.Errorf("stop event: %w: %q", ErrUnknownEventType, e.Type)
	case e.Payload == nil:
		return fmt.Errorf("stop event %s: nil payload", e.Type)
	case e.Payload.EventType() != e.Type:
		return fmt.Errorf("stop event: payload %s does not match type %s", e.Payload.EventType(), e.Type)
	case e.OccurredAt.IsZero():
		return fmt.Errorf("stop event %s: missing occurred_at", e.Type)
	case e.Type != EventSkippedStale && e.Token == "":
		return fmt.Errorf("stop event %s: missing execution token", e.Type)
	}
	return nil
}

// EncodePayload serializes a payload for storage.
func EncodePayload(p EventPayload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.EventType(), err)
	}
	return data, nil
}

// DecodePayload restores the payload struct for the given event type.
func DecodePayload(t EventType, data []byte) (EventPayload, error) {
	var (
		p   EventPayload
		err error
	)
	switch t {
	case EventConditionObserved:
		var v ConditionObserved
		err = json.Unmarshal(data, &v)
		p = v
	case EventExecutionClaimed:
		var v ExecutionClaimed
		err = json.Unmarshal(data, &v)
		p = v
	case EventExecutionSubmitted:
		var v ExecutionSubmitted
		err = json.Unmarshal(data, &v)
		p = v
	case EventExecuted:
		var v Executed
		err = json.Unmarshal(data, &v)
		p = v
	case EventFailed:
		var v Failed
		err = json.Unmarshal(data, &v)
		p = v
	case EventSkippedStale:
		var v SkippedStale
		err = json.Unmarshal(data, &v)
		p = v
	case EventSkipped:
		var v Skipped
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}
