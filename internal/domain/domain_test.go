package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDirection_CloseSide(t *testing.T) {
	if got := DirectionLong.CloseSide(); got != SideSell {
		t.Errorf("LONG close side = %s, want SELL", got)
	}
	if got := DirectionShort.CloseSide(); got != SideBuy {
		t.Errorf("SHORT close side = %s, want BUY", got)
	}
}

func TestPosition_Validate(t *testing.T) {
	stop := decimal.RequireFromString("100")
	valid := Position{
		ID:        "pos-1",
		Symbol:    "BTCUSDT",
		Direction: DirectionLong,
		Quantity:  decimal.RequireFromString("0.5"),
		StopPrice: &stop,
		Status:    PositionActive,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid position rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(p *Position)
	}{
		{"empty symbol", func(p *Position) { p.Symbol = "" }},
		{"bad direction", func(p *Position) { p.Direction = "FLAT" }},
		{"zero quantity", func(p *Position) { p.Quantity = decimal.Zero }},
		{"negative stop", func(p *Position) { v := decimal.NewFromInt(-1); p.StopPrice = &v }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid.Clone()
			tt.mutate(p)
			if err := p.Validate(); !errors.Is(err, ErrInvalidPosition) {
				t.Errorf("expected ErrInvalidPosition, got %v", err)
			}
		})
	}
}

func TestPriceTick_Validate(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ok := PriceTick{Symbol: "ETHUSDT", Price: decimal.NewFromInt(3000), ObservedAt: now, Source: SourceStream}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid tick rejected: %v", err)
	}

	bad := []PriceTick{
		{Price: decimal.NewFromInt(1), ObservedAt: now, Source: SourcePoll},
		{Symbol: "ETHUSDT", Price: decimal.Zero, ObservedAt: now, Source: SourcePoll},
		{Symbol: "ETHUSDT", Price: decimal.NewFromInt(1), Source: SourcePoll},
		{Symbol: "ETHUSDT", Price: decimal.NewFromInt(1), ObservedAt: now, Source: "ws"},
	}
	for i, tick := range bad {
		if err := tick.Validate(); !errors.Is(err, ErrMalformedTick) {
			t.Errorf("case %d: expected ErrMalformedTick, got %v", i, err)
		}
	}
}

func TestDecodePayload_Executed(t *testing.T) {
	filled := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	in := Executed{
		FillPrice:     decimal.RequireFromString("99.5"),
		IntendedPrice: decimal.RequireFromString("100"),
		SlippagePct:   decimal.RequireFromString("-0.5"),
		OrderID:       "42",
		FilledAt:      filled,
		Attempts:      2,
	}
	data, err := EncodePayload(in)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}

	p, err := DecodePayload(EventExecuted, data)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	out, ok := p.(Executed)
	if !ok {
		t.Fatalf("decoded payload type = %T, want Executed", p)
	}
	if !out.FillPrice.Equal(in.FillPrice) || !out.SlippagePct.Equal(in.SlippagePct) {
		t.Errorf("prices mismatch: got %+v", out)
	}
	if !out.FilledAt.Equal(filled) || out.OrderID != "42" || out.Attempts != 2 {
		t.Errorf("fields mismatch: got %+v", out)
	}
}

func TestDecodePayload_UnknownType(t *testing.T) {
	_, err := DecodePayload("CANCELLED", []byte(`{}`))
	if !errors.Is(err, ErrUnknownEventType) {
		t.Errorf("expected ErrUnknownEventType, got %v", err)
	}
}

func TestStopEvent_Validate(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	e := NewStopEvent("pos-1", "BTCUSDT", "stk_abc", SourcePoll, at, ExecutionClaimed{ClaimedBy: "w1"})
	if e.Type != EventExecutionClaimed {
		t.Fatalf("type = %s, want EXECUTION_CLAIMED", e.Type)
	}
	if err := e.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	noToken := NewStopEvent("pos-1", "BTCUSDT", "", SourcePoll, at, Skipped{Reason: "x"})
	if err := noToken.Validate(); err == nil {
		t.Error("expected error for SKIPPED without token")
	}

	stale := NewStopEvent("pos-1", "BTCUSDT", "", SourceStream, at, SkippedStale{TickObservedAt: at})
	if err := stale.Validate(); err != nil {
		t.Errorf("SKIPPED_STALE needs no token: %v", err)
	}
}
