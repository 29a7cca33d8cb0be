package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"stopguard/internal/domain"
	"stopguard/internal/trigger"
)

// SkipCheckEntry describes what the engine would do for one open position.
type SkipCheckEntry struct {
	PositionID  string                 `json:"position_id"`
	Symbol      string                 `json:"symbol"`
	Direction   domain.Direction       `json:"direction"`
	Price       *decimal.Decimal       `json:"price,omitempty"`
	StopPrice   *decimal.Decimal       `json:"stop_price,omitempty"`
	TargetPrice *decimal.Decimal       `json:"target_price,omitempty"`
	TriggerType domain.TriggerType     `json:"trigger_type,omitempty"`
	Token       string                 `json:"execution_token,omitempty"`
	Status      domain.ExecutionStatus `json:"execution_status,omitempty"`
	Breaker     domain.BreakerState    `json:"breaker_state,omitempty"`
	WouldRun    bool                   `json:"would_execute"`
	Reason      string                 `json:"reason,omitempty"`
	ExpectedPnL *decimal.Decimal       `json:"expected_pnl,omitempty"`
}

// SkipCheckReport is the result of a dry run over all open positions.
type SkipCheckReport struct {
	CheckedAt time.Time        `json:"checked_at"`
	Positions int              `json:"positions"`
	Triggered int              `json:"triggered"`
	Entries   []SkipCheckEntry `json:"entries"`
	Errors    []string         `json:"errors,omitempty"`
}

// Skip-check reasons.
const (
	reasonNotCrossed  = "threshold not crossed"
	reasonNoPrice     = "no price"
	reasonStale       = "price is stale"
	reasonClaimed     = "already claimed"
	reasonCircuitOpen = "circuit open"
)

// SkipCheck evaluates every open position against a freshly polled price
// and reports what would happen. It never claims, appends or executes.
func (e *Engine) SkipCheck(ctx context.Context) (*SkipCheckReport, error) {
	if e.poll == nil {
		return nil, errors.New("engine: no poll source configured")
	}
	positions, err := e.stores.Positions.GetOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}

	report := &SkipCheckReport{
		CheckedAt: e.now().UTC(),
		Positions: len(positions),
		Entries:   make([]SkipCheckEntry, 0, len(positions)),
	}

	ticks := make(map[string]*domain.PriceTick)
	for _, p := range positions {
		tick, ok := ticks[p.Symbol]
		if !ok {
			fetched, err := e.poll.Fetch(ctx, p.Symbol)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", p.Symbol, err))
			} else {
				tick = &fetched
			}
			ticks[p.Symbol] = tick
		}

		entry, err := e.check(ctx, p, tick)
		if err != nil {
			return nil, err
		}
		if entry.TriggerType != "" {
			report.Triggered++
		}
		report.Entries = append(report.Entries, entry)
	}
	return report, nil
}

func (e *Engine) check(ctx context.Context, p *domain.Position, tick *domain.PriceTick) (SkipCheckEntry, error) {
	entry := SkipCheckEntry{
		PositionID:  p.ID,
		Symbol:      p.Symbol,
		Direction:   p.Direction,
		StopPrice:   p.StopPrice,
		TargetPrice: p.TargetPrice,
	}

	if p.StopPrice == nil {
		entry.Reason = trigger.ErrMissingStopPrice.Error()
		return entry, nil
	}
	if tick == nil {
		entry.Reason = reasonNoPrice
		return entry, nil
	}
	price := tick.Price
	entry.Price = &price

	cond := trigger.Evaluate(p, *tick)
	if cond == nil {
		entry.Reason = reasonNotCrossed
		return entry, nil
	}
	entry.TriggerType = cond.TriggerType
	token, err := trigger.CrossingToken(ctx, e.stores.Claims, cond, e.bucketWidth)
	if err != nil {
		return entry, err
	}
	entry.Token = token
	if pnl, ok := expectedPnL(p, cond.ThresholdPrice); ok {
		entry.ExpectedPnL = &pnl
	}

	proj, err := e.recorder.Projector().Get(ctx, p.ID)
	if err != nil {
		return entry, fmt.Errorf("load projection %s: %w", p.ID, err)
	}
	if proj != nil {
		entry.Status = proj.Status
	}
	st, err := e.breaker.Peek(ctx, p.Symbol)
	if err != nil {
		return entry, fmt.Errorf("peek breaker %s: %w", p.Symbol, err)
	}
	entry.Breaker = st.State
	blocked, err := e.breaker.Blocked(ctx, p.Symbol)
	if err != nil {
		return entry, fmt.Errorf("peek breaker %s: %w", p.Symbol, err)
	}

	switch {
	case e.guard.IsStale(*tick):
		entry.Reason = reasonStale
	case proj != nil && proj.Status == domain.StatusExecuted:
		entry.Reason = domain.ReasonAlreadyExecuted
	case proj != nil && proj.Token == entry.Token:
		entry.Reason = reasonClaimed
	case proj != nil && proj.Status.IsInFlight():
		entry.Reason = domain.ReasonSupersededPrefix + proj.Token
	case blocked:
		entry.Reason = reasonCircuitOpen
	default:
		entry.WouldRun = true
	}
	return entry, nil
}

// expectedPnL is the PnL of closing the whole position at price.
func expectedPnL(p *domain.Position, price decimal.Decimal) (decimal.Decimal, bool) {
	if !p.EntryPrice.IsPositive() {
		return decimal.Zero, false
	}
	diff := price.Sub(p.EntryPrice)
	if p.Direction == domain.DirectionShort {
		diff = diff.Neg()
	}
	return diff.Mul(p.Quantity), true
}
