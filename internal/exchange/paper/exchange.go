// Package paper simulates an exchange for dry runs. Orders never leave the process.
package paper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stopguard/internal/domain"
	"stopguard/internal/orchestrator"
)

// Exchange fills every close at the last observed price of the symbol,
// falling back to the request's reference price. Fills are remembered by
// client order id, so a resubmission returns the original fill.
type Exchange struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	fills  map[string]*orchestrator.Fill
	now    func() time.Time
}

// New creates a paper exchange. nil now selects time.Now.
func New(now func() time.Time) *Exchange {
	if now == nil {
		now = time.Now
	}
	return &Exchange{
		prices: make(map[string]decimal.Decimal),
		fills:  make(map[string]*orchestrator.Fill),
		now:    now,
	}
}

// Observe records the latest price of a symbol.
func (e *Exchange) Observe(tick domain.PriceTick) {
	if tick.Symbol == "" || !tick.Price.IsPositive() {
		return
	}
	e.mu.Lock()
	e.prices[tick.Symbol] = tick.Price
	e.mu.Unlock()
}

// ClosePosition simulates a reduce-only market order.
func (e *Exchange) ClosePosition(ctx context.Context, req orchestrator.CloseRequest) (*orchestrator.Fill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Position == nil {
		return nil, orchestrator.Rejected(errors.New("paper: missing position"))
	}
	if !req.Quantity.IsPositive() {
		return nil, orchestrator.Rejected(errors.New("paper: quantity must be > 0"))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if req.ClientOrderID != "" {
		if fill, ok := e.fills[req.ClientOrderID]; ok {
			c := *fill
			return &c, nil
		}
	}

	price, ok := e.prices[req.Position.Symbol]
	if !ok {
		price = req.ReferencePrice
	}
	if !price.IsPositive() {
		return nil, orchestrator.Rejected(errors.New("paper: no price for " + req.Position.Symbol))
	}

	fill := &orchestrator.Fill{
		Price:    price,
		OrderID:  uuid.New().String(),
		FilledAt: e.now().UTC(),
	}
	if req.ClientOrderID != "" {
		e.fills[req.ClientOrderID] = fill
	}
	c := *fill
	return &c, nil
}

// Compile-time interface check
var _ orchestrator.Exchange = (*Exchange)(nil)
