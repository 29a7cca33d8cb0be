// Package feed produces price ticks for the trigger coordinator: a continuous
// websocket stream and a periodic fallback poller.
package feed

import (
	"context"

	"stopguard/internal/domain"
)

// StreamSource pushes ticks for the subscribed symbols. The returned channel
// is closed when ctx is done; reconnects are handled by the source.
type StreamSource interface {
	Subscribe(ctx context.Context, symbols []string) (<-chan domain.PriceTick, error)
}

// PollSource fetches the current price of one symbol on demand.
type PollSource interface {
	Fetch(ctx context.Context, symbol string) (domain.PriceTick, error)
}

// SymbolLister returns the symbols that currently need prices.
type SymbolLister func(ctx context.Context) ([]string, error)

// Forward copies ticks from in to out until in is closed or ctx is done.
func Forward(ctx context.Context, in <-chan domain.PriceTick, out chan<- domain.PriceTick) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-in:
			if !ok {
				return nil
			}
			select {
			case out <- tick:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
