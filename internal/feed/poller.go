package feed

import (
	"context"
	"log"
	"time"

	"stopguard/internal/domain"
	"stopguard/internal/observability"
)

// DefaultPollInterval is how often the fallback poller fetches prices.
const DefaultPollInterval = 30 * time.Second

// Poller periodically fetches a price for every symbol with open positions.
// It runs independently of the stream; duplicates are resolved downstream.
type Poller struct {
	source   PollSource
	symbols  SymbolLister
	interval time.Duration
	logger   *log.Logger
}

// NewPoller creates a new Poller.
func NewPoller(source PollSource, symbols SymbolLister, interval time.Duration, logger *log.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Poller{source: source, symbols: symbols, interval: interval, logger: logger}
}

// Run polls immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context, out chan<- domain.PriceTick) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.PollOnce(ctx, out); err != nil && ctx.Err() == nil {
			p.logger.Printf("[poller] %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce fetches every symbol once and sends the ticks to out.
// A failed symbol is counted and logged; the others are still polled.
// Returns the number of ticks sent.
func (p *Poller) PollOnce(ctx context.Context, out chan<- domain.PriceTick) (int, error) {
	symbols, err := p.symbols(ctx)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, sym := range symbols {
		tick, err := p.source.Fetch(ctx, sym)
		if err != nil {
			if ctx.Err() != nil {
				return sent, ctx.Err()
			}
			observability.RecordPollError(sym)
			p.logger.Printf("[poller] fetch %s: %v", sym, err)
			continue
		}
		tick.Source = domain.SourcePoll

		select {
		case out <- tick:
			sent++
		case <-ctx.Done():
			return sent, ctx.Err()
		}
	}
	return sent, nil
}
