// Package staleness rejects price observations that are too old to act on.
package staleness

import (
	"sync"
	"time"

	"stopguard/internal/domain"
	"stopguard/internal/observability"
)

// DefaultMaxAge is the oldest tick the engine will evaluate.
const DefaultMaxAge = 300 * time.Second

// Verdict is the result of Observe.
type Verdict struct {
	Stale bool
	Age   time.Duration
	// EpisodeStart is set on the first stale tick of a symbol whose sources
	// were all fresh until then.
	EpisodeStart bool
}

// Guard checks tick age and tracks stale episodes per symbol. An episode
// lasts while any source of the symbol is stale, so a symbol whose stream
// and poll both lag records a single SKIPPED_STALE per position.
// Episode state is process-local; a restart may record one extra
// SKIPPED_STALE per position.
type Guard struct {
	maxAge time.Duration
	now    func() time.Time

	mu    sync.Mutex
	stale map[string]map[domain.TickSource]bool
}

// NewGuard creates a Guard. maxAge <= 0 selects DefaultMaxAge; nil now selects time.Now.
func NewGuard(maxAge time.Duration, now func() time.Time) *Guard {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if now == nil {
		now = time.Now
	}
	return &Guard{
		maxAge: maxAge,
		now:    now,
		stale:  make(map[string]map[domain.TickSource]bool),
	}
}

// MaxAge returns the configured age limit.
func (g *Guard) MaxAge() time.Duration {
	return g.maxAge
}

// IsStale reports whether tick is older than MaxAge. Does not touch episode state.
func (g *Guard) IsStale(tick domain.PriceTick) bool {
	return tick.Age(g.now()) > g.maxAge
}

// Observe classifies tick and updates its symbol's episode.
func (g *Guard) Observe(tick domain.PriceTick) Verdict {
	age := tick.Age(g.now())
	stale := age > g.maxAge

	g.mu.Lock()
	sources := g.stale[tick.Symbol]
	start := stale && len(sources) == 0
	switch {
	case stale && sources == nil:
		g.stale[tick.Symbol] = map[domain.TickSource]bool{tick.Source: true}
	case stale:
		sources[tick.Source] = true
	case sources != nil:
		delete(sources, tick.Source)
		if len(sources) == 0 {
			delete(g.stale, tick.Symbol)
		}
	}
	g.mu.Unlock()

	if stale {
		observability.RecordStaleTick(tick.Source.String())
	}
	return Verdict{Stale: stale, Age: age, EpisodeStart: start}
}
