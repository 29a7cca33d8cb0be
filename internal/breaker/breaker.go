// Package breaker implements the per-symbol circuit breaker that stops
// execution attempts against an exchange that keeps failing.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"stopguard/internal/domain"
	"stopguard/internal/observability"
	"stopguard/internal/storage"
)

// maxUpdateAttempts bounds optimistic retries when replicas race on one symbol.
const maxUpdateAttempts = 16

// ErrContended is returned when a breaker update lost every optimistic retry.
var ErrContended = errors.New("circuit breaker update contended")

// Config configures new breakers. Persisted breakers keep their own values.
type Config struct {
	FailureThreshold int
	RetryDelay       time.Duration
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: domain.DefaultFailureThreshold,
		RetryDelay:       domain.DefaultRetryDelay,
	}
}

// Decision is the result of Check.
type Decision struct {
	State   domain.BreakerState
	Allowed bool
	// Probe is set when this caller holds the single half-open attempt.
	Probe bool
}

// Breaker reads and mutates per-symbol breaker state in a CircuitBreakerStore.
type Breaker struct {
	store  storage.CircuitBreakerStore
	cfg    Config
	now    func() time.Time
	logger *log.Logger
}

// Options for creating a Breaker.
type Options struct {
	Store  storage.CircuitBreakerStore
	Config Config
	Now    func() time.Time // defaults to time.Now
	Logger *log.Logger
}

// New creates a new Breaker.
func New(opts Options) *Breaker {
	cfg := opts.Config
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = domain.DefaultFailureThreshold
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = domain.DefaultRetryDelay
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Breaker{store: opts.Store, cfg: cfg, now: now, logger: logger}
}

// Check decides whether an execution attempt on symbol may proceed.
// CLOSED allows. OPEN denies until WillRetryAt, then moves to HALF_OPEN and
// hands out exactly one probe. A probe lease that is never resolved expires
// after RetryDelay so a crashed worker cannot wedge the symbol.
func (b *Breaker) Check(ctx context.Context, symbol string) (Decision, error) {
	var d Decision
	_, err := b.update(ctx, symbol, func(st *domain.CircuitBreakerState, now time.Time) bool {
		switch st.State {
		case domain.BreakerOpen:
			if st.WillRetryAt != nil && now.Before(*st.WillRetryAt) {
				d = Decision{State: domain.BreakerOpen}
				return false
			}
		case domain.BreakerHalfOpen:
			if st.ProbeInFlight && st.WillRetryAt != nil && now.Before(*st.WillRetryAt) {
				d = Decision{State: domain.BreakerHalfOpen}
				return false
			}
		default:
			d = Decision{State: domain.BreakerClosed, Allowed: true}
			return false
		}

		lease := now.Add(st.RetryDelay)
		st.State = domain.BreakerHalfOpen
		st.ProbeInFlight = true
		st.WillRetryAt = &lease
		d = Decision{State: domain.BreakerHalfOpen, Allowed: true, Probe: true}
		return true
	})
	if err != nil {
		return Decision{}, err
	}
	if d.Probe {
		b.logger.Printf("[breaker] %s half-open: allowing one probe", symbol)
	}
	return d, nil
}

// RecordFailure counts a failed execution. Reaching the threshold while
// CLOSED, or any failure while HALF_OPEN, opens the breaker.
func (b *Breaker) RecordFailure(ctx context.Context, symbol string) (*domain.CircuitBreakerState, error) {
	tripped := false
	st, err := b.update(ctx, symbol, func(st *domain.CircuitBreakerState, now time.Time) bool {
		tripped = false
		st.FailureCount++
		st.LastFailureAt = &now

		switch st.State {
		case domain.BreakerHalfOpen:
			trip(st, now)
			tripped = true
		case domain.BreakerOpen:
		default:
			if st.FailureCount >= st.FailureThreshold {
				trip(st, now)
				tripped = true
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if tripped {
		observability.RecordBreakerTrip(symbol)
		b.logger.Printf("[breaker] %s OPEN after %d failures, retry at %s",
			symbol, st.FailureCount, st.WillRetryAt.Format(time.RFC3339))
	}
	return st, nil
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess(ctx context.Context, symbol string) (*domain.CircuitBreakerState, error) {
	var was domain.BreakerState
	st, err := b.update(ctx, symbol, func(st *domain.CircuitBreakerState, _ time.Time) bool {
		was = st.State
		if st.State == domain.BreakerClosed && st.FailureCount == 0 {
			return false
		}
		st.State = domain.BreakerClosed
		st.FailureCount = 0
		st.ProbeInFlight = false
		st.OpenedAt = nil
		st.WillRetryAt = nil
		return true
	})
	if err != nil {
		return nil, err
	}
	if was != "" && was != domain.BreakerClosed {
		b.logger.Printf("[breaker] %s CLOSED after successful execution", symbol)
	}
	return st, nil
}

// ReleaseProbe returns an unused half-open probe so the next Check may take it.
func (b *Breaker) ReleaseProbe(ctx context.Context, symbol string) error {
	_, err := b.update(ctx, symbol, func(st *domain.CircuitBreakerState, now time.Time) bool {
		if st.State != domain.BreakerHalfOpen || !st.ProbeInFlight {
			return false
		}
		st.ProbeInFlight = false
		st.WillRetryAt = &now
		return true
	})
	return err
}

// Peek returns the current state without changing it.
func (b *Breaker) Peek(ctx context.Context, symbol string) (*domain.CircuitBreakerState, error) {
	st, err := b.load(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Blocked reports whether Check would deny the symbol right now: OPEN and not
// yet due, or HALF_OPEN with the probe handed out and its lease still running.
// Read-only; callers use it to avoid claiming work that Check would deny.
func (b *Breaker) Blocked(ctx context.Context, symbol string) (bool, error) {
	st, err := b.load(ctx, symbol)
	if err != nil {
		return false, err
	}
	pending := st.WillRetryAt != nil && b.now().Before(*st.WillRetryAt)
	switch st.State {
	case domain.BreakerOpen:
		return pending, nil
	case domain.BreakerHalfOpen:
		return st.ProbeInFlight && pending, nil
	}
	return false, nil
}

// All returns every persisted breaker.
func (b *Breaker) All(ctx context.Context) ([]*domain.CircuitBreakerState, error) {
	return b.store.GetAll(ctx)
}

func trip(st *domain.CircuitBreakerState, now time.Time) {
	retry := now.Add(st.RetryDelay)
	st.State = domain.BreakerOpen
	st.OpenedAt = &now
	st.WillRetryAt = &retry
	st.ProbeInFlight = false
}

// load returns the stored breaker or a fresh CLOSED one with version 0.
func (b *Breaker) load(ctx context.Context, symbol string) (*domain.CircuitBreakerState, error) {
	st, err := b.store.Get(ctx, symbol)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.NewCircuitBreakerState(symbol, b.cfg.FailureThreshold, b.cfg.RetryDelay), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load breaker %s: %w", symbol, err)
	}
	return st, nil
}

// update runs an optimistic read-modify-write. fn returns false to leave the
// state untouched.
func (b *Breaker) update(
	ctx context.Context,
	symbol string,
	fn func(st *domain.CircuitBreakerState, now time.Time) bool,
) (*domain.CircuitBreakerState, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		st, err := b.load(ctx, symbol)
		if err != nil {
			return nil, err
		}
		expected := st.Version
		if !fn(st, b.now().UTC()) {
			return st, nil
		}

		err = b.store.Save(ctx, st, expected)
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save breaker %s: %w", symbol, err)
		}
		observability.SetBreakerState(symbol, string(st.State))
		return st, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrContended, symbol)
}
