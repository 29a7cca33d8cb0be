package trigger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"stopguard/internal/breaker"
	"stopguard/internal/domain"
	"stopguard/internal/idhash"
	"stopguard/internal/observability"
	"stopguard/internal/orchestrator"
	"stopguard/internal/projection"
	"stopguard/internal/staleness"
	"stopguard/internal/storage"
)

// Dispatcher hands a claimed job to the execution workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, job orchestrator.Job) error
}

// OutcomeKind classifies what happened to one position for one tick.
type OutcomeKind string

const (
	OutcomeClaimed        OutcomeKind = "claimed"
	OutcomeAlreadyClaimed OutcomeKind = "already_claimed"
	OutcomeSuppressed     OutcomeKind = "suppressed"
	OutcomeStale          OutcomeKind = "stale"
	OutcomeRejected       OutcomeKind = "rejected"
)

// Outcome is reported for every position a tick affected.
// Positions whose thresholds were not crossed produce no outcome.
type Outcome struct {
	PositionID string
	Token      string
	Kind       OutcomeKind
	Reason     string
}

// Suppression reasons.
const (
	suppressExecuted    = "already executed"
	suppressInFlight    = "execution in flight"
	suppressCircuitOpen = "circuit open"
)

// Coordinator evaluates ticks from every source against open positions and
// claims each crossing exactly once. The claim store is the only exclusion
// mechanism; concurrent coordinators on other replicas are expected.
type Coordinator struct {
	positions  storage.PositionStore
	claims     storage.ClaimStore
	recorder   *projection.Recorder
	breaker    *breaker.Breaker
	guard      *staleness.Guard
	dispatcher Dispatcher

	bucketWidth time.Duration
	workerID    string
	now         func() time.Time

	warnedMu sync.Mutex
	warned   map[string]bool

	logger  *log.Logger
	verbose bool
}

// Options for creating Coordinator.
type Options struct {
	Positions  storage.PositionStore
	Claims     storage.ClaimStore
	Recorder   *projection.Recorder
	Breaker    *breaker.Breaker
	Guard      *staleness.Guard
	Dispatcher Dispatcher

	BucketWidth time.Duration // default idhash.DefaultBucketWidth
	WorkerID    string        // recorded as claimed_by
	Now         func() time.Time

	Logger  *log.Logger
	Verbose bool
}

// NewCoordinator creates a new Coordinator.
func NewCoordinator(opts Options) *Coordinator {
	width := opts.BucketWidth
	if width <= 0 {
		width = idhash.DefaultBucketWidth
	}
	guard := opts.Guard
	if guard == nil {
		guard = staleness.NewGuard(0, opts.Now)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		positions:   opts.Positions,
		claims:      opts.Claims,
		recorder:    opts.Recorder,
		breaker:     opts.Breaker,
		guard:       guard,
		dispatcher:  opts.Dispatcher,
		bucketWidth: width,
		workerID:    opts.WorkerID,
		now:         now,
		warned:      make(map[string]bool),
		logger:      logger,
		verbose:     opts.Verbose,
	}
}

// Run consumes ticks until the channel is closed or ctx is done.
// Per-tick errors are logged and do not stop the loop.
func (c *Coordinator) Run(ctx context.Context, ticks <-chan domain.PriceTick) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-ticks:
			if !ok {
				return nil
			}
			if _, err := c.HandleTick(ctx, tick); err != nil && ctx.Err() == nil {
				c.logger.Printf("[coordinator] %s/%s: %v", tick.Symbol, tick.Source, err)
			}
		}
	}
}

// HandleTick evaluates one tick against every open position of its symbol.
func (c *Coordinator) HandleTick(ctx context.Context, tick domain.PriceTick) ([]Outcome, error) {
	if err := tick.Validate(); err != nil {
		observability.RecordTickRejected(tick.Source.String())
		c.logger.Printf("[coordinator] LOUD: rejected tick: %v", err)
		return nil, err
	}
	observability.RecordTick(tick.Source.String(), tick.ObservedAt)

	verdict := c.guard.Observe(tick)

	positions, err := c.positions.GetOpenBySymbol(ctx, tick.Symbol)
	if err != nil {
		return nil, fmt.Errorf("load open positions for %s: %w", tick.Symbol, err)
	}

	if verdict.Stale {
		return c.handleStale(ctx, tick, verdict, positions)
	}

	var (
		outcomes []Outcome
		errs     []error
	)
	for _, p := range positions {
		outcome, err := c.handlePosition(ctx, p, tick)
		if err != nil {
			errs = append(errs, fmt.Errorf("position %s: %w", p.ID, err))
			continue
		}
		if outcome != nil {
			outcomes = append(outcomes, *outcome)
		}
	}
	return outcomes, errors.Join(errs...)
}

// handleStale records one SKIPPED_STALE per open position at the start of a
// symbol's stale episode. Later stale ticks from any source of the same
// episode are only counted.
func (c *Coordinator) handleStale(ctx context.Context, tick domain.PriceTick, v staleness.Verdict, positions []*domain.Position) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(positions))
	for _, p := range positions {
		outcomes = append(outcomes, Outcome{PositionID: p.ID, Kind: OutcomeStale})
	}
	if !v.EpisodeStart {
		return outcomes, nil
	}

	c.logger.Printf("[coordinator] %s/%s stale: tick is %s old (max %s)",
		tick.Symbol, tick.Source, v.Age.Truncate(time.Millisecond), c.guard.MaxAge())

	payload := domain.SkippedStale{
		TickObservedAt: tick.ObservedAt,
		AgeMs:          v.Age.Milliseconds(),
		MaxAgeMs:       c.guard.MaxAge().Milliseconds(),
	}
	var errs []error
	for _, p := range positions {
		e := domain.NewStopEvent(p.ID, p.Symbol, "", tick.Source, tick.ObservedAt, payload)
		if err := c.record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return outcomes, errors.Join(errs...)
}

func (c *Coordinator) handlePosition(ctx context.Context, p *domain.Position, tick domain.PriceTick) (*Outcome, error) {
	if p.StopPrice == nil {
		c.rejectMissingStop(p)
		return &Outcome{PositionID: p.ID, Kind: OutcomeRejected, Reason: ErrMissingStopPrice.Error()}, nil
	}

	cond := Evaluate(p, tick)
	if cond == nil {
		return nil, nil
	}
	observability.RecordConditionObserved(string(cond.TriggerType), cond.Source.String())

	token, err := CrossingToken(ctx, c.claims, cond, c.bucketWidth)
	if err != nil {
		return nil, err
	}

	reason, err := c.suppression(ctx, p, token)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		observability.RecordSuppressed(reason)
		c.debug("%s %s suppressed: %s", p.ID, cond.TriggerType, reason)
		return &Outcome{PositionID: p.ID, Token: token, Kind: OutcomeSuppressed, Reason: reason}, nil
	}

	claimOutcome, err := c.claims.Claim(ctx, &domain.IdempotencyClaim{
		Token:      token,
		PositionID: p.ID,
		ClaimedAt:  c.now().UTC(),
		ClaimedBy:  c.workerID,
	})
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", token, err)
	}
	observability.RecordClaim(string(claimOutcome))
	if claimOutcome == domain.AlreadyClaimed {
		c.debug("%s %s from %s: already claimed (%s)", p.ID, cond.TriggerType, cond.Source, token)
		return &Outcome{PositionID: p.ID, Token: token, Kind: OutcomeAlreadyClaimed}, nil
	}

	if err := c.recordClaim(ctx, cond, token); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			// Another writer recorded the claim event without going through the claim table.
			return &Outcome{PositionID: p.ID, Token: token, Kind: OutcomeAlreadyClaimed}, nil
		}
		c.logger.Printf("[coordinator] LOUD: %s claimed %s but could not record it: %v", p.ID, token, err)
		return nil, err
	}

	c.logger.Printf("[coordinator] %s %s claimed from %s: price %s crossed %s (%s)",
		p.ID, cond.TriggerType, cond.Source, cond.ObservedPrice, cond.ThresholdPrice, token)

	if err := c.dispatcher.Dispatch(ctx, orchestrator.Job{Condition: *cond, Token: token, Position: p}); err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", token, err)
	}
	return &Outcome{PositionID: p.ID, Token: token, Kind: OutcomeClaimed}, nil
}

// suppression is a read-only pre-check that avoids claiming work that could
// not run. It never replaces the claim: same-token candidates always reach
// the claim store.
func (c *Coordinator) suppression(ctx context.Context, p *domain.Position, token string) (string, error) {
	proj, err := c.recorder.Projector().Get(ctx, p.ID)
	if err != nil {
		return "", fmt.Errorf("load projection: %w", err)
	}
	if proj == nil || proj.Token == token {
		return "", nil
	}

	switch {
	case proj.Status == domain.StatusExecuted:
		return suppressExecuted, nil
	case proj.Status.IsInFlight():
		return suppressInFlight, nil
	case proj.Status == domain.StatusFailed && proj.LastError == domain.ReasonCircuitOpen && c.breaker != nil:
		blocked, err := c.breaker.Blocked(ctx, p.Symbol)
		if err != nil {
			return "", fmt.Errorf("peek breaker: %w", err)
		}
		if blocked {
			return suppressCircuitOpen, nil
		}
	}
	return "", nil
}

// recordClaim appends CONDITION_OBSERVED and EXECUTION_CLAIMED for the winner.
func (c *Coordinator) recordClaim(ctx context.Context, cond *domain.StopCondition, token string) error {
	observed := domain.ConditionObserved{
		TriggerType:    cond.TriggerType,
		Direction:      cond.Direction,
		Quantity:       cond.Quantity,
		ThresholdPrice: cond.ThresholdPrice,
		ObservedPrice:  cond.ObservedPrice,
	}
	claimed := domain.ExecutionClaimed{ClaimedBy: c.workerID}

	for _, payload := range []domain.EventPayload{observed, claimed} {
		e := domain.NewStopEvent(cond.PositionID, cond.Symbol, token, cond.Source, cond.ObservedAt, payload)
		if err := c.record(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// record appends e. A stale projection after a successful append is not an
// error here: the claim store, not the projection, guards the next tick.
func (c *Coordinator) record(ctx context.Context, e *domain.StopEvent) error {
	_, err := c.recorder.Record(ctx, e)
	if errors.Is(err, projection.ErrProjectionStale) {
		return nil
	}
	return err
}

// rejectMissingStop counts every rejection but logs once per position.
func (c *Coordinator) rejectMissingStop(p *domain.Position) {
	observability.RecordPositionRejected()

	c.warnedMu.Lock()
	first := !c.warned[p.ID]
	c.warned[p.ID] = true
	c.warnedMu.Unlock()

	if first {
		c.logger.Printf("[coordinator] LOUD: %s (%s): %v; position is not protected",
			p.ID, p.Symbol, ErrMissingStopPrice)
	}
}

func (c *Coordinator) debug(format string, args ...interface{}) {
	if c.verbose {
		c.logger.Printf("[coordinator] "+format, args...)
	}
}
