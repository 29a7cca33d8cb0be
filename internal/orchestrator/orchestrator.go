// Package orchestrator executes claimed stop conditions against an exchange.
// It coordinates: breaker check → position re-check → submit/retry → outcome
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"stopguard/internal/breaker"
	"stopguard/internal/domain"
	"stopguard/internal/idhash"
	"stopguard/internal/observability"
	"stopguard/internal/projection"
	"stopguard/internal/storage"
)

// Defaults applied by New.
const (
	DefaultExchangeTimeout = 10 * time.Second
	DefaultMaxRetries      = 2
)

var hundred = decimal.NewFromInt(100)

// RetryPolicy controls resubmission after a failed exchange call.
// The zero value disables retries.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns two retries starting at 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      DefaultMaxRetries,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Orchestrator drives one claimed execution to a terminal event.
type Orchestrator struct {
	exchange  Exchange
	positions storage.PositionStore
	recorder  *projection.Recorder
	breaker   *breaker.Breaker

	exchangeTimeout time.Duration
	retry           RetryPolicy
	maxSlippagePct  decimal.Decimal
	now             func() time.Time

	logger  *log.Logger
	verbose bool
}

// Options for creating Orchestrator.
type Options struct {
	// Required collaborators
	Exchange  Exchange
	Positions storage.PositionStore
	Recorder  *projection.Recorder
	Breaker   *breaker.Breaker

	ExchangeTimeout time.Duration // default DefaultExchangeTimeout
	Retry           RetryPolicy
	MaxSlippagePct  decimal.Decimal // zero disables breach flagging
	Now             func() time.Time

	Logger  *log.Logger
	Verbose bool
}

// New creates a new Orchestrator.
func New(opts Options) *Orchestrator {
	timeout := opts.ExchangeTimeout
	if timeout <= 0 {
		timeout = DefaultExchangeTimeout
	}
	retry := opts.Retry
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = 500 * time.Millisecond
	}
	if retry.MaxInterval < retry.InitialInterval {
		retry.MaxInterval = retry.InitialInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		exchange:        opts.Exchange,
		positions:       opts.Positions,
		recorder:        opts.Recorder,
		breaker:         opts.Breaker,
		exchangeTimeout: timeout,
		retry:           retry,
		maxSlippagePct:  opts.MaxSlippagePct,
		now:             now,
		logger:          logger,
		verbose:         opts.Verbose,
	}
}

// ReasonDuplicate is reported when the job's token was already decided by
// another worker or an earlier dispatch. Nothing is appended for it.
const ReasonDuplicate = "execution already handled"

// Result is the terminal outcome of Execute.
type Result struct {
	Status   domain.ExecutionStatus
	Reason   string
	Fill     *Fill
	Attempts int
}

// Execute runs a claimed job to EXECUTED, FAILED or SKIPPED.
// Every outcome is appended to the event log before it is returned, except
// for a duplicate job, which returns ReasonDuplicate and appends nothing.
// The returned error is non-nil only when the log itself could not be written.
func (o *Orchestrator) Execute(ctx context.Context, job Job) (*Result, error) {
	cond := job.Condition

	// Step 0: the same job may be queued twice (live dispatch and Recover)
	handled, err := o.handled(ctx, job)
	if err != nil || handled != nil {
		return handled, err
	}

	// Step 1: circuit breaker
	decision, err := o.breaker.Check(ctx, cond.Symbol)
	if err != nil {
		return nil, fmt.Errorf("breaker check %s: %w", cond.Symbol, err)
	}
	if !decision.Allowed {
		o.log("%s %s: circuit %s, not submitting", cond.PositionID, cond.Symbol, decision.State)
		result, err := o.fail(ctx, job, domain.Failed{Error: domain.ReasonCircuitOpen, CircuitOpen: true}, 0)
		if errors.Is(err, storage.ErrDuplicateKey) {
			return o.duplicate(ctx, job), nil
		}
		return result, err
	}

	// Step 2: re-read position and projection
	pos, reason, err := o.skipReason(ctx, job)
	if err != nil {
		o.releaseProbe(ctx, decision, cond.Symbol)
		return nil, err
	}
	if reason != "" {
		o.releaseProbe(ctx, decision, cond.Symbol)
		result, err := o.skip(ctx, job, reason)
		if errors.Is(err, storage.ErrDuplicateKey) {
			return o.duplicate(ctx, job), nil
		}
		return result, err
	}

	// Step 3: submit with retries
	job.Position = pos
	fill, attempts, execErr, err := o.submit(ctx, job)
	if errors.Is(err, storage.ErrDuplicateKey) && attempts == 1 {
		// Another worker recorded the first submission for this token.
		o.releaseProbe(ctx, decision, cond.Symbol)
		return o.duplicate(ctx, job), nil
	}
	if err != nil {
		return nil, err
	}

	// Step 4/5: outcome
	if execErr != nil {
		result, err := o.fail(ctx, job, domain.Failed{Error: execErr.Error(), RetryCount: attempts - 1}, attempts)
		if err != nil {
			return nil, err
		}
		if _, err := o.breaker.RecordFailure(context.WithoutCancel(ctx), cond.Symbol); err != nil {
			o.logger.Printf("[orchestrator] breaker failure %s: %v", cond.Symbol, err)
		}
		return result, nil
	}
	return o.succeed(ctx, job, fill, attempts)
}

// Run executes jobs until the channel is closed or ctx is done.
func (o *Orchestrator) Run(ctx context.Context, jobs <-chan Job) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-jobs:
			if !ok {
				return nil
			}
			if _, err := o.Execute(ctx, job); err != nil {
				o.logger.Printf("[orchestrator] %s token=%s: %v", job.Condition.PositionID, job.Token, err)
			}
		}
	}
}

// handled returns a result when the job's token already moved past TRIGGERED,
// meaning another worker or an earlier dispatch decided it.
func (o *Orchestrator) handled(ctx context.Context, job Job) (*Result, error) {
	proj, err := o.recorder.Projector().Get(ctx, job.Condition.PositionID)
	if err != nil {
		return nil, fmt.Errorf("load projection %s: %w", job.Condition.PositionID, err)
	}
	if proj == nil || proj.Token != job.Token {
		return nil, nil
	}
	if proj.Status == domain.StatusPending || proj.Status == domain.StatusTriggered {
		return nil, nil
	}
	o.log("%s token=%s already %s, dropping duplicate job", job.Condition.PositionID, job.Token, proj.Status)
	return &Result{Status: proj.Status, Reason: ReasonDuplicate}, nil
}

// duplicate reports a job that lost the decision append to another worker.
func (o *Orchestrator) duplicate(ctx context.Context, job Job) *Result {
	o.log("%s token=%s decided by another worker", job.Condition.PositionID, job.Token)
	status := domain.StatusTriggered
	if proj, err := o.recorder.Projector().Get(ctx, job.Condition.PositionID); err == nil && proj != nil && proj.Token == job.Token {
		status = proj.Status
	}
	return &Result{Status: status, Reason: ReasonDuplicate}
}

func (o *Orchestrator) releaseProbe(ctx context.Context, d breaker.Decision, symbol string) {
	if !d.Probe {
		return
	}
	if err := o.breaker.ReleaseProbe(context.WithoutCancel(ctx), symbol); err != nil {
		o.logger.Printf("[orchestrator] release probe %s: %v", symbol, err)
	}
}

// skipReason re-reads the position and returns why the job must not reach
// the exchange, or "" together with the current position.
func (o *Orchestrator) skipReason(ctx context.Context, job Job) (*domain.Position, string, error) {
	pos, err := o.positions.GetByID(ctx, job.Condition.PositionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.ReasonPositionMissing, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("load position %s: %w", job.Condition.PositionID, err)
	}
	if !pos.IsActive() {
		return pos, domain.ReasonPositionNotOpen, nil
	}

	proj, err := o.recorder.Projector().Get(ctx, pos.ID)
	if err != nil {
		return nil, "", fmt.Errorf("load projection %s: %w", pos.ID, err)
	}
	if proj == nil || proj.Token == job.Token {
		return pos, "", nil
	}
	switch {
	case proj.Status == domain.StatusExecuted:
		return pos, domain.ReasonAlreadyExecuted, nil
	case proj.Status.IsInFlight():
		return pos, domain.ReasonSupersededPrefix + proj.Token, nil
	}
	return pos, "", nil
}

// submit calls the exchange, appending EXECUTION_SUBMITTED before every attempt.
// execErr is the last exchange error when the retry budget ran out;
// err is set only when an event could not be appended.
func (o *Orchestrator) submit(ctx context.Context, job Job) (fill *Fill, attempts int, execErr *ExecutionError, err error) {
	cond := job.Condition
	req := CloseRequest{
		Position:       job.Position,
		Side:           cond.Direction.CloseSide(),
		Quantity:       cond.Quantity,
		ClientOrderID:  idhash.ClientOrderID(job.Token),
		ReferencePrice: cond.ThresholdPrice,
	}

	var storeErr error
	op := func() error {
		attempts++
		payload := domain.ExecutionSubmitted{
			Attempt:       attempts,
			CloseSide:     req.Side,
			ClientOrderID: req.ClientOrderID,
		}
		if execErr != nil {
			payload.LastError = execErr.Error()
		}
		if _, err := o.record(ctx, job, payload); err != nil {
			storeErr = err
			return backoff.Permanent(err)
		}

		f, err := o.call(ctx, req)
		if err != nil {
			execErr = Classify(err)
			o.logger.Printf("[orchestrator] %s attempt %d/%d: %v",
				cond.PositionID, attempts, o.retry.MaxRetries+1, execErr)
			return execErr
		}
		fill, execErr = f, nil
		return nil
	}

	retryErr := backoff.Retry(op, backoff.WithContext(o.backOff(), ctx))
	if storeErr != nil {
		return nil, attempts, nil, storeErr
	}
	if retryErr != nil && execErr == nil {
		// Context cancelled between attempts.
		execErr = Classify(retryErr)
	}
	return fill, attempts, execErr, nil
}

func (o *Orchestrator) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.retry.InitialInterval
	b.MaxInterval = o.retry.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(o.retry.MaxRetries))
}

// call performs one exchange request under the exchange timeout.
func (o *Orchestrator) call(ctx context.Context, req CloseRequest) (*Fill, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.exchangeTimeout)
	defer cancel()

	start := time.Now()
	fill, err := o.exchange.ClosePosition(callCtx, req)
	latency := time.Since(start)

	if err == nil && fill == nil {
		err = Rejected(errors.New("empty fill"))
	}
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			err = &ExecutionError{Kind: KindTimeout, Err: fmt.Errorf("no response within %s: %w", o.exchangeTimeout, err)}
		}
		observability.RecordExchangeAttempt(string(Classify(err).Kind), latency)
		return nil, err
	}
	observability.RecordExchangeAttempt("ok", latency)
	return fill, nil
}

func (o *Orchestrator) succeed(ctx context.Context, job Job, fill *Fill, attempts int) (*Result, error) {
	cond := job.Condition
	intended := cond.ThresholdPrice
	slippage := SlippagePct(fill.Price, intended)
	breach := o.maxSlippagePct.IsPositive() && slippage.Abs().GreaterThan(o.maxSlippagePct)

	filledAt := fill.FilledAt
	if filledAt.IsZero() {
		filledAt = o.now().UTC()
	}

	payload := domain.Executed{
		FillPrice:      fill.Price,
		IntendedPrice:  intended,
		SlippagePct:    slippage,
		SlippageBreach: breach,
		OrderID:        fill.OrderID,
		FilledAt:       filledAt,
		Attempts:       attempts,
	}
	if _, err := o.record(ctx, job, payload); err != nil {
		return nil, err
	}
	observability.RecordExecution(string(domain.StatusExecuted))
	observability.RecordSlippage(slippage.InexactFloat64(), breach)

	// The EXECUTED event is the commit point; follow-up failures are logged.
	bg := context.WithoutCancel(ctx)
	if _, err := o.breaker.RecordSuccess(bg, cond.Symbol); err != nil {
		o.logger.Printf("[orchestrator] breaker success %s: %v", cond.Symbol, err)
	}
	if err := o.positions.MarkClosed(bg, cond.PositionID, filledAt); err != nil {
		o.logger.Printf("[orchestrator] mark %s closed: %v", cond.PositionID, err)
	}

	if breach {
		o.logger.Printf("[orchestrator] LOUD: %s filled at %s, slippage %s%% exceeds %s%%",
			cond.PositionID, fill.Price, slippage, o.maxSlippagePct)
	}
	o.logger.Printf("[orchestrator] %s %s executed: %s %s @ %s (order %s, attempts %d)",
		cond.PositionID, cond.TriggerType, cond.Direction.CloseSide(), cond.Quantity, fill.Price, fill.OrderID, attempts)

	return &Result{Status: domain.StatusExecuted, Fill: fill, Attempts: attempts}, nil
}

func (o *Orchestrator) fail(ctx context.Context, job Job, payload domain.Failed, attempts int) (*Result, error) {
	if _, err := o.record(ctx, job, payload); err != nil {
		return nil, err
	}
	observability.RecordExecution(string(domain.StatusFailed))
	o.logger.Printf("[orchestrator] %s failed after %d attempts: %s", job.Condition.PositionID, attempts, payload.Error)
	return &Result{Status: domain.StatusFailed, Reason: payload.Error, Attempts: attempts}, nil
}

func (o *Orchestrator) skip(ctx context.Context, job Job, reason string) (*Result, error) {
	if _, err := o.record(ctx, job, domain.Skipped{Reason: reason}); err != nil {
		return nil, err
	}
	observability.RecordExecution(string(domain.StatusSkipped))
	o.log("%s skipped: %s", job.Condition.PositionID, reason)
	return &Result{Status: domain.StatusSkipped, Reason: reason}, nil
}

// record appends an event of the job's chain. Appends outlive cancellation of
// ctx so that an interrupted execution still leaves its outcome in the log.
func (o *Orchestrator) record(ctx context.Context, job Job, payload domain.EventPayload) (*domain.ExecutionProjection, error) {
	cond := job.Condition
	e := domain.NewStopEvent(cond.PositionID, cond.Symbol, job.Token, cond.Source, cond.ObservedAt, payload)
	proj, err := o.recorder.Record(context.WithoutCancel(ctx), e)
	if errors.Is(err, projection.ErrProjectionStale) {
		// appended; the projection catches up on the next refresh
		return nil, nil
	}
	return proj, err
}

// SlippagePct returns (fill - intended) / intended * 100, rounded to 4 places.
func SlippagePct(fill, intended decimal.Decimal) decimal.Decimal {
	if intended.IsZero() {
		return decimal.Zero
	}
	return fill.Sub(intended).Div(intended).Mul(hundred).Round(4)
}

func (o *Orchestrator) log(format string, args ...interface{}) {
	if o.verbose {
		o.logger.Printf("[orchestrator] "+format, args...)
	}
}
