// Package engine wires the stop execution pipeline together:
// price sources → coordinator → claim → orchestrator workers → event log,
// plus the read-only query surface used by the CLI.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"stopguard/internal/archive"
	"stopguard/internal/breaker"
	"stopguard/internal/domain"
	"stopguard/internal/feed"
	"stopguard/internal/idhash"
	"stopguard/internal/orchestrator"
	"stopguard/internal/projection"
	"stopguard/internal/staleness"
	"stopguard/internal/storage"
	"stopguard/internal/trigger"
)

// ErrMissingStore is returned by New when a required store is nil.
var ErrMissingStore = errors.New("engine: required store is nil")

// Stores groups the repositories the engine runs on.
// Archive and Progress are optional; without them nothing is exported.
type Stores struct {
	Events      storage.StopEventStore
	Projections storage.ProjectionStore
	Claims      storage.ClaimStore
	Breakers    storage.CircuitBreakerStore
	Positions   storage.PositionStore
	Archive     storage.StopEventArchive
	Progress    storage.ExportProgressStore
}

// Options for creating Engine.
type Options struct {
	Stores   Stores
	Exchange orchestrator.Exchange

	// Price sources; either may be nil.
	Stream feed.StreamSource
	Poll   feed.PollSource

	// OnTick sees every tick before evaluation (the paper exchange uses it
	// to track the last price).
	OnTick func(domain.PriceTick)

	WorkerID     string        // default "stopguard-" + random suffix
	Workers      int           // default 4
	QueueSize    int           // default 256
	BucketWidth  time.Duration // default idhash.DefaultBucketWidth
	MaxTickAge   time.Duration // default staleness.DefaultMaxAge
	PollInterval time.Duration // default feed.DefaultPollInterval

	Breaker         breaker.Config
	ExchangeTimeout time.Duration
	Retry           orchestrator.RetryPolicy
	MaxSlippagePct  decimal.Decimal

	ExportInterval  time.Duration
	ExportBatchSize int
	ExportLag       time.Duration // default archive.DefaultLag; negative exports immediately

	Now     func() time.Time
	Logger  *log.Logger
	Verbose bool
}

// Engine owns the running pipeline and its query surface.
type Engine struct {
	stores Stores

	recorder    *projection.Recorder
	breaker     *breaker.Breaker
	guard       *staleness.Guard
	coordinator *trigger.Coordinator
	orch        *orchestrator.Orchestrator
	queue       orchestrator.Queue
	exporter    *archive.Exporter

	stream       feed.StreamSource
	poll         feed.PollSource
	onTick       func(domain.PriceTick)
	pollInterval time.Duration
	workers      int
	bucketWidth  time.Duration
	workerID     string

	now    func() time.Time
	logger *log.Logger
}

// New creates a new Engine.
func New(opts Options) (*Engine, error) {
	s := opts.Stores
	if s.Events == nil || s.Projections == nil || s.Claims == nil || s.Breakers == nil || s.Positions == nil {
		return nil, ErrMissingStore
	}
	if opts.Exchange == nil {
		return nil, errors.New("engine: exchange is nil")
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	workerID := opts.WorkerID
	if workerID == "" {
		workerID = "stopguard-" + uuid.NewString()[:8]
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	projector := projection.NewProjector(s.Events, s.Projections, logger)
	recorder := projection.NewRecorder(s.Events, projector, logger)
	brk := breaker.New(breaker.Options{
		Store:  s.Breakers,
		Config: opts.Breaker,
		Now:    now,
		Logger: logger,
	})
	guard := staleness.NewGuard(opts.MaxTickAge, now)
	queue := orchestrator.NewQueue(queueSize)

	e := &Engine{
		stores:       s,
		recorder:     recorder,
		breaker:      brk,
		guard:        guard,
		queue:        queue,
		stream:       opts.Stream,
		poll:         opts.Poll,
		onTick:       opts.OnTick,
		pollInterval: opts.PollInterval,
		workers:      workers,
		workerID:     workerID,
		now:          now,
		logger:       logger,
	}

	e.coordinator = trigger.NewCoordinator(trigger.Options{
		Positions:   s.Positions,
		Claims:      s.Claims,
		Recorder:    recorder,
		Breaker:     brk,
		Guard:       guard,
		Dispatcher:  queue,
		BucketWidth: opts.BucketWidth,
		WorkerID:    workerID,
		Now:         now,
		Logger:      logger,
		Verbose:     opts.Verbose,
	})
	e.bucketWidth = opts.BucketWidth
	if e.bucketWidth <= 0 {
		e.bucketWidth = idhash.DefaultBucketWidth
	}

	e.orch = orchestrator.New(orchestrator.Options{
		Exchange:        opts.Exchange,
		Positions:       s.Positions,
		Recorder:        recorder,
		Breaker:         brk,
		ExchangeTimeout: opts.ExchangeTimeout,
		Retry:           opts.Retry,
		MaxSlippagePct:  opts.MaxSlippagePct,
		Now:             now,
		Logger:          logger,
		Verbose:         opts.Verbose,
	})

	if s.Archive != nil && s.Progress != nil {
		e.exporter = archive.New(archive.Options{
			Events:    s.Events,
			Archive:   s.Archive,
			Progress:  s.Progress,
			BatchSize: opts.ExportBatchSize,
			Interval:  opts.ExportInterval,
			Lag:       opts.ExportLag,
			Logger:    logger,
		})
	}

	return e, nil
}

// WorkerID returns the identity recorded on claims made by this engine.
func (e *Engine) WorkerID() string {
	return e.workerID
}

// Run starts every stage and blocks until ctx is done or a stage fails.
// Returns nil after a clean shutdown.
func (e *Engine) Run(ctx context.Context) error {
	if e.stream == nil && e.poll == nil {
		return errors.New("engine: no price source configured")
	}

	g, gctx := errgroup.WithContext(ctx)
	ticks := make(chan domain.PriceTick, cap(e.queue)+1)

	if e.stream != nil {
		symbols, err := e.OpenSymbols(ctx)
		if err != nil {
			return err
		}
		if len(symbols) == 0 {
			e.logger.Printf("[engine] no open positions; stream not subscribed")
		} else {
			in, err := e.stream.Subscribe(gctx, symbols)
			if err != nil {
				return fmt.Errorf("subscribe stream: %w", err)
			}
			e.logger.Printf("[engine] streaming %d symbols", len(symbols))
			g.Go(func() error { return feed.Forward(gctx, in, ticks) })
		}
	}

	if e.poll != nil {
		poller := feed.NewPoller(e.poll, e.OpenSymbols, e.pollInterval, e.logger)
		g.Go(func() error { return poller.Run(gctx, ticks) })
	}

	var in <-chan domain.PriceTick = ticks
	if e.onTick != nil {
		tapped := make(chan domain.PriceTick, cap(ticks))
		g.Go(func() error { return tap(gctx, ticks, tapped, e.onTick) })
		in = tapped
	}
	g.Go(func() error { return e.coordinator.Run(gctx, in) })

	for i := 0; i < e.workers; i++ {
		g.Go(func() error { return e.orch.Run(gctx, e.queue) })
	}

	g.Go(func() error {
		n, err := e.Recover(gctx)
		if err != nil {
			e.logger.Printf("[engine] recover: %v", err)
		} else if n > 0 {
			e.logger.Printf("[engine] re-dispatched %d claimed executions", n)
		}
		return nil
	})

	if e.exporter != nil {
		g.Go(func() error { return e.exporter.Run(gctx) })
	}

	e.logger.Printf("[engine] %s running with %d workers", e.workerID, e.workers)
	err := g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Recover re-dispatches executions that were claimed but never reached the
// exchange (projection TRIGGERED). SUBMITTED executions are left for the
// operator because an order may already be working.
// Returns the number of jobs dispatched.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	triggered, err := e.stores.Projections.GetByStatus(ctx, domain.StatusTriggered)
	if err != nil {
		return 0, fmt.Errorf("load triggered projections: %w", err)
	}

	if submitted, err := e.stores.Projections.GetByStatus(ctx, domain.StatusSubmitted); err == nil {
		for _, p := range submitted {
			e.logger.Printf("[engine] LOUD: %s has an unresolved submission (%s); check the venue", p.PositionID, p.Token)
		}
	}

	dispatched := 0
	for _, p := range triggered {
		job, err := e.jobFor(ctx, p)
		if err != nil {
			e.logger.Printf("[engine] recover %s: %v", p.PositionID, err)
			continue
		}
		if err := e.queue.Dispatch(ctx, job); err != nil {
			return dispatched, err
		}
		dispatched++
	}
	return dispatched, nil
}

// jobFor rebuilds the job of a claimed execution from its observation event.
func (e *Engine) jobFor(ctx context.Context, p *domain.ExecutionProjection) (orchestrator.Job, error) {
	events, err := e.stores.Events.GetByToken(ctx, p.Token)
	if err != nil {
		return orchestrator.Job{}, fmt.Errorf("load events for %s: %w", p.Token, err)
	}
	for _, ev := range events {
		obs, ok := ev.Payload.(domain.ConditionObserved)
		if !ok {
			continue
		}
		cond := domain.StopCondition{
			PositionID:     ev.PositionID,
			Symbol:         ev.Symbol,
			Direction:      obs.Direction,
			Quantity:       obs.Quantity,
			TriggerType:    obs.TriggerType,
			ThresholdPrice: obs.ThresholdPrice,
			ObservedPrice:  obs.ObservedPrice,
			ObservedAt:     ev.OccurredAt,
			Source:         ev.Source,
		}
		return orchestrator.Job{Condition: cond, Token: p.Token}, nil
	}
	return orchestrator.Job{}, fmt.Errorf("no %s event for %s", domain.EventConditionObserved, p.Token)
}

// OpenSymbols returns the distinct symbols of ACTIVE positions, sorted.
func (e *Engine) OpenSymbols(ctx context.Context) ([]string, error) {
	positions, err := e.stores.Positions.GetOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}
	seen := make(map[string]bool)
	symbols := make([]string, 0)
	for _, p := range positions {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			symbols = append(symbols, p.Symbol)
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// HandleTick evaluates one tick synchronously. Claimed jobs are queued for
// the workers; it is the entry point for manually injected ticks and tests.
func (e *Engine) HandleTick(ctx context.Context, tick domain.PriceTick) ([]trigger.Outcome, error) {
	if e.onTick != nil {
		e.onTick(tick)
	}
	return e.coordinator.HandleTick(ctx, tick)
}

// RunOnce polls every open symbol once, evaluates the ticks and executes
// whatever was claimed before returning. It does not start the stream or
// the workers.
func (e *Engine) RunOnce(ctx context.Context) ([]trigger.Outcome, error) {
	if e.poll == nil {
		return nil, errors.New("engine: no poll source configured")
	}
	symbols, err := e.OpenSymbols(ctx)
	if err != nil {
		return nil, err
	}

	var (
		outcomes []trigger.Outcome
		errs     []error
	)
	for _, symbol := range symbols {
		tick, err := e.poll.Fetch(ctx, symbol)
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch %s: %w", symbol, err))
			continue
		}
		out, err := e.HandleTick(ctx, tick)
		outcomes = append(outcomes, out...)
		if err != nil {
			errs = append(errs, err)
		}
		if _, err := e.Drain(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return outcomes, errors.Join(errs...)
}

// Drain executes queued jobs on the calling goroutine until the queue is
// empty.
func (e *Engine) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		select {
		case job := <-e.queue:
			if _, err := e.orch.Execute(ctx, job); err != nil {
				return n, err
			}
			n++
		default:
			return n, nil
		}
	}
}

func tap(ctx context.Context, in <-chan domain.PriceTick, out chan<- domain.PriceTick, fn func(domain.PriceTick)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-in:
			if !ok {
				return nil
			}
			fn(tick)
			select {
			case out <- tick:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
