package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stopguard/internal/breaker"
	"stopguard/internal/domain"
	"stopguard/internal/idhash"
	"stopguard/internal/projection"
	"stopguard/internal/storage/memory"
)

var t0 = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

// fakeExchange fills at price unless errs holds an error for the attempt.
// block makes every call wait for its context.
type fakeExchange struct {
	mu    sync.Mutex
	calls []CloseRequest
	errs  []error
	price decimal.Decimal
	block bool
}

func (f *fakeExchange) ClosePosition(ctx context.Context, req CloseRequest) (*Fill, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if n <= len(f.errs) && f.errs[n-1] != nil {
		return nil, f.errs[n-1]
	}
	return &Fill{Price: f.price, OrderID: fmt.Sprintf("ord-%d", n), FilledAt: t0.Add(time.Second)}, nil
}

func (f *fakeExchange) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	orch      *Orchestrator
	exchange  *fakeExchange
	events    *memory.StopEventStore
	positions *memory.PositionStore
	recorder  *projection.Recorder
	breaker   *breaker.Breaker
	clock     time.Time
}

func newHarness(t *testing.T, ex *fakeExchange, retries int) *harness {
	t.Helper()
	h := &harness{
		exchange:  ex,
		events:    memory.NewStopEventStore(),
		positions: memory.NewPositionStore(),
		clock:     t0,
	}
	h.recorder = projection.NewRecorder(h.events, projection.NewProjector(h.events, memory.NewProjectionStore(), nil), nil)
	h.breaker = breaker.New(breaker.Options{
		Store:  memory.NewCircuitBreakerStore(),
		Config: breaker.Config{FailureThreshold: 3, RetryDelay: 5 * time.Minute},
		Now:    func() time.Time { return h.clock },
	})
	h.orch = New(Options{
		Exchange:        ex,
		Positions:       h.positions,
		Recorder:        h.recorder,
		Breaker:         h.breaker,
		ExchangeTimeout: 50 * time.Millisecond,
		Retry:           RetryPolicy{MaxRetries: retries, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
		MaxSlippagePct:  decimal.NewFromInt(5),
		Now:             func() time.Time { return h.clock },
	})
	return h
}

func (h *harness) addPosition(t *testing.T, id string) *domain.Position {
	t.Helper()
	stop := decimal.NewFromInt(100)
	p := &domain.Position{
		ID:        id,
		Symbol:    "BTCUSDT",
		Direction: domain.DirectionLong,
		Quantity:  decimal.RequireFromString("0.5"),
		StopPrice: &stop,
		Status:    domain.PositionActive,
	}
	require.NoError(t, h.positions.Insert(context.Background(), p))
	return p
}

// claim records the observation and claim events the coordinator would write.
func (h *harness) claim(t *testing.T, p *domain.Position, at time.Time) Job {
	t.Helper()
	ctx := context.Background()
	cond := domain.StopCondition{
		PositionID:     p.ID,
		Symbol:         p.Symbol,
		Direction:      p.Direction,
		Quantity:       p.Quantity,
		TriggerType:    domain.TriggerStopLoss,
		ThresholdPrice: *p.StopPrice,
		ObservedPrice:  decimal.RequireFromString("99.9"),
		ObservedAt:     at,
		Source:         domain.SourceStream,
	}
	token := idhash.ComputeExecutionToken(p.ID, cond.ThresholdPrice, at, idhash.DefaultBucketWidth)
	for _, payload := range []domain.EventPayload{
		domain.ConditionObserved{
			TriggerType:    cond.TriggerType,
			Direction:      cond.Direction,
			Quantity:       cond.Quantity,
			ThresholdPrice: cond.ThresholdPrice,
			ObservedPrice:  cond.ObservedPrice,
		},
		domain.ExecutionClaimed{ClaimedBy: "test"},
	} {
		_, err := h.recorder.Record(ctx, domain.NewStopEvent(p.ID, p.Symbol, token, cond.Source, at, payload))
		require.NoError(t, err)
	}
	return Job{Condition: cond, Token: token, Position: p}
}

func (h *harness) types(t *testing.T, positionID string) []domain.EventType {
	t.Helper()
	events, err := h.events.GetByPosition(context.Background(), positionID)
	require.NoError(t, err)
	out := make([]domain.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func (h *harness) last(t *testing.T, positionID string) *domain.StopEvent {
	t.Helper()
	events, err := h.events.GetByPosition(context.Background(), positionID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

func TestExecute_Success(t *testing.T) {
	ex := &fakeExchange{price: decimal.RequireFromString("99.5")}
	h := newHarness(t, ex, 2)
	ctx := context.Background()
	p := h.addPosition(t, "pos-1")
	job := h.claim(t, p, t0)

	result, err := h.orch.Execute(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, result.Status)
	assert.Equal(t, 1, result.Attempts)

	assert.Equal(t, []domain.EventType{
		domain.EventConditionObserved,
		domain.EventExecutionClaimed,
		domain.EventExecutionSubmitted,
		domain.EventExecuted,
	}, h.types(t, "pos-1"))

	events, _ := h.events.GetByPosition(ctx, "pos-1")
	for _, e := range events {
		assert.True(t, e.OccurredAt.Equal(t0), "%s occurred_at = %s", e.Type, e.OccurredAt)
		assert.Equal(t, job.Token, e.Token)
	}

	executed := h.last(t, "pos-1").Payload.(domain.Executed)
	assert.True(t, executed.FillPrice.Equal(decimal.RequireFromString("99.5")))
	assert.True(t, executed.SlippagePct.Equal(decimal.RequireFromString("-0.5")), "slippage %s", executed.SlippagePct)
	assert.False(t, executed.SlippageBreach)
	assert.Equal(t, "ord-1", executed.OrderID)

	require.Len(t, ex.calls, 1)
	assert.Equal(t, domain.SideSell, ex.calls[0].Side)
	assert.True(t, ex.calls[0].Quantity.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, idhash.ClientOrderID(job.Token), ex.calls[0].ClientOrderID)

	proj, err := h.recorder.Projector().Get(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, proj.Status)
	assert.Equal(t, "ord-1", proj.OrderID)

	pos, _ := h.positions.GetByID(ctx, "pos-1")
	assert.Equal(t, domain.PositionClosed, pos.Status)
}

func TestExecute_RetryThenSuccess(t *testing.T) {
	ex := &fakeExchange{
		price: decimal.NewFromInt(100),
		errs:  []error{errors.New("connection reset")},
	}
	h := newHarness(t, ex, 2)
	job := h.claim(t, h.addPosition(t, "pos-1"), t0)

	result, err := h.orch.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, result.Status)
	assert.Equal(t, 2, result.Attempts)

	events, _ := h.events.GetByPosition(context.Background(), "pos-1")
	require.Len(t, events, 5)
	second := events[3].Payload.(domain.ExecutionSubmitted)
	assert.Equal(t, 2, second.Attempt)
	assert.Contains(t, second.LastError, "connection reset")
	assert.Contains(t, second.LastError, string(KindNetwork))

	proj, _ := h.recorder.Projector().Get(context.Background(), "pos-1")
	assert.Equal(t, 1, proj.RetryCount)
}

func TestExecute_RetriesExhausted(t *testing.T) {
	rejection := Rejected(errors.New("insufficient margin"))
	ex := &fakeExchange{errs: []error{rejection, rejection, rejection}}
	h := newHarness(t, ex, 2)
	ctx := context.Background()
	job := h.claim(t, h.addPosition(t, "pos-1"), t0)

	result, err := h.orch.Execute(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, result.Status)
	assert.Equal(t, 3, ex.callCount())

	failed := h.last(t, "pos-1").Payload.(domain.Failed)
	assert.Equal(t, 2, failed.RetryCount)
	assert.Contains(t, failed.Error, "insufficient margin")
	assert.False(t, failed.CircuitOpen)

	st, err := h.breaker.Peek(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, st.FailureCount)

	pos, _ := h.positions.GetByID(ctx, "pos-1")
	assert.Equal(t, domain.PositionActive, pos.Status)
}

func TestExecute_Timeout(t *testing.T) {
	ex := &fakeExchange{block: true}
	h := newHarness(t, ex, 0)
	job := h.claim(t, h.addPosition(t, "pos-1"), t0)

	result, err := h.orch.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, result.Status)

	failed := h.last(t, "pos-1").Payload.(domain.Failed)
	assert.Contains(t, failed.Error, string(KindTimeout))
	assert.Equal(t, 0, failed.RetryCount)
}

func TestExecute_CircuitOpen(t *testing.T) {
	ex := &fakeExchange{price: decimal.NewFromInt(100)}
	h := newHarness(t, ex, 0)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := h.breaker.RecordFailure(ctx, "BTCUSDT")
		require.NoError(t, err)
	}
	job := h.claim(t, h.addPosition(t, "pos-1"), t0)

	result, err := h.orch.Execute(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, result.Status)
	assert.Equal(t, domain.ReasonCircuitOpen, result.Reason)
	assert.Zero(t, ex.callCount())

	failed := h.last(t, "pos-1").Payload.(domain.Failed)
	assert.True(t, failed.CircuitOpen)
	assert.Equal(t, domain.ReasonCircuitOpen, failed.Error)
	assert.NotContains(t, h.types(t, "pos-1"), domain.EventExecutionSubmitted)
}

func TestExecute_PositionClosedOutOfBand(t *testing.T) {
	ex := &fakeExchange{price: decimal.NewFromInt(100)}
	h := newHarness(t, ex, 0)
	ctx := context.Background()
	job := h.claim(t, h.addPosition(t, "pos-1"), t0)
	require.NoError(t, h.positions.MarkClosed(ctx, "pos-1", t0))

	result, err := h.orch.Execute(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSkipped, result.Status)
	assert.Zero(t, ex.callCount())

	skipped := h.last(t, "pos-1").Payload.(domain.Skipped)
	assert.Equal(t, domain.ReasonPositionNotOpen, skipped.Reason)

	proj, _ := h.recorder.Projector().Get(ctx, "pos-1")
	assert.Equal(t, domain.StatusSkipped, proj.Status)
}

func TestExecute_Superseded(t *testing.T) {
	ex := &fakeExchange{price: decimal.NewFromInt(100)}
	h := newHarness(t, ex, 0)
	ctx := context.Background()
	p := h.addPosition(t, "pos-1")
	first := h.claim(t, p, t0)
	second := h.claim(t, p, t0.Add(10*time.Second))
	require.NotEqual(t, first.Token, second.Token)

	result, err := h.orch.Execute(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSkipped, result.Status)
	assert.Equal(t, domain.ReasonSupersededPrefix+first.Token, result.Reason)
	assert.Zero(t, ex.callCount())

	proj, _ := h.recorder.Projector().Get(ctx, "pos-1")
	assert.Equal(t, first.Token, proj.Token)
	assert.Equal(t, domain.StatusTriggered, proj.Status)

	result, err = h.orch.Execute(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, result.Status)
	assert.Equal(t, 1, ex.callCount())
}

func TestExecute_DuplicateJobAfterOutcomeIsNoop(t *testing.T) {
	ex := &fakeExchange{price: decimal.NewFromInt(100)}
	h := newHarness(t, ex, 0)
	ctx := context.Background()
	job := h.claim(t, h.addPosition(t, "pos-1"), t0)

	first, err := h.orch.Execute(ctx, job)
	require.NoError(t, err)
	require.Equal(t, domain.StatusExecuted, first.Status)

	again, err := h.orch.Execute(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, again.Status)
	assert.Equal(t, ReasonDuplicate, again.Reason)
	assert.Equal(t, 1, ex.callCount())
	assert.Equal(t, []domain.EventType{
		domain.EventConditionObserved,
		domain.EventExecutionClaimed,
		domain.EventExecutionSubmitted,
		domain.EventExecuted,
	}, h.types(t, "pos-1"), "nothing is appended for the duplicate")
}

func TestExecute_ConcurrentDuplicateJobsSubmitOnce(t *testing.T) {
	ex := &fakeExchange{price: decimal.NewFromInt(100)}
	h := newHarness(t, ex, 0)
	ctx := context.Background()
	job := h.claim(t, h.addPosition(t, "pos-1"), t0)

	var wg sync.WaitGroup
	results := make([]*Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := h.orch.Execute(ctx, job)
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, ex.callCount())
	executed := 0
	for _, r := range results {
		require.NotNil(t, r)
		if r.Reason != ReasonDuplicate {
			executed++
			assert.Equal(t, domain.StatusExecuted, r.Status)
		}
	}
	assert.Equal(t, 1, executed)

	counts := map[domain.EventType]int{}
	for _, typ := range h.types(t, "pos-1") {
		counts[typ]++
	}
	assert.Equal(t, 1, counts[domain.EventExecutionSubmitted])
	assert.Equal(t, 1, counts[domain.EventExecuted])
	assert.Zero(t, counts[domain.EventSkipped])
	assert.Zero(t, counts[domain.EventFailed])

	proj, err := h.recorder.Projector().Get(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, proj.Status)
}

func TestExecute_SkipReleasesProbe(t *testing.T) {
	ex := &fakeExchange{price: decimal.NewFromInt(100)}
	h := newHarness(t, ex, 0)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := h.breaker.RecordFailure(ctx, "BTCUSDT")
		require.NoError(t, err)
	}
	h.clock = t0.Add(5 * time.Minute)

	job := h.claim(t, h.addPosition(t, "pos-1"), t0)
	require.NoError(t, h.positions.MarkClosed(ctx, "pos-1", t0))

	result, err := h.orch.Execute(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSkipped, result.Status)

	d, err := h.breaker.Check(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, d.Probe, "probe should be available after a skipped execution")
}

func TestExecute_SlippageBreach(t *testing.T) {
	ex := &fakeExchange{price: decimal.NewFromInt(90)}
	h := newHarness(t, ex, 0)
	job := h.claim(t, h.addPosition(t, "pos-1"), t0)

	result, err := h.orch.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, result.Status)

	executed := h.last(t, "pos-1").Payload.(domain.Executed)
	assert.True(t, executed.SlippageBreach)
	assert.True(t, executed.SlippagePct.Equal(decimal.NewFromInt(-10)))
}

func TestRun_DrainsQueue(t *testing.T) {
	ex := &fakeExchange{price: decimal.NewFromInt(100)}
	h := newHarness(t, ex, 0)
	q := NewQueue(4)
	ctx := context.Background()

	for _, id := range []string{"pos-1", "pos-2", "pos-3"} {
		require.NoError(t, q.Dispatch(ctx, h.claim(t, h.addPosition(t, id), t0)))
	}
	close(q)

	require.NoError(t, h.orch.Run(ctx, q))
	assert.Equal(t, 3, ex.callCount())
}

func TestQueue_DispatchHonoursContext(t *testing.T) {
	q := NewQueue(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Dispatch(ctx, Job{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSlippagePct(t *testing.T) {
	tests := []struct {
		fill, intended, want string
	}{
		{"99.5", "100", "-0.5"},
		{"101", "100", "1"},
		{"100", "100", "0"},
		{"1", "3", "-66.6667"},
		{"5", "0", "0"},
	}
	for _, tt := range tests {
		got := SlippagePct(decimal.RequireFromString(tt.fill), decimal.RequireFromString(tt.intended))
		assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "SlippagePct(%s, %s) = %s", tt.fill, tt.intended, got)
	}
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.Equal(t, KindTimeout, Classify(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)).Kind)
	assert.Equal(t, KindNetwork, Classify(errors.New("eof")).Kind)

	rejected := Rejected(errors.New("bad qty"))
	assert.Same(t, rejected, Classify(fmt.Errorf("outer: %w", rejected)))
}
