// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Price feed metrics
	TicksReceived  *prometheus.CounterVec
	TicksRejected  *prometheus.CounterVec
	StaleTicks     *prometheus.CounterVec
	LastTickTime   *prometheus.GaugeVec
	FeedReconnects prometheus.Counter
	PollErrors     *prometheus.CounterVec

	// Trigger metrics
	ConditionsObserved *prometheus.CounterVec
	ClaimOutcomes      *prometheus.CounterVec
	Suppressed         *prometheus.CounterVec
	PositionsRejected  prometheus.Counter

	// Execution metrics
	ExecutionsTotal  *prometheus.CounterVec
	ExchangeAttempts *prometheus.CounterVec
	ExchangeLatency  prometheus.Histogram
	Slippage         prometheus.Histogram
	SlippageBreaches prometheus.Counter

	// Circuit breaker metrics
	BreakerState *prometheus.GaugeVec
	BreakerTrips *prometheus.CounterVec

	// Event log metrics
	EventsAppended *prometheus.CounterVec
	EventsArchived prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "stopguard"
	}

	return &Metrics{
		// Price feed metrics
		TicksReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "ticks_received_total",
			Help:      "Total number of price ticks received by source",
		}, []string{"source"}),
		TicksRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "ticks_rejected_total",
			Help:      "Total number of malformed price ticks",
		}, []string{"source"}),
		StaleTicks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "stale_ticks_total",
			Help:      "Total number of ticks older than the staleness limit",
		}, []string{"source"}),
		LastTickTime: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "last_tick_timestamp",
			Help:      "Unix timestamp of the last observed tick by source",
		}, []string{"source"}),
		FeedReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Total number of websocket reconnects",
		}),
		PollErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "poll_errors_total",
			Help:      "Total number of failed price polls by symbol",
		}, []string{"symbol"}),

		// Trigger metrics
		ConditionsObserved: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trigger",
			Name:      "conditions_observed_total",
			Help:      "Total number of stop/target crossings observed",
		}, []string{"trigger_type", "source"}),
		ClaimOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trigger",
			Name:      "claims_total",
			Help:      "Total number of execution claims by outcome",
		}, []string{"outcome"}),
		Suppressed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trigger",
			Name:      "suppressed_total",
			Help:      "Total number of crossings not claimed by reason",
		}, []string{"reason"}),
		PositionsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trigger",
			Name:      "positions_rejected_total",
			Help:      "Total number of evaluations skipped for positions without an absolute stop",
		}),

		// Execution metrics
		ExecutionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "executions_total",
			Help:      "Total number of finished executions by terminal status",
		}, []string{"status"}),
		ExchangeAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "exchange_attempts_total",
			Help:      "Total number of exchange close attempts by result",
		}, []string{"result"}),
		ExchangeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "exchange_latency_seconds",
			Help:      "Exchange close call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		Slippage: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "slippage_pct",
			Help:      "Fill slippage against the trigger threshold in percent",
			Buckets:   []float64{-5, -2, -1, -0.5, -0.1, 0, 0.1, 0.5, 1, 2, 5},
		}),
		SlippageBreaches: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "slippage_breaches_total",
			Help:      "Total number of fills beyond the slippage limit",
		}),

		// Circuit breaker metrics
		BreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state by symbol (0 closed, 1 half-open, 2 open)",
		}, []string{"symbol"}),
		BreakerTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "trips_total",
			Help:      "Total number of transitions to OPEN by symbol",
		}, []string{"symbol"}),

		// Event log metrics
		EventsAppended: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "appended_total",
			Help:      "Total number of stop events appended by type",
		}, []string{"event_type"}),
		EventsArchived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "archived_total",
			Help:      "Total number of stop events copied to the archive",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordTick records a received tick.
func RecordTick(source string, observedAt time.Time) {
	DefaultMetrics.TicksReceived.WithLabelValues(source).Inc()
	DefaultMetrics.LastTickTime.WithLabelValues(source).Set(float64(observedAt.Unix()))
}

// RecordTickRejected records a malformed tick.
func RecordTickRejected(source string) {
	DefaultMetrics.TicksRejected.WithLabelValues(source).Inc()
}

// RecordStaleTick records a tick older than the staleness limit.
func RecordStaleTick(source string) {
	DefaultMetrics.StaleTicks.WithLabelValues(source).Inc()
}

// RecordFeedReconnect increments the websocket reconnect counter.
func RecordFeedReconnect() {
	DefaultMetrics.FeedReconnects.Inc()
}

// RecordPollError records a failed price poll.
func RecordPollError(symbol string) {
	DefaultMetrics.PollErrors.WithLabelValues(symbol).Inc()
}

// RecordConditionObserved records a crossing.
func RecordConditionObserved(triggerType, source string) {
	DefaultMetrics.ConditionsObserved.WithLabelValues(triggerType, source).Inc()
}

// RecordClaim records a claim outcome.
func RecordClaim(outcome string) {
	DefaultMetrics.ClaimOutcomes.WithLabelValues(outcome).Inc()
}

// RecordSuppressed records a crossing that was not claimed.
func RecordSuppressed(reason string) {
	DefaultMetrics.Suppressed.WithLabelValues(reason).Inc()
}

// RecordPositionRejected records an evaluation skipped for a position without a stop.
func RecordPositionRejected() {
	DefaultMetrics.PositionsRejected.Inc()
}

// RecordExecution records a finished execution.
func RecordExecution(status string) {
	DefaultMetrics.ExecutionsTotal.WithLabelValues(status).Inc()
}

// RecordExchangeAttempt records one exchange call.
func RecordExchangeAttempt(result string, latency time.Duration) {
	DefaultMetrics.ExchangeAttempts.WithLabelValues(result).Inc()
	DefaultMetrics.ExchangeLatency.Observe(latency.Seconds())
}

// RecordSlippage records fill slippage in percent.
func RecordSlippage(pct float64, breach bool) {
	DefaultMetrics.Slippage.Observe(pct)
	if breach {
		DefaultMetrics.SlippageBreaches.Inc()
	}
}

// SetBreakerState updates the breaker gauge for a symbol.
func SetBreakerState(symbol, state string) {
	v := 0.0
	switch state {
	case "HALF_OPEN":
		v = 1
	case "OPEN":
		v = 2
	}
	DefaultMetrics.BreakerState.WithLabelValues(symbol).Set(v)
}

// RecordBreakerTrip records a transition to OPEN.
func RecordBreakerTrip(symbol string) {
	DefaultMetrics.BreakerTrips.WithLabelValues(symbol).Inc()
}

// RecordEventAppended records an appended stop event.
func RecordEventAppended(eventType string) {
	DefaultMetrics.EventsAppended.WithLabelValues(eventType).Inc()
}

// RecordEventsArchived records events copied to the archive.
func RecordEventsArchived(n int) {
	DefaultMetrics.EventsArchived.Add(float64(n))
}
