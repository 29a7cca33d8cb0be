package domain

import "time"

// BreakerState is the state of a per-symbol circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// Circuit breaker defaults.
const (
	DefaultFailureThreshold = 3
	DefaultRetryDelay       = 5 * time.Minute
)

// CircuitBreakerState is the persisted breaker for one symbol.
// Version is bumped on every save and guards concurrent writers.
type CircuitBreakerState struct {
	Symbol           string
	State            BreakerState
	FailureCount     int
	LastFailureAt    *time.Time
	OpenedAt         *time.Time
	WillRetryAt      *time.Time
	FailureThreshold int
	RetryDelay       time.Duration
	ProbeInFlight    bool
	Version          int64
	UpdatedAt        time.Time
}

// NewCircuitBreakerState returns a closed breaker for symbol.
func NewCircuitBreakerState(symbol string, threshold int, retryDelay time.Duration) *CircuitBreakerState {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &CircuitBreakerState{
		Symbol:           symbol,
		State:            BreakerClosed,
		FailureThreshold: threshold,
		RetryDelay:       retryDelay,
	}
}

// Clone returns a deep copy.
func (s *CircuitBreakerState) Clone() *CircuitBreakerState {
	c := *s
	c.LastFailureAt = cloneTime(s.LastFailureAt)
	c.OpenedAt = cloneTime(s.OpenedAt)
	c.WillRetryAt = cloneTime(s.WillRetryAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
