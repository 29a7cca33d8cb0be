package observability

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordHelpers(t *testing.T) {
	before := testutil.ToFloat64(DefaultMetrics.ClaimOutcomes.WithLabelValues("already_claimed"))
	RecordClaim("already_claimed")
	if got := testutil.ToFloat64(DefaultMetrics.ClaimOutcomes.WithLabelValues("already_claimed")); got != before+1 {
		t.Errorf("claims_total = %v, want %v", got, before+1)
	}

	SetBreakerState("BTCUSDT", "OPEN")
	if got := testutil.ToFloat64(DefaultMetrics.BreakerState.WithLabelValues("BTCUSDT")); got != 2 {
		t.Errorf("breaker gauge = %v, want 2", got)
	}
	SetBreakerState("BTCUSDT", "CLOSED")
	if got := testutil.ToFloat64(DefaultMetrics.BreakerState.WithLabelValues("BTCUSDT")); got != 0 {
		t.Errorf("breaker gauge = %v, want 0", got)
	}

	at := time.Unix(1700000000, 0)
	RecordTick("stream", at)
	if got := testutil.ToFloat64(DefaultMetrics.LastTickTime.WithLabelValues("stream")); got != float64(at.Unix()) {
		t.Errorf("last tick gauge = %v", got)
	}
}

func TestHandler_ExposesMetrics(t *testing.T) {
	RecordEventAppended("EXECUTED")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "stopguard_events_appended_total") {
		t.Error("metrics output missing stopguard_events_appended_total")
	}
}
