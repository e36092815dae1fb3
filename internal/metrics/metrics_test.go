package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDispatch(t *testing.T) {
	before := testutil.ToFloat64(DispatchesTotal.WithLabelValues("p-dispatch", "success"))

	RecordDispatch("p-dispatch", "success", 0.25)

	after := testutil.ToFloat64(DispatchesTotal.WithLabelValues("p-dispatch", "success"))
	if after != before+1 {
		t.Errorf("dispatches = %v, want %v", after, before+1)
	}
}

func TestRecordTokensAccumulates(t *testing.T) {
	RecordTokens("p-tokens", 10)
	RecordTokens("p-tokens", 15)

	got := testutil.ToFloat64(TokensConsumed.WithLabelValues("p-tokens"))
	if got != 25 {
		t.Errorf("tokens = %v, want 25", got)
	}
}

func TestCircuitBreakerStateGauge(t *testing.T) {
	SetCircuitBreakerState("p-breaker", 1)
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("p-breaker")); got != 1 {
		t.Errorf("state = %v, want 1", got)
	}

	SetCircuitBreakerState("p-breaker", 0)
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("p-breaker")); got != 0 {
		t.Errorf("state = %v, want 0", got)
	}
}

func TestActiveStreamsGauge(t *testing.T) {
	base := testutil.ToFloat64(ActiveStreams)

	StreamStarted()
	StreamStarted()
	StreamEnded()

	if got := testutil.ToFloat64(ActiveStreams); got != base+1 {
		t.Errorf("active streams = %v, want %v", got, base+1)
	}
}

func TestRecordQuotaDenial(t *testing.T) {
	RecordQuotaDenial("tenant", "daily-tokens")
	if got := testutil.ToFloat64(QuotaDenials.WithLabelValues("tenant", "daily-tokens")); got < 1 {
		t.Errorf("denials = %v, want at least 1", got)
	}
}
