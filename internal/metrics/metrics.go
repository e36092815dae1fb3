package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrelay_dispatches_total",
			Help: "Total number of dispatches by final outcome",
		},
		[]string{"provider", "outcome"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelrelay_dispatch_duration_seconds",
			Help:    "End-to-end dispatch duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "outcome"},
	)

	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrelay_attempts_total",
			Help: "Per-provider attempt outcomes, gate skips included",
		},
		[]string{"provider", "result"},
	)

	TokensConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrelay_tokens_consumed_total",
			Help: "Total tokens committed against quota",
		},
		[]string{"provider"},
	)

	QuotaDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrelay_quota_denials_total",
			Help: "Authorization denials by ceiling",
		},
		[]string{"scope", "reason"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelrelay_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelrelay_active_streams",
			Help: "Number of live streaming sessions",
		},
	)

	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrelay_stream_events_total",
			Help: "Session events emitted by type",
		},
		[]string{"type"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrelay_provider_errors_total",
			Help: "Provider call failures by classification",
		},
		[]string{"provider", "kind"},
	)
)

func RecordDispatch(provider, outcome string, durationSec float64) {
	DispatchesTotal.WithLabelValues(provider, outcome).Inc()
	DispatchDuration.WithLabelValues(provider, outcome).Observe(durationSec)
}

func RecordAttempt(provider, result string) {
	AttemptsTotal.WithLabelValues(provider, result).Inc()
}

func RecordTokens(provider string, tokens int) {
	TokensConsumed.WithLabelValues(provider).Add(float64(tokens))
}

func RecordQuotaDenial(scope, reason string) {
	QuotaDenials.WithLabelValues(scope, reason).Inc()
}

func RecordProviderError(provider, kind string) {
	ProviderErrors.WithLabelValues(provider, kind).Inc()
}

func SetCircuitBreakerState(provider string, state int) {
	CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

func RecordStreamEvent(eventType string) {
	StreamEvents.WithLabelValues(eventType).Inc()
}

func StreamStarted() {
	ActiveStreams.Inc()
}

func StreamEnded() {
	ActiveStreams.Dec()
}
