// Package metrics provides Prometheus metrics for the medication safety engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Validations           *prometheus.CounterVec
	Submissions           *prometheus.CounterVec
	Discontinuations      *prometheus.CounterVec
	InteractionChecks     *prometheus.CounterVec
	LookupFailures        *prometheus.CounterVec
	CacheRequests         *prometheus.CounterVec
	GatewayDuration       *prometheus.HistogramVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates the metrics and registers them with reg, or with the default
// registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		Validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_validations_total",
			Help: "Order validations by verdict",
		}, []string{"verdict"}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_submissions_total",
			Help: "Order submissions by outcome",
		}, []string{"outcome"}),
		Discontinuations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_discontinuations_total",
			Help: "Order stop requests by outcome",
		}, []string{"outcome"}),
		InteractionChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interaction_checks_total",
			Help: "Resolved drug pairs by provenance",
		}, []string{"source"}),
		LookupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "external_lookup_failures_total",
			Help: "Remote lookups that exhausted retries",
		}, []string{"source"}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_requests_total",
			Help: "Cache lookups by namespace and result",
		}, []string{"namespace", "result"}),
		GatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "order_gateway_duration_seconds",
			Help:    "Order gateway call duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"operation"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.Validations,
		m.Submissions,
		m.Discontinuations,
		m.InteractionChecks,
		m.LookupFailures,
		m.CacheRequests,
		m.GatewayDuration,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// ValidationVerdict records one validation outcome: valid, warnings or invalid.
func (m *Metrics) ValidationVerdict(verdict string) {
	if m == nil {
		return
	}
	m.Validations.WithLabelValues(verdict).Inc()
}

// SubmissionOutcome records one submission outcome.
func (m *Metrics) SubmissionOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(outcome).Inc()
}

// DiscontinueOutcome records one stop request outcome.
func (m *Metrics) DiscontinueOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Discontinuations.WithLabelValues(outcome).Inc()
}

// InteractionResolved records the provenance of a resolved pair.
func (m *Metrics) InteractionResolved(source string) {
	if m == nil {
		return
	}
	m.InteractionChecks.WithLabelValues(source).Inc()
}

// LookupFailed records an exhausted remote lookup.
func (m *Metrics) LookupFailed(source string) {
	if m == nil {
		return
	}
	m.LookupFailures.WithLabelValues(source).Inc()
}

// CacheResult records a cache hit or miss.
func (m *Metrics) CacheResult(namespace string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequests.WithLabelValues(namespace, result).Inc()
}

// ObserveGateway records the duration of a gateway call.
func (m *Metrics) ObserveGateway(operation string, started time.Time) {
	if m == nil {
		return
	}
	m.GatewayDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// BreakerState records a circuit breaker state change.
func (m *Metrics) BreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// Produced records messages written to Kafka.
func (m *Metrics) Produced(n int) {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Add(float64(n))
}

// Consumed records messages read from Kafka.
func (m *Metrics) Consumed(n int) {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Add(float64(n))
}

// SetOutboxPending records the outbox backlog.
func (m *Metrics) SetOutboxPending(n int) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
