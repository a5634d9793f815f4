// Package metrics provides Prometheus metrics for the decision-support engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-cds/pkg/circuitbreaker"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	CyclesTotal           *prometheus.CounterVec
	CycleDuration         prometheus.Histogram
	NodeDuration          *prometheus.HistogramVec
	GradingVerdicts       *prometheus.CounterVec
	RetrievalRetries      prometheus.Counter
	ToolCalls             *prometheus.CounterVec
	ToolRoundLimitHits    prometheus.Counter
	CycleWrapUps          prometheus.Counter
	ActiveSessions        prometheus.Gauge
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	KafkaConsumerLag      *prometheus.GaugeVec
	GuidelineChunks       prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them with reg. A nil reg uses a
// private registry, which keeps tests from colliding on the default one.
func New(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cds_cycles_total",
			Help: "Completed orchestration cycles by outcome",
		}, []string{"outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cds_cycle_duration_seconds",
			Help:    "Duration of a full orchestration cycle",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 40, 80},
		}),
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cds_node_duration_seconds",
			Help:    "Duration of a single graph node",
			Buckets: []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 20},
		}, []string{"node"}),
		GradingVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cds_grading_verdicts_total",
			Help: "Relevance verdicts by value",
		}, []string{"verdict"}),
		RetrievalRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cds_retrieval_retries_total",
			Help: "Retrieval retries triggered by irrelevant verdicts",
		}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cds_tool_calls_total",
			Help: "Tool invocations by tool and status",
		}, []string{"tool", "status"}),
		ToolRoundLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cds_tool_round_limit_total",
			Help: "Cycles that reached the tool round limit",
		}),
		CycleWrapUps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cds_cycle_wrap_ups_total",
			Help: "Cycles that ran short of time and answered without further retries or tool rounds",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cds_sessions_in_flight",
			Help: "Sessions with a cycle currently running",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		KafkaConsumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kafka_consumer_group_lag",
			Help: "Consumer group lag by topic",
		}, []string{"group", "topic"}),
		GuidelineChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cds_guideline_chunks_indexed_total",
			Help: "Guideline chunks upserted into the index",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		gatherer: gatherer,
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.NodeDuration,
		m.GradingVerdicts,
		m.RetrievalRetries,
		m.ToolCalls,
		m.ToolRoundLimitHits,
		m.CycleWrapUps,
		m.ActiveSessions,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.KafkaConsumerLag,
		m.GuidelineChunks,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveNode records the duration of one node execution
func (m *Metrics) ObserveNode(node string, d time.Duration) {
	if m == nil {
		return
	}
	m.NodeDuration.WithLabelValues(node).Observe(d.Seconds())
}

// ObserveCycle records a finished cycle
func (m *Metrics) ObserveCycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(d.Seconds())
}

// ObserveVerdict records a grading verdict
func (m *Metrics) ObserveVerdict(verdict string, retry bool) {
	if m == nil {
		return
	}
	m.GradingVerdicts.WithLabelValues(verdict).Inc()
	if retry {
		m.RetrievalRetries.Inc()
	}
}

// ObserveTool records one tool invocation
func (m *Metrics) ObserveTool(tool string, failed bool) {
	if m == nil {
		return
	}
	status := "ok"
	if failed {
		status = "error"
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
}

// ToolRoundLimitReached records a cycle forced to a final answer
func (m *Metrics) ToolRoundLimitReached() {
	if m == nil {
		return
	}
	m.ToolRoundLimitHits.Inc()
}

// CycleWrappedUp records a cycle that switched to wrap-up
func (m *Metrics) CycleWrappedUp() {
	if m == nil {
		return
	}
	m.CycleWrapUps.Inc()
}

// SetConsumerLag records the lag of group per topic
func (m *Metrics) SetConsumerLag(group string, lag map[string]int64) {
	if m == nil {
		return
	}
	for topic, n := range lag {
		m.KafkaConsumerLag.WithLabelValues(group, topic).Set(float64(n))
	}
}

// SessionStarted and SessionFinished track in-flight cycles
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionFinished decrements the in-flight gauge
func (m *Metrics) SessionFinished() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// SetBreakerState matches the circuitbreaker.Config OnStateChange signature
func (m *Metrics) SetBreakerState(name string, state circuitbreaker.State) {
	if m == nil {
		return
	}
	v := 0.0
	switch state {
	case circuitbreaker.StateOpen:
		v = 1
	case circuitbreaker.StateHalfOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// MessageProduced counts one record acknowledged by the brokers
func (m *Metrics) MessageProduced(string) {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Inc()
}

// MessageConsumed counts one record handled successfully
func (m *Metrics) MessageConsumed(string) {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Inc()
}

// ChunksIndexed counts guideline chunks written to the index
func (m *Metrics) ChunksIndexed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.GuidelineChunks.Add(float64(n))
}

// SetOutboxPending records the outbox backlog
func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// Handler returns the Prometheus HTTP handler for the registry these
// metrics were registered with
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
