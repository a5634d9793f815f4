package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-cds/pkg/circuitbreaker"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveNode("triage", time.Second)
	m.ObserveCycle("recommendation", time.Second)
	m.ObserveVerdict("relevant", false)
	m.SetBreakerState("fhir", circuitbreaker.StateOpen)
	m.MessageProduced("cds.recommendations")
	m.ChunksIndexed(3)
	m.SetOutboxPending(2)
	m.CycleWrappedUp()
	m.SetConsumerLag("g", map[string]int64{"t": 1})
}

func TestMetrics_Messaging(t *testing.T) {
	m := New(nil)
	m.MessageProduced("cds.recommendations")
	m.MessageConsumed("guideline.documents")
	m.ChunksIndexed(4)
	m.ChunksIndexed(0)
	m.SetOutboxPending(7)
	m.SetConsumerLag("guideline-ingestor", map[string]int64{"guideline.documents": 12, "guideline.dlq": 0})

	assert.Equal(t, 12.0, testutil.ToFloat64(m.KafkaConsumerLag.WithLabelValues("guideline-ingestor", "guideline.documents")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.KafkaConsumerLag.WithLabelValues("guideline-ingestor", "guideline.dlq")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KafkaMessagesProduced))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KafkaMessagesConsumed))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.GuidelineChunks))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.OutboxPending))
}

func TestMetrics_Record(t *testing.T) {
	m := New(nil)
	m.ObserveVerdict("irrelevant", true)
	m.ObserveVerdict("unknown", false)
	m.ObserveTool("calculate_cardiovascular_risk", false)
	m.SetBreakerState("rxnav", circuitbreaker.StateOpen)
	m.CycleWrappedUp()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CycleWrapUps))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetrievalRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GradingVerdicts.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("rxnav")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cds_tool_calls_total")
}
