package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Transition("begin", "IN_PROGRESS")
	m.Transition("begin", "IN_PROGRESS")
	m.Commit("submit", 5*time.Millisecond)
	m.Conflict("submit")
	m.GateDecision("approved", "human")
	m.Started()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("begin", "IN_PROGRESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commits.WithLabelValues("submit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.VersionConflicts.WithLabelValues("submit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateDecisions.WithLabelValues("approved", "human")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeaturesStarted))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Transition("begin", "IN_PROGRESS")
	m.Commit("x", time.Second)
	m.Conflict("x")
	m.GateDecision("approved", "auto")
	m.Started()
}

func TestMetrics_Handler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Started()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "stepwise_features_started_total 1"))
}
