// Package metrics exposes orchestrator counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator's collectors. A nil *Metrics is valid and
// records nothing.
//
// Metrics:
//   - stepwise_transitions_total{event,to}
//   - stepwise_commits_total{op}
//   - stepwise_version_conflicts_total{op}
//   - stepwise_commit_duration_seconds{op}
//   - stepwise_gate_decisions_total{decision,reviewer}
//   - stepwise_features_started_total
type Metrics struct {
	Transitions      *prometheus.CounterVec
	Commits          *prometheus.CounterVec
	VersionConflicts *prometheus.CounterVec
	CommitDuration   *prometheus.HistogramVec
	GateDecisions    *prometheus.CounterVec
	FeaturesStarted  prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers the collectors with reg. Passing a fresh registry keeps
// tests independent of the global default.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stepwise_transitions_total",
			Help: "Step transitions applied, by event and resulting status",
		}, []string{"event", "to"}),
		Commits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stepwise_commits_total",
			Help: "Manifest commits that succeeded",
		}, []string{"op"}),
		VersionConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stepwise_version_conflicts_total",
			Help: "Commits rejected because the manifest version moved",
		}, []string{"op"}),
		CommitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepwise_commit_duration_seconds",
			Help:    "Time from manifest load to commit",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		GateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stepwise_gate_decisions_total",
			Help: "Gate decisions recorded, by decision and reviewer kind",
		}, []string{"decision", "reviewer"}),
		FeaturesStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "stepwise_features_started_total",
			Help: "Features started",
		}),
		gatherer: reg,
	}
}

func (m *Metrics) Transition(event, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(event, to).Inc()
}

func (m *Metrics) Commit(op string, took time.Duration) {
	if m == nil {
		return
	}
	m.Commits.WithLabelValues(op).Inc()
	m.CommitDuration.WithLabelValues(op).Observe(took.Seconds())
}

func (m *Metrics) Conflict(op string) {
	if m == nil {
		return
	}
	m.VersionConflicts.WithLabelValues(op).Inc()
}

func (m *Metrics) GateDecision(decision, reviewer string) {
	if m == nil {
		return
	}
	m.GateDecisions.WithLabelValues(decision, reviewer).Inc()
}

func (m *Metrics) Started() {
	if m == nil {
		return
	}
	m.FeaturesStarted.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
