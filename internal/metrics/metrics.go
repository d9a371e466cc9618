// Package metrics exposes Prometheus counters for the suggestion pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry  *prometheus.Registry
	Proposed  *prometheus.CounterVec
	Preflight *prometheus.CounterVec
	Decisions *prometheus.CounterVec
	Rollbacks *prometheus.CounterVec
}

// New registers the pipeline counters on a fresh registry, so tests can
// create as many instances as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Proposed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "muse_suggestions_proposed_total",
			Help: "Suggestions recorded, by tool.",
		}, []string{"tool"}),
		Preflight: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "muse_preflight_total",
			Help: "Preflight runs, by resulting status.",
		}, []string{"status"}),
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "muse_decisions_total",
			Help: "Review decisions, by decision and outcome.",
		}, []string{"decision", "outcome"}),
		Rollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "muse_rollbacks_total",
			Help: "Rollback attempts, by record kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// The helpers below are nil-safe so callers can run without metrics.

func (m *Metrics) ObserveProposed(tool string) {
	if m != nil {
		m.Proposed.WithLabelValues(tool).Inc()
	}
}

func (m *Metrics) ObservePreflight(status string) {
	if m != nil {
		m.Preflight.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) ObserveDecision(decision, outcome string) {
	if m != nil {
		m.Decisions.WithLabelValues(decision, outcome).Inc()
	}
}

func (m *Metrics) ObserveRollback(kind, outcome string) {
	if m != nil {
		m.Rollbacks.WithLabelValues(kind, outcome).Inc()
	}
}
