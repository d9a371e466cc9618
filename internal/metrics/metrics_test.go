package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.ObserveProposed("create_entity")
	m.ObserveProposed("create_entity")
	m.ObservePreflight("conflict")
	m.ObserveDecision("approve", "accepted")
	m.ObserveRollback("entity.create", "blocked")

	if got := testutil.ToFloat64(m.Proposed.WithLabelValues("create_entity")); got != 2 {
		t.Fatalf("expected 2 proposals, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"muse_suggestions_proposed_total", "muse_preflight_total", "muse_decisions_total", "muse_rollbacks_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("expected %s in exposition", name)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveProposed("x")
	m.ObservePreflight("ok")
	m.ObserveDecision("reject", "rejected")
	m.ObserveRollback("k", "ok")
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.ObservePreflight("ok")
	if got := testutil.ToFloat64(b.Preflight.WithLabelValues("ok")); got != 0 {
		t.Fatalf("expected separate registries, got %v", got)
	}
}
