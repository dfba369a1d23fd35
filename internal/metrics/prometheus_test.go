package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.SuppliesSubmitted.Inc()
	prom.Metrics.BorrowsSubmitted.Inc()
	prom.Metrics.BorrowsSubmitted.Inc()
	prom.Metrics.RepaysSubmitted.Inc()
	prom.Metrics.WithdrawsSubmitted.Inc()
	prom.Metrics.ApprovalsSubmitted.Inc()
	prom.Metrics.TransitionsFailed.Inc()
	prom.Metrics.Timeouts.Inc()
	prom.Metrics.LifecyclesDone.Inc()

	assertCounter(t, prom.actions.WithLabelValues("supply"), 1)
	assertCounter(t, prom.actions.WithLabelValues("borrow"), 2)
	assertCounter(t, prom.actions.WithLabelValues("repay"), 1)
	assertCounter(t, prom.actions.WithLabelValues("withdraw"), 1)
	assertCounter(t, prom.actions.WithLabelValues("approve"), 1)
	assertCounter(t, prom.failed, 1)
	assertCounter(t, prom.timeouts, 1)
	assertCounter(t, prom.done, 1)
}

func TestPrometheusHandler(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.RepaysSubmitted.Inc()
	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `lend_cycle_bot_actions_submitted_total{action="repay"} 1`) {
		t.Fatalf("expected repay counter in exposition, got:\n%s", rec.Body.String())
	}
}

func TestNoopCounters(t *testing.T) {
	m := NewNoop()
	m.SuppliesSubmitted.Inc()
	m.LifecyclesDone.Inc()
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
