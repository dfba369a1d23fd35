package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "lend_cycle_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	actions  *prometheus.CounterVec
	failed   prometheus.Counter
	timeouts prometheus.Counter
	done     prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "actions_submitted_total",
		Help:      "Total number of market actions submitted, by action.",
	}, []string{"action"})
	failed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "transitions_failed_total",
		Help:      "Total number of position transitions that ended in a failed state.",
	})
	timeouts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "confirmation_timeouts_total",
		Help:      "Total number of actions whose confirmation wait timed out.",
	})
	done := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "lifecycles_completed_total",
		Help:      "Total number of positions driven from empty to withdrawn.",
	})

	registry.MustRegister(actions, failed, timeouts, done)

	m := &Metrics{
		SuppliesSubmitted:  promCounter{actions.WithLabelValues("supply")},
		BorrowsSubmitted:   promCounter{actions.WithLabelValues("borrow")},
		RepaysSubmitted:    promCounter{actions.WithLabelValues("repay")},
		WithdrawsSubmitted: promCounter{actions.WithLabelValues("withdraw")},
		ApprovalsSubmitted: promCounter{actions.WithLabelValues("approve")},
		TransitionsFailed:  promCounter{failed},
		Timeouts:           promCounter{timeouts},
		LifecyclesDone:     promCounter{done},
	}

	return &Prometheus{
		Metrics:  m,
		registry: registry,
		actions:  actions,
		failed:   failed,
		timeouts: timeouts,
		done:     done,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
