// Package metrics provides Prometheus metrics for the rule engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all engine metrics
type Metrics struct {
	TriggersConsumed       prometheus.Counter
	RulesMatched           prometheus.Counter
	ExecutionsSucceeded    prometheus.Counter
	ExecutionsFailed       prometheus.Counter
	DuplicatesSkipped      prometheus.Counter
	EvaluationDuration     prometheus.Histogram
	NotificationsPublished prometheus.Counter
	CircuitBreakerState    *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		TriggersConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trigger_events_consumed_total",
			Help: "Total trigger events consumed",
		}),
		RulesMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rules_matched_total",
			Help: "Total rule condition matches",
		}),
		ExecutionsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rule_executions_succeeded_total",
			Help: "Total rule executions that created a task",
		}),
		ExecutionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rule_executions_failed_total",
			Help: "Total rule executions logged as failed",
		}),
		DuplicatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trigger_duplicates_skipped_total",
			Help: "Redelivered (rule, dedupe key) pairs skipped silently",
		}),
		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rule_evaluation_duration_seconds",
			Help:    "Per-rule dispatch duration from match to logged outcome",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		NotificationsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "task_notifications_published_total",
			Help: "Total task-created notifications published",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.TriggersConsumed,
		m.RulesMatched,
		m.ExecutionsSucceeded,
		m.ExecutionsFailed,
		m.DuplicatesSkipped,
		m.EvaluationDuration,
		m.NotificationsPublished,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
