// README: Prometheus counters for request creation and lifecycle transitions.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transition outcomes. Rejections use the rejection reason as outcome.
const (
	OutcomeApplied  = "applied"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

type metrics struct {
	transitions     *prometheus.CounterVec
	created         *prometheus.CounterVec
	transitionDelay *prometheus.HistogramVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "market",
			Name:      "transitions_total",
			Help:      "Total number of attempted lifecycle transitions.",
		}, []string{"kind", "action", "outcome"}),
		created: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "market",
			Name:      "requests_created_total",
			Help:      "Total number of created requests.",
		}, []string{"kind"}),
		transitionDelay: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "market",
			Name:      "transition_duration_seconds",
			Help:      "Latency of a transition attempt including the conditional write.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"kind", "action"}),
	}
})

func ObserveTransition(kind, action, outcome string, seconds float64) {
	m := metricsSingleton()
	m.transitions.WithLabelValues(kind, action, outcome).Inc()
	m.transitionDelay.WithLabelValues(kind, action).Observe(seconds)
}

func RequestCreated(kind string) {
	metricsSingleton().created.WithLabelValues(kind).Inc()
}

// TransitionCount reads the current counter value. Used by tests.
func TransitionCount(kind, action, outcome string) prometheus.Counter {
	return metricsSingleton().transitions.WithLabelValues(kind, action, outcome)
}

func CreatedCount(kind string) prometheus.Counter {
	return metricsSingleton().created.WithLabelValues(kind)
}
