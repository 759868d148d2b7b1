package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the instrumentation of a Coordinator.
type metrics struct {
	// requestsTotal counts the requests that reached a terminal state, labeled by that state.
	requestsTotal *prometheus.CounterVec

	// lockWaitDuration observes the time requests spent waiting for their resource locks.
	lockWaitDuration prometheus.Histogram

	// publishedResults counts the results that were delivered to a topic.
	publishedResults prometheus.Counter
}

// newMetrics creates the metrics of a Coordinator, registered with the given registerer (a nil registerer leaves
// the metrics unregistered, which keeps instrumentation optional for embedders).
func newMetrics(registerer prometheus.Registerer) *metrics {
	factory := promauto.With(registerer)

	return &metrics{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_coordinator_requests_total",
				Help: "Total number of requests that reached a terminal state",
			},
			[]string{"state"},
		),
		lockWaitDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "loom_coordinator_lock_wait_duration_seconds",
				Help:    "Time requests spent waiting for their resource locks",
				Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
			},
		),
		publishedResults: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "loom_coordinator_published_results_total",
				Help: "Total number of results published to topics",
			},
		),
	}
}
