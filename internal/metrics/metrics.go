package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all fileflow collectors. The daemon serves it on the debug
// listener; tests can read collectors directly.
var Registry = prometheus.NewRegistry()

var (
	PolicyEvalDuration = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fileflow",
		Name:      "policy_eval_duration_seconds",
		Help:      "Latency of ABAC policy evaluations.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
	}, []string{"rule", "source"})

	PolicyDecisions = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "fileflow",
		Name:      "policy_decisions_total",
		Help:      "ABAC decisions by outcome and deny cause.",
	}, []string{"rule", "outcome", "cause"})

	StageDuration = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fileflow",
		Name:      "stage_duration_seconds",
		Help:      "Duration of pipeline stage executions.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage", "result"})

	OutboxDepth = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "fileflow",
		Name:      "outbox_depth",
		Help:      "Pending outbox records at last poll.",
	})

	DeadLettered = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: "fileflow",
		Name:      "outbox_dead_lettered_total",
		Help:      "Outbox records moved to the dead-letter state.",
	})

	CacheLookups = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "fileflow",
		Name:      "cache_lookups_total",
		Help:      "Grant/settings cache lookups by result.",
	}, []string{"cache", "result"})
)

// Handler serves the registry for the daemon's debug listener.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
