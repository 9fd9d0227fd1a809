// Package metrics contains the Prometheus collectors exported by the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "servicex",
		Name:      "transitions_total",
		Help:      "Status transitions applied, by entity and target status.",
	}, []string{"entity", "to"})

	CounterConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "servicex",
		Name:      "counter_conflicts_total",
		Help:      "Optimistic-concurrency misses while incrementing event counters.",
	}, []string{"entity"})

	CounterIncrements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "servicex",
		Name:      "counter_increments_total",
		Help:      "Event counter increments applied, by entity and field.",
	}, []string{"entity", "field"})

	PathClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "servicex",
		Name:      "path_claims_total",
		Help:      "Attempts to claim a Validated path, by result (claimed, lost, empty).",
	}, []string{"result"})

	BroadcastPaths = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "servicex",
		Name:      "broadcast_paths_total",
		Help:      "Paths rewritten by bulk status broadcasts, by target status.",
	}, []string{"to"})

	Reports = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "servicex",
		Name:      "reports_total",
		Help:      "Queued progress reports handled by the worker, by outcome.",
	}, []string{"outcome"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
