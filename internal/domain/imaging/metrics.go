package imaging

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imaging",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Page lookups answered from a fresh cache entry.",
	}, []string{"kind"})

	cacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imaging",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Page lookups that had to wait for the network.",
	}, []string{"kind"})

	cacheCoalesced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imaging",
		Subsystem: "cache",
		Name:      "coalesced_total",
		Help:      "Page lookups that joined a fetch already in flight.",
	}, []string{"kind"})

	cacheFetchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imaging",
		Subsystem: "cache",
		Name:      "fetch_errors_total",
		Help:      "Registry fetches that failed.",
	}, []string{"kind"})

	cacheInvalidations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imaging",
		Subsystem: "cache",
		Name:      "invalidations_total",
		Help:      "Scopes marked stale.",
	}, []string{"kind"})

	partialFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imaging",
		Name:      "partial_failures_total",
		Help:      "Multi-backend operations that only partly succeeded.",
	}, []string{"op"})

	syncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imaging",
		Name:      "sync_runs_total",
		Help:      "Archive synchronizations by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMisses, cacheCoalesced, cacheFetchErrors,
		cacheInvalidations, partialFailures, syncRuns)
}
