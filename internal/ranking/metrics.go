// internal/ranking/metrics.go
package ranking

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	outcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragdoll",
			Subsystem: "ranking",
			Name:      "queries_total",
			Help:      "Ranked queries by outcome (ok, degraded, unavailable)",
		},
		[]string{"outcome"},
	)

	queryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ragdoll",
			Subsystem: "ranking",
			Name:      "query_duration_seconds",
			Help:      "Time to rank a query",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	candidatesObserved = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ragdoll",
		Subsystem: "ranking",
		Name:      "merged_candidates",
		Help:      "Candidates left after merging both sources",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	cacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragdoll",
			Subsystem: "ranking",
			Name:      "query_cache_total",
			Help:      "Query embedding cache lookups",
		},
		[]string{"result"},
	)

	missingEmbeddings = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ragdoll",
		Subsystem: "ranking",
		Name:      "missing_embeddings_total",
		Help:      "Candidates dropped because their chunk had no embedding",
	})
)
