// internal/vectorindex/metrics.go
package vectorindex

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ragdoll",
			Subsystem: "vectorindex",
			Name:      "operation_duration_seconds",
			Help:      "Latency of vector index operations",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"strategy", "operation"},
	)

	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragdoll",
			Subsystem: "vectorindex",
			Name:      "operations_total",
			Help:      "Vector index operations by result (ok, error, unavailable)",
		},
		[]string{"strategy", "operation", "result"},
	)

	vectorsStored = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ragdoll",
			Subsystem: "vectorindex",
			Name:      "vectors",
			Help:      "Number of vectors held by the index",
		},
		[]string{"strategy"},
	)
)

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isUnavailable(err):
		return "unavailable"
	default:
		return "error"
	}
}
