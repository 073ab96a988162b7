// internal/usage/metrics.go
package usage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	incrementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ragdoll",
		Subsystem: "usage",
		Name:      "increments_total",
		Help:      "Usage increments applied to embeddings",
	})

	feedbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragdoll",
			Subsystem: "usage",
			Name:      "feedback_total",
			Help:      "Feedback signals received by kind",
		},
		[]string{"signal"},
	)

	flushSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ragdoll",
		Subsystem: "usage",
		Name:      "flush_size",
		Help:      "Embeddings with pending usage written per flush",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})

	flushErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ragdoll",
		Subsystem: "usage",
		Name:      "flush_errors_total",
		Help:      "Failed usage flushes",
	})

	trackedEmbeddings = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ragdoll",
		Subsystem: "usage",
		Name:      "tracked_embeddings",
		Help:      "Embeddings held by the usage registry",
	})
)
