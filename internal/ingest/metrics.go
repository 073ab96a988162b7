// internal/ingest/metrics.go
package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	documentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragdoll",
			Subsystem: "ingest",
			Name:      "documents_total",
			Help:      "Documents settled after ingestion by final status",
		},
		[]string{"status"},
	)

	chunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragdoll",
			Subsystem: "ingest",
			Name:      "chunks_total",
			Help:      "Chunks processed by embedding result",
		},
		[]string{"result"},
	)

	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragdoll",
			Subsystem: "ingest",
			Name:      "tasks_total",
			Help:      "Queued tasks completed by outcome",
		},
		[]string{"outcome"},
	)

	redactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragdoll",
			Subsystem: "ingest",
			Name:      "redactions_total",
			Help:      "Secrets removed from ingested text by rule",
		},
		[]string{"rule"},
	)

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ragdoll",
		Subsystem: "ingest",
		Name:      "queue_depth",
		Help:      "Tasks waiting for a worker",
	})
)
