package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/MadBomber/ragdoll-docs-sub001/internal/embeddings"

// Metrics holds all embedding-related metrics.
type Metrics struct {
	meter      metric.Meter
	logger     *zap.Logger
	duration   metric.Float64Histogram
	batchSize  metric.Int64Histogram
	errors     metric.Int64Counter
	retries    metric.Int64Counter
	bisections metric.Int64Counter
	failed     metric.Int64Counter
}

// NewMetrics creates a new Metrics instance for embeddings.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.duration, err = m.meter.Float64Histogram(
		"ragdoll.embedding.call_duration_seconds",
		metric.WithDescription("Duration of one provider call in seconds, labeled by provider and model"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.batchSize, err = m.meter.Int64Histogram(
		"ragdoll.embedding.batch_size",
		metric.WithDescription("Number of texts per provider call; bisection shows up as small batches"),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 4, 8, 16, 32, 64, 128, 256, 512),
	)
	if err != nil {
		m.logger.Warn("failed to create batch size histogram", zap.Error(err))
	}

	m.errors, err = m.meter.Int64Counter(
		"ragdoll.embedding.errors_total",
		metric.WithDescription("Provider call failures by provider and failure kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create errors counter", zap.Error(err))
	}

	m.retries, err = m.meter.Int64Counter(
		"ragdoll.embedding.retries_total",
		metric.WithDescription("Retried provider calls by failure kind"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		m.logger.Warn("failed to create retries counter", zap.Error(err))
	}

	m.bisections, err = m.meter.Int64Counter(
		"ragdoll.embedding.bisections_total",
		metric.WithDescription("Failed batches split in half to isolate bad inputs"),
		metric.WithUnit("{split}"),
	)
	if err != nil {
		m.logger.Warn("failed to create bisections counter", zap.Error(err))
	}

	m.failed, err = m.meter.Int64Counter(
		"ragdoll.embedding.failed_items_total",
		metric.WithDescription("Texts that could not be embedded after retry and bisection"),
		metric.WithUnit("{text}"),
	)
	if err != nil {
		m.logger.Warn("failed to create failed items counter", zap.Error(err))
	}
}

// RecordCall records one provider call.
func (m *Metrics) RecordCall(ctx context.Context, provider, model string, duration time.Duration, batchSize int, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("model", model),
	}
	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
	if batchSize > 0 && m.batchSize != nil {
		m.batchSize.Record(ctx, int64(batchSize), metric.WithAttributes(attrs...))
	}
	if err != nil && m.errors != nil {
		attrs = append(attrs, attribute.String("kind", KindOf(err).String()))
		m.errors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRetry counts a retried call.
func (m *Metrics) RecordRetry(ctx context.Context, provider string, kind Kind) {
	if m.retries != nil {
		m.retries.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind.String()),
		))
	}
}

// RecordBisection counts a batch split.
func (m *Metrics) RecordBisection(ctx context.Context, provider string) {
	if m.bisections != nil {
		m.bisections.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
	}
}

// RecordFailed counts texts given up on.
func (m *Metrics) RecordFailed(ctx context.Context, provider string, n int) {
	if n > 0 && m.failed != nil {
		m.failed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("provider", provider)))
	}
}
