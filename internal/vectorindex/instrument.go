package vectorindex

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("ragdoll.vectorindex")

// instrumented decorates an Index with spans and prometheus metrics.
type instrumented struct {
	Index
	strategy string
}

// Instrument wraps idx so every call is traced and measured under strategy.
func Instrument(idx Index, strategy string) Index {
	if _, ok := idx.(*instrumented); ok {
		return idx
	}
	return &instrumented{Index: idx, strategy: strategy}
}

func (i *instrumented) start(ctx context.Context, op string) (context.Context, trace.Span, time.Time) {
	ctx, span := tracer.Start(ctx, "vectorindex."+op,
		trace.WithAttributes(attribute.String("vectorindex.strategy", i.strategy)))
	return ctx, span, time.Now()
}

func (i *instrumented) finish(span trace.Span, op string, began time.Time, err error) {
	operationDuration.WithLabelValues(i.strategy, op).Observe(time.Since(began).Seconds())
	operationsTotal.WithLabelValues(i.strategy, op, resultLabel(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (i *instrumented) Upsert(ctx context.Context, chunkID string, vector []float32, metadata map[string]string) error {
	ctx, span, began := i.start(ctx, "upsert")
	err := i.Index.Upsert(ctx, chunkID, vector, metadata)
	i.finish(span, "upsert", began, err)
	i.refreshGauge()
	return err
}

func (i *instrumented) UpsertBatch(ctx context.Context, entries []Entry) error {
	ctx, span, began := i.start(ctx, "upsert_batch")
	span.SetAttributes(attribute.Int("vectorindex.batch_size", len(entries)))
	err := i.Index.UpsertBatch(ctx, entries)
	i.finish(span, "upsert_batch", began, err)
	i.refreshGauge()
	return err
}

func (i *instrumented) Query(ctx context.Context, vector []float32, k int, filter Filter, opts ...QueryOption) ([]Candidate, error) {
	ctx, span, began := i.start(ctx, "query")
	span.SetAttributes(attribute.Int("vectorindex.k", k), attribute.Int("vectorindex.filters", len(filter)))
	out, err := i.Index.Query(ctx, vector, k, filter, opts...)
	span.SetAttributes(attribute.Int("vectorindex.results", len(out)))
	i.finish(span, "query", began, err)
	return out, err
}

func (i *instrumented) Delete(ctx context.Context, chunkID string) error {
	ctx, span, began := i.start(ctx, "delete")
	err := i.Index.Delete(ctx, chunkID)
	i.finish(span, "delete", began, err)
	i.refreshGauge()
	return err
}

// refreshGauge skips remote strategies, where Len is a network call.
func (i *instrumented) refreshGauge() {
	if _, remote := i.Index.(*Qdrant); remote {
		return
	}
	vectorsStored.WithLabelValues(i.strategy).Set(float64(i.Index.Len()))
}

// Unwrap returns the decorated index.
func (i *instrumented) Unwrap() Index { return i.Index }
