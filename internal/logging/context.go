package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type documentCtxKey struct{}
type queryCtxKey struct{}

// WithDocumentID tags every log line of an ingestion with its document.
func WithDocumentID(ctx context.Context, documentID string) context.Context {
	return context.WithValue(ctx, documentCtxKey{}, documentID)
}

// WithQueryID tags every log line of a search with its retrieval event ID.
func WithQueryID(ctx context.Context, queryID string) context.Context {
	return context.WithValue(ctx, queryCtxKey{}, queryID)
}

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id, _ := ctx.Value(documentCtxKey{}).(string); id != "" {
		fields = append(fields, zap.String("document.id", id))
	}
	if id, _ := ctx.Value(queryCtxKey{}).(string); id != "" {
		fields = append(fields, zap.String("query.id", id))
	}
	return fields
}
