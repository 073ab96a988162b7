// Package query is the entry point callers use to ingest, search and give
// feedback. It joins ranked chunks back to their stored text.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/chunker"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/ingest"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/logging"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/model"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/ranking"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/store"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/usage"
)

// ErrSearchUnavailable means no retrieval source could answer. An empty
// response never means this.
var ErrSearchUnavailable = ranking.ErrSearchUnavailable

var ErrInvalidBudget = errors.New("token budget must be positive")

// Outcome summarizes a search for callers that only need the headline.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeNoResults Outcome = "no_results"
	OutcomeDegraded  Outcome = "degraded"
)

// Ranker ranks chunks for a query.
type Ranker interface {
	Rank(ctx context.Context, query string, k int, filters map[string]string, opts ...ranking.RankOption) (*ranking.Result, error)
}

// Ingester ingests one content unit.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Result, error)
}

// Hit is a ranked chunk joined with its text.
type Hit struct {
	ranking.ScoredChunk
	Text          string
	DocumentID    string
	ContentUnitID string
	ChunkIndex    int
	ContentType   model.ContentType
}

// SearchResponse is the result of Search.
type SearchResponse struct {
	QueryID  string
	Query    string
	Outcome  Outcome
	Hits     []Hit
	Degraded bool
	Reasons  []string
	Duration time.Duration
}

// Citation points a context block back at its source chunk.
type Citation struct {
	Ref        int
	ChunkID    string
	DocumentID string
	Title      string
	ChunkIndex int
	Score      float64
}

// Context is retrieved text assembled for a prompt.
type Context struct {
	Query     string
	Text      string
	Citations []Citation
	// Tokens is the estimated size of Text.
	Tokens int
	// Truncated is set when ranked chunks were left out to fit the budget.
	Truncated bool
	Outcome   Outcome
}

// Deps are the components an Orchestrator drives.
type Deps struct {
	Store    store.Store
	Ingester Ingester
	Ranker   Ranker
	Tracker  *usage.Tracker
	// Embedder embeds queries for SimilarQueries. Optional.
	Embedder ranking.QueryEmbedder
	// Estimator counts tokens for BuildContext. Default: chunker.WordEstimator.
	Estimator chunker.TokenEstimator
	Logger    *logging.Logger
}

// Orchestrator serves the external operations of the retrieval core.
type Orchestrator struct {
	deps   Deps
	logger *logging.Logger
	tracer trace.Tracer
}

// New creates an orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Store == nil || deps.Ingester == nil || deps.Ranker == nil || deps.Tracker == nil {
		return nil, errors.New("store, ingester, ranker and tracker are required")
	}
	if deps.Estimator == nil {
		deps.Estimator = chunker.WordEstimator{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	return &Orchestrator{
		deps:   deps,
		logger: deps.Logger.Named("query"),
		tracer: otel.Tracer("ragdoll/query"),
	}, nil
}

// Ingest chunks, embeds and indexes text for one content unit. It returns
// the chunk count and the indices of chunks left without an embedding.
func (o *Orchestrator) Ingest(ctx context.Context, documentID, contentUnitID, text string, contentType model.ContentType) (int, []int, error) {
	res, err := o.deps.Ingester.Ingest(ctx, ingest.Request{
		DocumentID:    documentID,
		ContentUnitID: contentUnitID,
		Text:          text,
		ContentType:   contentType,
	})
	if res == nil {
		return 0, nil, err
	}
	return res.ChunkCount, res.FailedIndices, err
}

// Search ranks chunks for query and attaches their text. Filters pass
// through to both indexes unchanged.
func (o *Orchestrator) Search(ctx context.Context, query string, k int, filters map[string]string) (*SearchResponse, error) {
	ctx, span := o.tracer.Start(ctx, "query.Search",
		trace.WithAttributes(attribute.Int("k", k)))
	defer span.End()

	res, err := o.deps.Ranker.Rank(ctx, query, k, filters)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rank failed")
		return nil, err
	}
	ctx = logging.WithQueryID(ctx, res.QueryID)

	hits, err := o.join(ctx, res.Chunks)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "join failed")
		return nil, err
	}

	resp := &SearchResponse{
		QueryID:  res.QueryID,
		Query:    res.Query,
		Hits:     hits,
		Degraded: res.Degraded,
		Reasons:  res.Reasons,
		Duration: res.Duration,
		Outcome:  outcomeOf(res.Degraded, len(hits)),
	}
	span.SetAttributes(
		attribute.String("outcome", string(resp.Outcome)),
		attribute.Int("hits", len(hits)),
	)
	return resp, nil
}

func outcomeOf(degraded bool, hits int) Outcome {
	switch {
	case degraded:
		return OutcomeDegraded
	case hits == 0:
		return OutcomeNoResults
	default:
		return OutcomeOK
	}
}

// join resolves chunk text. Chunks deleted since they were indexed are
// logged and dropped.
func (o *Orchestrator) join(ctx context.Context, scored []ranking.ScoredChunk) ([]Hit, error) {
	if len(scored) == 0 {
		return []Hit{}, nil
	}
	ids := make([]string, len(scored))
	for i, sc := range scored {
		ids[i] = sc.ChunkID
	}
	chunks, err := o.deps.Store.GetChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}

	hits := make([]Hit, 0, len(scored))
	for _, sc := range scored {
		c, ok := chunks[sc.ChunkID]
		if !ok {
			o.logger.Warn(ctx, "ranked chunk missing from store", zap.String("chunk_id", sc.ChunkID))
			continue
		}
		hits = append(hits, Hit{
			ScoredChunk:   sc,
			Text:          c.Text,
			DocumentID:    c.DocumentID,
			ContentUnitID: c.ContentUnitID,
			ChunkIndex:    c.Index,
			ContentType:   c.ContentType,
		})
	}
	return hits, nil
}

// RecordFeedback adds an explicit usage signal for a chunk.
func (o *Orchestrator) RecordFeedback(ctx context.Context, chunkID string, sig usage.Signal) error {
	return o.deps.Tracker.RecordFeedback(ctx, chunkID, sig)
}

// SimilarQueries returns past queries whose embeddings are closest to query.
func (o *Orchestrator) SimilarQueries(ctx context.Context, query string, k int) ([]usage.QueryMatch, error) {
	if o.deps.Embedder == nil {
		return nil, errors.New("similar queries need a query embedder")
	}
	vec, err := o.deps.Embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return o.deps.Tracker.SimilarQueries(ctx, vec, k)
}

// BuildContext searches and packs the best chunks into numbered blocks
// that fit tokenBudget. Packing stops at the first block that does not fit
// so the blocks always follow rank order.
func (o *Orchestrator) BuildContext(ctx context.Context, query string, k, tokenBudget int) (*Context, error) {
	if tokenBudget <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBudget, tokenBudget)
	}
	resp, err := o.Search(ctx, query, k, nil)
	if err != nil {
		return nil, err
	}

	out := &Context{Query: query, Outcome: resp.Outcome, Citations: []Citation{}}
	titles := make(map[string]string)
	var b strings.Builder
	for _, h := range resp.Hits {
		title, ok := titles[h.DocumentID]
		if !ok {
			title = o.title(ctx, h.DocumentID)
			titles[h.DocumentID] = title
		}
		ref := len(out.Citations) + 1
		block := fmt.Sprintf("[%d] (document: %s, chunk %d)\n%s\n\n", ref, title, h.ChunkIndex, h.Text)
		cost := o.deps.Estimator.Estimate(block)
		if out.Tokens+cost > tokenBudget {
			out.Truncated = true
			break
		}
		b.WriteString(block)
		out.Tokens += cost
		out.Citations = append(out.Citations, Citation{
			Ref:        ref,
			ChunkID:    h.ChunkID,
			DocumentID: h.DocumentID,
			Title:      title,
			ChunkIndex: h.ChunkIndex,
			Score:      h.Score,
		})
	}
	out.Text = strings.TrimRight(b.String(), "\n")
	return out, nil
}

// title falls back to the document ID when the document has no title or
// cannot be loaded.
func (o *Orchestrator) title(ctx context.Context, documentID string) string {
	doc, err := o.deps.Store.GetDocument(ctx, documentID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.logger.Warn(ctx, "load document title", zap.String("document_id", documentID), zap.Error(err))
		}
		return documentID
	}
	if doc.Title == "" {
		return documentID
	}
	return doc.Title
}
