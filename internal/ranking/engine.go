package ranking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/embeddings"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/lexical"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/logging"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/model"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/usage"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/vectorindex"
)

// QueryEmbedder embeds search queries.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Engine ranks chunks for queries. It is safe for concurrent use.
type Engine struct {
	embedder QueryEmbedder
	vectors  vectorindex.Index
	lexical  lexical.Index
	tracker  *usage.Tracker
	opts     Options
	cache    *lru.Cache[string, []float32]
	logger   *logging.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Deps are the sources an Engine reads from.
type Deps struct {
	Embedder QueryEmbedder
	Vectors  vectorindex.Index
	Lexical  lexical.Index
	Tracker  *usage.Tracker
	Logger   *logging.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// New validates opts and builds an engine. Weight and option errors are
// configuration errors and surface here, never at query time.
func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Embedder == nil || deps.Vectors == nil || deps.Lexical == nil || deps.Tracker == nil {
		return nil, fmt.Errorf("%w: embedder, indexes and tracker are required", ErrInvalidConfig)
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	if d, ok := deps.Embedder.(interface{ Dimensions() int }); ok && d.Dimensions() != deps.Vectors.Dimensions() {
		return nil, fmt.Errorf("%w: embedder produces %d dimensions, vector index expects %d",
			vectorindex.ErrDimensionMismatch, d.Dimensions(), deps.Vectors.Dimensions())
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	e := &Engine{
		embedder: deps.Embedder,
		vectors:  deps.Vectors,
		lexical:  deps.Lexical,
		tracker:  deps.Tracker,
		opts:     opts,
		logger:   deps.Logger.Named("ranking"),
		tracer:   otel.Tracer("ragdoll/ranking"),
		now:      deps.Now,
	}
	if opts.QueryCacheSize > 0 {
		e.cache, err = lru.New[string, []float32](opts.QueryCacheSize)
		if err != nil {
			return nil, fmt.Errorf("%w: query cache: %w", ErrInvalidConfig, err)
		}
	}
	return e, nil
}

// Weights returns the configured weights.
func (e *Engine) Weights() Weights {
	return e.opts.Weights
}

type rankSettings struct {
	feedback bool
	nprobe   int
}

// RankOption adjusts a single Rank call.
type RankOption func(*rankSettings)

// WithoutFeedback ranks without recording a retrieval event or touching
// usage, leaving state unchanged for evaluation runs.
func WithoutFeedback() RankOption {
	return func(s *rankSettings) { s.feedback = false }
}

// WithNProbe overrides the approximate index's probe count for this query.
func WithNProbe(n int) RankOption {
	return func(s *rankSettings) { s.nprobe = n }
}

// sourceResult is what one candidate source produced.
type sourceResult struct {
	vector  []vectorindex.Candidate
	lexical []lexical.Hit
	err     error
}

// Rank returns the top k chunks for query. Filters are passed unchanged to
// both indexes. Unless WithoutFeedback is given, the returned chunks are
// recorded as a retrieval event and their usage counters incremented.
func (e *Engine) Rank(ctx context.Context, query string, k int, filters map[string]string, opts ...RankOption) (*Result, error) {
	settings := rankSettings{feedback: true}
	for _, opt := range opts {
		opt(&settings)
	}
	start := e.now()
	queryID := uuid.New().String()
	ctx = logging.WithQueryID(ctx, queryID)

	ctx, span := e.tracer.Start(ctx, "ranking.Rank", trace.WithAttributes(
		attribute.Int("k", k),
		attribute.Int("filters", len(filters)),
	))
	defer span.End()

	res := &Result{QueryID: queryID, Query: query, Stage: StageReceived}
	norm := embeddings.Normalize(query)
	if norm == "" || k <= 0 {
		return nil, fmt.Errorf("%w: query must be non-empty and k positive (k=%d)", ErrInvalidQuery, k)
	}
	m := k * e.opts.CandidateMultiplier

	res.Stage = StageEmbedding
	vec, embedErr := e.embedQuery(ctx, norm)
	if errors.Is(embedErr, vectorindex.ErrDimensionMismatch) || errors.Is(embedErr, embeddings.ErrDimensionMismatch) {
		span.RecordError(embedErr)
		span.SetStatus(codes.Error, "dimension mismatch")
		return nil, embedErr
	}
	if embedErr != nil {
		res.Reasons = append(res.Reasons, "embedding: "+embedErr.Error())
		e.logger.Warn(ctx, "query embedding failed, continuing lexical-only", zap.Error(embedErr))
	}
	res.QueryVector = vec

	res.Stage = StageCandidateFetch
	vres, lres := e.fetch(ctx, query, vec, m, filters, settings)
	if vres.err != nil {
		res.Reasons = append(res.Reasons, "vector: "+vres.err.Error())
		e.logger.Warn(ctx, "vector candidates unavailable", zap.Error(vres.err))
	}
	if lres.err != nil {
		res.Reasons = append(res.Reasons, "lexical: "+lres.err.Error())
		e.logger.Warn(ctx, "lexical candidates unavailable", zap.Error(lres.err))
	}
	vectorDown := vec == nil || vres.err != nil
	if vectorDown && lres.err != nil {
		err := fmt.Errorf("%w: %w", ErrSearchUnavailable, errors.Join(embedErr, vres.err, lres.err))
		outcomesTotal.WithLabelValues("unavailable").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "search unavailable")
		e.logger.Error(ctx, "search unavailable", zap.Error(err))
		return nil, err
	}
	res.Degraded = vectorDown || lres.err != nil

	res.Stage = StageMerging
	cands := e.merge(ctx, vres.vector, lres.lexical)
	candidatesObserved.Observe(float64(len(cands)))

	res.Stage = StageScoring
	scored := score(cands, e.opts.Weights, e.now(), e.opts.HalfLife)
	if len(scored) > k {
		scored = scored[:k]
	}
	res.Chunks = scored
	res.Duration = e.now().Sub(start)

	if settings.feedback {
		e.report(ctx, res, filters)
	}
	res.Stage = StageReported
	outcome := "ok"
	if res.Degraded {
		res.Stage = StageDegraded
		outcome = "degraded"
	}
	outcomesTotal.WithLabelValues(outcome).Inc()
	queryDuration.WithLabelValues(outcome).Observe(res.Duration.Seconds())

	span.SetAttributes(
		attribute.Int("results", len(res.Chunks)),
		attribute.Bool("degraded", res.Degraded),
	)
	e.logger.Debug(ctx, "query ranked",
		zap.Int("k", k),
		zap.Int("candidates", len(cands)),
		zap.Int("results", len(res.Chunks)),
		zap.Bool("degraded", res.Degraded),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// embedQuery consults the query cache before the embedder.
func (e *Engine) embedQuery(ctx context.Context, norm string) ([]float32, error) {
	if e.cache != nil {
		if v, ok := e.cache.Get(norm); ok {
			cacheTotal.WithLabelValues("hit").Inc()
			return v, nil
		}
		cacheTotal.WithLabelValues("miss").Inc()
	}
	v, err := e.embedder.EmbedQuery(ctx, norm)
	if err != nil {
		return nil, err
	}
	if len(v) != e.vectors.Dimensions() {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, index expects %d",
			vectorindex.ErrDimensionMismatch, len(v), e.vectors.Dimensions())
	}
	if e.cache != nil {
		e.cache.Add(norm, v)
	}
	return v, nil
}

// fetch queries both indexes concurrently, each under its own timeout. A
// source that outlives its timeout is abandoned, whether or not its backend
// honors ctx.
func (e *Engine) fetch(ctx context.Context, query string, vec []float32, m int, filters map[string]string, s rankSettings) (sourceResult, sourceResult) {
	lctx, lcancel := withTimeout(ctx, e.opts.LexicalTimeout)
	defer lcancel()
	lch := make(chan sourceResult, 1)
	go func() {
		var r sourceResult
		r.lexical, r.err = e.lexical.Search(lctx, query, m, lexical.Filter(filters))
		lch <- r
	}()

	var vres sourceResult
	if vec != nil {
		vctx, vcancel := withTimeout(ctx, e.opts.VectorTimeout)
		defer vcancel()
		vch := make(chan sourceResult, 1)
		go func() {
			var qopts []vectorindex.QueryOption
			if s.nprobe > 0 {
				qopts = append(qopts, vectorindex.WithNProbe(s.nprobe))
			}
			var r sourceResult
			r.vector, r.err = e.vectors.Query(vctx, vec, m, vectorindex.Filter(filters), qopts...)
			vch <- r
		}()
		vres = await(vctx, vch)
	}
	return vres, await(lctx, lch)
}

// await returns the source's result, or ctx's error once ctx is done.
func await(ctx context.Context, ch <-chan sourceResult) sourceResult {
	select {
	case r := <-ch:
		if r.err == nil && ctx.Err() != nil {
			return sourceResult{err: ctx.Err()}
		}
		return r
	case <-ctx.Done():
		return sourceResult{err: ctx.Err()}
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// merge joins both candidate sets by chunk ID and attaches usage. Chunks
// without a tracked embedding are logged and dropped.
func (e *Engine) merge(ctx context.Context, vcands []vectorindex.Candidate, hits []lexical.Hit) []*candidate {
	byID := make(map[string]*candidate, len(vcands)+len(hits))
	order := make([]string, 0, len(vcands)+len(hits))
	get := func(id string, md map[string]string) *candidate {
		c, ok := byID[id]
		if !ok {
			c = &candidate{chunkID: id, metadata: md}
			byID[id] = c
			order = append(order, id)
		}
		return c
	}
	for _, vc := range vcands {
		c := get(vc.ChunkID, vc.Metadata)
		c.sim, c.hasSim = vc.Similarity, true
	}
	for _, h := range hits {
		c := get(h.ChunkID, h.Metadata)
		c.lex, c.hasLex = h.Score, true
	}

	out := make([]*candidate, 0, len(order))
	var missing []string
	for _, id := range order {
		emb, ok := e.tracker.Embedding(id)
		if !ok {
			missing = append(missing, id)
			continue
		}
		u := emb.Usage()
		c := byID[id]
		c.count, c.lastUsed = u.Count, u.LastUsedAt
		out = append(out, c)
	}
	if len(missing) > 0 {
		missingEmbeddings.Add(float64(len(missing)))
		e.logger.Error(ctx, "candidates without embedding excluded", zap.Strings("chunk_ids", missing))
	}
	return out
}

// report records the retrieval event, which also increments usage of every
// returned chunk. Failures are logged; the ranked result stands.
func (e *Engine) report(ctx context.Context, res *Result, filters map[string]string) {
	results := make([]model.RetrievalResult, len(res.Chunks))
	for i, c := range res.Chunks {
		results[i] = model.RetrievalResult{
			ChunkID:    c.ChunkID,
			Rank:       i + 1,
			Score:      c.Score,
			Similarity: c.Similarity,
			Lexical:    c.Lexical,
			Usage:      c.Usage,
			Recency:    c.Recency,
		}
	}
	ev := &model.RetrievalEvent{
		ID:          res.QueryID,
		Kind:        model.EventRetrieval,
		Query:       res.Query,
		QueryVector: res.QueryVector,
		Filters:     filters,
		Results:     results,
		Degraded:    res.Degraded,
		Duration:    res.Duration,
		CreatedAt:   e.now(),
	}
	if err := e.tracker.RecordRetrieval(ctx, ev); err != nil {
		e.logger.Warn(ctx, "recording retrieval event failed", zap.Error(err))
	}
}
