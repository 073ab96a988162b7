package ranking

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/lexical"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/logging"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/model"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/store"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/usage"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/vectorindex"
)

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

type stubEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	err     error
	calls   int
}

func (s *stubEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 1, 1}, nil
}

// downIndex is a vector index whose backend is unreachable.
type downIndex struct{ vectorindex.Index }

func (downIndex) Query(context.Context, []float32, int, vectorindex.Filter, ...vectorindex.QueryOption) ([]vectorindex.Candidate, error) {
	return nil, vectorindex.ErrUnavailable
}

type downLexical struct{ lexical.Index }

func (downLexical) Search(context.Context, string, int, lexical.Filter) ([]lexical.Hit, error) {
	return nil, lexical.ErrUnavailable
}

// slowLexical answers only after its context is done.
type slowLexical struct{ lexical.Index }

func (slowLexical) Search(ctx context.Context, _ string, _ int, _ lexical.Filter) ([]lexical.Hit, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// stuckLexical ignores its context and answers only when release closes.
type stuckLexical struct {
	lexical.Index
	release chan struct{}
}

func (s stuckLexical) Search(context.Context, string, int, lexical.Filter) ([]lexical.Hit, error) {
	<-s.release
	return nil, nil
}

type fixture struct {
	store   *store.Memory
	flat    *vectorindex.Flat
	lex     *lexical.Memory
	tracker *usage.Tracker
	emb     *stubEmbedder
	logger  *logging.TestLogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemory(),
		emb:    &stubEmbedder{vectors: map[string][]float32{}},
		logger: logging.NewTestLogger(),
	}
	var err error
	f.flat, err = vectorindex.NewFlat(3, vectorindex.MetricCosine)
	require.NoError(t, err)
	f.lex, err = lexical.NewMemory(lexical.DefaultK1, lexical.DefaultB)
	require.NoError(t, err)
	f.tracker = usage.New(f.store, usage.Options{Now: func() time.Time { return t0 }})
	return f
}

func (f *fixture) add(t *testing.T, id, text string, vec []float32, md map[string]string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.flat.Upsert(ctx, id, vec, md))
	require.NoError(t, f.lex.Upsert(ctx, id, text, md))
	f.tracker.Register(model.NewEmbedding(id, "stub", vec, t0))
}

type engineOpt func(*Deps, *Options)

func (f *fixture) engine(t *testing.T, w Weights, mods ...engineOpt) *Engine {
	t.Helper()
	deps := Deps{
		Embedder: f.emb, Vectors: f.flat, Lexical: f.lex, Tracker: f.tracker,
		Logger: f.logger.Logger, Now: func() time.Time { return t0.Add(time.Hour) },
	}
	opts := Options{Weights: w}
	for _, m := range mods {
		m(&deps, &opts)
	}
	e, err := New(deps, opts)
	require.NoError(t, err)
	return e
}

func ids(chunks []ScoredChunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.ChunkID
	}
	return out
}

// catCorpus holds chunk A, a lexical hit for "cat" far from the query
// vector, and chunk B, close to the query vector with no lexical match.
func catCorpus(t *testing.T) *fixture {
	f := newFixture(t)
	f.add(t, "A", "The cat sat on the mat.", []float32{0, 1, 0}, nil)
	f.add(t, "B", "A feline rested quietly.", []float32{1, 0, 0}, nil)
	f.emb.vectors["cat"] = []float32{1, 0, 0}
	return f
}

var halfHalf = Weights{Similarity: 0.5, Lexical: 0.5}

func TestRank_VectorIndexDownFallsBackToLexical(t *testing.T) {
	f := catCorpus(t)
	e := f.engine(t, halfHalf, func(d *Deps, _ *Options) { d.Vectors = downIndex{f.flat} })

	res, err := e.Rank(context.Background(), "cat", 5, nil)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, StageDegraded, res.Stage)
	require.Len(t, res.Chunks, 1)
	a := res.Chunks[0]
	assert.Equal(t, "A", a.ChunkID)
	assert.Equal(t, 0.0, a.Similarity)
	assert.Equal(t, 1.0, a.Lexical)
	assert.InDelta(t, 0.5, a.Score, 1e-12)
	require.NotEmpty(t, res.Reasons)
	assert.Contains(t, res.Reasons[0], "vector")
}

func TestRank_EmbeddingProviderDownFallsBackToLexical(t *testing.T) {
	f := catCorpus(t)
	f.emb.err = errors.New("provider unreachable")
	e := f.engine(t, halfHalf)

	res, err := e.Rank(context.Background(), "cat", 5, nil)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Nil(t, res.QueryVector)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "A", res.Chunks[0].ChunkID)
	for _, c := range res.Chunks {
		assert.Equal(t, 0.0, c.Similarity)
	}
	assert.InDelta(t, 0.5, res.Chunks[0].Score, 1e-12)
}

func TestRank_MergeKeepsSingleSourceCandidates(t *testing.T) {
	f := catCorpus(t)
	e := f.engine(t, halfHalf)

	res, err := e.Rank(context.Background(), "cat", 5, nil, WithoutFeedback())
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, StageReported, res.Stage)
	require.Len(t, res.Chunks, 2)

	byID := map[string]ScoredChunk{}
	for _, c := range res.Chunks {
		byID[c.ChunkID] = c
	}
	assert.Equal(t, 1.0, byID["A"].Lexical)
	assert.Equal(t, 0.0, byID["A"].Similarity)
	assert.Equal(t, 1.0, byID["B"].Similarity)
	assert.Equal(t, 0.0, byID["B"].Lexical, "absent from the lexical set defaults to 0")
	// Equal scores fall back to chunk ID order.
	assert.Equal(t, []string{"A", "B"}, ids(res.Chunks))
}

func TestRank_UsageBreaksEqualRelevance(t *testing.T) {
	f := newFixture(t)
	vec := []float32{0.2, 0.9, 0.1}
	f.add(t, "chunk-a", "solar panel efficiency", vec, nil)
	f.add(t, "chunk-b", "solar panel efficiency", vec, nil)
	for i := 0; i < 10; i++ {
		f.tracker.Touch([]string{"chunk-b"}, t0)
	}
	f.emb.vectors["solar panel"] = vec

	withUsage := f.engine(t, Weights{Similarity: 0.4, Lexical: 0.4, Usage: 0.2})
	res, err := withUsage.Rank(context.Background(), "solar panel", 2, nil, WithoutFeedback())
	require.NoError(t, err)
	require.Equal(t, []string{"chunk-b", "chunk-a"}, ids(res.Chunks))
	assert.Greater(t, res.Chunks[0].Score, res.Chunks[1].Score)
	assert.Equal(t, 1.0, res.Chunks[0].Usage)
	assert.Equal(t, 0.0, res.Chunks[1].Usage)
	assert.Equal(t, int64(10), res.Chunks[0].UsageCount)

	noUsage := f.engine(t, Weights{Similarity: 0.5, Lexical: 0.5})
	res, err = noUsage.Rank(context.Background(), "solar panel", 2, nil, WithoutFeedback())
	require.NoError(t, err)
	assert.Equal(t, res.Chunks[0].Score, res.Chunks[1].Score)
	assert.Equal(t, []string{"chunk-a", "chunk-b"}, ids(res.Chunks))
}

func TestRank_Deterministic(t *testing.T) {
	f := newFixture(t)
	f.add(t, "c1", "go channels and goroutines", []float32{1, 0.1, 0}, map[string]string{"lang": "go"})
	f.add(t, "c2", "rust ownership and borrowing", []float32{0, 1, 0.2}, map[string]string{"lang": "rust"})
	f.add(t, "c3", "go generics", []float32{0.9, 0.2, 0.1}, map[string]string{"lang": "go"})
	f.add(t, "c4", "goroutines leak when channels block", []float32{0.7, 0, 0.7}, map[string]string{"lang": "go"})
	f.tracker.Touch([]string{"c3", "c3", "c4"}, t0)
	f.emb.vectors["goroutines channels"] = []float32{1, 0, 0.3}

	e := f.engine(t, Weights{Similarity: 0.4, Lexical: 0.3, Usage: 0.2, Recency: 0.1})
	first, err := e.Rank(context.Background(), "goroutines channels", 3, nil, WithoutFeedback())
	require.NoError(t, err)
	second, err := e.Rank(context.Background(), "goroutines channels", 3, nil, WithoutFeedback())
	require.NoError(t, err)
	assert.Equal(t, first.Chunks, second.Chunks)
	assert.Len(t, first.Chunks, 3)
}

func TestRank_FiltersReachBothIndexes(t *testing.T) {
	f := newFixture(t)
	f.add(t, "en", "hello world", []float32{1, 0, 0}, map[string]string{"lang": "en"})
	f.add(t, "fr", "bonjour world", []float32{1, 0.1, 0}, map[string]string{"lang": "fr"})
	e := f.engine(t, halfHalf)

	res, err := e.Rank(context.Background(), "world", 5, map[string]string{"lang": "fr"}, WithoutFeedback())
	require.NoError(t, err)
	assert.Equal(t, []string{"fr"}, ids(res.Chunks))
	assert.Equal(t, "fr", res.Chunks[0].Metadata["lang"])
}

func TestRank_RecordsRetrievalAndUsage(t *testing.T) {
	ctx := context.Background()
	f := catCorpus(t)
	e := f.engine(t, halfHalf)

	res, err := e.Rank(ctx, "cat", 1, map[string]string{})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	top := res.Chunks[0].ChunkID

	s, err := f.tracker.Stats(top)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Count)
	assert.Equal(t, t0.Add(time.Hour), s.LastUsedAt.UTC())

	other := "A"
	if top == "A" {
		other = "B"
	}
	s, err = f.tracker.Stats(other)
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.Count, "only returned chunks are touched")

	evs, err := f.store.ListRetrievalEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, res.QueryID, evs[0].ID)
	assert.Equal(t, "cat", evs[0].Query)
	assert.Equal(t, []float32{1, 0, 0}, evs[0].QueryVector)
	assert.Equal(t, []string{top}, evs[0].ChunkIDs())
	assert.Equal(t, 1, evs[0].Results[0].Rank)
}

func TestRank_BothSourcesDownIsUnavailable(t *testing.T) {
	f := catCorpus(t)
	e := f.engine(t, halfHalf, func(d *Deps, _ *Options) {
		d.Vectors = downIndex{f.flat}
		d.Lexical = downLexical{f.lex}
	})
	res, err := e.Rank(context.Background(), "cat", 5, nil)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrSearchUnavailable)

	f.emb.err = errors.New("provider unreachable")
	e = f.engine(t, halfHalf, func(d *Deps, _ *Options) { d.Lexical = downLexical{f.lex} })
	_, err = e.Rank(context.Background(), "cat", 5, nil)
	assert.ErrorIs(t, err, ErrSearchUnavailable)
}

func TestRank_NoMatchesIsEmptyNotError(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, halfHalf)
	res, err := e.Rank(context.Background(), "anything", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Chunks)
	assert.False(t, res.Degraded)
}

func TestRank_SlowLexicalDoesNotBlockVector(t *testing.T) {
	f := catCorpus(t)
	e := f.engine(t, halfHalf, func(d *Deps, o *Options) {
		d.Lexical = slowLexical{f.lex}
		o.LexicalTimeout = 20 * time.Millisecond
	})

	start := time.Now()
	res, err := e.Rank(context.Background(), "cat", 5, nil, WithoutFeedback())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, res.Degraded)
	require.Len(t, res.Chunks, 2)
	for _, c := range res.Chunks {
		assert.Equal(t, 0.0, c.Lexical)
	}
	assert.Equal(t, "B", res.Chunks[0].ChunkID)
	assert.True(t, strings.HasPrefix(res.Reasons[0], "lexical"))
}

func TestRank_LexicalIgnoringContextStillTimesOut(t *testing.T) {
	f := catCorpus(t)
	release := make(chan struct{})
	defer close(release)
	e := f.engine(t, halfHalf, func(d *Deps, o *Options) {
		d.Lexical = stuckLexical{Index: f.lex, release: release}
		o.LexicalTimeout = 20 * time.Millisecond
	})

	start := time.Now()
	res, err := e.Rank(context.Background(), "cat", 5, nil, WithoutFeedback())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, res.Degraded)
	require.Len(t, res.Chunks, 2)
	assert.Equal(t, "B", res.Chunks[0].ChunkID)
	assert.True(t, strings.HasPrefix(res.Reasons[0], "lexical"))
}

func TestRank_ExpiredDeadlineReturnsCompletedSources(t *testing.T) {
	f := catCorpus(t)
	e := f.engine(t, halfHalf, func(d *Deps, _ *Options) { d.Lexical = slowLexical{f.lex} })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res, err := e.Rank(ctx, "cat", 5, nil, WithoutFeedback())
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.NotEmpty(t, res.Chunks)
}

func TestRank_ExcludesChunksWithoutEmbedding(t *testing.T) {
	f := catCorpus(t)
	ctx := context.Background()
	require.NoError(t, f.flat.Upsert(ctx, "ghost", []float32{1, 0, 0}, nil))
	require.NoError(t, f.lex.Upsert(ctx, "ghost", "cat ghost", nil))
	e := f.engine(t, halfHalf)

	res, err := e.Rank(ctx, "cat", 5, nil, WithoutFeedback())
	require.NoError(t, err)
	assert.NotContains(t, ids(res.Chunks), "ghost")
	assert.Len(t, res.Chunks, 2)
	f.logger.AssertLogged(t, zapcore.ErrorLevel, "without embedding")
}

func TestRank_QueryCache(t *testing.T) {
	f := catCorpus(t)
	e := f.engine(t, halfHalf)
	_, err := e.Rank(context.Background(), "cat", 1, nil, WithoutFeedback())
	require.NoError(t, err)
	_, err = e.Rank(context.Background(), "  cat\n", 1, nil, WithoutFeedback())
	require.NoError(t, err)
	assert.Equal(t, 1, f.emb.calls)

	uncached := f.engine(t, halfHalf, func(_ *Deps, o *Options) { o.QueryCacheSize = -1 })
	_, err = uncached.Rank(context.Background(), "cat", 1, nil, WithoutFeedback())
	require.NoError(t, err)
	assert.Equal(t, 2, f.emb.calls)
}

func TestRank_InvalidQuery(t *testing.T) {
	f := catCorpus(t)
	e := f.engine(t, halfHalf)
	_, err := e.Rank(context.Background(), "   ", 5, nil)
	assert.ErrorIs(t, err, ErrInvalidQuery)
	_, err = e.Rank(context.Background(), "cat", 0, nil)
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestNew_Validation(t *testing.T) {
	f := newFixture(t)
	deps := Deps{Embedder: f.emb, Vectors: f.flat, Lexical: f.lex, Tracker: f.tracker}

	_, err := New(deps, Options{Weights: Weights{Similarity: 0.5, Lexical: 0.5, Usage: 0.5}})
	assert.ErrorIs(t, err, ErrInvalidWeights)
	_, err = New(deps, Options{Weights: Weights{Similarity: 1.2, Lexical: -0.2}})
	assert.ErrorIs(t, err, ErrInvalidWeights)
	_, err = New(deps, Options{Weights: halfHalf, CandidateMultiplier: 1})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Deps{}, Options{Weights: halfHalf})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	e, err := New(deps, Options{Weights: halfHalf})
	require.NoError(t, err)
	assert.Equal(t, 5, e.opts.CandidateMultiplier)
	assert.Equal(t, 30*24*time.Hour, e.opts.HalfLife)
}

func TestMinMax(t *testing.T) {
	got := minMax([]float64{2, 4, 3, 99}, []bool{true, true, true, false})
	assert.Equal(t, []float64{0, 1, 0.5, 0}, got)

	got = minMax([]float64{0.7, 0.7}, []bool{true, true})
	assert.Equal(t, []float64{1, 1}, got)

	got = minMax([]float64{-3, 1}, []bool{true, true})
	assert.Equal(t, []float64{0, 1}, got)
}

func TestRecencyScore(t *testing.T) {
	half := 30 * 24 * time.Hour
	assert.Equal(t, 0.0, recencyScore(0, time.Time{}, t0, half))
	assert.Equal(t, 0.0, recencyScore(3, time.Time{}, t0, half))
	assert.InDelta(t, 1.0, recencyScore(1, t0, t0, half), 1e-12)
	assert.InDelta(t, 0.5, recencyScore(1, t0, t0.Add(half), half), 1e-12)
	assert.InDelta(t, 0.25, recencyScore(1, t0, t0.Add(2*half), half), 1e-12)
	assert.InDelta(t, 1.0, recencyScore(1, t0.Add(time.Hour), t0, half), 1e-12, "future use counts as now")
}

func TestUsageScoresAreLogCompressed(t *testing.T) {
	got := usageScores([]*candidate{{count: 0}, {count: 1}, {count: 1000}})
	assert.Equal(t, 0.0, got[0])
	assert.InDelta(t, math.Log1p(1)/math.Log1p(1000), got[1], 1e-12)
	assert.Equal(t, 1.0, got[2])
	assert.Greater(t, got[1], 1.0/1000, "log compression lifts rarely used chunks")
}
