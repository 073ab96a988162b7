package embeddings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/config"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const defaultMaxBackoff = 10 * time.Second

// QueryEmbedder is implemented by providers that embed queries differently
// from passages (e.g. BGE "query: " prefixes).
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// ClientConfig configures batching and retry around a Provider.
type ClientConfig struct {
	MaxBatchSize         int
	MaxConcurrentBatches int
	// MaxRetries bounds retries of rate-limited calls and single-item batches.
	// Multi-item batches get one transient retry before they are bisected.
	MaxRetries     int
	RetryBackoff   time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
	// RateLimit is provider calls per second; zero disables limiting.
	RateLimit float64
	Logger    *logging.Logger
	Metrics   *Metrics
}

// ClientConfigFrom maps the embeddings config section.
func ClientConfigFrom(cfg config.EmbeddingsConfig, logger *logging.Logger) ClientConfig {
	return ClientConfig{
		MaxBatchSize:         cfg.MaxBatchSize,
		MaxConcurrentBatches: cfg.MaxConcurrentBatches,
		MaxRetries:           cfg.MaxRetries,
		RetryBackoff:         cfg.RetryBackoff.Duration(),
		RequestTimeout:       cfg.RequestTimeout.Duration(),
		RateLimit:            cfg.RateLimit,
		Logger:               logger,
	}
}

// BatchResult holds one vector per input. Failed inputs have a nil vector
// and an entry in Failed keyed by input index.
type BatchResult struct {
	Vectors [][]float32
	Failed  map[int]error
}

// FailedIndices returns the failed input indices in ascending order.
func (r *BatchResult) FailedIndices() []int {
	idx := make([]int, 0, len(r.Failed))
	for i := range r.Failed {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// Client runs batched, retried, bisected embedding requests against a
// Provider. No lock is held while a provider call is in flight.
type Client struct {
	provider  Provider
	cfg       ClientConfig
	batchSize int
	limiter   *rate.Limiter
	logger    *logging.Logger
	metrics   *Metrics
	tracer    trace.Tracer

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient wraps p.
func NewClient(p Provider, cfg ClientConfig) (*Client, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: provider required", ErrInvalidConfig)
	}
	if p.Dimensions() <= 0 {
		return nil, fmt.Errorf("%w: provider %s reports no dimensions", ErrInvalidConfig, p.Name())
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 32
	}
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = 1
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max retries cannot be negative", ErrInvalidConfig)
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(cfg.Logger.Underlying())
	}

	batchSize := cfg.MaxBatchSize
	if pm := p.MaxBatchSize(); pm > 0 && pm < batchSize {
		batchSize = pm
	}
	if !p.SupportsBatch() {
		batchSize = 1
	}

	c := &Client{
		provider:  p,
		cfg:       cfg,
		batchSize: batchSize,
		logger:    cfg.Logger.Named("embeddings"),
		metrics:   cfg.Metrics,
		tracer:    otel.Tracer(instrumentationName),
		sleep:     sleepContext,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit)))
	}
	return c, nil
}

// Dimensions is the vector length every result has.
func (c *Client) Dimensions() int { return c.provider.Dimensions() }

// Model is the provider's model tag.
func (c *Client) Model() string { return c.provider.Model() }

// Provider returns the provider name.
func (c *Client) Provider() string { return c.provider.Name() }

// Close releases provider resources.
func (c *Client) Close() error {
	if closer, ok := c.provider.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

type item struct {
	index int
	text  string
}

// Embed embeds texts. Per-item failures land in BatchResult.Failed; the
// returned error is reserved for fatal conditions (authentication,
// dimension mismatch, cancellation) that abort the whole request.
func (c *Client) Embed(ctx context.Context, texts []string) (*BatchResult, error) {
	ctx, span := c.tracer.Start(ctx, "embeddings.Embed", trace.WithAttributes(
		attribute.String("provider", c.provider.Name()),
		attribute.Int("texts", len(texts)),
	))
	defer span.End()

	res := &BatchResult{
		Vectors: make([][]float32, len(texts)),
		Failed:  make(map[int]error),
	}
	var mu sync.Mutex
	fail := func(it item, err error) {
		mu.Lock()
		res.Failed[it.index] = err
		mu.Unlock()
	}

	pending := make([]item, 0, len(texts))
	for i, t := range texts {
		norm := Normalize(t)
		if norm == "" {
			fail(item{index: i}, NewProviderError(c.provider.Name(), KindInvalidInput, ErrEmptyInput))
			continue
		}
		pending = append(pending, item{index: i, text: norm})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrentBatches)
	for start := 0; start < len(pending); start += c.batchSize {
		batch := pending[start:min(start+c.batchSize, len(pending))]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return c.process(gctx, batch, res, fail)
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	c.metrics.RecordFailed(ctx, c.provider.Name(), len(res.Failed))
	if len(res.Failed) > 0 {
		span.SetAttributes(attribute.Int("failed", len(res.Failed)))
		c.logger.Warn(ctx, "embedding completed with failures",
			zap.Int("texts", len(texts)),
			zap.Ints("failed_indices", res.FailedIndices()),
		)
	}
	return res, nil
}

// process embeds one batch, bisecting it when it keeps failing.
func (c *Client) process(ctx context.Context, batch []item, res *BatchResult, fail func(item, error)) error {
	texts := make([]string, len(batch))
	for i, it := range batch {
		texts[i] = it.text
	}

	vectors, err := c.attempt(ctx, texts, false)
	if err == nil {
		for i, it := range batch {
			res.Vectors[it.index] = vectors[i]
		}
		return nil
	}

	kind := KindOf(err)
	if kind.fatal() {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// Splitting a rate-limited batch only multiplies calls against the limit.
	if len(batch) == 1 || kind == KindRateLimited {
		for _, it := range batch {
			fail(it, err)
		}
		return nil
	}

	c.metrics.RecordBisection(ctx, c.provider.Name())
	c.logger.Debug(ctx, "bisecting failed batch",
		zap.Int("size", len(batch)),
		zap.String("kind", kind.String()),
		zap.Error(err),
	)
	mid := len(batch) / 2
	if err := c.process(ctx, batch[:mid], res, fail); err != nil {
		return err
	}
	return c.process(ctx, batch[mid:], res, fail)
}

// attempt calls the provider, retrying transient and rate-limited failures.
func (c *Client) attempt(ctx context.Context, texts []string, query bool) ([][]float32, error) {
	transientRetries := 1
	if len(texts) == 1 {
		transientRetries = c.cfg.MaxRetries
	}

	for attempt := 0; ; attempt++ {
		vectors, err := c.call(ctx, texts, query)
		if err == nil {
			return vectors, nil
		}

		kind := KindOf(err)
		if kind.fatal() || kind == KindInvalidInput || ctx.Err() != nil {
			return nil, err
		}
		limit := transientRetries
		if kind == KindRateLimited {
			limit = c.cfg.MaxRetries
		}
		if attempt >= limit {
			return nil, err
		}

		delay := c.backoff(attempt)
		if ra := retryAfterOf(err); ra > delay {
			delay = ra
		}
		c.metrics.RecordRetry(ctx, c.provider.Name(), kind)
		c.logger.Debug(ctx, "retrying embedding call",
			zap.Int("attempt", attempt+1),
			zap.Int("batch_size", len(texts)),
			zap.Duration("delay", delay),
			zap.String("kind", kind.String()),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// call makes exactly one bounded provider request and validates its shape.
func (c *Client) call(ctx context.Context, texts []string, query bool) ([][]float32, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	callCtx := ctx
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	var vectors [][]float32
	var err error
	if qe, ok := c.provider.(QueryEmbedder); ok && query {
		var v []float32
		if v, err = qe.EmbedQuery(callCtx, texts[0]); err == nil {
			vectors = [][]float32{v}
		}
	} else {
		vectors, err = c.provider.Embed(callCtx, texts)
	}

	if err == nil {
		err = c.validate(texts, vectors)
	} else if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = NewProviderError(c.provider.Name(), KindTransient,
			fmt.Errorf("request timed out after %s: %w", c.cfg.RequestTimeout, err))
	}
	c.metrics.RecordCall(ctx, c.provider.Name(), c.provider.Model(), time.Since(start), len(texts), err)
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

func (c *Client) validate(texts []string, vectors [][]float32) error {
	if len(vectors) != len(texts) {
		return NewProviderError(c.provider.Name(), KindTransient,
			fmt.Errorf("provider returned %d vectors for %d inputs", len(vectors), len(texts)))
	}
	want := c.provider.Dimensions()
	for _, v := range vectors {
		if len(v) != want {
			return NewProviderError(c.provider.Name(), KindDimensionMismatch,
				fmt.Errorf("got %d dimensions, want %d", len(v), want))
		}
	}
	return nil
}

// EmbedQuery embeds a single search query with the same normalization and
// retry policy. Any failure is returned.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	ctx, span := c.tracer.Start(ctx, "embeddings.EmbedQuery")
	defer span.End()

	norm := Normalize(text)
	if norm == "" {
		return nil, NewProviderError(c.provider.Name(), KindInvalidInput, ErrEmptyInput)
	}
	vectors, err := c.attempt(ctx, []string{norm}, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return vectors[0], nil
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.RetryBackoff << attempt
	if d <= 0 || d > c.cfg.MaxBackoff {
		return c.cfg.MaxBackoff
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
