// Package ingest turns content units into chunks, embeddings and index
// entries. Chunking is sequential per unit; embedding runs through the
// batched client, and documents are processed concurrently by a worker pool.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/chunker"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/config"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/embeddings"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/events"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/lexical"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/logging"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/model"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/redact"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/store"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/usage"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/vectorindex"
)

var (
	// ErrInvalidRequest is returned for requests missing identifiers or
	// carrying an unusable content type.
	ErrInvalidRequest = errors.New("invalid ingestion request")
	// ErrConflict is returned when a content unit ID already belongs to
	// another document.
	ErrConflict = errors.New("content unit belongs to another document")
)

// Embedder is the part of the embedding client the pipeline needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string) (*embeddings.BatchResult, error)
	Model() string
	Dimensions() int
}

// Deps are the collaborators a Pipeline writes to.
type Deps struct {
	Store    store.Store
	Chunker  *chunker.Chunker
	Embedder Embedder
	Vectors  vectorindex.Index
	Lexical  lexical.Index
	Tracker  *usage.Tracker
}

// Options configures the worker pool and retry policy.
type Options struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	// RetryDelay is the pause between attempts of a queued task. Default: 500ms
	RetryDelay time.Duration
	// Redactor, when set, strips secrets from text before hashing and chunking.
	Redactor  *redact.Redactor
	Publisher events.Publisher
	Logger    *logging.Logger
	Now       func() time.Time
}

// OptionsFrom maps the ingestion config section.
func OptionsFrom(cfg config.IngestionConfig) Options {
	return Options{
		Workers:     cfg.Workers,
		QueueSize:   cfg.QueueSize,
		MaxAttempts: cfg.MaxAttempts,
	}
}

// Request is one content unit to ingest.
type Request struct {
	DocumentID    string
	ContentUnitID string
	// Title names the document when it is created by this request.
	Title       string
	Text        string
	ContentType model.ContentType
	Image       *model.ImageMeta
	Audio       *model.AudioMeta
}

// Result reports the outcome for one content unit.
type Result struct {
	DocumentID    string
	ContentUnitID string
	ChunkCount    int
	// FailedIndices are chunk indices left without an embedding.
	FailedIndices []int
	Status        model.DocumentStatus
	// Unchanged is set when identical content was already fully ingested.
	Unchanged bool
	// Redacted counts secrets removed from the text.
	Redacted int
}

// StatusEvent is published on ingest.<status> after every status change.
type StatusEvent struct {
	DocumentID   string           `json:"document_id"`
	Status       string           `json:"status"`
	FailedChunks map[string][]int `json:"failed_chunks,omitempty"`
	At           time.Time        `json:"at"`
}

// Pipeline ingests content into the store and both indexes.
type Pipeline struct {
	deps   Deps
	opts   Options
	pub    events.Publisher
	logger *logging.Logger
	now    func() time.Time
	tracer trace.Tracer

	locksMu sync.Mutex
	locks   map[string]*docLock

	queue   chan *Task
	mu      sync.Mutex
	running bool
	closed  bool
	stop    chan struct{}
	pending sync.WaitGroup
	workers sync.WaitGroup
}

type docLock struct {
	mu   sync.Mutex
	refs int
}

// New validates deps and returns a pipeline. The embedder and vector index
// must agree on dimensionality.
func New(deps Deps, opts Options) (*Pipeline, error) {
	switch {
	case deps.Store == nil, deps.Chunker == nil, deps.Embedder == nil,
		deps.Vectors == nil, deps.Lexical == nil, deps.Tracker == nil:
		return nil, errors.New("ingest: store, chunker, embedder, indexes and tracker are required")
	}
	if deps.Embedder.Dimensions() != deps.Vectors.Dimensions() {
		return nil, fmt.Errorf("%w: embedder produces %d dimensions, vector index expects %d",
			vectorindex.ErrDimensionMismatch, deps.Embedder.Dimensions(), deps.Vectors.Dimensions())
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 128
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		deps:   deps,
		opts:   opts,
		pub:    opts.Publisher,
		logger: opts.Logger.Named("ingest"),
		now:    opts.Now,
		tracer: otel.Tracer("ragdoll/ingest"),
		locks:  map[string]*docLock{},
		queue:  make(chan *Task, opts.QueueSize),
		stop:   make(chan struct{}),
	}, nil
}

// lockDocument serializes work on one document; different documents
// proceed concurrently.
func (p *Pipeline) lockDocument(id string) func() {
	p.locksMu.Lock()
	l, ok := p.locks[id]
	if !ok {
		l = &docLock{}
		p.locks[id] = l
	}
	l.refs++
	p.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.locksMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(p.locks, id)
		}
		p.locksMu.Unlock()
	}
}

// normalizeText canonicalizes line endings and trims the ends; the content
// hash is computed over the result.
func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.TrimSpace(text)
}

// redact applies the configured redactor. Rule IDs are logged, never the
// matched text.
func (p *Pipeline) redact(ctx context.Context, text string) (string, int) {
	if p.opts.Redactor == nil {
		return text, 0
	}
	res := p.opts.Redactor.Redact(text)
	if len(res.Findings) == 0 {
		return text, 0
	}
	byRule := res.ByRule()
	rules := make([]string, 0, len(byRule))
	for id, n := range byRule {
		redactionsTotal.WithLabelValues(id).Add(float64(n))
		rules = append(rules, id)
	}
	sort.Strings(rules)
	p.logger.Warn(ctx, "secrets redacted before indexing",
		zap.Int("count", len(res.Findings)),
		zap.Strings("rules", rules),
	)
	return res.Text, len(res.Findings)
}

// Ingest chunks, embeds and indexes one content unit. Chunk-level embedding
// failures do not fail the call: they are reported in FailedIndices and
// leave the document failed until RetryFailed succeeds. The error is
// reserved for conditions that stop the whole unit.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*Result, error) {
	if req.DocumentID == "" || req.ContentUnitID == "" {
		return nil, fmt.Errorf("%w: document and content unit IDs are required", ErrInvalidRequest)
	}
	if req.ContentType == "" {
		req.ContentType = model.ContentText
	}

	ctx = logging.WithDocumentID(ctx, req.DocumentID)
	ctx, span := p.tracer.Start(ctx, "ingest.Ingest", trace.WithAttributes(
		attribute.String("document.id", req.DocumentID),
		attribute.String("content_unit.id", req.ContentUnitID),
		attribute.String("content_type", string(req.ContentType)),
	))
	defer span.End()

	res, err := p.ingest(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(attribute.Int("chunks", res.ChunkCount), attribute.Int("failed", len(res.FailedIndices)))
	return res, nil
}

func (p *Pipeline) ingest(ctx context.Context, req Request) (*Result, error) {
	unlock := p.lockDocument(req.DocumentID)
	defer unlock()

	doc, err := p.loadOrCreateDocument(ctx, req.DocumentID, req.Title)
	if err != nil {
		return nil, err
	}

	text, redacted := p.redact(ctx, normalizeText(req.Text))
	unit := &model.ContentUnit{
		ID:          req.ContentUnitID,
		DocumentID:  req.DocumentID,
		Type:        req.ContentType,
		Text:        text,
		Model:       p.deps.Embedder.Model(),
		ContentHash: model.HashText(text),
		Image:       req.Image,
		Audio:       req.Audio,
		CreatedAt:   p.now(),
	}
	if err := unit.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	existing, err := p.deps.Store.GetContentUnit(ctx, unit.ID)
	switch {
	case err == nil:
		if existing.DocumentID != unit.DocumentID {
			return nil, fmt.Errorf("%w: %s is owned by %s", ErrConflict, unit.ID, existing.DocumentID)
		}
		if existing.ContentHash == unit.ContentHash && existing.Model == unit.Model {
			if len(doc.FailedChunks[unit.ID]) > 0 {
				results, err := p.retry(ctx, doc, []string{unit.ID})
				if len(results) == 0 {
					return nil, err
				}
				return results[0], err
			}
			return p.unchanged(ctx, doc, unit.ID)
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("loading content unit: %w", err)
	}

	if err := p.begin(ctx, doc); err != nil {
		return nil, err
	}
	if err := p.deps.Store.SaveContentUnit(ctx, unit); err != nil {
		return nil, p.abort(context.WithoutCancel(ctx), doc, fmt.Errorf("saving content unit: %w", err))
	}

	chunks := p.deps.Chunker.ChunkContent(unit)
	replaced, err := p.deps.Store.ReplaceChunks(ctx, unit.ID, chunks)
	if err != nil {
		return nil, p.abort(context.WithoutCancel(ctx), doc, fmt.Errorf("saving chunks: %w", err))
	}
	p.forget(ctx, replaced)

	failed, embedErr := p.embedAndIndex(ctx, chunks)
	doc.SetFailedChunks(unit.ID, failed)
	res := &Result{
		DocumentID:    doc.ID,
		ContentUnitID: unit.ID,
		ChunkCount:    len(chunks),
		FailedIndices: failed,
		Redacted:      redacted,
	}
	// Status must land even when ctx was cancelled mid-embedding.
	if err := p.settle(context.WithoutCancel(ctx), doc); err != nil {
		return nil, err
	}
	res.Status = doc.Status

	p.logger.Info(ctx, "content unit ingested",
		zap.String("content_unit_id", unit.ID),
		zap.Int("chunks", len(chunks)),
		zap.Int("replaced", len(replaced)),
		zap.Ints("failed_indices", failed),
	)
	if embedErr != nil {
		return res, embedErr
	}
	return res, nil
}

func (p *Pipeline) loadOrCreateDocument(ctx context.Context, id, title string) (*model.Document, error) {
	doc, err := p.deps.Store.GetDocument(ctx, id)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading document: %w", err)
	}
	if title == "" {
		title = id
	}
	doc = model.NewDocument(id, title, p.now())
	if err := p.deps.Store.SaveDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("creating document: %w", err)
	}
	p.publishStatus(ctx, doc)
	return doc, nil
}

func (p *Pipeline) unchanged(ctx context.Context, doc *model.Document, unitID string) (*Result, error) {
	chunks, err := p.deps.Store.ListChunks(ctx, unitID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}
	p.logger.Debug(ctx, "content unchanged, skipping", zap.String("content_unit_id", unitID))
	return &Result{
		DocumentID:    doc.ID,
		ContentUnitID: unitID,
		ChunkCount:    len(chunks),
		Status:        doc.Status,
		Unchanged:     true,
	}, nil
}

// begin moves the document to processing. A document left in processing by
// an interrupted run is resumed as is.
func (p *Pipeline) begin(ctx context.Context, doc *model.Document) error {
	if doc.Status == model.StatusProcessing {
		return nil
	}
	if err := doc.Transition(model.StatusProcessing, p.now()); err != nil {
		return err
	}
	if err := p.deps.Store.UpdateDocumentStatus(ctx, doc); err != nil {
		return fmt.Errorf("updating document status: %w", err)
	}
	p.publishStatus(ctx, doc)
	return nil
}

// settle moves a processing document to processed or failed depending on
// whether any unit still has failed chunks.
func (p *Pipeline) settle(ctx context.Context, doc *model.Document) error {
	to := model.StatusProcessed
	if doc.HasFailures() {
		to = model.StatusFailed
	}
	if err := doc.Transition(to, p.now()); err != nil {
		return err
	}
	if err := p.deps.Store.UpdateDocumentStatus(ctx, doc); err != nil {
		return fmt.Errorf("updating document status: %w", err)
	}
	documentsTotal.WithLabelValues(string(to)).Inc()
	p.publishStatus(ctx, doc)
	return nil
}

// abort marks the document failed after a storage error and returns cause.
func (p *Pipeline) abort(ctx context.Context, doc *model.Document, cause error) error {
	if err := doc.Transition(model.StatusFailed, p.now()); err != nil {
		return errors.Join(cause, err)
	}
	if err := p.deps.Store.UpdateDocumentStatus(ctx, doc); err != nil {
		return errors.Join(cause, err)
	}
	p.publishStatus(ctx, doc)
	return cause
}

func (p *Pipeline) publishStatus(ctx context.Context, doc *model.Document) {
	ev := StatusEvent{
		DocumentID:   doc.ID,
		Status:       string(doc.Status),
		FailedChunks: doc.FailedChunks,
		At:           doc.ModifiedAt,
	}
	subject := events.SubjectIngest + "." + string(doc.Status)
	if err := p.pub.Publish(ctx, subject, ev); err != nil {
		p.logger.Warn(ctx, "event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// embedAndIndex embeds chunks and writes every successful one to the store,
// the usage tracker and both indexes. It returns the chunk indices that
// were left without an embedding. A non-nil error means the whole set
// failed; every index is then reported failed.
func (p *Pipeline) embedAndIndex(ctx context.Context, chunks []*model.Chunk) ([]int, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	allFailed := func() []int {
		idx := make([]int, len(chunks))
		for i, c := range chunks {
			idx[i] = c.Index
		}
		sort.Ints(idx)
		return idx
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	res, err := p.deps.Embedder.Embed(ctx, texts)
	if err != nil {
		chunksTotal.WithLabelValues("failed").Add(float64(len(chunks)))
		return allFailed(), fmt.Errorf("embedding chunks: %w", err)
	}

	now := p.now()
	var (
		failed  []int
		entries []vectorindex.Entry
		docs    []lexical.Doc
		embs    []*model.Embedding
	)
	for i, c := range chunks {
		if _, bad := res.Failed[i]; bad {
			failed = append(failed, c.Index)
			continue
		}
		emb := model.NewEmbedding(c.ID, p.deps.Embedder.Model(), res.Vectors[i], now)
		if err := p.deps.Store.SaveEmbedding(ctx, emb); err != nil {
			chunksTotal.WithLabelValues("failed").Add(float64(len(chunks)))
			return allFailed(), fmt.Errorf("saving embedding: %w", err)
		}
		embs = append(embs, emb)
		entries = append(entries, vectorindex.Entry{ChunkID: c.ID, Vector: emb.Vector, Metadata: c.Metadata})
		docs = append(docs, lexical.Doc{ChunkID: c.ID, Text: c.Text, Metadata: c.Metadata})
	}

	for _, emb := range embs {
		p.deps.Tracker.Register(emb)
	}
	if err := p.deps.Vectors.UpsertBatch(ctx, entries); err != nil {
		chunksTotal.WithLabelValues("failed").Add(float64(len(chunks)))
		return allFailed(), fmt.Errorf("indexing vectors: %w", err)
	}
	if err := p.deps.Lexical.UpsertBatch(ctx, docs); err != nil {
		chunksTotal.WithLabelValues("failed").Add(float64(len(chunks)))
		return allFailed(), fmt.Errorf("indexing text: %w", err)
	}

	chunksTotal.WithLabelValues("embedded").Add(float64(len(embs)))
	chunksTotal.WithLabelValues("failed").Add(float64(len(failed)))
	sort.Ints(failed)
	return failed, nil
}

// forget removes chunks from both indexes and the usage tracker. Index
// errors are logged; the store is already authoritative.
func (p *Pipeline) forget(ctx context.Context, chunkIDs []string) {
	if len(chunkIDs) == 0 {
		return
	}
	for _, id := range chunkIDs {
		if err := p.deps.Vectors.Delete(ctx, id); err != nil {
			p.logger.Warn(ctx, "removing chunk from vector index", zap.String("chunk_id", id), zap.Error(err))
		}
		if err := p.deps.Lexical.Delete(ctx, id); err != nil {
			p.logger.Warn(ctx, "removing chunk from lexical index", zap.String("chunk_id", id), zap.Error(err))
		}
	}
	p.deps.Tracker.Remove(chunkIDs...)
}

// RetryFailed re-embeds only the chunks recorded as failed on the document.
// It returns one Result per retried content unit.
func (p *Pipeline) RetryFailed(ctx context.Context, documentID string) ([]*Result, error) {
	ctx = logging.WithDocumentID(ctx, documentID)
	ctx, span := p.tracer.Start(ctx, "ingest.RetryFailed", trace.WithAttributes(
		attribute.String("document.id", documentID),
	))
	defer span.End()

	unlock := p.lockDocument(documentID)
	defer unlock()

	doc, err := p.deps.Store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("loading document: %w", err)
	}
	unitIDs := make([]string, 0, len(doc.FailedChunks))
	for id, idx := range doc.FailedChunks {
		if len(idx) > 0 {
			unitIDs = append(unitIDs, id)
		}
	}
	sort.Strings(unitIDs)
	if len(unitIDs) == 0 {
		return nil, nil
	}

	results, err := p.retry(ctx, doc, unitIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return results, err
}

// retry re-embeds the failed chunks of the given units. The caller holds
// the document lock.
func (p *Pipeline) retry(ctx context.Context, doc *model.Document, unitIDs []string) ([]*Result, error) {
	if err := p.begin(ctx, doc); err != nil {
		return nil, err
	}

	var (
		results []*Result
		errs    []error
	)
	for _, unitID := range unitIDs {
		want := map[int]bool{}
		for _, i := range doc.FailedChunks[unitID] {
			want[i] = true
		}
		chunks, err := p.deps.Store.ListChunks(ctx, unitID)
		if err != nil {
			errs = append(errs, fmt.Errorf("listing chunks of %s: %w", unitID, err))
			continue
		}
		var todo []*model.Chunk
		for _, c := range chunks {
			if want[c.Index] {
				todo = append(todo, c)
			}
		}

		failed, err := p.embedAndIndex(ctx, todo)
		if err != nil {
			errs = append(errs, err)
		}
		doc.SetFailedChunks(unitID, failed)
		results = append(results, &Result{
			DocumentID:    doc.ID,
			ContentUnitID: unitID,
			ChunkCount:    len(chunks),
			FailedIndices: failed,
		})
		p.logger.Info(ctx, "retried failed chunks",
			zap.String("content_unit_id", unitID),
			zap.Int("retried", len(todo)),
			zap.Ints("still_failed", failed),
		)
	}

	if err := p.settle(context.WithoutCancel(ctx), doc); err != nil {
		errs = append(errs, err)
	}
	for _, r := range results {
		r.Status = doc.Status
	}
	return results, errors.Join(errs...)
}

// DeleteDocument removes a document with all its chunks from the store,
// both indexes and the usage tracker.
func (p *Pipeline) DeleteDocument(ctx context.Context, documentID string) error {
	unlock := p.lockDocument(documentID)
	defer unlock()

	ids, err := p.deps.Store.DeleteDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	p.forget(ctx, ids)
	p.logger.Info(logging.WithDocumentID(ctx, documentID), "document deleted", zap.Int("chunks", len(ids)))
	return nil
}

// RebuildScope selects the indexes Rebuild re-populates from the store.
type RebuildScope struct {
	Vectors bool
	Lexical bool
}

// Rebuild loads persisted embeddings into the usage tracker and re-indexes
// their chunks into the indexes named by scope. Indexes that keep their own
// state on disk or in a remote service should be left out of scope.
func (p *Pipeline) Rebuild(ctx context.Context, scope RebuildScope) (int, error) {
	embs, err := p.deps.Tracker.Load(ctx)
	if err != nil {
		return 0, err
	}
	if len(embs) == 0 || (!scope.Vectors && !scope.Lexical) {
		return 0, nil
	}
	ids := make([]string, len(embs))
	for i, e := range embs {
		ids[i] = e.ChunkID
	}
	chunks, err := p.deps.Store.GetChunks(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("loading chunks: %w", err)
	}

	entries := make([]vectorindex.Entry, 0, len(embs))
	docs := make([]lexical.Doc, 0, len(embs))
	for _, e := range embs {
		c, ok := chunks[e.ChunkID]
		if !ok {
			p.logger.Warn(ctx, "embedding without chunk", zap.String("chunk_id", e.ChunkID))
			continue
		}
		if e.Dimensions != p.deps.Vectors.Dimensions() {
			return 0, fmt.Errorf("%w: stored embedding %s has %d dimensions, index expects %d",
				vectorindex.ErrDimensionMismatch, e.ChunkID, e.Dimensions, p.deps.Vectors.Dimensions())
		}
		entries = append(entries, vectorindex.Entry{ChunkID: c.ID, Vector: e.Vector, Metadata: c.Metadata})
		docs = append(docs, lexical.Doc{ChunkID: c.ID, Text: c.Text, Metadata: c.Metadata})
	}
	if scope.Vectors {
		if err := p.deps.Vectors.UpsertBatch(ctx, entries); err != nil {
			return 0, fmt.Errorf("rebuilding vector index: %w", err)
		}
	}
	if scope.Lexical {
		if err := p.deps.Lexical.UpsertBatch(ctx, docs); err != nil {
			return 0, fmt.Errorf("rebuilding lexical index: %w", err)
		}
	}
	p.logger.Info(ctx, "indexes rebuilt",
		zap.Int("chunks", len(entries)),
		zap.Bool("vectors", scope.Vectors),
		zap.Bool("lexical", scope.Lexical),
	)
	return len(entries), nil
}
