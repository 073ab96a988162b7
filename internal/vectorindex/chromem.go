// internal/vectorindex/chromem.go
package vectorindex

import (
	"context"
	"errors"
	"fmt"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/logging"
)

// ChromemConfig configures the embedded chromem-go index.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path       string
	Compress   bool
	Collection string
	Dimensions int
}

// Validate validates the configuration.
func (c ChromemConfig) Validate() error {
	if c.Collection == "" {
		return fmt.Errorf("%w: collection required", ErrInvalidConfig)
	}
	if c.Dimensions <= 0 {
		return fmt.Errorf("%w: dimensions must be positive", ErrInvalidConfig)
	}
	return nil
}

// Chromem is an Index backed by chromem-go. chromem-go only does cosine
// similarity, so the metric is fixed.
type Chromem struct {
	cfg        ChromemConfig
	db         *chromem.DB
	collection *chromem.Collection
	logger     *logging.Logger
}

// errNoEmbedder is returned if chromem ever tries to embed raw text; every
// document we add carries its own vector.
var errNoEmbedder = errors.New("chromem index does not embed text")

// NewChromem opens (or creates) the collection.
func NewChromem(cfg ChromemConfig, logger *logging.Logger) (*Chromem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("%w: opening chromem db at %s: %v", ErrUnavailable, cfg.Path, err)
		}
	}

	noEmbed := func(context.Context, string) ([]float32, error) { return nil, errNoEmbedder }
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}

	return &Chromem{cfg: cfg, db: db, collection: collection, logger: logger.Named("chromem")}, nil
}

func (c *Chromem) Upsert(ctx context.Context, chunkID string, vector []float32, metadata map[string]string) error {
	return c.UpsertBatch(ctx, []Entry{{ChunkID: chunkID, Vector: vector, Metadata: metadata}})
}

func (c *Chromem) UpsertBatch(ctx context.Context, entries []Entry) error {
	if err := checkEntries(c.cfg.Dimensions, entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	docs := make([]chromem.Document, len(entries))
	for i, e := range entries {
		docs[i] = chromem.Document{
			ID:        e.ChunkID,
			Metadata:  copyMetadata(e.Metadata),
			Embedding: prepare(MetricCosine, e.Vector),
		}
	}
	if err := c.collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("adding %d vectors to %s: %w", len(docs), c.cfg.Collection, err)
	}
	c.logger.Debug(ctx, "upserted vectors", zap.Int("count", len(docs)))
	return nil
}

func (c *Chromem) Query(ctx context.Context, vector []float32, k int, filter Filter, _ ...QueryOption) ([]Candidate, error) {
	if err := checkDims(c.cfg.Dimensions, vector); err != nil {
		return nil, err
	}
	// chromem requires nResults <= document count
	k = min(k, c.collection.Count())
	if k <= 0 {
		return nil, nil
	}

	var where map[string]string
	if len(filter) > 0 {
		where = filter
	}
	results, err := c.collection.QueryEmbedding(ctx, prepare(MetricCosine, vector), k, where, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", c.cfg.Collection, err)
	}

	top := newTopK(k)
	for _, r := range results {
		sim := float64(r.Similarity)
		top.offer(Candidate{ChunkID: r.ID, Distance: 1 - sim, Similarity: sim, Metadata: r.Metadata})
	}
	return top.sorted(), nil
}

func (c *Chromem) Delete(ctx context.Context, chunkID string) error {
	if err := c.collection.Delete(ctx, nil, nil, chunkID); err != nil {
		return fmt.Errorf("deleting %s: %w", chunkID, err)
	}
	return nil
}

func (c *Chromem) Dimensions() int { return c.cfg.Dimensions }
func (c *Chromem) Metric() Metric  { return MetricCosine }
func (c *Chromem) Len() int        { return c.collection.Count() }
func (c *Chromem) Close() error    { return nil }
