// Package ranking fuses vector similarity, lexical relevance and usage
// history into one ordered result list.
//
// A query moves through Received, Embedding, CandidateFetch, Merging,
// Scoring and Reported. When the query embedding or either index fails the
// engine keeps going with what it has and ends in Degraded; only when no
// source answers at all does Rank return ErrSearchUnavailable.
package ranking

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/config"
)

var (
	// ErrSearchUnavailable means neither index could answer. It is never
	// reported as an empty result.
	ErrSearchUnavailable = errors.New("search unavailable")
	// ErrInvalidWeights is returned when weights are negative or do not sum to 1.
	ErrInvalidWeights = errors.New("invalid ranking weights")
	// ErrInvalidConfig is returned for unusable engine options.
	ErrInvalidConfig = errors.New("invalid ranking configuration")
	// ErrInvalidQuery is returned for empty queries and non-positive k.
	ErrInvalidQuery = errors.New("invalid query")
)

// Stage is a step in a query's lifecycle.
type Stage string

const (
	StageReceived       Stage = "received"
	StageEmbedding      Stage = "embedding"
	StageCandidateFetch Stage = "candidate_fetch"
	StageMerging        Stage = "merging"
	StageScoring        Stage = "scoring"
	StageReported       Stage = "reported"
	StageDegraded       Stage = "degraded"
)

const weightTolerance = 1e-6

// Weights are the linear-combination coefficients of the final score.
type Weights struct {
	Similarity float64
	Lexical    float64
	Usage      float64
	Recency    float64
}

// Validate requires non-negative weights summing to 1. Weights are never
// renormalized.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"similarity": w.Similarity, "lexical": w.Lexical, "usage": w.Usage, "recency": w.Recency,
	} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%w: %s weight %v is negative", ErrInvalidWeights, name, v)
		}
	}
	if sum := w.Similarity + w.Lexical + w.Usage + w.Recency; math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("%w: weights sum to %v, want 1", ErrInvalidWeights, sum)
	}
	return nil
}

// ScoredChunk is one ranked result. Sub-scores are in [0,1]; a source that
// did not return the chunk contributes 0.
type ScoredChunk struct {
	ChunkID    string
	Score      float64
	Similarity float64
	Lexical    float64
	Usage      float64
	Recency    float64

	// Raw values before normalization.
	RawSimilarity float64
	RawLexical    float64
	UsageCount    int64
	LastUsedAt    time.Time

	Metadata map[string]string
}

// Result is the outcome of one Rank call.
type Result struct {
	// QueryID is also the ID of the recorded retrieval event.
	QueryID     string
	Query       string
	Chunks      []ScoredChunk
	Stage       Stage
	Degraded    bool
	// Reasons lists why the query degraded, one entry per failed source.
	Reasons     []string
	QueryVector []float32
	Duration    time.Duration
}

// Options configures an Engine.
type Options struct {
	Weights Weights
	// CandidateMultiplier sets M = CandidateMultiplier*k fetched per source. Default: 5
	CandidateMultiplier int
	// HalfLife is the recency decay half-life. Default: 30 days
	HalfLife       time.Duration
	VectorTimeout  time.Duration
	LexicalTimeout time.Duration
	// QueryCacheSize bounds the query embedding cache; negative disables it. Default: 256
	QueryCacheSize int
}

// OptionsFrom maps the ranking config section.
func OptionsFrom(cfg config.RankingConfig) Options {
	return Options{
		Weights: Weights{
			Similarity: cfg.Weights.Similarity,
			Lexical:    cfg.Weights.Lexical,
			Usage:      cfg.Weights.Usage,
			Recency:    cfg.Weights.Recency,
		},
		CandidateMultiplier: cfg.CandidateMultiplier,
		HalfLife:            cfg.HalfLife.Duration(),
		VectorTimeout:       cfg.VectorTimeout.Duration(),
		LexicalTimeout:      cfg.LexicalTimeout.Duration(),
		QueryCacheSize:      cfg.QueryCacheSize,
	}
}

func (o Options) withDefaults() (Options, error) {
	if err := o.Weights.Validate(); err != nil {
		return o, err
	}
	if o.CandidateMultiplier == 0 {
		o.CandidateMultiplier = 5
	}
	if o.CandidateMultiplier < 2 {
		return o, fmt.Errorf("%w: candidate multiplier must be at least 2, got %d", ErrInvalidConfig, o.CandidateMultiplier)
	}
	if o.HalfLife == 0 {
		o.HalfLife = 30 * 24 * time.Hour
	}
	if o.HalfLife < 0 || o.VectorTimeout < 0 || o.LexicalTimeout < 0 {
		return o, fmt.Errorf("%w: durations cannot be negative", ErrInvalidConfig)
	}
	if o.QueryCacheSize == 0 {
		o.QueryCacheSize = 256
	}
	return o, nil
}
