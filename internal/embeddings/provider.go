package embeddings

import (
	"context"
	"fmt"
	"strings"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/config"
)

// Provider is one embedding backend. Implementations classify failures as
// *ProviderError and must not retry, batch or normalize on their own.
type Provider interface {
	// Name identifies the backend in logs, metrics and errors.
	Name() string
	// Model is the model tag stored alongside every vector.
	Model() string
	// Embed returns one vector per text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// MaxBatchSize is the largest batch the backend accepts.
	MaxBatchSize() int
	// Dimensions is the vector length the model produces.
	Dimensions() int
	// SupportsBatch reports whether Embed accepts more than one text per call.
	SupportsBatch() bool
}

// NewProvider creates the provider named in cfg.Provider.
func NewProvider(cfg config.EmbeddingsConfig) (Provider, error) {
	switch cfg.Provider {
	case "hash", "":
		return NewHashProvider(cfg.Dimensions), nil
	case "tei":
		p, err := NewTEIProvider(TEIConfig{
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			APIKey:     cfg.APIKey.Value(),
			Dimensions: dimensionsFor(cfg.Model, cfg.Dimensions),
			BatchSize:  cfg.MaxBatchSize,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "fastembed":
		p, err := NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "openai":
		p, err := NewOpenAIProvider(OpenAIConfig{
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			APIKey:     cfg.APIKey.Value(),
			Dimensions: cfg.Dimensions,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// dimensionsFor prefers known model dimensions over the configured fallback.
func dimensionsFor(model string, fallback int) int {
	if dim, ok := knownModelDimensions[model]; ok {
		return dim
	}
	switch {
	case strings.Contains(model, "large"):
		return 1024
	case strings.Contains(model, "base"):
		return 768
	}
	if fallback > 0 {
		return fallback
	}
	return 384
}

var knownModelDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-small-zh-v1.5":                 512,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"text-embedding-3-small":                 1536,
	"text-embedding-3-large":                 3072,
	"text-embedding-ada-002":                 1536,
}
