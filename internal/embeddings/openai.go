package embeddings

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIConfig configures an OpenAI-compatible embeddings endpoint.
type OpenAIConfig struct {
	// BaseURL overrides the API root for compatible servers; empty uses OpenAI.
	BaseURL    string
	Model      string
	APIKey     string
	Dimensions int
}

// OpenAIProvider embeds through langchaingo's OpenAI client.
type OpenAIProvider struct {
	llm        *openai.LLM
	model      string
	dimensions int
}

// NewOpenAIProvider creates an OpenAI-compatible provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key required", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}

	opts := []openai.Option{
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	return &OpenAIProvider{
		llm:        llm,
		model:      cfg.Model,
		dimensions: dimensionsFor(cfg.Model, cfg.Dimensions),
	}, nil
}

func (p *OpenAIProvider) Name() string        { return "openai" }
func (p *OpenAIProvider) Model() string       { return p.model }
func (p *OpenAIProvider) MaxBatchSize() int   { return 2048 }
func (p *OpenAIProvider) Dimensions() int     { return p.dimensions }
func (p *OpenAIProvider) SupportsBatch() bool { return true }

// Embed calls the embeddings endpoint. SDK errors are unstructured, so the
// kind is inferred from the message.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := p.llm.CreateEmbedding(ctx, texts)
	if err != nil {
		return nil, classifyMessage(p.Name(), err)
	}
	return vectors, nil
}
