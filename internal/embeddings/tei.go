package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const teiMaxErrorBody = 4096

// TEIConfig configures a Text Embeddings Inference endpoint.
type TEIConfig struct {
	// BaseURL is the base URL for the embedding API
	BaseURL string
	// Model is the model tag recorded with vectors
	Model string
	// APIKey is sent as a bearer token when set (optional for TEI)
	APIKey     string
	Dimensions int
	// BatchSize caps inputs per request; TEI defaults to 32.
	BatchSize  int
	HTTPClient *http.Client
}

// Validate validates the configuration.
func (c TEIConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Dimensions <= 0 {
		return fmt.Errorf("%w: dimensions must be positive", ErrInvalidConfig)
	}
	return nil
}

// TEIProvider calls the TEI /embed endpoint over HTTP.
type TEIProvider struct {
	config TEIConfig
	client *http.Client
}

// NewTEIProvider creates a TEI provider.
func NewTEIProvider(cfg TEIConfig) (*TEIProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &TEIProvider{config: cfg, client: client}, nil
}

func (p *TEIProvider) Name() string        { return "tei" }
func (p *TEIProvider) Model() string       { return p.config.Model }
func (p *TEIProvider) MaxBatchSize() int   { return p.config.BatchSize }
func (p *TEIProvider) Dimensions() int     { return p.config.Dimensions }
func (p *TEIProvider) SupportsBatch() bool { return true }

// teiRequest is the request body for TEI embed endpoint.
type teiRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

// Embed posts texts to /embed. Truncation is left off so over-long inputs
// surface as InvalidInput instead of being silently cut.
func (p *TEIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, NewProviderError(p.Name(), KindInvalidInput, ErrEmptyInput)
	}

	body, err := json.Marshal(teiRequest{Inputs: texts})
	if err != nil {
		return nil, NewProviderError(p.Name(), KindInvalidInput, fmt.Errorf("marshaling request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError(p.Name(), KindTransient, fmt.Errorf("creating request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewProviderError(p.Name(), KindTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, teiMaxErrorBody))
		return nil, classifyStatus(p.Name(), resp.StatusCode, string(respBody), resp.Header)
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, NewProviderError(p.Name(), KindTransient, fmt.Errorf("decoding response: %w", err))
	}
	return vectors, nil
}
