package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 256, cfg.Chunking.MaxTokens)
	assert.Equal(t, "sentence", cfg.Chunking.Boundary)
	assert.Equal(t, "flat", cfg.VectorIndex.Strategy)
	assert.Equal(t, "cosine", cfg.VectorIndex.Metric)
	assert.Equal(t, 5, cfg.Ranking.CandidateMultiplier)
	assert.Equal(t, 30*24*time.Hour, cfg.Ranking.HalfLife.Duration())
	assert.InDelta(t, 1.0, cfg.Ranking.Weights.Sum(), 1e-9)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "overlap equal to window",
			mutate:  func(c *Config) { c.Chunking.MaxTokens = 10; c.Chunking.OverlapTokens = 10 },
			wantErr: "overlap_tokens (10) must be smaller than max_tokens (10)",
		},
		{
			name: "weights not summing to one",
			mutate: func(c *Config) {
				c.Ranking.Weights = WeightsConfig{Similarity: 0.5, Lexical: 0.5, Usage: 0.5}
			},
			wantErr: "ranking.weights must sum to 1",
		},
		{
			name: "negative weight",
			mutate: func(c *Config) {
				c.Ranking.Weights = WeightsConfig{Similarity: 1.2, Lexical: -0.2}
			},
			wantErr: "cannot be negative",
		},
		{
			name:    "unknown metric",
			mutate:  func(c *Config) { c.VectorIndex.Metric = "manhattan" },
			wantErr: "vector_index.metric",
		},
		{
			name: "chromem with l2",
			mutate: func(c *Config) {
				c.VectorIndex.Strategy = "chromem"
				c.VectorIndex.Metric = "l2"
			},
			wantErr: "only supports cosine",
		},
		{
			name:    "nprobe above nlist",
			mutate:  func(c *Config) { c.VectorIndex.NList = 4; c.VectorIndex.NProbe = 8 },
			wantErr: "nprobe",
		},
		{
			name: "fts without sqlite",
			mutate: func(c *Config) {
				c.Lexical.Backend = "fts"
				c.Store.Driver = "memory"
			},
			wantErr: "requires store.driver sqlite",
		},
		{
			name:    "zero file size limit",
			mutate:  func(c *Config) { c.Ingestion.MaxFileBytes = -1 },
			wantErr: "max_file_bytes",
		},
		{
			name:    "openai without key",
			mutate:  func(c *Config) { c.Embeddings.Provider = "openai" },
			wantErr: "api_key required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyDefaults_PartialWeightsKept(t *testing.T) {
	cfg := &Config{}
	cfg.Ranking.Weights = WeightsConfig{Similarity: 0.5, Lexical: 0.5}
	applyDefaults(cfg)

	assert.Equal(t, WeightsConfig{Similarity: 0.5, Lexical: 0.5}, cfg.Ranking.Weights)
	require.NoError(t, cfg.Validate())
}

func TestSecret(t *testing.T) {
	s := Secret("sk-live-123")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "Secret([REDACTED])", s.GoString())
	assert.Equal(t, "sk-live-123", s.Value())
	assert.True(t, s.IsSet())

	data, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(data))

	assert.False(t, Secret("").IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.NoError(t, d.UnmarshalText([]byte("30d")))
	assert.Equal(t, 30*24*time.Hour, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("-2d")))
	assert.Error(t, d.UnmarshalText([]byte("fewd")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
