// Package config provides configuration loading for ragdoll.
//
// Configuration is layered: hardcoded defaults, then an optional YAML file,
// then RAGDOLL_* environment variables. Every section is validated at load
// time so misconfiguration (overlap >= window, weights not summing to one,
// unknown metrics) is fatal at startup and never surfaces at query time.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// weightTolerance is the allowed drift from 1.0 for the ranking weight sum.
const weightTolerance = 1e-6

// Config holds the complete ragdoll configuration.
type Config struct {
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Store       StoreConfig       `koanf:"store"`
	Chunking    ChunkingConfig    `koanf:"chunking"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	VectorIndex VectorIndexConfig `koanf:"vector_index"`
	Lexical     LexicalConfig     `koanf:"lexical"`
	Ranking     RankingConfig     `koanf:"ranking"`
	Ingestion   IngestionConfig   `koanf:"ingestion"`
	Usage       UsageConfig       `koanf:"usage"`
	Events      EventsConfig      `koanf:"events"`
}

// LoggingConfig selects level and encoding for the zap logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry exporter settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	ServiceName string  `koanf:"service_name"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `koanf:"driver"`
	// Path is the SQLite database directory.
	Path string `koanf:"path"`
}

// ChunkingConfig mirrors chunker.Options.
type ChunkingConfig struct {
	MaxTokens      int    `koanf:"max_tokens"`
	OverlapTokens  int    `koanf:"overlap_tokens"`
	Boundary       string `koanf:"boundary"`
	Tolerance      int    `koanf:"tolerance"`
	MinChunkTokens int    `koanf:"min_chunk_tokens"`
	Estimator      string `koanf:"estimator"`
}

// EmbeddingsConfig configures the provider and orchestration layer.
type EmbeddingsConfig struct {
	// Provider is one of: hash, tei, fastembed, openai.
	Provider             string   `koanf:"provider"`
	Model                string   `koanf:"model"`
	BaseURL              string   `koanf:"base_url"`
	APIKey               Secret   `koanf:"api_key"`
	Dimensions           int      `koanf:"dimensions"`
	CacheDir             string   `koanf:"cache_dir"`
	MaxBatchSize         int      `koanf:"max_batch_size"`
	MaxConcurrentBatches int      `koanf:"max_concurrent_batches"`
	MaxRetries           int      `koanf:"max_retries"`
	RetryBackoff         Duration `koanf:"retry_backoff"`
	RequestTimeout       Duration `koanf:"request_timeout"`
	RateLimit            float64  `koanf:"rate_limit"`
}

// VectorIndexConfig selects the similarity index implementation.
type VectorIndexConfig struct {
	// Strategy is one of: flat, ivf, chromem, qdrant.
	Strategy string `koanf:"strategy"`
	// Metric is one of: cosine, l2, dot.
	Metric       string  `koanf:"metric"`
	NList        int     `koanf:"nlist"`
	NProbe       int     `koanf:"nprobe"`
	RetrainRatio float64 `koanf:"retrain_ratio"`
	ChromemPath  string  `koanf:"chromem_path"`
	QdrantHost   string  `koanf:"qdrant_host"`
	QdrantPort   int     `koanf:"qdrant_port"`
	Collection   string  `koanf:"collection"`
	QdrantTLS    bool    `koanf:"qdrant_tls"`
}

// LexicalConfig selects the full-text index implementation.
type LexicalConfig struct {
	// Backend is "memory" or "fts" (SQLite FTS5, requires store.driver=sqlite).
	Backend string  `koanf:"backend"`
	K1      float64 `koanf:"k1"`
	B       float64 `koanf:"b"`
}

// WeightsConfig holds the linear-combination weights for ranking.
type WeightsConfig struct {
	Similarity float64 `koanf:"similarity"`
	Lexical    float64 `koanf:"lexical"`
	Usage      float64 `koanf:"usage"`
	Recency    float64 `koanf:"recency"`
}

// Sum returns the total of all weights.
func (w WeightsConfig) Sum() float64 {
	return w.Similarity + w.Lexical + w.Usage + w.Recency
}

// RankingConfig configures the ranking engine.
type RankingConfig struct {
	Weights             WeightsConfig `koanf:"weights"`
	CandidateMultiplier int           `koanf:"candidate_multiplier"`
	HalfLife            Duration      `koanf:"half_life"`
	VectorTimeout       Duration      `koanf:"vector_timeout"`
	LexicalTimeout      Duration      `koanf:"lexical_timeout"`
	QueryCacheSize      int           `koanf:"query_cache_size"`
}

// IngestionConfig configures the worker pool.
type IngestionConfig struct {
	Workers     int `koanf:"workers"`
	QueueSize   int `koanf:"queue_size"`
	MaxAttempts int `koanf:"max_attempts"`
	// RedactSecrets strips credentials from text before it is chunked.
	RedactSecrets bool `koanf:"redact_secrets"`
	// RedactAllow lists regexps for matches that are left in place.
	RedactAllow []string `koanf:"redact_allow"`
	// IgnoreFiles are gitignore-style files read from each ingested directory.
	IgnoreFiles  []string `koanf:"ignore_files"`
	MaxFileBytes int64    `koanf:"max_file_bytes"`
}

// UsageConfig configures the usage tracker flush loop.
type UsageConfig struct {
	FlushInterval Duration `koanf:"flush_interval"`
}

// EventsConfig configures the retrieval/ingestion event stream.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "ragdoll"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "~/.local/share/ragdoll"
	}

	if cfg.Chunking.MaxTokens == 0 {
		cfg.Chunking.MaxTokens = 256
	}
	if cfg.Chunking.Boundary == "" {
		cfg.Chunking.Boundary = "sentence"
	}
	if cfg.Chunking.Estimator == "" {
		cfg.Chunking.Estimator = "word"
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "hash"
	}
	if cfg.Embeddings.Model == "" {
		switch cfg.Embeddings.Provider {
		case "openai":
			cfg.Embeddings.Model = "text-embedding-3-small"
		default:
			cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
		}
	}
	if cfg.Embeddings.BaseURL == "" && cfg.Embeddings.Provider == "tei" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}
	if cfg.Embeddings.Dimensions == 0 {
		cfg.Embeddings.Dimensions = 384 // bge-small-en-v1.5 dimensions
	}
	if cfg.Embeddings.MaxBatchSize == 0 {
		cfg.Embeddings.MaxBatchSize = 32
	}
	if cfg.Embeddings.MaxConcurrentBatches == 0 {
		cfg.Embeddings.MaxConcurrentBatches = 4
	}
	if cfg.Embeddings.MaxRetries == 0 {
		cfg.Embeddings.MaxRetries = 3
	}
	if cfg.Embeddings.RetryBackoff == 0 {
		cfg.Embeddings.RetryBackoff = Duration(200 * time.Millisecond)
	}
	if cfg.Embeddings.RequestTimeout == 0 {
		cfg.Embeddings.RequestTimeout = Duration(30 * time.Second)
	}

	if cfg.VectorIndex.Strategy == "" {
		cfg.VectorIndex.Strategy = "flat"
	}
	if cfg.VectorIndex.Metric == "" {
		cfg.VectorIndex.Metric = "cosine"
	}
	if cfg.VectorIndex.NList == 0 {
		cfg.VectorIndex.NList = 64
	}
	if cfg.VectorIndex.RetrainRatio == 0 {
		cfg.VectorIndex.RetrainRatio = 0.5
	}
	if cfg.VectorIndex.ChromemPath == "" {
		cfg.VectorIndex.ChromemPath = "~/.local/share/ragdoll/vectors"
	}
	if cfg.VectorIndex.QdrantHost == "" {
		cfg.VectorIndex.QdrantHost = "localhost"
	}
	if cfg.VectorIndex.QdrantPort == 0 {
		cfg.VectorIndex.QdrantPort = 6334
	}
	if cfg.VectorIndex.Collection == "" {
		cfg.VectorIndex.Collection = "ragdoll_chunks"
	}

	if cfg.Lexical.Backend == "" {
		cfg.Lexical.Backend = "memory"
	}
	if cfg.Lexical.K1 == 0 {
		cfg.Lexical.K1 = 1.2
	}
	if cfg.Lexical.B == 0 {
		cfg.Lexical.B = 0.75
	}

	// Weights are only defaulted as a whole; a partial set is validated as-is.
	if cfg.Ranking.Weights == (WeightsConfig{}) {
		cfg.Ranking.Weights = WeightsConfig{Similarity: 0.5, Lexical: 0.3, Usage: 0.1, Recency: 0.1}
	}
	if cfg.Ranking.CandidateMultiplier == 0 {
		cfg.Ranking.CandidateMultiplier = 5
	}
	if cfg.Ranking.HalfLife == 0 {
		cfg.Ranking.HalfLife = Duration(30 * 24 * time.Hour)
	}
	if cfg.Ranking.VectorTimeout == 0 {
		cfg.Ranking.VectorTimeout = Duration(2 * time.Second)
	}
	if cfg.Ranking.LexicalTimeout == 0 {
		cfg.Ranking.LexicalTimeout = Duration(2 * time.Second)
	}
	if cfg.Ranking.QueryCacheSize == 0 {
		cfg.Ranking.QueryCacheSize = 256
	}

	if cfg.Ingestion.Workers == 0 {
		cfg.Ingestion.Workers = 4
	}
	if cfg.Ingestion.QueueSize == 0 {
		cfg.Ingestion.QueueSize = 128
	}
	if cfg.Ingestion.MaxAttempts == 0 {
		cfg.Ingestion.MaxAttempts = 3
	}
	if cfg.Ingestion.IgnoreFiles == nil {
		cfg.Ingestion.IgnoreFiles = []string{".ragdollignore", ".gitignore"}
	}
	if cfg.Ingestion.MaxFileBytes == 0 {
		cfg.Ingestion.MaxFileBytes = 4 << 20
	}

	if cfg.Usage.FlushInterval == 0 {
		cfg.Usage.FlushInterval = Duration(5 * time.Second)
	}

	if cfg.Events.NATSURL == "" {
		cfg.Events.NATSURL = "nats://127.0.0.1:4222"
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "ragdoll"
	}
}

// Validate checks the configuration for errors.
//
// Returns an error wrapping ErrInvalidConfig if:
//   - chunk overlap is not smaller than the window
//   - ranking weights are negative or do not sum to 1
//   - a strategy, metric, provider or backend name is unknown
func (c *Config) Validate() error {
	var problems []string

	if c.Chunking.MaxTokens <= 0 {
		problems = append(problems, fmt.Sprintf("chunking.max_tokens must be positive, got %d", c.Chunking.MaxTokens))
	}
	if c.Chunking.OverlapTokens < 0 {
		problems = append(problems, "chunking.overlap_tokens cannot be negative")
	}
	if c.Chunking.OverlapTokens >= c.Chunking.MaxTokens {
		problems = append(problems, fmt.Sprintf("chunking.overlap_tokens (%d) must be smaller than max_tokens (%d)",
			c.Chunking.OverlapTokens, c.Chunking.MaxTokens))
	}
	if !oneOf(c.Chunking.Boundary, "none", "sentence", "paragraph") {
		problems = append(problems, fmt.Sprintf("chunking.boundary %q unknown", c.Chunking.Boundary))
	}
	if !oneOf(c.Chunking.Estimator, "word", "char") {
		problems = append(problems, fmt.Sprintf("chunking.estimator %q unknown", c.Chunking.Estimator))
	}

	if !oneOf(c.Embeddings.Provider, "hash", "tei", "fastembed", "openai") {
		problems = append(problems, fmt.Sprintf("embeddings.provider %q unknown", c.Embeddings.Provider))
	}
	if c.Embeddings.Dimensions <= 0 {
		problems = append(problems, "embeddings.dimensions must be positive")
	}
	if c.Embeddings.MaxBatchSize <= 0 {
		problems = append(problems, "embeddings.max_batch_size must be positive")
	}
	if c.Embeddings.MaxConcurrentBatches <= 0 {
		problems = append(problems, "embeddings.max_concurrent_batches must be positive")
	}
	if c.Embeddings.Provider == "openai" && !c.Embeddings.APIKey.IsSet() {
		problems = append(problems, "embeddings.api_key required for openai provider")
	}

	if !oneOf(c.VectorIndex.Strategy, "flat", "ivf", "chromem", "qdrant") {
		problems = append(problems, fmt.Sprintf("vector_index.strategy %q unknown", c.VectorIndex.Strategy))
	}
	if !oneOf(c.VectorIndex.Metric, "cosine", "l2", "dot") {
		problems = append(problems, fmt.Sprintf("vector_index.metric %q unknown", c.VectorIndex.Metric))
	}
	if c.VectorIndex.Strategy == "chromem" && c.VectorIndex.Metric != "cosine" {
		problems = append(problems, "vector_index.strategy chromem only supports cosine metric")
	}
	if c.VectorIndex.NList <= 0 {
		problems = append(problems, "vector_index.nlist must be positive")
	}
	if c.VectorIndex.NProbe < 0 || c.VectorIndex.NProbe > c.VectorIndex.NList {
		problems = append(problems, fmt.Sprintf("vector_index.nprobe must be within [0, nlist], got %d", c.VectorIndex.NProbe))
	}

	if !oneOf(c.Lexical.Backend, "memory", "fts") {
		problems = append(problems, fmt.Sprintf("lexical.backend %q unknown", c.Lexical.Backend))
	}
	if c.Lexical.Backend == "fts" && c.Store.Driver != "sqlite" {
		problems = append(problems, "lexical.backend fts requires store.driver sqlite")
	}
	if !oneOf(c.Store.Driver, "sqlite", "memory") {
		problems = append(problems, fmt.Sprintf("store.driver %q unknown", c.Store.Driver))
	}

	w := c.Ranking.Weights
	if w.Similarity < 0 || w.Lexical < 0 || w.Usage < 0 || w.Recency < 0 {
		problems = append(problems, "ranking.weights cannot be negative")
	}
	if math.Abs(w.Sum()-1) > weightTolerance {
		problems = append(problems, fmt.Sprintf("ranking.weights must sum to 1, got %.6f", w.Sum()))
	}
	if c.Ranking.CandidateMultiplier < 2 {
		problems = append(problems, "ranking.candidate_multiplier must be at least 2")
	}
	if c.Ranking.HalfLife.Duration() <= 0 {
		problems = append(problems, "ranking.half_life must be positive")
	}

	if c.Ingestion.Workers <= 0 {
		problems = append(problems, "ingestion.workers must be positive")
	}
	if c.Ingestion.QueueSize <= 0 {
		problems = append(problems, "ingestion.queue_size must be positive")
	}
	if c.Ingestion.MaxFileBytes <= 0 {
		problems = append(problems, "ingestion.max_file_bytes must be positive")
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		problems = append(problems, fmt.Sprintf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
