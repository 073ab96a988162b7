package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the ragdoll config dir.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".config", "ragdoll")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	dir := setupTestHome(t)

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")

	yamlContent := `chunking:
  max_tokens: 128
  overlap_tokens: 16
  boundary: paragraph
ranking:
  half_life: 72h
  weights:
    similarity: 0.4
    lexical: 0.4
    usage: 0.1
    recency: 0.1
vector_index:
  strategy: ivf
  nlist: 16
  nprobe: 4
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 128, cfg.Chunking.MaxTokens)
	assert.Equal(t, 16, cfg.Chunking.OverlapTokens)
	assert.Equal(t, "paragraph", cfg.Chunking.Boundary)
	assert.Equal(t, 72*time.Hour, cfg.Ranking.HalfLife.Duration())
	assert.Equal(t, WeightsConfig{Similarity: 0.4, Lexical: 0.4, Usage: 0.1, Recency: 0.1}, cfg.Ranking.Weights)
	assert.Equal(t, "ivf", cfg.VectorIndex.Strategy)
	assert.Equal(t, 4, cfg.VectorIndex.NProbe)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("vector_index:\n  strategy: flat\n"), 0600))

	t.Setenv("RAGDOLL_VECTOR_INDEX_STRATEGY", "ivf")
	t.Setenv("RAGDOLL_EMBEDDINGS_MAX_BATCH_SIZE", "8")
	t.Setenv("RAGDOLL_EMBEDDINGS_API_KEY", "sk-test")
	t.Setenv("RAGDOLL_UNKNOWN_THING", "ignored")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ivf", cfg.VectorIndex.Strategy)
	assert.Equal(t, 8, cfg.Embeddings.MaxBatchSize)
	assert.Equal(t, "sk-test", cfg.Embeddings.APIKey.Value())
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunking:\n  max_tokens: 4\n  overlap_tokens: 4\n"), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_InsecurePermissions(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: memory\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoad_PathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)

	_, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file must be in")
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"RAGDOLL_RANKING_HALF_LIFE":         "ranking.half_life",
		"RAGDOLL_VECTOR_INDEX_NPROBE":       "vector_index.nprobe",
		"RAGDOLL_EMBEDDINGS_MAX_BATCH_SIZE": "embeddings.max_batch_size",
		"RAGDOLL_NOPE_FIELD":                "",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}
