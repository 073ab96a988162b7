package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/config"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/ingest"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/model"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/query"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/source"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/usage"
)

func TestParseFilters(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]string
		wantErr bool
	}{
		{name: "none", pairs: nil, want: nil},
		{name: "single", pairs: []string{"document_id=policies"}, want: map[string]string{"document_id": "policies"}},
		{name: "value with equals", pairs: []string{"q=a=b"}, want: map[string]string{"q": "a=b"}},
		{name: "trims spaces", pairs: []string{" content_type = audio "}, want: map[string]string{"content_type": "audio"}},
		{name: "missing separator", pairs: []string{"document_id"}, wantErr: true},
		{name: "empty key", pairs: []string{"=x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFilters(tt.pairs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDocumentIDFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"notes.txt", "notes"},
		{"policies/refunds.txt", "policies/refunds"},
		{"report.final.md", "report.final"},
		{"README", "README"},
		{".txt", "default"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, documentIDFromPath(tt.path), tt.path)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hello w...", truncate("hello world!", 10))
	assert.Equal(t, "héllo w...", truncate("héllo wörld!", 10))
}

func TestFormatIndices(t *testing.T) {
	assert.Equal(t, "-", formatIndices(nil))
	assert.Equal(t, "0,3,7", formatIndices([]int{0, 3, 7}))
}

func resetIngestFlags(t *testing.T) {
	t.Helper()
	ingDocumentID, ingUnitID, ingTitle, ingContentType = "", "", "", "text"
	t.Cleanup(func() {
		ingDocumentID, ingUnitID, ingTitle, ingContentType = "", "", "", "text"
	})
}

func TestBuildRequests(t *testing.T) {
	resetIngestFlags(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "alpha.txt")
	b := filepath.Join(dir, "beta.txt")
	require.NoError(t, os.WriteFile(a, []byte("Alpha text."), 0600))
	require.NoError(t, os.WriteFile(b, []byte("Beta text."), 0600))

	reqs, skipped, err := buildRequests(context.Background(), []string{a, b}, nil, source.Options{})
	require.NoError(t, err)
	assert.Empty(t, skipped)
	require.Len(t, reqs, 2)
	assert.Equal(t, ingest.Request{
		DocumentID: "alpha", ContentUnitID: "alpha:text", Title: "alpha.txt",
		Text: "Alpha text.", ContentType: model.ContentText,
	}, reqs[0])
	assert.Equal(t, "beta", reqs[1].DocumentID)
}

func TestBuildRequests_Directory(t *testing.T) {
	resetIngestFlags(t)
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "policies"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policies", "refunds.md"), []byte("Refunds take five days."), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logo.png"), []byte("\x89PNG\r\n\x1a\n\x00"), 0o600))

	reqs, skipped, err := buildRequests(context.Background(), []string{dir}, nil, source.Options{})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "policies/refunds", reqs[0].DocumentID)
	assert.Equal(t, "refunds.md", reqs[0].Title)
	require.Len(t, skipped, 1)
	assert.Equal(t, source.ReasonBinary, skipped[0].Reason)

	ingDocumentID = "handbook"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "faq.txt"), []byte("Questions."), 0o600))
	_, _, err = buildRequests(context.Background(), []string{dir}, nil, source.Options{})
	assert.Error(t, err, "document id with a directory of several files")
}

func TestBuildRequests_Stdin(t *testing.T) {
	resetIngestFlags(t)
	ingDocumentID = "notes"
	ingContentType = "audio"

	reqs, _, err := buildRequests(context.Background(), []string{"-"}, strings.NewReader("Standup transcript."), source.Options{})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "notes:audio", reqs[0].ContentUnitID)
	assert.Equal(t, model.ContentAudio, reqs[0].ContentType)
	assert.Empty(t, reqs[0].Title)
}

func TestBuildRequests_Errors(t *testing.T) {
	ctx := context.Background()
	resetIngestFlags(t)
	_, _, err := buildRequests(ctx, []string{"-"}, strings.NewReader("x"), source.Options{})
	assert.Error(t, err, "stdin needs a document id")

	ingDocumentID = "one"
	_, _, err = buildRequests(ctx, []string{"-", "a.txt"}, strings.NewReader("x"), source.Options{})
	assert.Error(t, err, "stdin with other sources")

	_, _, err = buildRequests(ctx, []string{"a.txt", "b.txt"}, nil, source.Options{})
	assert.Error(t, err, "document id with several files")

	resetIngestFlags(t)
	ingContentType = "video"
	_, _, err = buildRequests(ctx, []string{"a.txt"}, nil, source.Options{})
	assert.ErrorIs(t, err, model.ErrInvalidContent)

	resetIngestFlags(t)
	_, _, err = buildRequests(ctx, []string{filepath.Join(t.TempDir(), "missing.txt")}, nil, source.Options{})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	cfg.Logging.Level = "error"
	cfg.Embeddings.Dimensions = 64
	cfg.Chunking.MaxTokens = 16
	return cfg
}

func TestInitDependencies_SearchAfterIngest(t *testing.T) {
	ctx := context.Background()
	deps, err := initDependencies(ctx, testConfig())
	require.NoError(t, err)
	defer func() { assert.NoError(t, deps.Close(ctx)) }()

	n, failed, err := deps.orch.Ingest(ctx, "pets", "pets:text",
		"The cat sat on the mat. A dog slept by the door.", model.ContentText)
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.Empty(t, failed)

	resp, err := deps.orch.Search(ctx, "cat", 5, nil)
	require.NoError(t, err)
	assert.Equal(t, query.OutcomeOK, resp.Outcome)
	require.NotEmpty(t, resp.Hits)
	assert.Equal(t, "pets", resp.Hits[0].DocumentID)

	var buf bytes.Buffer
	require.NoError(t, printSearch(&buf, resp))
	assert.Contains(t, buf.String(), "SCORE")
	assert.Contains(t, buf.String(), "pets")

	require.NoError(t, deps.orch.RecordFeedback(ctx, resp.Hits[0].ChunkID, usage.Signal{Kind: usage.SignalUpvote}))
	buf.Reset()
	require.NoError(t, printStats(&buf, deps.tracker.TopChunks(1)))
	assert.Contains(t, buf.String(), resp.Hits[0].ChunkID)
}

func TestInitDependencies_RedactsWhenEnabled(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Ingestion.RedactSecrets = true
	deps, err := initDependencies(ctx, cfg)
	require.NoError(t, err)
	defer func() { assert.NoError(t, deps.Close(ctx)) }()

	_, _, err = deps.orch.Ingest(ctx, "runbook", "runbook:text",
		"Deploy with password: hunter2hunter2 and restart.", model.ContentText)
	require.NoError(t, err)

	resp, err := deps.orch.Search(ctx, "deploy", 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Hits)
	for _, h := range resp.Hits {
		assert.NotContains(t, h.Text, "hunter2hunter2")
	}
}

func TestRebuildScope(t *testing.T) {
	tests := []struct {
		strategy, backend string
		want              ingest.RebuildScope
	}{
		{"flat", "memory", ingest.RebuildScope{Vectors: true, Lexical: true}},
		{"ivf", "fts", ingest.RebuildScope{Vectors: true}},
		{"chromem", "memory", ingest.RebuildScope{Lexical: true}},
		{"qdrant", "fts", ingest.RebuildScope{}},
	}
	for _, tt := range tests {
		t.Run(tt.strategy+"/"+tt.backend, func(t *testing.T) {
			cfg := testConfig()
			cfg.VectorIndex.Strategy = tt.strategy
			cfg.Lexical.Backend = tt.backend
			assert.Equal(t, tt.want, rebuildScope(cfg))
		})
	}
}

func TestInitDependencies_RestartKeepsPersistentLexical(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = t.TempDir()
	cfg.Lexical.Backend = "fts"

	first, err := initDependencies(ctx, cfg)
	require.NoError(t, err)
	n, _, err := first.orch.Ingest(ctx, "pets", "pets:text",
		"The cat sat on the mat. A dog slept by the door.", model.ContentText)
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	second, err := initDependencies(ctx, cfg)
	require.NoError(t, err)
	defer func() { assert.NoError(t, second.Close(ctx)) }()

	// The flat index starts empty and is rebuilt; fts rows are already on disk.
	assert.Equal(t, n, second.vectors.Len())
	assert.Equal(t, n, second.lexical.Len())

	resp, err := second.orch.Search(ctx, "cat", 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Hits)
	assert.Equal(t, "pets", resp.Hits[0].DocumentID)
}

func TestInitDependencies_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Lexical.Backend = "fts" // needs the sqlite store
	_, err := initDependencies(context.Background(), cfg)
	assert.Error(t, err)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_IngestSearchStats(t *testing.T) {
	resetIngestFlags(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("RAGDOLL_STORE_DRIVER", "sqlite")
	t.Setenv("RAGDOLL_STORE_PATH", filepath.Join(home, "data"))
	t.Setenv("RAGDOLL_LOGGING_LEVEL", "error")
	t.Cleanup(func() { outputAsJSON = false })

	file := filepath.Join(home, "pets.txt")
	require.NoError(t, os.WriteFile(file, []byte("The cat sat on the mat. A dog slept by the door."), 0600))

	out, err := runCLI(t, "ingest", file)
	require.NoError(t, err, out)
	assert.Contains(t, out, "pets")
	assert.Contains(t, out, "processed")

	// A second run is a separate process in practice; the indexes are
	// rebuilt from the sqlite store.
	out, err = runCLI(t, "search", "cat", "-k", "3", "--json")
	require.NoError(t, err, out)
	var resp query.SearchResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotEmpty(t, resp.Hits)
	assert.Equal(t, "pets", resp.Hits[0].DocumentID)

	out, err = runCLI(t, "stats", "--json")
	require.NoError(t, err, out)
	var stats []usage.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.NotEmpty(t, stats)
	assert.Equal(t, int64(1), stats[0].Count)
}
