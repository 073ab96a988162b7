package vectorindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChromem(t *testing.T, path string) *Chromem {
	t.Helper()
	c, err := NewChromem(ChromemConfig{Path: path, Collection: "chunks", Dimensions: 3}, nil)
	require.NoError(t, err)
	return c
}

func TestChromem_QueryAndFilter(t *testing.T) {
	ctx := context.Background()
	c := newTestChromem(t, "")

	got, err := c.Query(ctx, []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, got, "empty collection")

	require.NoError(t, c.UpsertBatch(ctx, []Entry{
		{ChunkID: "x", Vector: []float32{1, 0, 0}, Metadata: map[string]string{"content_type": "text"}},
		{ChunkID: "y", Vector: []float32{0, 1, 0}, Metadata: map[string]string{"content_type": "text"}},
		{ChunkID: "xy", Vector: []float32{1, 1, 0}, Metadata: map[string]string{"content_type": "image"}},
	}))
	assert.Equal(t, 3, c.Len())

	// k above the collection size is capped
	got, err = c.Query(ctx, []float32{1, 0.1, 0}, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "xy", "y"}, ids(got))
	assert.InDelta(t, 1-got[0].Similarity, got[0].Distance, 1e-6)

	got, err = c.Query(ctx, []float32{1, 0.1, 0}, 3, Filter{"content_type": "text"})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, ids(got))
}

func TestChromem_UpsertReplacesAndDelete(t *testing.T) {
	ctx := context.Background()
	c := newTestChromem(t, "")

	require.NoError(t, c.Upsert(ctx, "a", []float32{1, 0, 0}, nil))
	require.NoError(t, c.Upsert(ctx, "b", []float32{0, 1, 0}, nil))
	require.NoError(t, c.Upsert(ctx, "a", []float32{0, 0, 1}, nil))
	assert.Equal(t, 2, c.Len())

	got, err := c.Query(ctx, []float32{0, 0, 1}, 1, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ChunkID)

	require.NoError(t, c.Delete(ctx, "a"))
	assert.Equal(t, 1, c.Len())
}

func TestChromem_Persistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	c := newTestChromem(t, dir)
	require.NoError(t, c.Upsert(ctx, "kept", []float32{0, 1, 0}, map[string]string{"document_id": "d1"}))
	require.NoError(t, c.Close())

	reopened := newTestChromem(t, dir)
	got, err := reopened.Query(ctx, []float32{0, 1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].ChunkID)
	assert.Equal(t, "d1", got[0].Metadata["document_id"])
}

func TestChromem_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	c := newTestChromem(t, "")
	assert.ErrorIs(t, c.Upsert(ctx, "a", []float32{1}, nil), ErrDimensionMismatch)
	_, err := c.Query(ctx, []float32{1, 2}, 1, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestChromemConfig_Validate(t *testing.T) {
	_, err := NewChromem(ChromemConfig{Dimensions: 3}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewChromem(ChromemConfig{Collection: "c"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
