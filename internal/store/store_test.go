package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/config"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// backends runs fn against every Store implementation.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLite(context.Background(), MemoryPath)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func seedUnit(t *testing.T, s Store, docID, unitID string, n int) []*model.Chunk {
	t.Helper()
	ctx := context.Background()
	if _, err := s.GetDocument(ctx, docID); err != nil {
		require.NoError(t, s.SaveDocument(ctx, model.NewDocument(docID, "title "+docID, t0)))
	}
	require.NoError(t, s.SaveContentUnit(ctx, &model.ContentUnit{
		ID: unitID, DocumentID: docID, Type: model.ContentText, Text: "body", ContentHash: model.HashText("body"), CreatedAt: t0,
	}))
	chunks := make([]*model.Chunk, n)
	for i := range chunks {
		chunks[i] = &model.Chunk{
			ID: fmt.Sprintf("%s-c%d", unitID, i), DocumentID: docID, ContentUnitID: unitID, Index: i,
			StartOffset: i * 10, EndOffset: i*10 + 9, StartToken: i * 2, EndToken: i*2 + 2,
			Text: fmt.Sprintf("chunk %d", i), ContentType: model.ContentText,
			Metadata: map[string]string{"document_id": docID}, CreatedAt: t0,
		}
	}
	_, err := s.ReplaceChunks(ctx, unitID, chunks)
	require.NoError(t, err)
	for _, c := range chunks {
		require.NoError(t, s.SaveEmbedding(ctx, model.NewEmbedding(c.ID, "hash", []float32{float32(c.Index), 0.5}, t0)))
	}
	return chunks
}

func TestStore_DocumentLifecycle(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		doc := model.NewDocument("d1", "Report", t0)
		doc.Metadata["author"] = "kim"
		require.NoError(t, s.SaveDocument(ctx, doc))

		got, err := s.GetDocument(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, "Report", got.Title)
		assert.Equal(t, model.StatusPending, got.Status)
		assert.Equal(t, "kim", got.Metadata["author"])
		assert.True(t, got.CreatedAt.Equal(t0))

		require.NoError(t, doc.Transition(model.StatusProcessing, t0.Add(time.Second)))
		require.NoError(t, doc.Transition(model.StatusFailed, t0.Add(2*time.Second)))
		doc.SetFailedChunks("u1", []int{3, 1})
		require.NoError(t, s.UpdateDocumentStatus(ctx, doc))

		got, err = s.GetDocument(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, got.Status)
		assert.Equal(t, []int{1, 3}, got.FailedChunks["u1"])
		assert.True(t, got.ModifiedAt.Equal(t0.Add(2*time.Second)))

		_, err = s.GetDocument(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.UpdateDocumentStatus(ctx, model.NewDocument("nope", "", t0)), ErrNotFound)
	})
}

func TestStore_ContentUnitsRoundTripTypeMeta(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveDocument(ctx, model.NewDocument("d1", "", t0)))
		img := &model.ContentUnit{
			ID: "u-img", DocumentID: "d1", Type: model.ContentImage, Text: "a red barn",
			Image: &model.ImageMeta{Width: 640, Height: 480, Source: "barn.png"}, CreatedAt: t0,
		}
		audio := &model.ContentUnit{
			ID: "u-audio", DocumentID: "d1", Type: model.ContentAudio, Text: "hello there",
			Audio: &model.AudioMeta{DurationSeconds: 12.5, Language: "en"}, CreatedAt: t0.Add(time.Second),
		}
		require.NoError(t, s.SaveContentUnit(ctx, img))
		require.NoError(t, s.SaveContentUnit(ctx, audio))

		got, err := s.GetContentUnit(ctx, "u-img")
		require.NoError(t, err)
		assert.Equal(t, img.Image, got.Image)
		assert.Nil(t, got.Audio)

		units, err := s.ListContentUnits(ctx, "d1")
		require.NoError(t, err)
		require.Len(t, units, 2)
		assert.Equal(t, "u-img", units[0].ID)
		assert.Equal(t, audio.Audio, units[1].Audio)

		_, err = s.GetContentUnit(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ReplaceChunks(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first := seedUnit(t, s, "d1", "u1", 3)

		listed, err := s.ListChunks(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, listed, 3)
		assert.Equal(t, first[2].Text, listed[2].Text)
		assert.Equal(t, "d1", listed[0].Metadata["document_id"])

		next := []*model.Chunk{{ID: "new-0", DocumentID: "d1", ContentUnitID: "u1", Index: 0, Text: "fresh", ContentType: model.ContentText, CreatedAt: t0}}
		replaced, err := s.ReplaceChunks(ctx, "u1", next)
		require.NoError(t, err)
		assert.Equal(t, []string{"u1-c0", "u1-c1", "u1-c2"}, replaced)

		got, err := s.GetChunks(ctx, []string{"u1-c0", "new-0"})
		require.NoError(t, err)
		assert.Len(t, got, 1)
		assert.Equal(t, "fresh", got["new-0"].Text)

		// embeddings of replaced chunks are gone
		embs, err := s.LoadEmbeddings(ctx)
		require.NoError(t, err)
		assert.Empty(t, embs)

		_, err = s.ReplaceChunks(ctx, "u1", []*model.Chunk{{ID: "x", DocumentID: "d1", ContentUnitID: "other", Text: "x", CreatedAt: t0}})
		assert.Error(t, err)
	})
}

func TestStore_EmbeddingsAndUsage(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedUnit(t, s, "d1", "u1", 2)

		later := t0.Add(time.Hour)
		require.NoError(t, s.ApplyUsage(ctx, []UsageDelta{
			{ChunkID: "u1-c0", Count: 3, LastUsedAt: later},
			{ChunkID: "u1-c0", Count: 2, LastUsedAt: t0}, // older timestamp must not rewind
			{ChunkID: "deleted-chunk", Count: 1, LastUsedAt: later},
		}))

		embs, err := s.LoadEmbeddings(ctx)
		require.NoError(t, err)
		require.Len(t, embs, 2)
		assert.Equal(t, "u1-c0", embs[0].ChunkID)
		assert.Equal(t, []float32{0, 0.5}, embs[0].Vector)
		assert.Equal(t, 2, embs[0].Dimensions)
		u := embs[0].Usage()
		assert.Equal(t, int64(5), u.Count)
		assert.True(t, u.LastUsedAt.Equal(later))
		assert.False(t, embs[1].Usage().Used())

		// re-saving an embedding keeps its counters
		require.NoError(t, s.SaveEmbedding(ctx, model.NewEmbedding("u1-c0", "hash", []float32{9, 9}, t0)))
		embs, err = s.LoadEmbeddings(ctx)
		require.NoError(t, err)
		assert.Equal(t, []float32{9, 9}, embs[0].Vector)
		assert.Equal(t, int64(5), embs[0].Usage().Count)

		assert.Error(t, s.ApplyUsage(ctx, []UsageDelta{{ChunkID: "u1-c0", Count: -1}}))
	})
}

func TestStore_RetrievalEvents(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			require.NoError(t, s.AppendRetrievalEvent(ctx, &model.RetrievalEvent{
				ID: fmt.Sprintf("e%d", i), Kind: model.EventRetrieval, Query: fmt.Sprintf("q%d", i),
				QueryVector: []float32{float32(i), 1},
				Filters:     map[string]string{"content_type": "text"},
				Results: []model.RetrievalResult{
					{ChunkID: "c1", Rank: 1, Score: 0.9, Similarity: 0.8, Lexical: 1, Usage: 0.1, Recency: 0.5},
					{ChunkID: "c2", Rank: 2, Score: 0.4},
				},
				Degraded:  i == 2,
				Duration:  time.Duration(i) * time.Millisecond,
				CreatedAt: t0.Add(time.Duration(i) * time.Minute),
			}))
		}
		require.NoError(t, s.AppendRetrievalEvent(ctx, &model.RetrievalEvent{
			ID: "f1", Kind: model.EventFeedback, Signal: "upvote",
			Results: []model.RetrievalResult{{ChunkID: "c1", Rank: 1}}, CreatedAt: t0.Add(time.Hour),
		}))
		assert.Error(t, s.AppendRetrievalEvent(ctx, &model.RetrievalEvent{ID: "e0", Kind: model.EventRetrieval, CreatedAt: t0}))

		events, err := s.ListRetrievalEvents(ctx, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "f1", events[0].ID)
		assert.Equal(t, "upvote", events[0].Signal)
		assert.Equal(t, "e2", events[1].ID)
		assert.True(t, events[1].Degraded)
		assert.Equal(t, []float32{2, 1}, events[1].QueryVector)
		assert.Equal(t, "text", events[1].Filters["content_type"])
		assert.Equal(t, []string{"c1", "c2"}, events[1].ChunkIDs())
		assert.InDelta(t, 0.8, events[1].Results[0].Similarity, 1e-9)
		assert.Equal(t, 2*time.Millisecond, events[1].Duration)

		all, err := s.ListRetrievalEvents(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})
}

func TestStore_DeleteDocumentCascades(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedUnit(t, s, "d1", "u1", 2)
		seedUnit(t, s, "d1", "u2", 1)
		seedUnit(t, s, "d2", "u3", 1)

		removed, err := s.DeleteDocument(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, []string{"u1-c0", "u1-c1", "u2-c0"}, removed)

		units, err := s.ListContentUnits(ctx, "d1")
		require.NoError(t, err)
		assert.Empty(t, units)
		embs, err := s.LoadEmbeddings(ctx)
		require.NoError(t, err)
		require.Len(t, embs, 1)
		assert.Equal(t, "u3-c0", embs[0].ChunkID)

		_, err = s.DeleteDocument(ctx, "d1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "ragdoll.db")

	s, err := NewSQLite(ctx, path)
	require.NoError(t, err)
	seedUnit(t, s, "d1", "u1", 1)
	require.NoError(t, s.Close())

	s, err = NewSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	embs, err := s.LoadEmbeddings(ctx)
	require.NoError(t, err)
	assert.Len(t, embs, 1)

	var version int
	require.NoError(t, s.DB().QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version))
	assert.Equal(t, 1, version)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(ctx, config.StoreConfig{Driver: "sqlite", Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.StoreConfig{Driver: "postgres"})
	assert.Error(t, err)
}

func TestFloat32Blob(t *testing.T) {
	in := []float32{0, -1.5, 3.25, 1e-7}
	assert.Equal(t, in, bytesToFloat32Slice(float32SliceToBytes(in)))
	assert.Nil(t, float32SliceToBytes(nil))
}
