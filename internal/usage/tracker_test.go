package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/events"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/model"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/store"
)

var t0 = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

func fixedClock() func() time.Time {
	return func() time.Time { return t0 }
}

// seed stores n chunks with embeddings and returns their IDs.
func seed(t *testing.T, st store.Store, n int) []string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.SaveDocument(ctx, model.NewDocument("doc", "doc", t0)))
	require.NoError(t, st.SaveContentUnit(ctx, &model.ContentUnit{
		ID: "cu", DocumentID: "doc", Type: model.ContentText, Text: "x", ContentHash: model.HashText("x"), CreatedAt: t0,
	}))
	chunks := make([]*model.Chunk, n)
	ids := make([]string, n)
	for i := range chunks {
		ids[i] = fmt.Sprintf("c%02d", i)
		chunks[i] = &model.Chunk{ID: ids[i], DocumentID: "doc", ContentUnitID: "cu", Index: i, Text: ids[i], ContentType: model.ContentText, CreatedAt: t0}
	}
	_, err := st.ReplaceChunks(ctx, "cu", chunks)
	require.NoError(t, err)
	for i, id := range ids {
		require.NoError(t, st.SaveEmbedding(ctx, model.NewEmbedding(id, "hash", []float32{float32(i), 1}, t0)))
	}
	return ids
}

func newTracker(t *testing.T, n int, opts Options) (*Tracker, *store.Memory, []string) {
	t.Helper()
	st := store.NewMemory()
	ids := seed(t, st, n)
	if opts.Now == nil {
		opts.Now = fixedClock()
	}
	tr := New(st, opts)
	_, err := tr.Load(context.Background())
	require.NoError(t, err)
	return tr, st, ids
}

func persisted(t *testing.T, st store.Store, chunkID string) model.Usage {
	t.Helper()
	embs, err := st.LoadEmbeddings(context.Background())
	require.NoError(t, err)
	for _, e := range embs {
		if e.ChunkID == chunkID {
			return e.Usage()
		}
	}
	t.Fatalf("embedding %s not found", chunkID)
	return model.Usage{}
}

func TestTracker_ConcurrentTouchesAreNotLost(t *testing.T) {
	tr, _, ids := newTracker(t, 3, Options{})

	const workers, perWorker = 16, 250
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				tr.Touch([]string{ids[0], ids[w%2+1]}, t0.Add(time.Duration(i)*time.Millisecond))
			}
		}(w)
	}
	wg.Wait()

	s, err := tr.Stats(ids[0])
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), s.Count)
	assert.Equal(t, t0.Add(time.Duration(perWorker-1)*time.Millisecond), s.LastUsedAt.UTC())

	s1, _ := tr.Stats(ids[1])
	s2, _ := tr.Stats(ids[2])
	assert.Equal(t, int64(workers*perWorker), s1.Count+s2.Count)
}

func TestTracker_TouchUnknownChunk(t *testing.T) {
	tr, _, ids := newTracker(t, 1, Options{})
	missing := tr.Touch([]string{ids[0], "ghost"}, t0)
	assert.Equal(t, []string{"ghost"}, missing)

	_, err := tr.Stats("ghost")
	assert.ErrorIs(t, err, ErrUnknownChunk)
}

func TestTracker_FlushWritesDeltas(t *testing.T) {
	ctx := context.Background()
	tr, st, ids := newTracker(t, 2, Options{})

	tr.Touch([]string{ids[0], ids[0], ids[1]}, t0)
	s, _ := tr.Stats(ids[0])
	assert.Equal(t, int64(2), s.Pending)

	require.NoError(t, tr.Flush(ctx))
	assert.Equal(t, int64(2), persisted(t, st, ids[0]).Count)
	assert.Equal(t, int64(1), persisted(t, st, ids[1]).Count)

	s, _ = tr.Stats(ids[0])
	assert.Equal(t, int64(0), s.Pending)

	// A second flush with nothing new must not double count.
	require.NoError(t, tr.Flush(ctx))
	assert.Equal(t, int64(2), persisted(t, st, ids[0]).Count)

	tr.Touch([]string{ids[0]}, t0.Add(time.Hour))
	require.NoError(t, tr.Close(ctx))
	u := persisted(t, st, ids[0])
	assert.Equal(t, int64(3), u.Count)
	assert.Equal(t, t0.Add(time.Hour), u.LastUsedAt.UTC())
}

func TestTracker_LoadRestoresPersistedUsage(t *testing.T) {
	ctx := context.Background()
	tr, st, ids := newTracker(t, 1, Options{})
	tr.Touch([]string{ids[0], ids[0]}, t0)
	require.NoError(t, tr.Close(ctx))

	again := New(st, Options{Now: fixedClock()})
	_, err := again.Load(ctx)
	require.NoError(t, err)
	s, err := again.Stats(ids[0])
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.Count)
	assert.Equal(t, int64(0), s.Pending)
}

type failingStore struct {
	store.Store
	fail bool
}

func (f *failingStore) ApplyUsage(ctx context.Context, d []store.UsageDelta) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Store.ApplyUsage(ctx, d)
}

func TestTracker_FailedFlushKeepsPending(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	ids := seed(t, mem, 1)
	fs := &failingStore{Store: mem, fail: true}
	tr := New(fs, Options{Now: fixedClock()})
	_, err := tr.Load(ctx)
	require.NoError(t, err)

	tr.Touch(ids, t0)
	require.Error(t, tr.Flush(ctx))
	s, _ := tr.Stats(ids[0])
	assert.Equal(t, int64(1), s.Pending)

	fs.fail = false
	require.NoError(t, tr.Flush(ctx))
	assert.Equal(t, int64(1), persisted(t, mem, ids[0]).Count)
}

func TestTracker_PeriodicFlush(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr, st, ids := newTracker(t, 1, Options{FlushInterval: 10 * time.Millisecond})
	tr.Start(ctx)
	tr.Touch(ids, t0)

	assert.Eventually(t, func() bool {
		return persisted(t, st, ids[0]).Count == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, tr.Close(ctx))
}

func TestTracker_RecordRetrieval(t *testing.T) {
	ctx := context.Background()
	rec := &events.Recorder{}
	tr, st, ids := newTracker(t, 2, Options{Publisher: rec})

	ev := &model.RetrievalEvent{
		Query:       "what is rag",
		QueryVector: []float32{1, 0},
		Results:     []model.RetrievalResult{{ChunkID: ids[1], Rank: 1}, {ChunkID: ids[0], Rank: 2}},
	}
	require.NoError(t, tr.RecordRetrieval(ctx, ev))
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, t0, ev.CreatedAt)

	for _, id := range ids {
		s, err := tr.Stats(id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), s.Count)
		assert.Equal(t, t0, s.LastUsedAt.UTC())
	}

	logged, err := st.ListRetrievalEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, model.EventRetrieval, logged[0].Kind)
	assert.Equal(t, []string{ids[1], ids[0]}, logged[0].ChunkIDs())

	msgs := rec.Messages(events.SubjectRetrieval)
	require.Len(t, msgs, 1)
	var got model.RetrievalEvent
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "what is rag", got.Query)
}

func TestTracker_RecordFeedback(t *testing.T) {
	ctx := context.Background()
	rec := &events.Recorder{}
	tr, st, ids := newTracker(t, 1, Options{Publisher: rec})

	require.NoError(t, tr.RecordFeedback(ctx, ids[0], Signal{Kind: SignalClick}))
	require.NoError(t, tr.RecordFeedback(ctx, ids[0], Signal{Kind: SignalUpvote, Weight: 3}))
	require.NoError(t, tr.RecordFeedback(ctx, ids[0], Signal{Kind: SignalDownvote}))

	s, _ := tr.Stats(ids[0])
	assert.Equal(t, int64(4), s.Count, "downvotes never lower usage")

	err := tr.RecordFeedback(ctx, ids[0], Signal{Kind: "shrug"})
	assert.ErrorIs(t, err, ErrInvalidSignal)
	err = tr.RecordFeedback(ctx, ids[0], Signal{Kind: SignalUpvote, Weight: -1})
	assert.ErrorIs(t, err, ErrInvalidSignal)
	err = tr.RecordFeedback(ctx, "ghost", Signal{Kind: SignalClick})
	assert.ErrorIs(t, err, ErrUnknownChunk)

	logged, err := st.ListRetrievalEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logged, 3)
	for _, ev := range logged {
		assert.Equal(t, model.EventFeedback, ev.Kind)
		assert.Equal(t, []string{ids[0]}, ev.ChunkIDs())
	}
	assert.Len(t, rec.Messages(events.SubjectFeedback), 3)
}

func TestParseSignal(t *testing.T) {
	k, err := ParseSignal("upvote")
	require.NoError(t, err)
	assert.Equal(t, SignalUpvote, k)

	_, err = ParseSignal("meh")
	assert.ErrorIs(t, err, ErrInvalidSignal)
}

func TestTracker_TopChunks(t *testing.T) {
	tr, _, ids := newTracker(t, 4, Options{})
	tr.Touch([]string{ids[2], ids[2], ids[2], ids[0], ids[1], ids[1], ids[0]}, t0)

	top := tr.TopChunks(3)
	require.Len(t, top, 3)
	assert.Equal(t, ids[2], top[0].ChunkID)
	assert.Equal(t, int64(3), top[0].Count)
	// ids[0] and ids[1] tie on count and order by chunk ID.
	assert.Equal(t, ids[0], top[1].ChunkID)
	assert.Equal(t, ids[1], top[2].ChunkID)

	assert.Len(t, tr.TopChunks(10), 3, "unused chunks are omitted")
}

func TestTracker_RemoveStopsTracking(t *testing.T) {
	tr, _, ids := newTracker(t, 2, Options{})
	tr.Remove(ids[0])
	_, ok := tr.Embedding(ids[0])
	assert.False(t, ok)
	_, ok = tr.Embedding(ids[1])
	assert.True(t, ok)
}

func TestTracker_SimilarQueries(t *testing.T) {
	ctx := context.Background()
	tr, _, ids := newTracker(t, 1, Options{})

	record := func(q string, v []float32) {
		require.NoError(t, tr.RecordRetrieval(ctx, &model.RetrievalEvent{
			Query: q, QueryVector: v, Results: []model.RetrievalResult{{ChunkID: ids[0], Rank: 1}},
		}))
	}
	record("golang channels", []float32{1, 0})
	record("go channels", []float32{0.9, 0.1})
	record("cooking pasta", []float32{0, 1})
	record("golang channels", []float32{1, 0})
	require.NoError(t, tr.RecordFeedback(ctx, ids[0], Signal{Kind: SignalClick}))

	got, err := tr.SimilarQueries(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "golang channels", got[0].Query)
	assert.InDelta(t, 1.0, got[0].Similarity, 1e-9)
	assert.Equal(t, "go channels", got[1].Query)

	got, err = tr.SimilarQueries(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	assert.Empty(t, got, "vectors of other dimensions are skipped")
}
