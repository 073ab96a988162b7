// Package usage tracks how often each embedding is retrieved. Increments
// are atomic on the in-memory Embedding and reach the store in batches.
package usage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/events"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/logging"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/model"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/store"
)

// ErrUnknownChunk is returned for chunks the tracker holds no embedding for.
var ErrUnknownChunk = errors.New("unknown chunk")

type entry struct {
	emb *model.Embedding
	// persisted is the usage_count already written to the store.
	persisted atomic.Int64
}

// Options configures a Tracker.
type Options struct {
	// FlushInterval is how often pending usage is written. Default: 5s
	FlushInterval time.Duration
	Publisher     events.Publisher
	Logger        *logging.Logger
	Now           func() time.Time
	// QueryWindow bounds how many recent events SimilarQueries scans. Default: 1000
	QueryWindow int
}

// Stats is a snapshot of one chunk's usage.
type Stats struct {
	ChunkID    string
	Count      int64
	LastUsedAt time.Time
	// Pending is the part of Count not yet flushed to the store.
	Pending int64
}

// QueryMatch is a past query similar to a probe vector.
type QueryMatch struct {
	EventID    string
	Query      string
	Similarity float64
	CreatedAt  time.Time
}

// Tracker owns the live Embedding objects and their usage counters.
type Tracker struct {
	store    store.Store
	pub      events.Publisher
	logger   *logging.Logger
	now      func() time.Time
	interval time.Duration
	window   int

	mu      sync.RWMutex // guards map membership, not counters
	entries map[string]*entry

	flushMu   sync.Mutex
	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New creates a tracker persisting to st.
func New(st store.Store, opts Options) *Tracker {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.QueryWindow <= 0 {
		opts.QueryWindow = 1000
	}
	return &Tracker{
		store:    st,
		pub:      opts.Publisher,
		logger:   opts.Logger.Named("usage"),
		now:      opts.Now,
		interval: opts.FlushInterval,
		window:   opts.QueryWindow,
		entries:  map[string]*entry{},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Load registers every persisted embedding and returns them so callers can
// rebuild in-memory indexes.
func (t *Tracker) Load(ctx context.Context) ([]*model.Embedding, error) {
	embs, err := t.store.LoadEmbeddings(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading embeddings: %w", err)
	}
	for _, e := range embs {
		t.Register(e)
	}
	t.logger.Info(ctx, "usage registry loaded", zap.Int("embeddings", len(embs)))
	return embs, nil
}

// Register starts tracking emb, replacing any previous embedding for the chunk.
func (t *Tracker) Register(emb *model.Embedding) {
	e := &entry{emb: emb}
	e.persisted.Store(emb.Usage().Count)
	t.mu.Lock()
	t.entries[emb.ChunkID] = e
	n := len(t.entries)
	t.mu.Unlock()
	trackedEmbeddings.Set(float64(n))
}

// Remove stops tracking the given chunks. Unflushed usage for them is dropped
// along with the chunks.
func (t *Tracker) Remove(chunkIDs ...string) {
	t.mu.Lock()
	for _, id := range chunkIDs {
		delete(t.entries, id)
	}
	n := len(t.entries)
	t.mu.Unlock()
	trackedEmbeddings.Set(float64(n))
}

// Embedding returns the live embedding for chunkID.
func (t *Tracker) Embedding(chunkID string) (*model.Embedding, bool) {
	t.mu.RLock()
	e, ok := t.entries[chunkID]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.emb, true
}

// Touch records one retrieval of each chunk at time at. Unknown chunks are
// skipped and returned.
func (t *Tracker) Touch(chunkIDs []string, at time.Time) []string {
	var missing []string
	for _, id := range chunkIDs {
		emb, ok := t.Embedding(id)
		if !ok {
			missing = append(missing, id)
			continue
		}
		emb.Touch(at, 1)
		incrementsTotal.Inc()
	}
	return missing
}

// RecordRetrieval touches every returned chunk, appends the event to the log
// and publishes it.
func (t *Tracker) RecordRetrieval(ctx context.Context, ev *model.RetrievalEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = t.now()
	}
	ev.Kind = model.EventRetrieval

	if missing := t.Touch(ev.ChunkIDs(), ev.CreatedAt); len(missing) > 0 {
		t.logger.Warn(ctx, "retrieved chunks without tracked embeddings", zap.Strings("chunk_ids", missing))
	}
	if err := t.store.AppendRetrievalEvent(ctx, ev); err != nil {
		return fmt.Errorf("recording retrieval event: %w", err)
	}
	t.publish(ctx, events.SubjectRetrieval, ev)
	return nil
}

// RecordFeedback applies an explicit signal to chunkID and logs it as a
// feedback event.
func (t *Tracker) RecordFeedback(ctx context.Context, chunkID string, sig Signal) error {
	n, err := sig.increments()
	if err != nil {
		return err
	}
	emb, ok := t.Embedding(chunkID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChunk, chunkID)
	}

	now := t.now()
	if n > 0 {
		emb.Touch(now, n)
		incrementsTotal.Add(float64(n))
	}
	feedbackTotal.WithLabelValues(string(sig.Kind)).Inc()

	ev := &model.RetrievalEvent{
		ID:        uuid.New().String(),
		Kind:      model.EventFeedback,
		Signal:    string(sig.Kind),
		Results:   []model.RetrievalResult{{ChunkID: chunkID, Rank: 1}},
		CreatedAt: now,
	}
	if err := t.store.AppendRetrievalEvent(ctx, ev); err != nil {
		return fmt.Errorf("recording feedback event: %w", err)
	}
	t.publish(ctx, events.SubjectFeedback, ev)
	return nil
}

func (t *Tracker) publish(ctx context.Context, subject string, payload any) {
	if err := t.pub.Publish(ctx, subject, payload); err != nil {
		t.logger.Warn(ctx, "event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Stats returns chunkID's usage.
func (t *Tracker) Stats(chunkID string) (Stats, error) {
	t.mu.RLock()
	e, ok := t.entries[chunkID]
	t.mu.RUnlock()
	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", ErrUnknownChunk, chunkID)
	}
	return statsOf(chunkID, e), nil
}

func statsOf(chunkID string, e *entry) Stats {
	u := e.emb.Usage()
	return Stats{ChunkID: chunkID, Count: u.Count, LastUsedAt: u.LastUsedAt, Pending: u.Count - e.persisted.Load()}
}

// TopChunks returns the n most used chunks, ties by chunk ID.
func (t *Tracker) TopChunks(n int) []Stats {
	t.mu.RLock()
	all := make([]Stats, 0, len(t.entries))
	for id, e := range t.entries {
		if s := statsOf(id, e); s.Count > 0 {
			all = append(all, s)
		}
	}
	t.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].ChunkID < all[j].ChunkID
	})
	if n >= 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// SimilarQueries finds past queries whose embeddings are closest to vector
// by cosine similarity. Repeated query texts are reported once.
func (t *Tracker) SimilarQueries(ctx context.Context, vector []float32, k int) ([]QueryMatch, error) {
	if k <= 0 || len(vector) == 0 {
		return nil, nil
	}
	evs, err := t.store.ListRetrievalEvents(ctx, t.window)
	if err != nil {
		return nil, fmt.Errorf("listing retrieval events: %w", err)
	}

	best := map[string]QueryMatch{}
	for _, ev := range evs {
		if ev.Kind != model.EventRetrieval || len(ev.QueryVector) != len(vector) {
			continue
		}
		sim := cosine(vector, ev.QueryVector)
		if cur, ok := best[ev.Query]; !ok || sim > cur.Similarity {
			best[ev.Query] = QueryMatch{EventID: ev.ID, Query: ev.Query, Similarity: sim, CreatedAt: ev.CreatedAt}
		}
	}
	out := make([]QueryMatch, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Query < out[j].Query
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Flush writes pending usage deltas to the store.
func (t *Tracker) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	type pending struct {
		e     *entry
		count int64
	}
	var (
		deltas []store.UsageDelta
		marks  []pending
	)
	t.mu.RLock()
	for id, e := range t.entries {
		u := e.emb.Usage()
		if d := u.Count - e.persisted.Load(); d > 0 {
			deltas = append(deltas, store.UsageDelta{ChunkID: id, Count: d, LastUsedAt: u.LastUsedAt})
			marks = append(marks, pending{e: e, count: u.Count})
		}
	}
	t.mu.RUnlock()

	if len(deltas) == 0 {
		return nil
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].ChunkID < deltas[j].ChunkID })
	if err := t.store.ApplyUsage(ctx, deltas); err != nil {
		flushErrors.Inc()
		return fmt.Errorf("flushing usage: %w", err)
	}
	for _, m := range marks {
		m.e.persisted.Store(m.count)
	}
	flushSize.Observe(float64(len(deltas)))
	t.logger.Debug(ctx, "flushed usage", zap.Int("embeddings", len(deltas)))
	return nil
}

// Start runs the periodic flush loop until Close.
func (t *Tracker) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		go t.loop(ctx)
	})
}

func (t *Tracker) loop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.Flush(ctx); err != nil {
				t.logger.Warn(ctx, "periodic usage flush failed", zap.Error(err))
			}
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the flush loop and writes remaining usage.
func (t *Tracker) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		close(t.stop)
		started := true
		t.startOnce.Do(func() { started = false })
		if started {
			<-t.done
		}
	})
	return t.Flush(ctx)
}
