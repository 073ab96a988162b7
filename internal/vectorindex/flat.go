package vectorindex

import (
	"context"
	"sync"
	"sync/atomic"
)

// flatSnapshot is immutable once published.
type flatSnapshot struct {
	ids     []string
	vectors [][]float32
	meta    []map[string]string
	pos     map[string]int
}

func (s *flatSnapshot) clone(extra int) *flatSnapshot {
	n := len(s.ids)
	out := &flatSnapshot{
		ids:     make([]string, n, n+extra),
		vectors: make([][]float32, n, n+extra),
		meta:    make([]map[string]string, n, n+extra),
		pos:     make(map[string]int, n+extra),
	}
	copy(out.ids, s.ids)
	copy(out.vectors, s.vectors)
	copy(out.meta, s.meta)
	for k, v := range s.pos {
		out.pos[k] = v
	}
	return out
}

func (s *flatSnapshot) put(e Entry, metric Metric) {
	vec := prepare(metric, e.Vector)
	if i, ok := s.pos[e.ChunkID]; ok {
		s.vectors[i] = vec
		s.meta[i] = copyMetadata(e.Metadata)
		return
	}
	s.pos[e.ChunkID] = len(s.ids)
	s.ids = append(s.ids, e.ChunkID)
	s.vectors = append(s.vectors, vec)
	s.meta = append(s.meta, copyMetadata(e.Metadata))
}

// remove swaps the last entry into the hole.
func (s *flatSnapshot) remove(id string) bool {
	i, ok := s.pos[id]
	if !ok {
		return false
	}
	last := len(s.ids) - 1
	if i != last {
		s.ids[i] = s.ids[last]
		s.vectors[i] = s.vectors[last]
		s.meta[i] = s.meta[last]
		s.pos[s.ids[i]] = i
	}
	s.ids = s.ids[:last]
	s.vectors = s.vectors[:last]
	s.meta = s.meta[:last]
	delete(s.pos, id)
	return true
}

// Flat is an exact index that scans every vector on each query.
type Flat struct {
	dims   int
	metric Metric

	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[flatSnapshot]
}

// NewFlat creates an empty exact index.
func NewFlat(dims int, metric Metric) (*Flat, error) {
	if dims <= 0 {
		return nil, ErrInvalidConfig
	}
	if _, err := ParseMetric(string(metric)); err != nil {
		return nil, err
	}
	f := &Flat{dims: dims, metric: metric}
	f.snap.Store(&flatSnapshot{pos: map[string]int{}})
	return f, nil
}

func (f *Flat) Upsert(ctx context.Context, chunkID string, vector []float32, metadata map[string]string) error {
	return f.UpsertBatch(ctx, []Entry{{ChunkID: chunkID, Vector: vector, Metadata: metadata}})
}

func (f *Flat) UpsertBatch(_ context.Context, entries []Entry) error {
	if err := checkEntries(f.dims, entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	next := f.snap.Load().clone(len(entries))
	for _, e := range entries {
		next.put(e, f.metric)
	}
	f.snap.Store(next)
	return nil
}

func (f *Flat) Query(ctx context.Context, vector []float32, k int, filter Filter, _ ...QueryOption) ([]Candidate, error) {
	if err := checkDims(f.dims, vector); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	q := prepare(f.metric, vector)
	s := f.snap.Load()
	top := newTopK(k)
	for i, id := range s.ids {
		if i%1024 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !filter.Matches(s.meta[i]) {
			continue
		}
		d := distance(f.metric, q, s.vectors[i])
		top.offer(Candidate{ChunkID: id, Distance: d, Similarity: similarity(f.metric, d), Metadata: s.meta[i]})
	}
	return top.sorted(), nil
}

func (f *Flat) Delete(_ context.Context, chunkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur := f.snap.Load()
	if _, ok := cur.pos[chunkID]; !ok {
		return nil
	}
	next := cur.clone(0)
	next.remove(chunkID)
	f.snap.Store(next)
	return nil
}

func (f *Flat) Dimensions() int { return f.dims }
func (f *Flat) Metric() Metric  { return f.metric }
func (f *Flat) Len() int        { return len(f.snap.Load().ids) }
func (f *Flat) Close() error    { return nil }
