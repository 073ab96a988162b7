package lexical

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

type memDoc struct {
	terms  map[string]int
	length int
	meta   map[string]string
}

// memSnapshot is immutable once published. Writers copy the outer maps
// and only the posting lists they touch.
type memSnapshot struct {
	docs     map[string]*memDoc
	postings map[string]map[string]int // term -> chunk -> tf
	totalLen int
}

func (s *memSnapshot) avgLen() float64 {
	if len(s.docs) == 0 {
		return 0
	}
	return float64(s.totalLen) / float64(len(s.docs))
}

// memWriter applies a batch of changes to a fresh snapshot.
type memWriter struct {
	next   *memSnapshot
	copied map[string]bool
}

func newMemWriter(cur *memSnapshot) *memWriter {
	next := &memSnapshot{
		docs:     make(map[string]*memDoc, len(cur.docs)+1),
		postings: make(map[string]map[string]int, len(cur.postings)),
		totalLen: cur.totalLen,
	}
	for k, v := range cur.docs {
		next.docs[k] = v
	}
	for k, v := range cur.postings {
		next.postings[k] = v
	}
	return &memWriter{next: next, copied: map[string]bool{}}
}

func (w *memWriter) posting(term string) map[string]int {
	if w.copied[term] {
		return w.next.postings[term]
	}
	old := w.next.postings[term]
	p := make(map[string]int, len(old)+1)
	for k, v := range old {
		p[k] = v
	}
	w.next.postings[term] = p
	w.copied[term] = true
	return p
}

func (w *memWriter) remove(chunkID string) {
	doc, ok := w.next.docs[chunkID]
	if !ok {
		return
	}
	for term := range doc.terms {
		p := w.posting(term)
		delete(p, chunkID)
		if len(p) == 0 {
			delete(w.next.postings, term)
		}
	}
	w.next.totalLen -= doc.length
	delete(w.next.docs, chunkID)
}

func (w *memWriter) add(d Doc) {
	w.remove(d.ChunkID)
	tokens := Tokenize(d.Text)
	doc := &memDoc{terms: termFrequencies(tokens), length: len(tokens), meta: copyMetadata(d.Metadata)}
	for term, tf := range doc.terms {
		w.posting(term)[d.ChunkID] = tf
	}
	w.next.docs[d.ChunkID] = doc
	w.next.totalLen += doc.length
}

// Memory is an in-process BM25 inverted index. Queries read an immutable
// snapshot and never wait on writers.
type Memory struct {
	k1, b float64

	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[memSnapshot]
}

// NewMemory creates an empty index. Zero k1 or b select the defaults.
func NewMemory(k1, b float64) (*Memory, error) {
	if k1 == 0 {
		k1 = DefaultK1
	}
	if b == 0 {
		b = DefaultB
	}
	if k1 < 0 || b < 0 || b > 1 {
		return nil, fmt.Errorf("%w: k1 must be positive and b in [0, 1]", ErrInvalidConfig)
	}
	m := &Memory{k1: k1, b: b}
	m.snap.Store(&memSnapshot{docs: map[string]*memDoc{}, postings: map[string]map[string]int{}})
	return m, nil
}

func (m *Memory) Upsert(ctx context.Context, chunkID, text string, metadata map[string]string) error {
	return m.UpsertBatch(ctx, []Doc{{ChunkID: chunkID, Text: text, Metadata: metadata}})
}

func (m *Memory) UpsertBatch(_ context.Context, docs []Doc) error {
	if len(docs) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	w := newMemWriter(m.snap.Load())
	for _, d := range docs {
		if d.ChunkID == "" {
			return fmt.Errorf("chunk id required")
		}
		w.add(d)
	}
	m.snap.Store(w.next)
	return nil
}

func (m *Memory) Delete(_ context.Context, chunkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.snap.Load()
	if _, ok := cur.docs[chunkID]; !ok {
		return nil
	}
	w := newMemWriter(cur)
	w.remove(chunkID)
	m.snap.Store(w.next)
	return nil
}

func (m *Memory) Search(ctx context.Context, query string, k int, filter Filter) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	terms := uniqueTerms(Tokenize(query))
	if len(terms) == 0 {
		return nil, nil
	}
	s := m.snap.Load()
	n := float64(len(s.docs))
	avg := s.avgLen()

	scores := map[string]float64{}
	for _, term := range terms {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := s.postings[term]
		if len(p) == 0 {
			continue
		}
		df := float64(len(p))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		for chunkID, tf := range p {
			doc := s.docs[chunkID]
			if !filter.Matches(doc.meta) {
				continue
			}
			norm := 1 - m.b + m.b*float64(doc.length)/avg
			f := float64(tf)
			scores[chunkID] += idf * f * (m.k1 + 1) / (f + m.k1*norm)
		}
	}

	hits := make([]Hit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, Hit{ChunkID: id, Score: score, Metadata: s.docs[id].meta})
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *Memory) Len() int     { return len(m.snap.Load().docs) }
func (m *Memory) Close() error { return nil }

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
