package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/model"
)

type embeddingRow struct {
	emb   *model.Embedding
	usage model.Usage
}

// Memory is an in-process Store. Returned values are copies.
type Memory struct {
	mu         sync.RWMutex
	documents  map[string]*model.Document
	units      map[string]*model.ContentUnit
	chunks     map[string]*model.Chunk
	embeddings map[string]*embeddingRow
	events     []*model.RetrievalEvent
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		documents:  map[string]*model.Document{},
		units:      map[string]*model.ContentUnit{},
		chunks:     map[string]*model.Chunk{},
		embeddings: map[string]*embeddingRow{},
	}
}

func (m *Memory) Close() error { return nil }

func cloneDocument(d *model.Document) *model.Document {
	c := *d
	c.Metadata = make(map[string]any, len(d.Metadata))
	for k, v := range d.Metadata {
		c.Metadata[k] = v
	}
	c.FailedChunks = make(map[string][]int, len(d.FailedChunks))
	for k, v := range d.FailedChunks {
		c.FailedChunks[k] = append([]int(nil), v...)
	}
	return &c
}

func cloneChunk(c *model.Chunk) *model.Chunk {
	out := *c
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func cloneEvent(ev *model.RetrievalEvent) *model.RetrievalEvent {
	out := *ev
	out.QueryVector = append([]float32(nil), ev.QueryVector...)
	out.Results = append([]model.RetrievalResult(nil), ev.Results...)
	if ev.Filters != nil {
		out.Filters = make(map[string]string, len(ev.Filters))
		for k, v := range ev.Filters {
			out.Filters[k] = v
		}
	}
	return &out
}

func (m *Memory) SaveDocument(_ context.Context, doc *model.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cloneDocument(doc)
	if prev, ok := m.documents[doc.ID]; ok {
		c.CreatedAt = prev.CreatedAt
	}
	m.documents[doc.ID] = c
	return nil
}

func (m *Memory) GetDocument(_ context.Context, id string) (*model.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return cloneDocument(d), nil
}

func (m *Memory) UpdateDocumentStatus(_ context.Context, doc *model.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[doc.ID]
	if !ok {
		return fmt.Errorf("document %s: %w", doc.ID, ErrNotFound)
	}
	updated := cloneDocument(doc)
	d.Status = updated.Status
	d.FailedChunks = updated.FailedChunks
	d.ModifiedAt = updated.ModifiedAt
	return nil
}

func (m *Memory) DeleteDocument(_ context.Context, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[id]; !ok {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	var removed []string
	for cid, c := range m.chunks {
		if c.DocumentID == id {
			removed = append(removed, cid)
			delete(m.chunks, cid)
			delete(m.embeddings, cid)
		}
	}
	for uid, u := range m.units {
		if u.DocumentID == id {
			delete(m.units, uid)
		}
	}
	delete(m.documents, id)
	sort.Strings(removed)
	return removed, nil
}

func (m *Memory) SaveContentUnit(_ context.Context, unit *model.ContentUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[unit.DocumentID]; !ok {
		return fmt.Errorf("document %s: %w", unit.DocumentID, ErrNotFound)
	}
	c := *unit
	m.units[unit.ID] = &c
	return nil
}

func (m *Memory) GetContentUnit(_ context.Context, id string) (*model.ContentUnit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.units[id]
	if !ok {
		return nil, fmt.Errorf("content unit %s: %w", id, ErrNotFound)
	}
	c := *u
	return &c, nil
}

func (m *Memory) ListContentUnits(_ context.Context, documentID string) ([]*model.ContentUnit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ContentUnit
	for _, u := range m.units {
		if u.DocumentID == documentID {
			c := *u
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) ReplaceChunks(_ context.Context, contentUnitID string, chunks []*model.Chunk) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.units[contentUnitID]; !ok {
		return nil, fmt.Errorf("content unit %s: %w", contentUnitID, ErrNotFound)
	}
	for _, c := range chunks {
		if c.ContentUnitID != contentUnitID {
			return nil, fmt.Errorf("chunk %s belongs to content unit %s, not %s", c.ID, c.ContentUnitID, contentUnitID)
		}
	}

	var old []*model.Chunk
	for _, c := range m.chunks {
		if c.ContentUnitID == contentUnitID {
			old = append(old, c)
		}
	}
	sort.Slice(old, func(i, j int) bool { return old[i].Index < old[j].Index })
	replaced := make([]string, len(old))
	for i, c := range old {
		replaced[i] = c.ID
		delete(m.chunks, c.ID)
		delete(m.embeddings, c.ID)
	}
	for _, c := range chunks {
		m.chunks[c.ID] = cloneChunk(c)
	}
	return replaced, nil
}

func (m *Memory) ListChunks(_ context.Context, contentUnitID string) ([]*model.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Chunk
	for _, c := range m.chunks {
		if c.ContentUnitID == contentUnitID {
			out = append(out, cloneChunk(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *Memory) GetChunks(_ context.Context, ids []string) (map[string]*model.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*model.Chunk, len(ids))
	for _, id := range ids {
		if c, ok := m.chunks[id]; ok {
			out[id] = cloneChunk(c)
		}
	}
	return out, nil
}

func (m *Memory) SaveEmbedding(_ context.Context, emb *model.Embedding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chunks[emb.ChunkID]; !ok {
		return fmt.Errorf("chunk %s: %w", emb.ChunkID, ErrNotFound)
	}
	row, ok := m.embeddings[emb.ChunkID]
	if !ok {
		row = &embeddingRow{usage: emb.Usage()}
		m.embeddings[emb.ChunkID] = row
	}
	c := model.NewEmbedding(emb.ChunkID, emb.Model, append([]float32(nil), emb.Vector...), emb.CreatedAt)
	c.Dimensions = emb.Dimensions
	row.emb = c
	return nil
}

func (m *Memory) LoadEmbeddings(_ context.Context) ([]*model.Embedding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Embedding, 0, len(m.embeddings))
	for _, row := range m.embeddings {
		e := model.NewEmbedding(row.emb.ChunkID, row.emb.Model, append([]float32(nil), row.emb.Vector...), row.emb.CreatedAt)
		e.Dimensions = row.emb.Dimensions
		e.RestoreUsage(row.usage)
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkID < out[j].ChunkID })
	return out, nil
}

func (m *Memory) ApplyUsage(_ context.Context, deltas []UsageDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range deltas {
		if d.Count < 0 {
			return fmt.Errorf("negative usage delta for %s", d.ChunkID)
		}
	}
	for _, d := range deltas {
		row, ok := m.embeddings[d.ChunkID]
		if !ok {
			continue
		}
		row.usage.Count += d.Count
		if d.LastUsedAt.After(row.usage.LastUsedAt) {
			row.usage.LastUsedAt = d.LastUsedAt.UTC()
		}
	}
	return nil
}

func (m *Memory) AppendRetrievalEvent(_ context.Context, ev *model.RetrievalEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == ev.ID {
			return fmt.Errorf("retrieval event %s already recorded", ev.ID)
		}
	}
	m.events = append(m.events, cloneEvent(ev))
	return nil
}

func (m *Memory) ListRetrievalEvents(_ context.Context, limit int) ([]*model.RetrievalEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.RetrievalEvent, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, cloneEvent(e))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
