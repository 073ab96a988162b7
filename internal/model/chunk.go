package model

import (
	"sync/atomic"
	"time"
)

// Chunk is a contiguous span of a ContentUnit's text and the unit of
// embedding and retrieval.
type Chunk struct {
	ID            string
	DocumentID    string
	ContentUnitID string
	// Index is zero-based and dense within a content unit.
	Index       int
	StartOffset int
	EndOffset   int
	StartToken  int
	EndToken    int
	Text        string
	ContentType ContentType
	Metadata    map[string]string
	CreatedAt   time.Time
}

// Embedding is the vector of exactly one Chunk plus its usage counters.
// Counters are updated atomically; an Embedding must not be copied after use.
type Embedding struct {
	ChunkID    string
	Model      string
	Dimensions int
	Vector     []float32
	CreatedAt  time.Time

	usageCount atomic.Int64
	lastUsedAt atomic.Int64 // unix nanoseconds, 0 = never used
}

// NewEmbedding creates an embedding for chunkID.
func NewEmbedding(chunkID, model string, vector []float32, now time.Time) *Embedding {
	return &Embedding{
		ChunkID:    chunkID,
		Model:      model,
		Dimensions: len(vector),
		Vector:     vector,
		CreatedAt:  now,
	}
}

// Usage is a point-in-time snapshot of an embedding's counters.
type Usage struct {
	Count      int64
	LastUsedAt time.Time
}

// Used reports whether the embedding was ever retrieved.
func (u Usage) Used() bool {
	return u.Count > 0 && !u.LastUsedAt.IsZero()
}

// Touch adds n retrievals at time at. usage_count never decreases and
// last_used_at only moves forward.
func (e *Embedding) Touch(at time.Time, n int64) {
	if n <= 0 {
		return
	}
	e.usageCount.Add(n)
	ts := at.UnixNano()
	for {
		cur := e.lastUsedAt.Load()
		if cur >= ts || e.lastUsedAt.CompareAndSwap(cur, ts) {
			return
		}
	}
}

// Usage returns the current counters.
func (e *Embedding) Usage() Usage {
	u := Usage{Count: e.usageCount.Load()}
	if ns := e.lastUsedAt.Load(); ns != 0 {
		u.LastUsedAt = time.Unix(0, ns).UTC()
	}
	return u
}

// RestoreUsage seeds counters from persisted state. It is only meant for
// loading, before the embedding is shared.
func (e *Embedding) RestoreUsage(u Usage) {
	e.usageCount.Store(u.Count)
	if u.LastUsedAt.IsZero() {
		e.lastUsedAt.Store(0)
		return
	}
	e.lastUsedAt.Store(u.LastUsedAt.UnixNano())
}
