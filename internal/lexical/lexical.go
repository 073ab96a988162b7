// Package lexical provides keyword indexes over chunk text, scored with BM25.
package lexical

import (
	"context"
	"errors"
	"sort"
)

var (
	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrUnavailable means the backing store cannot serve requests.
	ErrUnavailable = errors.New("lexical index unavailable")
)

// Standard BM25 parameters.
const (
	DefaultK1 = 1.2
	DefaultB  = 0.75
)

// Filter restricts hits to chunks whose metadata has every key/value pair.
type Filter map[string]string

// Matches reports whether metadata satisfies f.
func (f Filter) Matches(metadata map[string]string) bool {
	for k, v := range f {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// Hit is one lexical match. Larger Score is better.
type Hit struct {
	ChunkID  string
	Score    float64
	Metadata map[string]string
}

// Doc is one chunk to index.
type Doc struct {
	ChunkID  string
	Text     string
	Metadata map[string]string
}

// Index is a full-text index over chunks.
type Index interface {
	Upsert(ctx context.Context, chunkID, text string, metadata map[string]string) error
	UpsertBatch(ctx context.Context, docs []Doc) error
	// Search returns up to k hits by descending score, ties broken by chunk ID.
	// Chunks sharing no term with the query are never returned.
	Search(ctx context.Context, query string, k int, filter Filter) ([]Hit, error)
	Delete(ctx context.Context, chunkID string) error
	Len() int
	Close() error
}

func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
}
