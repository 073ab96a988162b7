// Package store persists documents, chunks, embeddings with their usage
// counters, and the append-only retrieval event log.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/config"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// UsageDelta is a batched usage increment for one embedding.
type UsageDelta struct {
	ChunkID    string
	Count      int64
	LastUsedAt time.Time
}

// Store is the persistence contract shared by the SQLite and memory backends.
type Store interface {
	SaveDocument(ctx context.Context, doc *model.Document) error
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	// UpdateDocumentStatus persists status, failed chunk indices and modified time.
	UpdateDocumentStatus(ctx context.Context, doc *model.Document) error
	// DeleteDocument removes a document and everything it owns, returning
	// the IDs of the chunks that were removed.
	DeleteDocument(ctx context.Context, id string) ([]string, error)

	SaveContentUnit(ctx context.Context, unit *model.ContentUnit) error
	GetContentUnit(ctx context.Context, id string) (*model.ContentUnit, error)
	ListContentUnits(ctx context.Context, documentID string) ([]*model.ContentUnit, error)

	// ReplaceChunks swaps a content unit's chunk set atomically and returns
	// the IDs of the chunks it replaced. Their embeddings go with them.
	ReplaceChunks(ctx context.Context, contentUnitID string, chunks []*model.Chunk) ([]string, error)
	ListChunks(ctx context.Context, contentUnitID string) ([]*model.Chunk, error)
	// GetChunks returns the chunks that exist among ids.
	GetChunks(ctx context.Context, ids []string) (map[string]*model.Chunk, error)

	SaveEmbedding(ctx context.Context, emb *model.Embedding) error
	LoadEmbeddings(ctx context.Context) ([]*model.Embedding, error)
	// ApplyUsage adds counts and advances last_used_at; it never lowers either.
	ApplyUsage(ctx context.Context, deltas []UsageDelta) error

	AppendRetrievalEvent(ctx context.Context, ev *model.RetrievalEvent) error
	// ListRetrievalEvents returns up to limit events, newest first. limit <= 0 means all.
	ListRetrievalEvents(ctx context.Context, limit int) ([]*model.RetrievalEvent, error)

	Close() error
}

// Open builds the configured store.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(), nil
	case "sqlite", "":
		dir, err := config.ExpandHome(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding store path: %w", err)
		}
		return NewSQLite(ctx, filepath.Join(dir, "ragdoll.db"))
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
