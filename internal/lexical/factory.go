package lexical

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/config"
)

// InMemory reports whether backend keeps its postings only in process
// memory. The fts backend lives in the SQLite database.
func InMemory(backend string) bool {
	return backend == "memory" || backend == ""
}

// New builds the configured lexical index. db is required for the fts
// backend and ignored otherwise.
func New(ctx context.Context, cfg config.LexicalConfig, db *sql.DB) (Index, error) {
	var (
		idx Index
		err error
	)
	switch cfg.Backend {
	case "memory", "":
		idx, err = NewMemory(cfg.K1, cfg.B)
	case "fts":
		if db == nil {
			return nil, fmt.Errorf("%w: fts backend requires the sqlite store", ErrInvalidConfig)
		}
		idx, err = NewFTS(ctx, db)
	default:
		return nil, fmt.Errorf("%w: unknown lexical backend %q", ErrInvalidConfig, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return idx, nil
}
