// internal/lexical/fts.go
package lexical

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FTS is a lexical index backed by an SQLite FTS5 virtual table. The table
// lives in the caller's database so chunk rows and their text index share
// one file.
type FTS struct {
	db    *sql.DB
	table string
}

const defaultFTSTable = "chunk_fts"

// NewFTS creates the FTS5 table if needed. SQLite fixes BM25 at k1=1.2,
// b=0.75.
func NewFTS(ctx context.Context, db *sql.DB) (*FTS, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil database", ErrInvalidConfig)
	}
	f := &FTS{db: db, table: defaultFTSTable}
	_, err := db.ExecContext(ctx, `
		CREATE VIRTUAL TABLE IF NOT EXISTS `+f.table+` USING fts5(
			chunk_id UNINDEXED,
			metadata UNINDEXED,
			body,
			tokenize = 'unicode61'
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("creating fts table: %w", err)
	}
	return f, nil
}

func (f *FTS) Upsert(ctx context.Context, chunkID, text string, metadata map[string]string) error {
	return f.UpsertBatch(ctx, []Doc{{ChunkID: chunkID, Text: text, Metadata: metadata}})
}

func (f *FTS) UpsertBatch(ctx context.Context, docs []Doc) error {
	if len(docs) == 0 {
		return nil
	}
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %v", ErrUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, d := range docs {
		if d.ChunkID == "" {
			return fmt.Errorf("chunk id required")
		}
		meta, err := json.Marshal(d.Metadata)
		if err != nil {
			return fmt.Errorf("marshalling metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+f.table+` WHERE chunk_id = ?`, d.ChunkID); err != nil {
			return fmt.Errorf("replacing %s: %w", d.ChunkID, err)
		}
		// Index the normalized token stream so both backends agree on terms.
		body := strings.Join(Tokenize(d.Text), " ")
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+f.table+` (chunk_id, metadata, body) VALUES (?, ?, ?)`,
			d.ChunkID, string(meta), body); err != nil {
			return fmt.Errorf("indexing %s: %w", d.ChunkID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (f *FTS) Delete(ctx context.Context, chunkID string) error {
	if _, err := f.db.ExecContext(ctx, `DELETE FROM `+f.table+` WHERE chunk_id = ?`, chunkID); err != nil {
		return fmt.Errorf("deleting %s: %w", chunkID, err)
	}
	return nil
}

// matchExpression ORs the quoted query terms.
func matchExpression(query string) string {
	terms := uniqueTerms(Tokenize(query))
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

func (f *FTS) Search(ctx context.Context, query string, k int, filter Filter) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	match := matchExpression(query)
	if match == "" {
		return nil, nil
	}

	// bm25() is lower-is-better; negate so larger is better.
	q := `SELECT chunk_id, metadata, -bm25(` + f.table + `) AS score FROM ` + f.table + ` WHERE ` + f.table + ` MATCH ?`
	args := []any{match}
	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		q += ` AND json_extract(metadata, ?) = ?`
		args = append(args, jsonPath(key), filter[key])
	}
	q += ` ORDER BY score DESC, chunk_id ASC LIMIT ?`
	args = append(args, k)

	rows, err := f.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: fts query: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var hits []Hit //nolint:prealloc // size unknown from query
	for rows.Next() {
		var h Hit
		var meta sql.NullString
		if err := rows.Scan(&h.ChunkID, &meta, &h.Score); err != nil {
			return nil, fmt.Errorf("scanning fts row: %w", err)
		}
		if meta.Valid && meta.String != "" && meta.String != "null" {
			if err := json.Unmarshal([]byte(meta.String), &h.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshaling metadata: %w", err)
			}
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating fts rows: %w", err)
	}
	sortHits(hits)
	return hits, nil
}

// jsonPath quotes key so dots and spaces are taken literally.
func jsonPath(key string) string {
	return `$."` + strings.ReplaceAll(key, `"`, `\"`) + `"`
}

// Len returns the number of indexed chunks, or -1 if the count fails.
func (f *FTS) Len() int {
	var n int
	if err := f.db.QueryRow(`SELECT count(*) FROM ` + f.table).Scan(&n); err != nil {
		return -1
	}
	return n
}

// Close is a no-op; the database belongs to the caller.
func (f *FTS) Close() error { return nil }
