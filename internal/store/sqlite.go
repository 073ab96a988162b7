package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/MadBomber/ragdoll-docs-sub001/internal/model"
	"github.com/MadBomber/ragdoll-docs-sub001/internal/store/migrations"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLite is a Store backed by a single SQLite database file.
type SQLite struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (creating if needed) the database at path and applies
// pending migrations. MemoryPath gives a throwaway database.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	var dsn string
	if path == MemoryPath {
		dsn = "file::memory:?" + pragmas
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		// WAL lets queries read while ingestion writes.
		dsn = path + "?_pragma=journal_mode(WAL)&" + pragmas
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == MemoryPath {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	s := &SQLite{db: db, path: path}
	if err := s.migrate(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// DB exposes the handle so the FTS lexical index can share the file.
func (s *SQLite) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// Close closes the database connection.
func (s *SQLite) Close() error { return s.db.Close() }

// migrate runs all pending NNN_name.up.sql migrations in order, recording
// each applied version.
func (s *SQLite) migrate(ctx context.Context, fsys fs.FS) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		err = s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(content)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
				version, time.Now().UnixNano())
			return err
		})
		if err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *SQLite) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ==================== Documents ====================

func (s *SQLite) SaveDocument(ctx context.Context, doc *model.Document) error {
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("marshalling metadata: %w", err)
	}
	failed, err := json.Marshal(doc.FailedChunks)
	if err != nil {
		return fmt.Errorf("marshalling failed chunks: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, status, metadata, failed_chunks, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			metadata = excluded.metadata,
			failed_chunks = excluded.failed_chunks,
			modified_at = excluded.modified_at
	`, doc.ID, doc.Title, string(doc.Status), string(meta), string(failed),
		toNanos(doc.CreatedAt), toNanos(doc.ModifiedAt))
	if err != nil {
		return fmt.Errorf("saving document: %w", err)
	}
	return nil
}

func (s *SQLite) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	var (
		doc               model.Document
		status            string
		meta, failed      string
		created, modified int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, status, metadata, failed_chunks, created_at, modified_at
		FROM documents WHERE id = ?
	`, id).Scan(&doc.ID, &doc.Title, &status, &meta, &failed, &created, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning document: %w", err)
	}
	doc.Status = model.DocumentStatus(status)
	doc.CreatedAt = fromNanos(created)
	doc.ModifiedAt = fromNanos(modified)
	if err := unmarshalJSON(meta, &doc.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata: %w", err)
	}
	if err := unmarshalJSON(failed, &doc.FailedChunks); err != nil {
		return nil, fmt.Errorf("unmarshaling failed chunks: %w", err)
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	if doc.FailedChunks == nil {
		doc.FailedChunks = map[string][]int{}
	}
	return &doc, nil
}

func (s *SQLite) UpdateDocumentStatus(ctx context.Context, doc *model.Document) error {
	failed, err := json.Marshal(doc.FailedChunks)
	if err != nil {
		return fmt.Errorf("marshalling failed chunks: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, failed_chunks = ?, modified_at = ? WHERE id = ?
	`, string(doc.Status), string(failed), toNanos(doc.ModifiedAt), doc.ID)
	if err != nil {
		return fmt.Errorf("updating document status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", doc.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLite) DeleteDocument(ctx context.Context, id string) ([]string, error) {
	var removed []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ids, err := queryIDs(ctx, tx, `SELECT id FROM chunks WHERE document_id = ? ORDER BY id`, id)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting document: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		removed = ids
		return nil
	})
	return removed, err
}

// ==================== Content units ====================

type typeMeta struct {
	Image *model.ImageMeta `json:"image,omitempty"`
	Audio *model.AudioMeta `json:"audio,omitempty"`
}

func (s *SQLite) SaveContentUnit(ctx context.Context, unit *model.ContentUnit) error {
	meta, err := json.Marshal(typeMeta{Image: unit.Image, Audio: unit.Audio})
	if err != nil {
		return fmt.Errorf("marshalling type metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO content_units (id, document_id, content_type, text, model, content_hash, type_meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content_type = excluded.content_type,
			text = excluded.text,
			model = excluded.model,
			content_hash = excluded.content_hash,
			type_meta = excluded.type_meta
	`, unit.ID, unit.DocumentID, string(unit.Type), unit.Text, unit.Model, unit.ContentHash,
		string(meta), toNanos(unit.CreatedAt))
	if err != nil {
		return fmt.Errorf("saving content unit: %w", err)
	}
	return nil
}

const contentUnitColumns = `id, document_id, content_type, text, model, content_hash, type_meta, created_at`

func scanContentUnit(scan func(...any) error) (*model.ContentUnit, error) {
	var (
		u       model.ContentUnit
		ct      string
		meta    string
		created int64
	)
	if err := scan(&u.ID, &u.DocumentID, &ct, &u.Text, &u.Model, &u.ContentHash, &meta, &created); err != nil {
		return nil, err
	}
	u.Type = model.ContentType(ct)
	u.CreatedAt = fromNanos(created)
	var tm typeMeta
	if err := unmarshalJSON(meta, &tm); err != nil {
		return nil, fmt.Errorf("unmarshaling type metadata: %w", err)
	}
	u.Image, u.Audio = tm.Image, tm.Audio
	return &u, nil
}

func (s *SQLite) GetContentUnit(ctx context.Context, id string) (*model.ContentUnit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contentUnitColumns+` FROM content_units WHERE id = ?`, id)
	u, err := scanContentUnit(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("content unit %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning content unit: %w", err)
	}
	return u, nil
}

func (s *SQLite) ListContentUnits(ctx context.Context, documentID string) ([]*model.ContentUnit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contentUnitColumns+` FROM content_units WHERE document_id = ? ORDER BY created_at, id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("querying content units: %w", err)
	}
	defer rows.Close()

	var units []*model.ContentUnit //nolint:prealloc // size unknown from query
	for rows.Next() {
		u, err := scanContentUnit(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning content unit: %w", err)
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating content units: %w", err)
	}
	return units, nil
}

// ==================== Chunks ====================

func (s *SQLite) ReplaceChunks(ctx context.Context, contentUnitID string, chunks []*model.Chunk) ([]string, error) {
	var replaced []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ids, err := queryIDs(ctx, tx, `SELECT id FROM chunks WHERE content_unit_id = ? ORDER BY chunk_index`, contentUnitID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE content_unit_id = ?`, contentUnitID); err != nil {
			return fmt.Errorf("deleting chunks: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (id, document_id, content_unit_id, chunk_index, start_offset, end_offset,
				start_token, end_token, text, content_type, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("preparing statement: %w", err)
		}
		defer stmt.Close()

		for _, c := range chunks {
			if c.ContentUnitID != contentUnitID {
				return fmt.Errorf("chunk %s belongs to content unit %s, not %s", c.ID, c.ContentUnitID, contentUnitID)
			}
			meta, err := json.Marshal(c.Metadata)
			if err != nil {
				return fmt.Errorf("marshalling chunk metadata: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, c.ID, c.DocumentID, c.ContentUnitID, c.Index,
				c.StartOffset, c.EndOffset, c.StartToken, c.EndToken, c.Text, string(c.ContentType),
				string(meta), toNanos(c.CreatedAt)); err != nil {
				return fmt.Errorf("saving chunk: %w", err)
			}
		}
		replaced = ids
		return nil
	})
	return replaced, err
}

const chunkColumns = `id, document_id, content_unit_id, chunk_index, start_offset, end_offset,
	start_token, end_token, text, content_type, metadata, created_at`

func scanChunk(scan func(...any) error) (*model.Chunk, error) {
	var (
		c       model.Chunk
		ct      string
		meta    string
		created int64
	)
	if err := scan(&c.ID, &c.DocumentID, &c.ContentUnitID, &c.Index, &c.StartOffset, &c.EndOffset,
		&c.StartToken, &c.EndToken, &c.Text, &ct, &meta, &created); err != nil {
		return nil, fmt.Errorf("scanning chunk: %w", err)
	}
	c.ContentType = model.ContentType(ct)
	c.CreatedAt = fromNanos(created)
	if err := unmarshalJSON(meta, &c.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshaling chunk metadata: %w", err)
	}
	return &c, nil
}

func (s *SQLite) ListChunks(ctx context.Context, contentUnitID string) ([]*model.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE content_unit_id = ? ORDER BY chunk_index`, contentUnitID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*model.Chunk //nolint:prealloc // size unknown from query
	for rows.Next() {
		c, err := scanChunk(rows.Scan)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}
	return chunks, nil
}

func (s *SQLite) GetChunks(ctx context.Context, ids []string) (map[string]*model.Chunk, error) {
	out := make(map[string]*model.Chunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanChunk(rows.Scan)
		if err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}
	return out, nil
}

// ==================== Embeddings ====================

func (s *SQLite) SaveEmbedding(ctx context.Context, emb *model.Embedding) error {
	u := emb.Usage()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (chunk_id, model, dimensions, vector, usage_count, last_used_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET
			model = excluded.model,
			dimensions = excluded.dimensions,
			vector = excluded.vector
	`, emb.ChunkID, emb.Model, emb.Dimensions, float32SliceToBytes(emb.Vector),
		u.Count, toNanos(u.LastUsedAt), toNanos(emb.CreatedAt))
	if err != nil {
		return fmt.Errorf("saving embedding: %w", err)
	}
	return nil
}

func (s *SQLite) LoadEmbeddings(ctx context.Context) ([]*model.Embedding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, model, dimensions, vector, usage_count, last_used_at, created_at
		FROM embeddings ORDER BY chunk_id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()

	var out []*model.Embedding //nolint:prealloc // size unknown from query
	for rows.Next() {
		var (
			chunkID, modelName string
			dims               int
			blob               []byte
			count              int64
			lastUsed, created  int64
		)
		if err := rows.Scan(&chunkID, &modelName, &dims, &blob, &count, &lastUsed, &created); err != nil {
			return nil, fmt.Errorf("scanning embedding: %w", err)
		}
		emb := model.NewEmbedding(chunkID, modelName, bytesToFloat32Slice(blob), fromNanos(created))
		emb.Dimensions = dims
		emb.RestoreUsage(model.Usage{Count: count, LastUsedAt: fromNanos(lastUsed)})
		out = append(out, emb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating embeddings: %w", err)
	}
	return out, nil
}

func (s *SQLite) ApplyUsage(ctx context.Context, deltas []UsageDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE embeddings
			SET usage_count = usage_count + ?, last_used_at = MAX(last_used_at, ?)
			WHERE chunk_id = ?
		`)
		if err != nil {
			return fmt.Errorf("preparing statement: %w", err)
		}
		defer stmt.Close()

		for _, d := range deltas {
			if d.Count < 0 {
				return fmt.Errorf("negative usage delta for %s", d.ChunkID)
			}
			// Rows for chunks deleted since the increment are silently skipped.
			if _, err := stmt.ExecContext(ctx, d.Count, toNanos(d.LastUsedAt), d.ChunkID); err != nil {
				return fmt.Errorf("applying usage: %w", err)
			}
		}
		return nil
	})
}

// ==================== Retrieval events ====================

func (s *SQLite) AppendRetrievalEvent(ctx context.Context, ev *model.RetrievalEvent) error {
	filters, err := json.Marshal(ev.Filters)
	if err != nil {
		return fmt.Errorf("marshalling filters: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO retrieval_events (id, kind, query, query_vector, filters, degraded, signal, duration_ns, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, ev.ID, string(ev.Kind), ev.Query, float32SliceToBytes(ev.QueryVector), string(filters),
			ev.Degraded, ev.Signal, int64(ev.Duration), toNanos(ev.CreatedAt))
		if err != nil {
			return fmt.Errorf("appending retrieval event: %w", err)
		}
		for _, r := range ev.Results {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO retrieval_results (event_id, rank, chunk_id, score, similarity, lexical, usage, recency)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, ev.ID, r.Rank, r.ChunkID, r.Score, r.Similarity, r.Lexical, r.Usage, r.Recency)
			if err != nil {
				return fmt.Errorf("appending retrieval result: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLite) ListRetrievalEvents(ctx context.Context, limit int) ([]*model.RetrievalEvent, error) {
	q := `SELECT id, kind, query, query_vector, filters, degraded, signal, duration_ns, created_at
		FROM retrieval_events ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying retrieval events: %w", err)
	}

	var events []*model.RetrievalEvent //nolint:prealloc // size unknown from query
	byID := map[string]*model.RetrievalEvent{}
	for rows.Next() {
		var (
			ev               model.RetrievalEvent
			kind, filters    string
			vec              []byte
			degraded         bool
			duration, create int64
		)
		if err := rows.Scan(&ev.ID, &kind, &ev.Query, &vec, &filters, &degraded, &ev.Signal, &duration, &create); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning retrieval event: %w", err)
		}
		ev.Kind = model.EventKind(kind)
		ev.QueryVector = bytesToFloat32Slice(vec)
		ev.Degraded = degraded
		ev.Duration = time.Duration(duration)
		ev.CreatedAt = fromNanos(create)
		if err := unmarshalJSON(filters, &ev.Filters); err != nil {
			rows.Close()
			return nil, fmt.Errorf("unmarshaling filters: %w", err)
		}
		events = append(events, &ev)
		byID[ev.ID] = &ev
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterating retrieval events: %w", err)
	}
	if len(events) == 0 {
		return events, nil
	}

	// One pass over results for the selected events.
	args = make([]any, 0, len(events))
	for _, ev := range events {
		args = append(args, ev.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")
	rrows, err := s.db.QueryContext(ctx, `
		SELECT event_id, rank, chunk_id, score, similarity, lexical, usage, recency
		FROM retrieval_results WHERE event_id IN (`+placeholders+`) ORDER BY event_id, rank
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying retrieval results: %w", err)
	}
	defer rrows.Close()
	for rrows.Next() {
		var eventID string
		var r model.RetrievalResult
		if err := rrows.Scan(&eventID, &r.Rank, &r.ChunkID, &r.Score, &r.Similarity, &r.Lexical, &r.Usage, &r.Recency); err != nil {
			return nil, fmt.Errorf("scanning retrieval result: %w", err)
		}
		if ev := byID[eventID]; ev != nil {
			ev.Results = append(ev.Results, r)
		}
	}
	if err := rrows.Err(); err != nil {
		return nil, fmt.Errorf("iterating retrieval results: %w", err)
	}
	return events, nil
}

// ==================== Helper Functions ====================

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryIDs(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// toNanos stores zero times as 0 so they round-trip.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func unmarshalJSON(s string, v any) error {
	if s == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

// float32SliceToBytes converts a []float32 to a little-endian byte slice for storage.
func float32SliceToBytes(floats []float32) []byte {
	if len(floats) == 0 {
		return nil
	}
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToFloat32Slice converts a byte slice back to []float32.
func bytesToFloat32Slice(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}
