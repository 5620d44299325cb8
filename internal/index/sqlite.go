package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLite stores index documents as JSON text in a single-file database. It is
// the zero-infrastructure backend for local pipeline runs.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at dsn, configures WAL mode and
// ensures the documents table exists.
func NewSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Single connection: upserts are read-modify-write.
	conn.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		sqliteSchema,
	} {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			conn.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %q", firstLine(stmt))
		}
	}
	return &SQLite{db: conn}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	doc        TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_documents_type ON documents(json_extract(doc, '$.type_s'), json_extract(doc, '$.dataset_s'));
`

// Query implements Index.
func (s *SQLite) Query(ctx context.Context, filters ...Filter) ([]Document, error) {
	query, args := sqliteSelect(filters)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query", eris.Wrap(err, "sqlite: select documents"))
	}
	defer rows.Close() //nolint:errcheck

	var out []Document
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, unavailable("query", eris.Wrap(err, "sqlite: scan document"))
		}
		doc, err := decodeJSONDocument([]byte(raw))
		if err != nil {
			return nil, err
		}
		doc["id"] = id
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query", eris.Wrap(err, "sqlite: iterate documents"))
	}
	return out, nil
}

// Upsert implements Index.
func (s *SQLite) Upsert(ctx context.Context, docs []PartialDocument) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("upsert", eris.Wrap(err, "sqlite: begin tx"))
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	ids := make([]string, len(docs))
	for i, pd := range docs {
		id := pd.ID
		if id == "" {
			id = uuid.New().String()
		}

		current := Document{}
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT doc FROM documents WHERE id = ?`, id).Scan(&raw)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, unavailable("upsert", eris.Wrapf(err, "sqlite: load document %s", id))
		default:
			if current, err = decodeJSONDocument([]byte(raw)); err != nil {
				return nil, err
			}
		}

		for k, v := range pd.Fields {
			if v == nil {
				delete(current, k)
				continue
			}
			current[k] = normalizeValue(v)
		}
		delete(current, "id")

		merged, err := json.Marshal(current)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: marshal document %s", id)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents (id, doc, created_at, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
			id, string(merged), now, now,
		); err != nil {
			return nil, unavailable("upsert", eris.Wrapf(err, "sqlite: write document %s", id))
		}
		ids[i] = id
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable("upsert", eris.Wrap(err, "sqlite: commit tx"))
	}
	return ids, nil
}

// Close implements Index.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// sqliteSelect compiles filters into a parameterized SELECT. Equality goes
// through json_each so scalar and multi-valued fields match alike.
func sqliteSelect(filters []Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	for _, f := range filters {
		path := jsonPath(f.Field)
		if f.Op == OpContains {
			where = append(where, "instr(json_extract(doc, ?), ?) > 0")
			args = append(args, path, fmt.Sprint(f.Value))
			continue
		}
		where = append(where, "EXISTS (SELECT 1 FROM json_each(documents.doc, ?) WHERE json_each.value = ?)")
		args = append(args, path, sqliteValue(f.Value))
	}

	query := "SELECT id, doc FROM documents"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	return query + " ORDER BY rowid", args
}

// sqliteValue maps a filter value onto what json_each yields for it.
func sqliteValue(v any) any {
	switch x := normalizeValue(v).(type) {
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case float64:
		if x == float64(int64(x)) {
			return int64(x)
		}
		return x
	default:
		return x
	}
}

func jsonPath(field string) string {
	return `$."` + strings.ReplaceAll(field, `"`, `\"`) + `"`
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

var _ Index = (*SQLite)(nil)
