package index

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/granule-sync/internal/db"
)

const pgDocumentsTable = "granule_index.documents"

// Postgres stores index documents as JSONB rows. Equality filters compile to a
// single containment predicate so the GIN index serves them.
type Postgres struct {
	pool    db.Pool
	release func()
}

// NewPostgres creates a Postgres-backed Index over pool. Run db.Migrate first.
func NewPostgres(pool db.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Query implements Index.
func (p *Postgres) Query(ctx context.Context, filters ...Filter) ([]Document, error) {
	sql, args, err := pgSelect(filters)
	if err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, unavailable("query", eris.Wrap(err, "postgres: select documents"))
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, unavailable("query", eris.Wrap(err, "postgres: scan document"))
		}
		doc, err := decodeJSONDocument(raw)
		if err != nil {
			return nil, err
		}
		doc["id"] = id
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query", eris.Wrap(err, "postgres: iterate documents"))
	}
	return out, nil
}

// Upsert implements Index. The batch is staged with COPY and merged in one
// statement; fields set to nil are dropped from the stored document. Repeated
// identities within a batch are folded in order before staging.
func (p *Postgres) Upsert(ctx context.Context, docs []PartialDocument) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(docs))
	patches := make(map[string]map[string]any, len(docs))
	var order []string
	for i, pd := range docs {
		id := pd.ID
		if id == "" {
			id = uuid.New().String()
		}
		ids[i] = id

		patch, ok := patches[id]
		if !ok {
			patch = make(map[string]any, len(pd.Fields))
			patches[id] = patch
			order = append(order, id)
		}
		for k, v := range pd.Fields {
			if v == nil {
				patch[k] = nil
				continue
			}
			patch[k] = normalizeValue(v)
		}
	}

	rows := make([][]any, 0, len(order))
	for _, id := range order {
		raw, err := json.Marshal(patches[id])
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: marshal document %s", id)
		}
		rows = append(rows, []any{id, string(raw)})
	}

	if _, err := db.BulkUpsert(ctx, p.pool, pgDocumentsUpsert, rows); err != nil {
		return nil, unavailable("upsert", err)
	}
	return ids, nil
}

// Close implements Index. A pool passed to NewPostgres stays open; one
// created by Open is closed.
func (p *Postgres) Close() error {
	if p.release != nil {
		p.release()
	}
	return nil
}

var pgDocumentsUpsert = db.UpsertConfig{
	Table:        pgDocumentsTable,
	Columns:      []string{"id", "doc"},
	ConflictKeys: []string{"id"},
	InsertExprs:  map[string]string{"doc": "jsonb_strip_nulls(%s::jsonb)"},
	UpdateExprs: map[string]string{
		"doc":        "jsonb_strip_nulls(%[1]s.%[2]s || EXCLUDED.%[2]s)",
		"updated_at": "now()",
	},
}

// pgSelect compiles filters into a parameterized SELECT.
func pgSelect(filters []Filter) (string, []any, error) {
	var (
		where []string
		args  []any
	)

	eq := make(map[string]any)
	for _, f := range filters {
		if f.Op == OpContains {
			args = append(args, f.Field, fmt.Sprint(f.Value))
			where = append(where, fmt.Sprintf("strpos(doc->>$%d, $%d) > 0", len(args)-1, len(args)))
			continue
		}
		eq[f.Field] = normalizeValue(f.Value)
	}
	if len(eq) > 0 {
		obj, err := json.Marshal(eq)
		if err != nil {
			return "", nil, eris.Wrap(err, "postgres: marshal filter")
		}
		args = append(args, string(obj))
		where = append(where, fmt.Sprintf("doc @> $%d::jsonb", len(args)))
	}

	sql := "SELECT id, doc FROM " + pgDocumentsTable
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	return sql + " ORDER BY created_at, id", args, nil
}

func decodeJSONDocument(raw []byte) (Document, error) {
	doc := Document{}
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, eris.Wrap(err, "index: decode document")
	}
	return doc, nil
}

// compile-time checks
var (
	_ Index = (*Postgres)(nil)
	_ Index = (*Solr)(nil)
	_ Index = (*Memory)(nil)
)
