package index

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Index. It backs dry runs and the engine tests, and
// applies the same conjunctive filter semantics as the persistent backends.
type Memory struct {
	mu        sync.Mutex
	docs      map[string]Document
	order     []string
	queryErr  error
	upsertErr error
	batches   [][]PartialDocument
}

// NewMemory creates an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]Document)}
}

// SetQueryError makes every subsequent Query fail with err (nil clears it).
func (m *Memory) SetQueryError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryErr = err
}

// SetUpsertError makes every subsequent Upsert fail with err (nil clears it).
func (m *Memory) SetUpsertError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertErr = err
}

// Batches returns a copy of every successfully applied Upsert batch.
func (m *Memory) Batches() [][]PartialDocument {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]PartialDocument, len(m.batches))
	copy(out, m.batches)
	return out
}

// Len returns the number of stored documents.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

// Query implements Index.
func (m *Memory) Query(_ context.Context, filters ...Filter) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, unavailable("query", m.queryErr)
	}

	var out []Document
	for _, id := range m.order {
		doc := m.docs[id]
		if matchesAll(doc, filters) {
			out = append(out, cloneDoc(doc))
		}
	}
	return out, nil
}

// Upsert implements Index.
func (m *Memory) Upsert(_ context.Context, docs []PartialDocument) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return nil, unavailable("upsert", m.upsertErr)
	}

	ids := make([]string, len(docs))
	for i, pd := range docs {
		id := pd.ID
		if id == "" {
			id = uuid.New().String()
		}
		doc, ok := m.docs[id]
		if !ok {
			doc = Document{"id": id}
			m.order = append(m.order, id)
		}
		for k, v := range pd.Fields {
			if v == nil {
				delete(doc, k)
				continue
			}
			doc[k] = normalizeValue(v)
		}
		m.docs[id] = doc
		ids[i] = id
	}
	m.batches = append(m.batches, docs)
	return ids, nil
}

// Close implements Index.
func (m *Memory) Close() error { return nil }

func matchesAll(doc Document, filters []Filter) bool {
	for _, f := range filters {
		if !matches(doc, f) {
			return false
		}
	}
	return true
}

func matches(doc Document, f Filter) bool {
	v, ok := doc[f.Field]
	if !ok || v == nil {
		return false
	}
	switch f.Op {
	case OpContains:
		s, isStr := v.(string)
		return isStr && strings.Contains(s, fmt.Sprint(f.Value))
	default:
		if list, isList := v.([]string); isList {
			want := fmt.Sprint(f.Value)
			for _, e := range list {
				if e == want {
					return true
				}
			}
			return false
		}
		return equalValues(v, normalizeValue(f.Value))
	}
}

func equalValues(a, b any) bool {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	}
	return false
}

// normalizeValue maps Go values onto the JSON value space used by every
// backend: numbers become float64 and string sets become sorted []string.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	case []string:
		out := make([]string, len(x))
		copy(out, x)
		sort.Strings(out)
		return out
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, fmt.Sprint(e))
		}
		sort.Strings(out)
		return out
	}
	return v
}

func cloneDoc(d Document) Document {
	out := make(Document, len(d))
	for k, v := range d {
		if list, ok := v.([]string); ok {
			cp := make([]string, len(list))
			copy(cp, list)
			v = cp
		}
		out[k] = v
	}
	return out
}
