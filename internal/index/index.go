// Package index is the client side of the metadata index: conjunctive filter
// queries and partial-update upserts against a document collection.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// TimeLayout is the wire format of every timestamp stored in the index.
const TimeLayout = "2006-01-02T15:04:05Z"

// FormatTime renders t in the index timestamp format (UTC, second precision).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses an index timestamp. Fractional seconds are tolerated.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "index: parse time %q", s)
	}
	return t.UTC(), nil
}

// FilterOp is the comparison applied by a Filter.
type FilterOp int

const (
	// OpEq matches documents whose field equals the value (type-aware).
	OpEq FilterOp = iota
	// OpContains matches string fields containing the value as a substring.
	OpContains
)

// Filter is one conjunct of a query.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Eq builds an equality filter.
func Eq(field string, value any) Filter {
	return Filter{Field: field, Op: OpEq, Value: value}
}

// Contains builds a substring filter over a string field.
func Contains(field, substr string) Filter {
	return Filter{Field: field, Op: OpContains, Value: substr}
}

// Document is a stored document as returned by Query. The identity lives
// under the "id" key.
type Document map[string]any

// PartialDocument is one element of an Upsert batch. An empty ID creates a
// new document; a non-empty ID sets each field individually on the existing
// document, leaving other fields untouched.
type PartialDocument struct {
	ID     string
	Fields map[string]any
}

// Index is the metadata index contract consumed by the engine.
type Index interface {
	// Query returns every document matching all filters.
	Query(ctx context.Context, filters ...Filter) ([]Document, error)

	// Upsert applies docs and returns the identity of each document in input
	// order. Identities are assigned by the index on create.
	Upsert(ctx context.Context, docs []PartialDocument) ([]string, error)

	// Close releases backend resources.
	Close() error
}

// UnavailableError reports that the index could not serve a query or update.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("index unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err carries an UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsUnavailable(err) {
		return err
	}
	return &UnavailableError{Op: op, Err: err}
}

// ID returns the document identity or "".
func (d Document) ID() string {
	return d.String("id")
}

// Has reports whether field is present and non-null.
func (d Document) Has(field string) bool {
	v, ok := d[field]
	return ok && v != nil
}

// String returns a string field or "".
func (d Document) String(field string) string {
	switch v := d[field].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Bool returns a boolean field. Missing fields are false.
func (d Document) Bool(field string) bool {
	switch v := d[field].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	case float64:
		return v != 0
	case int64:
		return v != 0
	case int:
		return v != 0
	}
	return false
}

// Float returns a numeric field and whether it was present and numeric.
func (d Document) Float(field string) (float64, bool) {
	switch v := d[field].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// Int returns an integer field or 0.
func (d Document) Int(field string) int64 {
	f, ok := d.Float(field)
	if !ok {
		return 0
	}
	return int64(math.Round(f))
}

// Time returns a timestamp field, or nil when absent or unparseable.
func (d Document) Time(field string) *time.Time {
	s := d.String(field)
	if s == "" {
		return nil
	}
	t, err := ParseTime(s)
	if err != nil {
		return nil
	}
	return &t
}

// Strings returns a multi-valued string field.
func (d Document) Strings(field string) []string {
	switch v := d[field].(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, fmt.Sprint(e))
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}
