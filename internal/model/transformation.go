package model

import (
	"time"

	"github.com/sells-group/granule-sync/internal/index"
)

// GridField is one processing target.
type GridField struct {
	Grid  string
	Field string
}

// TransformationRecord describes one derived artifact. Identity is
// (Dataset, Grid, Field, GranuleLocation).
type TransformationRecord struct {
	ID              string
	Dataset         string
	Grid            string
	Field           string
	GranuleLocation string
	Date            time.Time
	OriginChecksum  string
	// Version is nil when the producing code did not record one.
	Version        *float64
	Success        bool
	OutputLocation string
	CompletedTime  time.Time
}

// Target returns the (grid, field) pair of the record.
func (t TransformationRecord) Target() GridField {
	return GridField{Grid: t.Grid, Field: t.Field}
}

// Valid reports whether the artifact is current for the given code version
// and source checksum. A missing version is never valid.
func (t TransformationRecord) Valid(version float64, checksum string) bool {
	return t.Success &&
		t.Version != nil &&
		*t.Version == version &&
		t.OriginChecksum == checksum
}

// Fields renders the transformation document.
func (t TransformationRecord) Fields() map[string]any {
	f := map[string]any{
		FieldType:            TypeTransformation,
		FieldDataset:         t.Dataset,
		FieldGrid:            t.Grid,
		FieldField:           t.Field,
		FieldGranuleLocation: t.GranuleLocation,
		FieldOriginChecksum:  t.OriginChecksum,
		FieldSuccess:         t.Success,
		FieldOutputLocation:  t.OutputLocation,
		FieldCompletedTime:   index.FormatTime(t.CompletedTime),
	}
	if !t.Date.IsZero() {
		f[FieldDate] = index.FormatTime(t.Date)
	}
	if t.Version != nil {
		f[FieldTransformationVersion] = *t.Version
	}
	return f
}

// TransformationFromDocument decodes a transformation document.
func TransformationFromDocument(d index.Document) TransformationRecord {
	t := TransformationRecord{
		ID:              d.ID(),
		Dataset:         d.String(FieldDataset),
		Grid:            d.String(FieldGrid),
		Field:           d.String(FieldField),
		GranuleLocation: d.String(FieldGranuleLocation),
		OriginChecksum:  d.String(FieldOriginChecksum),
		Success:         d.Bool(FieldSuccess),
		OutputLocation:  d.String(FieldOutputLocation),
	}
	if v, ok := d.Float(FieldTransformationVersion); ok {
		t.Version = &v
	}
	if ts := d.Time(FieldDate); ts != nil {
		t.Date = *ts
	}
	if ts := d.Time(FieldCompletedTime); ts != nil {
		t.CompletedTime = *ts
	}
	return t
}
