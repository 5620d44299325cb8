// Package transform decides which (grid, field) artifacts of each granule are
// stale and produces them through an external transformer.
package transform

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/granule-sync/internal/index"
	"github.com/sells-group/granule-sync/internal/metrics"
	"github.com/sells-group/granule-sync/internal/model"
)

// Resolver computes the stale subset of a dataset's target matrix for one
// granule.
type Resolver struct {
	idx     index.Index
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewResolver creates a Resolver over idx. m may be nil.
func NewResolver(idx index.Index, m *metrics.Metrics) *Resolver {
	return &Resolver{
		idx:     idx,
		metrics: m,
		log:     zap.L().With(zap.String("component", "transform.resolver")),
	}
}

// Existing returns the transformation records of the granule at location,
// keyed by target.
func (r *Resolver) Existing(ctx context.Context, dataset, location string) (map[model.GridField]model.TransformationRecord, error) {
	docs, err := r.idx.Query(ctx,
		index.Eq(model.FieldType, model.TypeTransformation),
		index.Eq(model.FieldDataset, dataset),
		index.Eq(model.FieldGranuleLocation, location),
	)
	if err != nil {
		r.metrics.IncIndexError("query")
		return nil, eris.Wrapf(err, "transform: load transformations of %s", location)
	}
	out := make(map[model.GridField]model.TransformationRecord, len(docs))
	for _, d := range docs {
		rec := model.TransformationFromDocument(d)
		out[rec.Target()] = rec
	}
	return out, nil
}

// Resolution is the outcome of Resolve for one granule.
type Resolution struct {
	// Stale lists the targets that need (re)computation.
	Stale []model.GridField
	// Existing holds the recorded artifacts keyed by target. It is nil when
	// the index could not be queried.
	Existing map[model.GridField]model.TransformationRecord
}

// Known reports whether the recorded identities were loaded.
func (r Resolution) Known() bool {
	return r.Existing != nil
}

// Resolve returns the targets that need (re)computation for granule along
// with the records they replace. When the index cannot be queried every
// target is stale and no identities are known.
func (r *Resolver) Resolve(ctx context.Context, dataset string, granule model.GranuleRecord, version float64, targets []model.GridField) Resolution {
	existing, err := r.Existing(ctx, dataset, granule.Location)
	if err != nil {
		r.log.Warn("index unavailable, recomputing every target",
			zap.String("dataset", dataset),
			zap.String("filename", granule.Filename),
			zap.Error(err),
		)
		return Resolution{Stale: append([]model.GridField(nil), targets...)}
	}
	return Resolution{Stale: Stale(granule, version, targets, existing), Existing: existing}
}

// Stale drops every target whose existing record is valid for the granule's
// checksum and version.
func Stale(granule model.GranuleRecord, version float64, targets []model.GridField, existing map[model.GridField]model.TransformationRecord) []model.GridField {
	out := make([]model.GridField, 0, len(targets))
	for _, t := range targets {
		if rec, ok := existing[t]; ok && rec.Valid(version, granule.Checksum) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// ByGrid groups targets by grid, preserving field order.
func ByGrid(targets []model.GridField) map[string][]string {
	out := make(map[string][]string)
	for _, t := range targets {
		out[t.Grid] = append(out[t.Grid], t.Field)
	}
	return out
}
