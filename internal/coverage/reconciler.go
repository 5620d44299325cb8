package coverage

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/granule-sync/internal/index"
	"github.com/sells-group/granule-sync/internal/metrics"
	"github.com/sells-group/granule-sync/internal/model"
)

// Reconciler reads and writes dataset summaries in the index.
type Reconciler struct {
	idx     index.Index
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewReconciler creates a Reconciler. m may be nil.
func NewReconciler(idx index.Index, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		idx:     idx,
		metrics: m,
		log:     zap.L().With(zap.String("component", "coverage.reconciler")),
	}
}

// Load returns the stored summary document of dataset, or nil when the
// dataset has none.
func (r *Reconciler) Load(ctx context.Context, dataset string) (index.Document, error) {
	docs, err := r.idx.Query(ctx,
		index.Eq(model.FieldType, model.TypeDataset),
		index.Eq(model.FieldDataset, dataset),
	)
	if err != nil {
		r.metrics.IncIndexError("query")
		return nil, eris.Wrapf(err, "coverage: load summary of %s", dataset)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	if len(docs) > 1 {
		r.log.Warn("multiple dataset summaries, using the first",
			zap.String("dataset", dataset),
			zap.Int("count", len(docs)),
		)
	}
	return docs[0], nil
}

// Apply reconciles o into the summary of dataset and returns the summary as
// written. Field documents are created alongside a new summary.
func (r *Reconciler) Apply(ctx context.Context, dataset string, o Outcomes, meta model.DatasetMeta, fields []model.FieldMeta, now time.Time) (model.DatasetSummary, error) {
	doc, err := r.Load(ctx, dataset)
	if err != nil {
		return model.DatasetSummary{}, err
	}

	var existing *model.DatasetSummary
	if doc != nil {
		s := model.SummaryFromDocument(doc)
		existing = &s
	}
	write := Reconcile(dataset, o, existing, meta, now)

	batch := []index.PartialDocument{write}
	if existing == nil {
		for _, f := range fields {
			batch = append(batch, index.PartialDocument{Fields: f.Fields(dataset)})
		}
	}
	ids, err := r.idx.Upsert(ctx, batch)
	if err != nil {
		r.metrics.IncIndexError("upsert")
		return model.DatasetSummary{}, eris.Wrapf(err, "coverage: write summary of %s", dataset)
	}

	merged := make(index.Document, len(doc)+len(write.Fields)+1)
	for k, v := range doc {
		merged[k] = v
	}
	for k, v := range write.Fields {
		merged[k] = v
	}
	if write.ID == "" && len(ids) > 0 {
		merged[model.FieldID] = ids[0]
	}
	summary := model.SummaryFromDocument(merged)

	r.log.Info("dataset summary reconciled",
		zap.String("dataset", dataset),
		zap.Bool("created", existing == nil),
		zap.String("status", string(summary.Status)),
	)
	return summary, nil
}
