// Package coverage folds per-run outcomes into the single dataset summary
// document.
package coverage

import (
	"sort"
	"time"

	"github.com/sells-group/granule-sync/internal/index"
	"github.com/sells-group/granule-sync/internal/model"
)

// Outcomes are the facts one run contributes to a dataset summary.
type Outcomes struct {
	// GranuleDates are the scientific dates of granules that are
	// successfully harvested after the run.
	GranuleDates []time.Time
	// FetchAttempted is true when any fetch ran, successful or not.
	FetchAttempted bool
	// AnySuccess is true when any fetch of the run succeeded.
	AnySuccess bool
	// LastDownload is the latest successful fetch of the run.
	LastDownload *time.Time
	// Transformed is true when any transformation ran.
	Transformed bool
	// TransformYears maps grid to the years touched by the run.
	TransformYears map[string][]string
}

// Produced reports whether the run changed anything worth summarizing.
func (o Outcomes) Produced() bool {
	return o.FetchAttempted || o.Transformed
}

func (o Outcomes) bounds() (start, end *time.Time) {
	for i := range o.GranuleDates {
		d := o.GranuleDates[i]
		if start == nil || d.Before(*start) {
			start = &d
		}
		if end == nil || d.After(*end) {
			end = &d
		}
	}
	return start, end
}

// Reconcile returns the write that brings the summary up to date with o.
// When existing is nil the summary is created in full; otherwise only the
// fields that change are set on the existing document.
func Reconcile(dataset string, o Outcomes, existing *model.DatasetSummary, meta model.DatasetMeta, now time.Time) index.PartialDocument {
	if existing == nil {
		return create(dataset, o, meta, now)
	}
	return update(o, *existing, now)
}

func create(dataset string, o Outcomes, meta model.DatasetMeta, now time.Time) index.PartialDocument {
	status := model.StatusNoFiles
	if len(o.GranuleDates) > 0 {
		status = model.StatusNoData
		if o.AnySuccess {
			status = model.StatusHarvested
		}
	}
	if o.Transformed {
		status = model.StatusTransformed
	}

	f := meta.Fields()
	f[model.FieldType] = model.TypeDataset
	f[model.FieldDataset] = dataset
	f[model.FieldStatus] = string(status)
	f[model.FieldLastChecked] = index.FormatTime(now)
	if start, end := o.bounds(); start != nil {
		f[model.FieldStartDate] = index.FormatTime(*start)
		f[model.FieldEndDate] = index.FormatTime(*end)
	}
	if o.LastDownload != nil {
		f[model.FieldLastDownload] = index.FormatTime(*o.LastDownload)
	}
	for grid, years := range o.TransformYears {
		if len(years) > 0 {
			f[model.YearsUpdatedField(grid)] = union(nil, years)
		}
	}
	return index.PartialDocument{Fields: f}
}

func update(o Outcomes, s model.DatasetSummary, now time.Time) index.PartialDocument {
	f := map[string]any{
		model.FieldLastChecked: index.FormatTime(now),
	}
	if !o.Produced() {
		return index.PartialDocument{ID: s.ID, Fields: f}
	}

	if o.Transformed {
		f[model.FieldStatus] = string(model.StatusTransformed)
	} else {
		f[model.FieldStatus] = string(model.StatusHarvested)
	}
	if o.LastDownload != nil {
		f[model.FieldLastDownload] = index.FormatTime(*o.LastDownload)
	}

	start, end := o.bounds()
	if start != nil && (s.CoverageStart == nil || start.Before(*s.CoverageStart)) {
		f[model.FieldStartDate] = index.FormatTime(*start)
	}
	if end != nil && (s.CoverageEnd == nil || end.After(*s.CoverageEnd)) {
		f[model.FieldEndDate] = index.FormatTime(*end)
	}

	for grid, years := range o.TransformYears {
		merged := union(s.YearsUpdated[grid], years)
		if len(merged) > len(s.YearsUpdated[grid]) {
			f[model.YearsUpdatedField(grid)] = merged
		}
	}
	return index.PartialDocument{ID: s.ID, Fields: f}
}

// union returns the sorted set union of a and b.
func union(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, y := range a {
		set[y] = struct{}{}
	}
	for _, y := range b {
		set[y] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for y := range set {
		out = append(out, y)
	}
	sort.Strings(out)
	return out
}
