// Package monitoring evaluates dataset health from the summary documents in
// the metadata index and raises webhook alerts.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/granule-sync/internal/index"
	"github.com/sells-group/granule-sync/internal/model"
)

// DatasetHealth is the health view of one dataset summary.
type DatasetHealth struct {
	Dataset      string       `json:"dataset"`
	Status       model.Status `json:"status"`
	LastChecked  *time.Time   `json:"last_checked,omitempty"`
	LastDownload *time.Time   `json:"last_download,omitempty"`
	// FailedGranules counts granules whose latest fetch failed.
	FailedGranules int  `json:"failed_granules"`
	Stale          bool `json:"stale"`
}

// Unhealthy reports whether the dataset needs attention.
func (d DatasetHealth) Unhealthy() bool {
	return d.Stale || d.Status.IsError()
}

// HealthSnapshot holds a point-in-time view of every dataset.
type HealthSnapshot struct {
	Datasets        []DatasetHealth `json:"datasets"`
	StaleAfterHours int             `json:"stale_after_hours"`
	CollectedAt     time.Time       `json:"collected_at"`
}

// Unhealthy returns the datasets needing attention.
func (s *HealthSnapshot) Unhealthy() []DatasetHealth {
	var out []DatasetHealth
	for _, d := range s.Datasets {
		if d.Unhealthy() {
			out = append(out, d)
		}
	}
	return out
}

// Collector reads dataset health from the index.
type Collector struct {
	idx index.Index
	now func() time.Time
}

// NewCollector creates a Collector over idx.
func NewCollector(idx index.Index) *Collector {
	return &Collector{idx: idx, now: func() time.Time { return time.Now().UTC() }}
}

// Collect gathers a snapshot. A dataset is stale when it has not been
// checked within staleAfterHours; zero disables staleness.
func (c *Collector) Collect(ctx context.Context, staleAfterHours int) (*HealthSnapshot, error) {
	now := c.now()
	snap := &HealthSnapshot{StaleAfterHours: staleAfterHours, CollectedAt: now}

	docs, err := c.idx.Query(ctx, index.Eq(model.FieldType, model.TypeDataset))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list dataset summaries")
	}
	failedDocs, err := c.idx.Query(ctx,
		index.Eq(model.FieldType, model.TypeHarvested),
		index.Eq(model.FieldHarvestSuccess, false),
	)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list failed granules")
	}
	failed := make(map[string]int)
	for _, d := range failedDocs {
		failed[d.String(model.FieldDataset)]++
	}

	cutoff := now.Add(-time.Duration(staleAfterHours) * time.Hour)
	for _, d := range docs {
		s := model.SummaryFromDocument(d)
		h := DatasetHealth{
			Dataset:        s.Dataset,
			Status:         s.Status,
			LastChecked:    s.LastChecked,
			LastDownload:   s.LastDownload,
			FailedGranules: failed[s.Dataset],
		}
		if staleAfterHours > 0 {
			h.Stale = s.LastChecked == nil || s.LastChecked.Before(cutoff)
		}
		snap.Datasets = append(snap.Datasets, h)
	}
	sort.Slice(snap.Datasets, func(i, j int) bool {
		return snap.Datasets[i].Dataset < snap.Datasets[j].Dataset
	})
	return snap, nil
}
