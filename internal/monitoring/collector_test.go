package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/granule-sync/internal/index"
	"github.com/sells-group/granule-sync/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var collectedAt = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func seedIndex(t *testing.T) *index.Memory {
	t.Helper()
	idx := index.NewMemory()
	docs := []map[string]any{
		{
			model.FieldType:        model.TypeDataset,
			model.FieldDataset:     "fresh",
			model.FieldStatus:      "harvested",
			model.FieldLastChecked: "2024-05-10T06:00:00Z",
		},
		{
			model.FieldType:        model.TypeDataset,
			model.FieldDataset:     "stale",
			model.FieldStatus:      "transformed",
			model.FieldLastChecked: "2024-05-01T00:00:00Z",
		},
		{
			model.FieldType:        model.TypeDataset,
			model.FieldDataset:     "broken",
			model.FieldStatus:      string(model.StatusNoFiles),
			model.FieldLastChecked: "2024-05-10T11:00:00Z",
		},
		{
			model.FieldType:           model.TypeHarvested,
			model.FieldDataset:        "fresh",
			model.FieldFilename:       "a.nc",
			model.FieldHarvestSuccess: false,
		},
		{
			model.FieldType:           model.TypeHarvested,
			model.FieldDataset:        "fresh",
			model.FieldFilename:       "b.nc",
			model.FieldHarvestSuccess: true,
		},
	}
	batch := make([]index.PartialDocument, len(docs))
	for i, d := range docs {
		batch[i] = index.PartialDocument{Fields: d}
	}
	_, err := idx.Upsert(context.Background(), batch)
	require.NoError(t, err)
	return idx
}

func newTestCollector(idx index.Index) *Collector {
	c := NewCollector(idx)
	c.now = func() time.Time { return collectedAt }
	return c
}

func TestCollector_Collect(t *testing.T) {
	snap, err := newTestCollector(seedIndex(t)).Collect(context.Background(), 48)
	require.NoError(t, err)

	require.Len(t, snap.Datasets, 3)
	assert.Equal(t, collectedAt, snap.CollectedAt)
	assert.Equal(t, 48, snap.StaleAfterHours)

	byName := make(map[string]DatasetHealth)
	for _, d := range snap.Datasets {
		byName[d.Dataset] = d
	}
	assert.False(t, byName["fresh"].Stale)
	assert.Equal(t, 1, byName["fresh"].FailedGranules)
	assert.True(t, byName["stale"].Stale)
	assert.False(t, byName["broken"].Stale)
	assert.True(t, byName["broken"].Unhealthy())

	unhealthy := snap.Unhealthy()
	require.Len(t, unhealthy, 2)
	assert.Equal(t, "broken", unhealthy[0].Dataset)
	assert.Equal(t, "stale", unhealthy[1].Dataset)
}

func TestCollector_StalenessDisabled(t *testing.T) {
	snap, err := newTestCollector(seedIndex(t)).Collect(context.Background(), 0)
	require.NoError(t, err)
	for _, d := range snap.Datasets {
		assert.False(t, d.Stale, d.Dataset)
	}
}

func TestCollector_NeverChecked(t *testing.T) {
	idx := index.NewMemory()
	_, err := idx.Upsert(context.Background(), []index.PartialDocument{{Fields: map[string]any{
		model.FieldType:    model.TypeDataset,
		model.FieldDataset: "new",
	}}})
	require.NoError(t, err)

	snap, err := newTestCollector(idx).Collect(context.Background(), 24)
	require.NoError(t, err)
	require.Len(t, snap.Datasets, 1)
	assert.True(t, snap.Datasets[0].Stale)
}

func TestCollector_IndexError(t *testing.T) {
	idx := index.NewMemory()
	idx.SetQueryError(errors.New("connection refused"))

	_, err := newTestCollector(idx).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list dataset summaries")
}
