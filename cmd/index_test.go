package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/granule-sync/internal/index"
	"github.com/sells-group/granule-sync/internal/model"
)

func TestRegisterGrids(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemory()

	n, err := registerGrids(ctx, idx, []string{"TPOSE", "ECCO_llc90", "TPOSE", " "})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	grids, err := registeredGrids(ctx, idx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ECCO_llc90", "TPOSE"}, grids)
}

func TestRegisterGrids_SkipsExisting(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemory()
	_, err := idx.Upsert(ctx, []index.PartialDocument{{Fields: model.GridFields("ECCO_llc90")}})
	require.NoError(t, err)

	n, err := registerGrids(ctx, idx, []string{"ECCO_llc90"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, idx.Len())

	n, err = registerGrids(ctx, idx, []string{"ECCO_llc90", "TPOSE"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, idx.Len())
}

func TestRegisterGrids_QueryError(t *testing.T) {
	idx := index.NewMemory()
	idx.SetQueryError(errors.New("solr down"))

	_, err := registerGrids(context.Background(), idx, []string{"TPOSE"})
	require.Error(t, err)
	assert.Equal(t, 0, idx.Len())
}

func TestRegisteredGrids_Dedupes(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemory()
	_, err := idx.Upsert(ctx, []index.PartialDocument{
		{Fields: model.GridFields("TPOSE")},
		{Fields: model.GridFields("TPOSE")},
	})
	require.NoError(t, err)

	grids, err := registeredGrids(ctx, idx)
	require.NoError(t, err)
	assert.Equal(t, []string{"TPOSE"}, grids)
}
