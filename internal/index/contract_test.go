package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runContract exercises the behavior every persistent or in-process backend
// shares.
func runContract(t *testing.T, newIndex func(t *testing.T) Index) {
	ctx := context.Background()

	t.Run("create assigns identities in order", func(t *testing.T) {
		idx := newIndex(t)
		ids, err := idx.Upsert(ctx, []PartialDocument{
			{Fields: map[string]any{"type_s": "harvested", "dataset_s": "a", "filename_s": "f1.nc"}},
			{Fields: map[string]any{"type_s": "harvested", "dataset_s": "a", "filename_s": "f2.nc"}},
		})
		require.NoError(t, err)
		require.Len(t, ids, 2)
		assert.NotEmpty(t, ids[0])
		assert.NotEqual(t, ids[0], ids[1])

		docs, err := idx.Query(ctx, Eq("type_s", "harvested"), Eq("dataset_s", "a"))
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, ids[0], docs[0].ID())
		assert.Equal(t, "f1.nc", docs[0].String("filename_s"))
	})

	t.Run("update sets fields individually", func(t *testing.T) {
		idx := newIndex(t)
		ids, err := idx.Upsert(ctx, []PartialDocument{{Fields: map[string]any{
			"type_s":           "dataset",
			"dataset_s":        "a",
			"last_checked_dt":  "2020-01-01T00:00:00Z",
			"harvest_status_s": "success",
		}}})
		require.NoError(t, err)

		_, err = idx.Upsert(ctx, []PartialDocument{{ID: ids[0], Fields: map[string]any{
			"harvest_status_s": "error",
		}}})
		require.NoError(t, err)

		docs, err := idx.Query(ctx, Eq("type_s", "dataset"))
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "error", docs[0].String("harvest_status_s"))
		assert.Equal(t, "2020-01-01T00:00:00Z", docs[0].String("last_checked_dt"))
	})

	t.Run("nil removes a field", func(t *testing.T) {
		idx := newIndex(t)
		ids, err := idx.Upsert(ctx, []PartialDocument{{Fields: map[string]any{
			"type_s": "transformation", "stale_s": "x",
		}}})
		require.NoError(t, err)
		_, err = idx.Upsert(ctx, []PartialDocument{{ID: ids[0], Fields: map[string]any{"stale_s": nil}}})
		require.NoError(t, err)

		docs, err := idx.Query(ctx, Eq("type_s", "transformation"))
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.False(t, docs[0].Has("stale_s"))
	})

	t.Run("typed equality", func(t *testing.T) {
		idx := newIndex(t)
		_, err := idx.Upsert(ctx, []PartialDocument{
			{Fields: map[string]any{"type_s": "harvested", "harvest_success_b": true, "file_size_l": 10}},
			{Fields: map[string]any{"type_s": "harvested", "harvest_success_b": false, "file_size_l": 20}},
		})
		require.NoError(t, err)

		docs, err := idx.Query(ctx, Eq("harvest_success_b", true))
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, int64(10), docs[0].Int("file_size_l"))
		assert.True(t, docs[0].Bool("harvest_success_b"))

		docs, err = idx.Query(ctx, Eq("file_size_l", 20))
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.False(t, docs[0].Bool("harvest_success_b"))
	})

	t.Run("contains matches substrings", func(t *testing.T) {
		idx := newIndex(t)
		_, err := idx.Upsert(ctx, []PartialDocument{
			{Fields: map[string]any{"type_s": "harvested", "date_s": "2020-03-15T00:00:00Z"}},
			{Fields: map[string]any{"type_s": "harvested", "date_s": "2021-03-15T00:00:00Z"}},
		})
		require.NoError(t, err)

		docs, err := idx.Query(ctx, Eq("type_s", "harvested"), Contains("date_s", "2020"))
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "2020-03-15T00:00:00Z", docs[0].String("date_s"))
	})

	t.Run("list fields round trip sorted", func(t *testing.T) {
		idx := newIndex(t)
		_, err := idx.Upsert(ctx, []PartialDocument{{Fields: map[string]any{
			"type_s": "dataset", "years_updated_ss": []string{"2021", "2019"},
		}}})
		require.NoError(t, err)

		docs, err := idx.Query(ctx, Eq("type_s", "dataset"))
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, []string{"2019", "2021"}, docs[0].Strings("years_updated_ss"))
	})

	t.Run("no match is empty", func(t *testing.T) {
		idx := newIndex(t)
		docs, err := idx.Query(ctx, Eq("type_s", "nothing"))
		require.NoError(t, err)
		assert.Empty(t, docs)
	})
}
