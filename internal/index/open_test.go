package index

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackends(t *testing.T) {
	assert.Equal(t, []string{"memory", "postgres", "solr", "sqlite"}, Backends())
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	idx, err := Open(ctx, Options{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, idx)

	idx, err = Open(ctx, Options{Backend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, idx)
	require.NoError(t, idx.Close())

	idx, err = Open(ctx, Options{Backend: "solr", SolrURL: "http://localhost:8983/solr", Collection: "c"})
	require.NoError(t, err)
	assert.IsType(t, &Solr{}, idx)

	_, err = Open(ctx, Options{Backend: "mongo"})
	assert.ErrorContains(t, err, `unknown backend "mongo"`)

	_, err = Open(ctx, Options{Backend: "postgres"})
	assert.ErrorContains(t, err, "database url is required")
}
