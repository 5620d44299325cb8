package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func documentsUpsert() UpsertConfig {
	return UpsertConfig{
		Table:        "granule_index.documents",
		Columns:      []string{"id", "doc"},
		ConflictKeys: []string{"id"},
		InsertExprs:  map[string]string{"doc": "jsonb_strip_nulls(%s)"},
		UpdateExprs: map[string]string{
			"doc":        "jsonb_strip_nulls(%[1]s.%[2]s || EXCLUDED.%[2]s)",
			"updated_at": "now()",
		},
	}
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.TODO(), nil, documentsUpsert(), nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "granule_index.documents",
		ConflictKeys: []string{"id"},
	}, [][]any{{"a", "{}"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:   "granule_index.documents",
		Columns: []string{"id", "doc"},
	}, [][]any{{"a", "{}"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBuildUpsertSQL(t *testing.T) {
	sql := buildUpsertSQL(documentsUpsert(), stagingTable("granule_index.documents"))
	assert.Equal(t,
		`INSERT INTO "granule_index"."documents" ("id", "doc") `+
			`SELECT "id", jsonb_strip_nulls("doc") FROM "_tmp_upsert_granule_index_documents" `+
			`ON CONFLICT ("id") DO UPDATE SET "doc" = jsonb_strip_nulls("granule_index"."documents"."doc" || EXCLUDED."doc"), "updated_at" = now()`,
		sql)
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := [][]any{{"a", `{"type_s":"harvested"}`}, {"b", `{"type_s":"dataset"}`}}

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_granule_index_documents"}, []string{"id", "doc"}).
		WillReturnResult(2)
	mock.ExpectExec("INSERT INTO").WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, documentsUpsert(), rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CopyFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_granule_index_documents"}, []string{"id", "doc"}).
		WillReturnError(errors.New("copy failed"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, documentsUpsert(), [][]any{{"a", "{}"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"granule_index.documents", `"granule_index"."documents"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitizeTable(tt.input)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	result := quoteAndJoin([]string{"id", "doc", "updated_at"})
	assert.Equal(t, `"id", "doc", "updated_at"`, result)
}
