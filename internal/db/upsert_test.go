package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return mock
}

func TestBulkUpsertEmptyRowsIsNoop(t *testing.T) {
	mock := newMockPool(t)

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "agstats.bronze_cells",
		Columns:      []string{"release_id", "value_text"},
		ConflictKeys: []string{"release_id"},
	}, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsertRequiresColumnsAndKeys(t *testing.T) {
	mock := newMockPool(t)
	rows := [][]any{{"2025-01", "2,131"}}

	_, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "agstats.bronze_cells",
		ConflictKeys: []string{"release_id"},
	}, rows)
	assert.Error(t, err)

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:   "agstats.bronze_cells",
		Columns: []string{"release_id", "value_text"},
	}, rows)
	assert.Error(t, err)
}

func TestBulkUpsertFlow(t *testing.T) {
	mock := newMockPool(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "stage_agstats_bronze_cells"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"stage_agstats_bronze_cells"}, []string{"release_id", "value_text"}).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "agstats"\."bronze_cells" AS t.*ON CONFLICT \("release_id"\) DO UPDATE SET "value_text" = EXCLUDED\."value_text"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "agstats.bronze_cells",
		Columns:      []string{"release_id", "value_text"},
		ConflictKeys: []string{"release_id"},
	}, [][]any{
		{"2025-01", "2,131"},
		{"2025-02", "14,900"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeSQL(t *testing.T) {
	got := mergeSQL(UpsertConfig{
		Table:        "agstats.bronze_cells",
		Columns:      []string{"release_id", "value_text", "run_id"},
		ConflictKeys: []string{"release_id"},
	}, "stage_agstats_bronze_cells")
	assert.Equal(t,
		`INSERT INTO "agstats"."bronze_cells" AS t ("release_id", "value_text", "run_id") `+
			`SELECT "release_id", "value_text", "run_id" FROM "stage_agstats_bronze_cells" `+
			`ON CONFLICT ("release_id") DO UPDATE SET `+
			`"value_text" = EXCLUDED."value_text", "run_id" = EXCLUDED."run_id"`,
		got)
}

func TestMergeSQLSetExprsAndGuard(t *testing.T) {
	got := mergeSQL(UpsertConfig{
		Table:         "bronze_cells",
		Columns:       []string{"release_id", "value_text"},
		ConflictKeys:  []string{"release_id"},
		SetExprs:      map[string]string{"updated_at": "now()"},
		OnlyIfChanged: []string{"value_text"},
	}, "stage_bronze_cells")
	assert.Contains(t, got, `"updated_at" = now()`)
	assert.Contains(t, got, `WHERE t."value_text" IS DISTINCT FROM EXCLUDED."value_text"`)
}

func TestQualify(t *testing.T) {
	assert.Equal(t, `"agstats"."bronze_cells"`, qualify("agstats.bronze_cells"))
	assert.Equal(t, `"bronze_cells"`, qualify("bronze_cells"))
}

func TestQuoteList(t *testing.T) {
	assert.Equal(t, `"a", "b"`, quoteList([]string{"a", "b"}))
}
