package ingest

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/agstats-cli/internal/db"
)

// UpsertBronzeCell writes one source-faithful cell, idempotently on the
// natural key (release, table, row, column). Re-submitting unchanged text is
// a true no-op: no update, no timestamp bump. Changed text overwrites the
// row and refreshes updated_at. The read-compare-write runs inside one
// transaction so concurrent re-ingests of the same cell stay consistent.
func (s *PostgresStore) UpsertBronzeCell(ctx context.Context, in BronzeCellInput) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: bronze upsert: begin tx")
	}
	defer tx.Rollback(ctx)

	var id int64
	var existingText string
	err = tx.QueryRow(ctx,
		`SELECT id, value_text FROM agstats.bronze_cells
		 WHERE release_id = $1 AND table_code = $2 AND row_code = $3 AND column_code = $4`,
		in.ReleaseID, in.TableCode, in.RowCode, in.ColumnCode,
	).Scan(&id, &existingText)
	switch {
	case err == nil:
		if existingText == in.ValueText {
			if err := tx.Commit(ctx); err != nil {
				return 0, eris.Wrap(err, "postgres: bronze upsert: commit no-op")
			}
			return id, nil
		}
	case !errors.Is(err, pgx.ErrNoRows):
		return 0, eris.Wrap(err, "postgres: bronze upsert: read existing")
	}

	numeric, warning := ParseNumeric(in.ValueText)

	err = tx.QueryRow(ctx,
		`INSERT INTO agstats.bronze_cells
		 (release_id, table_code, row_code, column_code, value_text, value_numeric, is_numeric,
		  parse_warning, row_label, row_category, period_label, run_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), $12)
		 ON CONFLICT (release_id, table_code, row_code, column_code) DO UPDATE SET
		   value_text = EXCLUDED.value_text,
		   value_numeric = EXCLUDED.value_numeric,
		   is_numeric = EXCLUDED.is_numeric,
		   parse_warning = EXCLUDED.parse_warning,
		   row_label = EXCLUDED.row_label,
		   row_category = EXCLUDED.row_category,
		   period_label = EXCLUDED.period_label,
		   run_id = EXCLUDED.run_id,
		   updated_at = now()
		 RETURNING id`,
		in.ReleaseID, in.TableCode, in.RowCode, in.ColumnCode, in.ValueText, numeric, numeric != nil,
		warning, in.RowLabel, in.RowCategory, in.PeriodLabel, in.RunID,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: bronze upsert %s/%s/%s/%s", in.ReleaseID, in.TableCode, in.RowCode, in.ColumnCode)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: bronze upsert: commit")
	}
	return id, nil
}

// BulkUpsertBronzeCells loads a whole document's cells in one COPY-backed
// upsert. Cells whose text is unchanged are skipped, matching the
// single-cell no-op, so a replayed release leaves updated_at alone.
func (s *PostgresStore) BulkUpsertBronzeCells(ctx context.Context, cells []BronzeCellInput) (int64, error) {
	if len(cells) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(cells))
	for _, c := range cells {
		numeric, warning := ParseNumeric(c.ValueText)
		rows = append(rows, []any{
			c.ReleaseID, c.TableCode, c.RowCode, c.ColumnCode,
			c.ValueText, numeric, numeric != nil, nullIfEmpty(warning),
			nullIfEmpty(c.RowLabel), nullIfEmpty(c.RowCategory), nullIfEmpty(c.PeriodLabel), c.RunID,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table: "agstats.bronze_cells",
		Columns: []string{
			"release_id", "table_code", "row_code", "column_code",
			"value_text", "value_numeric", "is_numeric", "parse_warning",
			"row_label", "row_category", "period_label", "run_id",
		},
		ConflictKeys:  []string{"release_id", "table_code", "row_code", "column_code"},
		SetExprs:      map[string]string{"updated_at": "now()"},
		OnlyIfChanged: []string{"value_text"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: bronze bulk upsert")
	}
	return n, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
