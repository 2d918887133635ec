package db

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes one COPY-backed bulk upsert.
type UpsertConfig struct {
	Table        string   // target table, schema-qualified or bare
	Columns      []string // columns fed to COPY, in row order
	ConflictKeys []string // unique-constraint columns
	UpdateCols   []string // overwritten on conflict; nil = every non-key column

	// SetExprs adds raw SET expressions applied on conflict, keyed by
	// column, e.g. {"updated_at": "now()"}.
	SetExprs map[string]string

	// OnlyIfChanged guards the conflict update: an existing row is left
	// untouched unless at least one listed column differs from the
	// incoming value. Replayed loads then do not churn update timestamps.
	OnlyIfChanged []string
}

// BulkUpsert stages rows into a transaction-scoped temp table with COPY,
// then folds them into the target with INSERT ... ON CONFLICT DO UPDATE.
// Returns the number of rows inserted or updated; rows skipped by
// OnlyIfChanged are not counted.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: bulk upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: bulk upsert: no conflict keys specified")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: bulk upsert: begin tx")
	}
	defer tx.Rollback(ctx)

	staging := stagingName(cfg.Table)
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{staging}.Sanitize(),
		qualify(cfg.Table),
	)); err != nil {
		return 0, eris.Wrapf(err, "db: bulk upsert: create staging table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{staging}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: bulk upsert: COPY into staging table for %s", cfg.Table)
	}

	tag, err := tx.Exec(ctx, mergeSQL(cfg, staging))
	if err != nil {
		return 0, eris.Wrapf(err, "db: bulk upsert: merge into %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: bulk upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

// mergeSQL renders the INSERT ... ON CONFLICT statement folding the staging
// table into the target. The target gets an alias so the OnlyIfChanged
// guard can reference existing rows regardless of schema qualification.
func mergeSQL(cfg UpsertConfig, staging string) string {
	keys := make(map[string]bool, len(cfg.ConflictKeys))
	for _, k := range cfg.ConflictKeys {
		keys[k] = true
	}
	update := cfg.UpdateCols
	if update == nil {
		for _, c := range cfg.Columns {
			if !keys[c] {
				update = append(update, c)
			}
		}
	}

	var set []string
	for _, col := range update {
		q := pgx.Identifier{col}.Sanitize()
		set = append(set, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
	}
	exprCols := make([]string, 0, len(cfg.SetExprs))
	for col := range cfg.SetExprs {
		exprCols = append(exprCols, col)
	}
	sort.Strings(exprCols)
	for _, col := range exprCols {
		set = append(set, fmt.Sprintf("%s = %s", pgx.Identifier{col}.Sanitize(), cfg.SetExprs[col]))
	}

	cols := quoteList(cfg.Columns)
	sql := fmt.Sprintf(
		"INSERT INTO %s AS t (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s",
		qualify(cfg.Table),
		cols,
		cols,
		pgx.Identifier{staging}.Sanitize(),
		quoteList(cfg.ConflictKeys),
		strings.Join(set, ", "),
	)

	if len(cfg.OnlyIfChanged) > 0 {
		var diff []string
		for _, col := range cfg.OnlyIfChanged {
			q := pgx.Identifier{col}.Sanitize()
			diff = append(diff, fmt.Sprintf("t.%s IS DISTINCT FROM EXCLUDED.%s", q, q))
		}
		sql += " WHERE " + strings.Join(diff, " OR ")
	}
	return sql
}

// stagingName derives a temp-table name unique to the target table.
func stagingName(table string) string {
	return "stage_" + strings.ReplaceAll(table, ".", "_")
}

// qualify sanitizes schema-qualified table names like "agstats.bronze_cells".
func qualify(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
