package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/agstats-cli/internal/model"
)

func (s *SQLiteStore) UpsertBronzeCell(ctx context.Context, in BronzeCellInput) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: bronze upsert: begin tx")
	}
	defer tx.Rollback()

	var id int64
	var existingText string
	err = tx.QueryRowContext(ctx,
		`SELECT id, value_text FROM bronze_cells
		 WHERE release_id = ? AND table_code = ? AND row_code = ? AND column_code = ?`,
		in.ReleaseID, in.TableCode, in.RowCode, in.ColumnCode,
	).Scan(&id, &existingText)
	switch {
	case err == nil:
		if existingText == in.ValueText {
			if err := tx.Commit(); err != nil {
				return 0, eris.Wrap(err, "sqlite: bronze upsert: commit no-op")
			}
			return id, nil
		}
	case !errors.Is(err, sql.ErrNoRows):
		return 0, eris.Wrap(err, "sqlite: bronze upsert: read existing")
	}

	numeric, warning := ParseNumeric(in.ValueText)
	now := time.Now().UTC()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO bronze_cells
		 (release_id, table_code, row_code, column_code, value_text, value_numeric, is_numeric,
		  parse_warning, row_label, row_category, period_label, run_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?)
		 ON CONFLICT (release_id, table_code, row_code, column_code) DO UPDATE SET
		   value_text = excluded.value_text,
		   value_numeric = excluded.value_numeric,
		   is_numeric = excluded.is_numeric,
		   parse_warning = excluded.parse_warning,
		   row_label = excluded.row_label,
		   row_category = excluded.row_category,
		   period_label = excluded.period_label,
		   run_id = excluded.run_id,
		   updated_at = excluded.updated_at`,
		in.ReleaseID, in.TableCode, in.RowCode, in.ColumnCode, in.ValueText, numeric, numeric != nil,
		warning, in.RowLabel, in.RowCategory, in.PeriodLabel, in.RunID, now, now,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: bronze upsert %s/%s/%s/%s", in.ReleaseID, in.TableCode, in.RowCode, in.ColumnCode)
	}
	if id == 0 {
		id, err = res.LastInsertId()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: bronze cell last insert id")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: bronze upsert: commit")
	}
	return id, nil
}

// BulkUpsertBronzeCells has no COPY fast path on SQLite; it loops the
// single-cell upsert inside the caller's intent of one logical load.
func (s *SQLiteStore) BulkUpsertBronzeCells(ctx context.Context, cells []BronzeCellInput) (int64, error) {
	var n int64
	for _, c := range cells {
		if _, err := s.UpsertBronzeCell(ctx, c); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func obsLockKey(seriesID int64, obsTime time.Time) string {
	return fmt.Sprintf("obs:%d:%d", seriesID, obsTime.UnixNano())
}

// UpsertObservation mirrors the Postgres demote-then-insert sequence. The
// KeyMutex serializes writers per (series, time); SQLite's own write lock is
// not enough because the decision "who is latest" spans multiple statements.
func (s *SQLiteStore) UpsertObservation(ctx context.Context, in ObservationInput) (int64, error) {
	if in.Revision < 0 {
		return 0, eris.Errorf("sqlite: observation revision must be >= 0, got %d", in.Revision)
	}
	if in.QualityFlag == "" {
		in.QualityFlag = model.QualityGood
	}
	obsTime := in.ObsTime.UTC()

	var metaJSON []byte
	if in.Metadata != nil {
		var err error
		if metaJSON, err = marshalJSON(in.Metadata, "observation metadata"); err != nil {
			return 0, err
		}
	}

	key := obsLockKey(in.SeriesID, obsTime)
	s.obsLock.Lock(key)
	defer s.obsLock.Unlock(key)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: observation upsert: begin tx")
	}
	defer tx.Rollback()

	var existingID int64
	var existingValue float64
	var existingFlag string
	err = tx.QueryRowContext(ctx,
		`SELECT id, value, quality_flag FROM observations
		 WHERE series_id = ? AND obs_time = ? AND revision = ?`,
		in.SeriesID, obsTime, in.Revision,
	).Scan(&existingID, &existingValue, &existingFlag)
	switch {
	case err == nil:
		if existingValue == in.Value && existingFlag == string(in.QualityFlag) {
			if err := tx.Commit(); err != nil {
				return 0, eris.Wrap(err, "sqlite: observation upsert: commit no-op")
			}
			return existingID, nil
		}
	case !errors.Is(err, sql.ErrNoRows):
		return 0, eris.Wrap(err, "sqlite: observation upsert: read existing")
	}

	var maxRev sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(revision) FROM observations WHERE series_id = ? AND obs_time = ?`,
		in.SeriesID, obsTime,
	).Scan(&maxRev); err != nil {
		return 0, eris.Wrap(err, "sqlite: observation upsert: read max revision")
	}
	isLatest := !maxRev.Valid || int64(in.Revision) >= maxRev.Int64

	now := time.Now().UTC()
	if isLatest {
		if _, err := tx.ExecContext(ctx,
			`UPDATE observations
			 SET is_latest = 0, superseded_at = ?, updated_at = ?
			 WHERE series_id = ? AND obs_time = ? AND revision < ? AND is_latest`,
			now, now, in.SeriesID, obsTime, in.Revision,
		); err != nil {
			return 0, eris.Wrap(err, "sqlite: observation upsert: demote superseded")
		}
	}

	var superseded *time.Time
	if !isLatest {
		superseded = &now
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO observations
		 (series_id, obs_time, revision, value, is_latest, superseded_at, quality_flag,
		  is_estimated, is_forecast, is_preliminary, bronze_cell_id, run_id, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (series_id, obs_time, revision) DO UPDATE SET
		   value = excluded.value,
		   is_latest = excluded.is_latest,
		   quality_flag = excluded.quality_flag,
		   is_estimated = excluded.is_estimated,
		   is_forecast = excluded.is_forecast,
		   is_preliminary = excluded.is_preliminary,
		   bronze_cell_id = excluded.bronze_cell_id,
		   run_id = excluded.run_id,
		   metadata = excluded.metadata,
		   updated_at = excluded.updated_at`,
		in.SeriesID, obsTime, in.Revision, in.Value, isLatest, superseded, string(in.QualityFlag),
		in.IsEstimated, in.IsForecast, in.IsPreliminary, in.BronzeCellID, in.RunID, metaJSON, now, now,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: observation upsert series %d rev %d", in.SeriesID, in.Revision)
	}
	id := existingID
	if id == 0 {
		id, err = res.LastInsertId()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: observation last insert id")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: observation upsert: commit")
	}
	return id, nil
}

func (s *SQLiteStore) ListObservations(ctx context.Context, filter ObservationFilter) ([]model.Observation, error) {
	query := `SELECT id, series_id, obs_time, revision, value, is_latest, superseded_at,
		quality_flag, is_estimated, is_forecast, is_preliminary, bronze_cell_id, run_id, metadata,
		created_at, updated_at
		FROM observations WHERE series_id = ?`
	args := []any{filter.SeriesID}

	if filter.LatestOnly {
		query += ` AND is_latest`
	}
	if filter.From != nil {
		query += ` AND obs_time >= ?`
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		query += ` AND obs_time < ?`
		args = append(args, filter.To.UTC())
	}
	query += ` ORDER BY obs_time, revision`

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += fmt.Sprintf(` LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list observations")
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		var o model.Observation
		var metaJSON []byte
		if err := rows.Scan(
			&o.ID, &o.SeriesID, &o.ObsTime, &o.Revision, &o.Value, &o.IsLatest, &o.SupersededAt,
			&o.QualityFlag, &o.IsEstimated, &o.IsForecast, &o.IsPreliminary, &o.BronzeCellID, &o.RunID, &metaJSON,
			&o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan observation")
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &o.Metadata)
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list observations iterate")
}

func (s *SQLiteStore) CheckLatestInvariant(ctx context.Context, seriesID int64) ([]InvariantViolation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT obs_time,
		        SUM(CASE WHEN is_latest THEN 1 ELSE 0 END) AS latest_count,
		        MAX(revision) AS max_rev,
		        COALESCE(MAX(CASE WHEN is_latest THEN revision END), -1) AS latest_rev
		 FROM observations
		 WHERE series_id = ?
		 GROUP BY obs_time
		 HAVING SUM(CASE WHEN is_latest THEN 1 ELSE 0 END) <> 1
		     OR COALESCE(MAX(CASE WHEN is_latest THEN revision END), -1) <> MAX(revision)`,
		seriesID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: check latest invariant for series %d", seriesID)
	}
	defer rows.Close()

	var violations []InvariantViolation
	for rows.Next() {
		v := InvariantViolation{SeriesID: seriesID}
		if err := rows.Scan(&v.ObsTime, &v.LatestCount, &v.MaxRevision, &v.LatestRevision); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan invariant violation")
		}
		violations = append(violations, v)
	}
	return violations, eris.Wrap(rows.Err(), "sqlite: check latest invariant iterate")
}
