package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/agstats-cli/internal/model"
)

// UpsertObservation writes one canonical fact and maintains the is_latest
// pointer for its (series, time) pair, all inside one transaction.
//
// Sequence:
//  1. take a transaction-scoped advisory lock keyed on (series, time);
//     default snapshot isolation alone would let two racing writers both
//     see "no latest row to demote" and both insert as latest
//  2. if the exact (series, time, revision) row exists with the same value
//     and quality flag, commit nothing and return its id
//  3. the incoming row becomes latest only when its revision is >= every
//     revision already stored for the pair; a correction arriving out of
//     order never steals the pointer from a higher revision
//  4. if latest, demote every currently-latest lower revision (all of them,
//     not just the expected single row) with superseded_at = now()
//  5. insert, or update in place when the exact key exists with different
//     value or flags
func (s *PostgresStore) UpsertObservation(ctx context.Context, in ObservationInput) (int64, error) {
	if in.Revision < 0 {
		return 0, eris.Errorf("postgres: observation revision must be >= 0, got %d", in.Revision)
	}
	if in.QualityFlag == "" {
		in.QualityFlag = model.QualityGood
	}
	obsTime := in.ObsTime.UTC()

	var metaJSON []byte
	if in.Metadata != nil {
		var err error
		metaJSON, err = json.Marshal(in.Metadata)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal observation metadata")
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: observation upsert: begin tx")
	}
	defer tx.Rollback(ctx)

	lockKey := fmt.Sprintf("obs:%d:%d", in.SeriesID, obsTime.UnixNano())
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
		return 0, eris.Wrapf(err, "postgres: observation upsert: lock %s", lockKey)
	}

	var existingID int64
	var existingValue float64
	var existingFlag string
	err = tx.QueryRow(ctx,
		`SELECT id, value, quality_flag FROM agstats.observations
		 WHERE series_id = $1 AND obs_time = $2 AND revision = $3`,
		in.SeriesID, obsTime, in.Revision,
	).Scan(&existingID, &existingValue, &existingFlag)
	switch {
	case err == nil:
		if existingValue == in.Value && existingFlag == string(in.QualityFlag) {
			if err := tx.Commit(ctx); err != nil {
				return 0, eris.Wrap(err, "postgres: observation upsert: commit no-op")
			}
			return existingID, nil
		}
	case !errors.Is(err, pgx.ErrNoRows):
		return 0, eris.Wrap(err, "postgres: observation upsert: read existing")
	}

	var maxRev *int
	if err := tx.QueryRow(ctx,
		`SELECT MAX(revision) FROM agstats.observations WHERE series_id = $1 AND obs_time = $2`,
		in.SeriesID, obsTime,
	).Scan(&maxRev); err != nil {
		return 0, eris.Wrap(err, "postgres: observation upsert: read max revision")
	}
	isLatest := maxRev == nil || in.Revision >= *maxRev

	if isLatest {
		if _, err := tx.Exec(ctx,
			`UPDATE agstats.observations
			 SET is_latest = false, superseded_at = now(), updated_at = now()
			 WHERE series_id = $1 AND obs_time = $2 AND revision < $3 AND is_latest`,
			in.SeriesID, obsTime, in.Revision,
		); err != nil {
			return 0, eris.Wrap(err, "postgres: observation upsert: demote superseded")
		}
	}

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO agstats.observations
		 (series_id, obs_time, revision, value, is_latest, superseded_at, quality_flag,
		  is_estimated, is_forecast, is_preliminary, bronze_cell_id, run_id, metadata)
		 VALUES ($1, $2, $3, $4, $5, CASE WHEN $5 THEN NULL ELSE now() END, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (series_id, obs_time, revision) DO UPDATE SET
		   value = EXCLUDED.value,
		   is_latest = EXCLUDED.is_latest,
		   quality_flag = EXCLUDED.quality_flag,
		   is_estimated = EXCLUDED.is_estimated,
		   is_forecast = EXCLUDED.is_forecast,
		   is_preliminary = EXCLUDED.is_preliminary,
		   bronze_cell_id = EXCLUDED.bronze_cell_id,
		   run_id = EXCLUDED.run_id,
		   metadata = EXCLUDED.metadata,
		   updated_at = now()
		 RETURNING id`,
		in.SeriesID, obsTime, in.Revision, in.Value, isLatest, string(in.QualityFlag),
		in.IsEstimated, in.IsForecast, in.IsPreliminary, in.BronzeCellID, in.RunID, metaJSON,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: observation upsert series %d rev %d", in.SeriesID, in.Revision)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: observation upsert: commit")
	}
	return id, nil
}

const observationColumns = `id, series_id, obs_time, revision, value, is_latest, superseded_at,
	quality_flag, is_estimated, is_forecast, is_preliminary, bronze_cell_id, run_id, metadata,
	created_at, updated_at`

func scanObservation(row pgx.Row) (*model.Observation, error) {
	var o model.Observation
	var metaJSON []byte
	if err := row.Scan(
		&o.ID, &o.SeriesID, &o.ObsTime, &o.Revision, &o.Value, &o.IsLatest, &o.SupersededAt,
		&o.QualityFlag, &o.IsEstimated, &o.IsForecast, &o.IsPreliminary, &o.BronzeCellID, &o.RunID, &metaJSON,
		&o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if metaJSON != nil {
		_ = json.Unmarshal(metaJSON, &o.Metadata)
	}
	return &o, nil
}

// ListObservations reads observations for a series. Read-side consumers
// (dashboards, exporters) should filter to latest only; the full revision
// history is for audit tooling.
func (s *PostgresStore) ListObservations(ctx context.Context, filter ObservationFilter) ([]model.Observation, error) {
	query := `SELECT ` + observationColumns + ` FROM agstats.observations WHERE series_id = $1`
	args := []any{filter.SeriesID}
	argIdx := 2

	if filter.LatestOnly {
		query += ` AND is_latest`
	}
	if filter.From != nil {
		query += fmt.Sprintf(` AND obs_time >= $%d`, argIdx)
		args = append(args, filter.From.UTC())
		argIdx++
	}
	if filter.To != nil {
		query += fmt.Sprintf(` AND obs_time < $%d`, argIdx)
		args = append(args, filter.To.UTC())
		argIdx++
	}
	query += ` ORDER BY obs_time, revision`

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list observations")
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan observation")
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list observations iterate")
}

// CheckLatestInvariant reports every (series, time) pair whose is_latest
// pointer is missing, duplicated, or not on the highest revision.
func (s *PostgresStore) CheckLatestInvariant(ctx context.Context, seriesID int64) ([]InvariantViolation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT obs_time,
		        COUNT(*) FILTER (WHERE is_latest) AS latest_count,
		        MAX(revision) AS max_rev,
		        COALESCE(MAX(revision) FILTER (WHERE is_latest), -1) AS latest_rev
		 FROM agstats.observations
		 WHERE series_id = $1
		 GROUP BY obs_time
		 HAVING COUNT(*) FILTER (WHERE is_latest) <> 1
		     OR COALESCE(MAX(revision) FILTER (WHERE is_latest), -1) <> MAX(revision)`,
		seriesID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: check latest invariant for series %d", seriesID)
	}
	defer rows.Close()

	var violations []InvariantViolation
	for rows.Next() {
		v := InvariantViolation{SeriesID: seriesID}
		if err := rows.Scan(&v.ObsTime, &v.LatestCount, &v.MaxRevision, &v.LatestRevision); err != nil {
			return nil, eris.Wrap(err, "postgres: scan invariant violation")
		}
		violations = append(violations, v)
	}
	return violations, eris.Wrap(rows.Err(), "postgres: check latest invariant iterate")
}
