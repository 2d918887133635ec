package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/agstats-cli/internal/model"
)

// OpenIngestRun creates a run in running state with a start timestamp.
// Fails with ReferenceNotFoundError if the data source code is unknown.
func (s *PostgresStore) OpenIngestRun(ctx context.Context, in RunInput) (string, error) {
	dsID, err := s.lookupDimensionID(ctx, "data_sources", "data_source", in.DataSourceCode)
	if err != nil {
		return "", err
	}

	var paramsJSON []byte
	if in.Parameters != nil {
		paramsJSON, err = json.Marshal(in.Parameters)
		if err != nil {
			return "", eris.Wrap(err, "postgres: marshal run parameters")
		}
	}

	id := uuid.New().String()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agstats.ingest_runs (id, data_source_id, job_name, agent_id, agent_type, status, parameters, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		id, dsID, in.JobName, in.AgentID, in.AgentType, string(model.RunStatusRunning), paramsJSON,
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: open ingest run for %s", in.JobName)
	}
	return id, nil
}

// UpdateIngestCounts applies commutative counter increments as a single
// atomic SQL add. Concurrent callers within one run never lose increments.
func (s *PostgresStore) UpdateIngestCounts(ctx context.Context, runID string, delta model.CountDelta) error {
	if delta.IsZero() {
		return nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE agstats.ingest_runs
		 SET rows_fetched = rows_fetched + $1,
		     rows_inserted = rows_inserted + $2,
		     rows_updated = rows_updated + $3,
		     rows_skipped = rows_skipped + $4,
		     rows_failed = rows_failed + $5
		 WHERE id = $6`,
		delta.Fetched, delta.Inserted, delta.Updated, delta.Skipped, delta.Failed, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update counts for run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return &ReferenceNotFoundError{Kind: "ingest_run", Code: runID}
	}
	return nil
}

// CloseIngestRun sets the terminal status and completion timestamp exactly
// once. A second close is rejected with RunClosedError: the guarded UPDATE
// only matches rows still in running state, and an unmatched id is then
// re-read to distinguish "missing" from "already closed".
func (s *PostgresStore) CloseIngestRun(ctx context.Context, runID string, status model.RunStatus, errMsg, errDetail string) error {
	if !status.Terminal() {
		return eris.Errorf("postgres: close run %s: %q is not a terminal status", runID, status)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE agstats.ingest_runs
		 SET status = $1, error_message = NULLIF($2, ''), error_detail = NULLIF($3, ''), completed_at = now()
		 WHERE id = $4 AND status = $5`,
		string(status), errMsg, errDetail, runID, string(model.RunStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: close run %s", runID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx,
		`SELECT status FROM agstats.ingest_runs WHERE id = $1`, runID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &ReferenceNotFoundError{Kind: "ingest_run", Code: runID}
		}
		return eris.Wrapf(err, "postgres: close run %s: read status", runID)
	}
	return &RunClosedError{RunID: runID, Status: model.RunStatus(current)}
}

// LogIngestError appends an error record and atomically bumps the run's
// failed counter in the same transaction. This is the only operation that
// mutates counters as a side effect.
func (s *PostgresStore) LogIngestError(ctx context.Context, in ErrorInput) (int64, error) {
	var dataJSON []byte
	if in.RecordData != nil {
		var err error
		dataJSON, err = json.Marshal(in.RecordData)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal error record data")
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: log error: begin tx")
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO agstats.ingest_errors (run_id, error_type, message, record_key, record_data, error_code)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''))
		 RETURNING id`,
		in.RunID, in.ErrorType, in.Message, in.RecordKey, dataJSON, in.ErrorCode,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: insert ingest error for run %s", in.RunID)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE agstats.ingest_runs SET rows_failed = rows_failed + 1 WHERE id = $1`,
		in.RunID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: bump failed counter for run %s", in.RunID)
	}
	if tag.RowsAffected() == 0 {
		return 0, &ReferenceNotFoundError{Kind: "ingest_run", Code: in.RunID}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: log error: commit")
	}
	return id, nil
}

const runColumns = `id, data_source_id, job_name, agent_id, agent_type, status,
	rows_fetched, rows_inserted, rows_updated, rows_skipped, rows_failed,
	parameters, error_message, error_detail, started_at, completed_at`

func scanRun(row pgx.Row) (*model.IngestRun, error) {
	var r model.IngestRun
	var paramsJSON []byte
	var errMsg, errDetail *string
	if err := row.Scan(
		&r.ID, &r.DataSourceID, &r.JobName, &r.AgentID, &r.AgentType, &r.Status,
		&r.RowsFetched, &r.RowsInserted, &r.RowsUpdated, &r.RowsSkipped, &r.RowsFailed,
		&paramsJSON, &errMsg, &errDetail, &r.StartedAt, &r.CompletedAt,
	); err != nil {
		return nil, err
	}
	if paramsJSON != nil {
		_ = json.Unmarshal(paramsJSON, &r.Parameters)
	}
	if errMsg != nil {
		r.ErrorMessage = *errMsg
	}
	if errDetail != nil {
		r.ErrorDetail = *errDetail
	}
	return &r, nil
}

// GetIngestRun returns one run by id.
func (s *PostgresStore) GetIngestRun(ctx context.Context, runID string) (*model.IngestRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM agstats.ingest_runs WHERE id = $1`, runID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ReferenceNotFoundError{Kind: "ingest_run", Code: runID}
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

// ListIngestRuns returns runs matching the filter, newest first.
func (s *PostgresStore) ListIngestRuns(ctx context.Context, filter RunFilter) ([]model.IngestRun, error) {
	query := `SELECT ` + runColumns + ` FROM agstats.ingest_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.JobName != "" {
		query += fmt.Sprintf(` AND job_name = $%d`, argIdx)
		args = append(args, filter.JobName)
		argIdx++
	}
	if filter.DataSourceCode != "" {
		query += fmt.Sprintf(` AND data_source_id = (SELECT id FROM agstats.data_sources WHERE code = $%d)`, argIdx)
		args = append(args, filter.DataSourceCode)
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.IngestRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// ListIngestErrors returns a run's error log, oldest first.
func (s *PostgresStore) ListIngestErrors(ctx context.Context, runID string) ([]model.IngestError, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, error_type, message, record_key, record_data, error_code, created_at
		 FROM agstats.ingest_errors WHERE run_id = $1 ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list errors for run %s", runID)
	}
	defer rows.Close()

	var out []model.IngestError
	for rows.Next() {
		var e model.IngestError
		var recordKey, errorCode *string
		var dataJSON []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.ErrorType, &e.Message, &recordKey, &dataJSON, &errorCode, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ingest error")
		}
		if recordKey != nil {
			e.RecordKey = *recordKey
		}
		if errorCode != nil {
			e.ErrorCode = *errorCode
		}
		if dataJSON != nil {
			_ = json.Unmarshal(dataJSON, &e.RecordData)
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list errors iterate")
}
