package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/agstats-cli/internal/model"
)

func (s *SQLiteStore) OpenIngestRun(ctx context.Context, in RunInput) (string, error) {
	dsID, err := s.lookupDimensionID(ctx, "data_sources", "data_source", in.DataSourceCode)
	if err != nil {
		return "", err
	}
	paramsJSON, err := marshalJSON(in.Parameters, "run parameters")
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ingest_runs (id, data_source_id, job_name, agent_id, agent_type, status, parameters, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, dsID, in.JobName, in.AgentID, in.AgentType, string(model.RunStatusRunning), paramsJSON, time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: open ingest run for %s", in.JobName)
	}
	return id, nil
}

func (s *SQLiteStore) UpdateIngestCounts(ctx context.Context, runID string, delta model.CountDelta) error {
	if delta.IsZero() {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingest_runs
		 SET rows_fetched = rows_fetched + ?,
		     rows_inserted = rows_inserted + ?,
		     rows_updated = rows_updated + ?,
		     rows_skipped = rows_skipped + ?,
		     rows_failed = rows_failed + ?
		 WHERE id = ?`,
		delta.Fetched, delta.Inserted, delta.Updated, delta.Skipped, delta.Failed, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update counts for run %s", runID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ReferenceNotFoundError{Kind: "ingest_run", Code: runID}
	}
	return nil
}

func (s *SQLiteStore) CloseIngestRun(ctx context.Context, runID string, status model.RunStatus, errMsg, errDetail string) error {
	if !status.Terminal() {
		return eris.Errorf("sqlite: close run %s: %q is not a terminal status", runID, status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE ingest_runs
		 SET status = ?, error_message = NULLIF(?, ''), error_detail = NULLIF(?, ''), completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), errMsg, errDetail, time.Now().UTC(), runID, string(model.RunStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: close run %s", runID)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM ingest_runs WHERE id = ?`, runID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &ReferenceNotFoundError{Kind: "ingest_run", Code: runID}
		}
		return eris.Wrapf(err, "sqlite: close run %s: read status", runID)
	}
	return &RunClosedError{RunID: runID, Status: model.RunStatus(current)}
}

func (s *SQLiteStore) LogIngestError(ctx context.Context, in ErrorInput) (int64, error) {
	dataJSON, err := marshalJSON(in.RecordData, "error record data")
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: log error: begin tx")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO ingest_errors (run_id, error_type, message, record_key, record_data, error_code, created_at)
		 VALUES (?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?)`,
		in.RunID, in.ErrorType, in.Message, in.RecordKey, dataJSON, in.ErrorCode, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: insert ingest error for run %s", in.RunID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: ingest error last insert id")
	}

	upd, err := tx.ExecContext(ctx,
		`UPDATE ingest_runs SET rows_failed = rows_failed + 1 WHERE id = ?`, in.RunID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: bump failed counter for run %s", in.RunID)
	}
	if n, _ := upd.RowsAffected(); n == 0 {
		return 0, &ReferenceNotFoundError{Kind: "ingest_run", Code: in.RunID}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: log error: commit")
	}
	return id, nil
}

const sqliteRunColumns = `id, data_source_id, job_name, agent_id, agent_type, status,
	rows_fetched, rows_inserted, rows_updated, rows_skipped, rows_failed,
	parameters, error_message, error_detail, started_at, completed_at`

type sqliteRowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row sqliteRowScanner) (*model.IngestRun, error) {
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

func (s *SQLiteStore) GetIngestRun(ctx context.Context, runID string) (*model.IngestRun, error) {
	r, err := scanSQLiteRun(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM ingest_runs WHERE id = ?`, runID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &ReferenceNotFoundError{Kind: "ingest_run", Code: runID}
		}
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListIngestRuns(ctx context.Context, filter RunFilter) ([]model.IngestRun, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM ingest_runs WHERE true`
	args := []any{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.JobName != "" {
		query += ` AND job_name = ?`
		args = append(args, filter.JobName)
	}
	if filter.DataSourceCode != "" {
		query += ` AND data_source_id = (SELECT id FROM data_sources WHERE code = ?)`
		args = append(args, filter.DataSourceCode)
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT %d`, limit)
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET %d`, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.IngestRun
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) ListIngestErrors(ctx context.Context, runID string) ([]model.IngestError, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, error_type, message, record_key, record_data, error_code, created_at
		 FROM ingest_errors WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list errors for run %s", runID)
	}
	defer rows.Close()

	var out []model.IngestError
	for rows.Next() {
		var e model.IngestError
		var recordKey, errorCode *string
		var dataJSON []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.ErrorType, &e.Message, &recordKey, &dataJSON, &errorCode, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ingest error")
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
	return out, eris.Wrap(rows.Err(), "sqlite: list errors iterate")
}
