package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/agstats-cli/internal/model"
)

func (s *SQLiteStore) SetValidationStatus(ctx context.Context, in ValidationInput) (int64, error) {
	dsID, err := s.lookupDimensionID(ctx, "data_sources", "data_source", in.DataSourceCode)
	if err != nil {
		return 0, err
	}

	passed, failed := 0, 0
	for _, c := range in.CheckResults {
		if c.Passed {
			passed++
		} else {
			failed++
		}
	}

	var resultsJSON, discJSON []byte
	if in.CheckResults != nil {
		if resultsJSON, err = marshalJSON(in.CheckResults, "check results"); err != nil {
			return 0, err
		}
	}
	if in.Discrepancies != nil {
		if discJSON, err = marshalJSON(in.Discrepancies, "discrepancies"); err != nil {
			return 0, err
		}
	}

	now := time.Now().UTC()
	var validatedAt *time.Time
	if in.Status.Terminal() {
		validatedAt = &now
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO validation_statuses
		 (entity_type, entity_id, data_source_id, status, checker_agent_id,
		  checks_passed, checks_failed, check_results, discrepancies, notes, validated_at, updated_at)
		 VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, NULLIF(?, ''), ?, ?)
		 ON CONFLICT (entity_type, entity_id, data_source_id) DO UPDATE SET
		   status = excluded.status,
		   checker_agent_id = excluded.checker_agent_id,
		   checks_passed = excluded.checks_passed,
		   checks_failed = excluded.checks_failed,
		   check_results = excluded.check_results,
		   discrepancies = excluded.discrepancies,
		   notes = excluded.notes,
		   validated_at = excluded.validated_at,
		   updated_at = excluded.updated_at`,
		in.EntityType, in.EntityID, dsID, string(in.Status), in.CheckerAgentID,
		passed, failed, resultsJSON, discJSON, in.Notes, validatedAt, now,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: set validation status %s/%s", in.EntityType, in.EntityID)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		var id int64
		if err := s.db.QueryRowContext(ctx,
			`SELECT id FROM validation_statuses
			 WHERE entity_type = ? AND entity_id = ? AND data_source_id = ?`,
			in.EntityType, in.EntityID, dsID,
		).Scan(&id); err != nil {
			return 0, eris.Wrap(err, "sqlite: read validation status id")
		}
		return id, nil
	}
	return 0, eris.Errorf("sqlite: validation status upsert affected no rows for %s/%s", in.EntityType, in.EntityID)
}

func (s *SQLiteStore) GetValidationStatus(ctx context.Context, entityType, entityID, dataSourceCode string) (*model.ValidationStatus, error) {
	var v model.ValidationStatus
	var checkerID, notes *string
	var resultsJSON, discJSON []byte

	err := s.db.QueryRowContext(ctx,
		`SELECT v.id, v.entity_type, v.entity_id, v.data_source_id, v.status, v.checker_agent_id,
		        v.checks_passed, v.checks_failed, v.check_results, v.discrepancies, v.notes,
		        v.validated_at, v.updated_at
		 FROM validation_statuses v
		 JOIN data_sources d ON d.id = v.data_source_id
		 WHERE v.entity_type = ? AND v.entity_id = ? AND d.code = ?`,
		entityType, entityID, dataSourceCode,
	).Scan(&v.ID, &v.EntityType, &v.EntityID, &v.DataSourceID, &v.Status, &checkerID,
		&v.ChecksPassed, &v.ChecksFailed, &resultsJSON, &discJSON, &notes,
		&v.ValidatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get validation status %s/%s", entityType, entityID)
	}
	if checkerID != nil {
		v.CheckerAgentID = *checkerID
	}
	if notes != nil {
		v.Notes = *notes
	}
	if resultsJSON != nil {
		_ = json.Unmarshal(resultsJSON, &v.CheckResults)
	}
	if discJSON != nil {
		_ = json.Unmarshal(discJSON, &v.Discrepancies)
	}
	return &v, nil
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, in HeartbeatInput) error {
	status := in.Status
	if status == "" {
		status = "alive"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_heartbeats (agent_id, agent_type, status, current_task, last_seen)
		 VALUES (?, ?, ?, NULLIF(?, ''), ?)
		 ON CONFLICT (agent_id) DO UPDATE SET
		   agent_type = excluded.agent_type,
		   status = excluded.status,
		   current_task = excluded.current_task,
		   last_seen = excluded.last_seen`,
		in.AgentID, in.AgentType, status, in.CurrentTask, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: heartbeat %s", in.AgentID)
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]model.AgentStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, agent_type, status, current_task, last_seen
		 FROM agent_heartbeats ORDER BY last_seen DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list agents")
	}
	defer rows.Close()

	now := time.Now().UTC()
	var out []model.AgentStatus
	for rows.Next() {
		var a model.AgentStatus
		var task *string
		if err := rows.Scan(&a.AgentID, &a.AgentType, &a.Status, &task, &a.LastSeen); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan agent heartbeat")
		}
		if task != nil {
			a.CurrentTask = *task
		}
		a.Health = ClassifyHealth(a.LastSeen, now)
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list agents iterate")
}
