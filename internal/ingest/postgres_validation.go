package ingest

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/agstats-cli/internal/model"
)

// SetValidationStatus upserts a validator's verdict keyed by
// (entity type, entity id, data source). Pass/fail counts come from the
// individual check results; validated_at is stamped only when the status is
// terminal. Validation never blocks ingestion.
func (s *PostgresStore) SetValidationStatus(ctx context.Context, in ValidationInput) (int64, error) {
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
		resultsJSON, err = json.Marshal(in.CheckResults)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal check results")
		}
	}
	if in.Discrepancies != nil {
		discJSON, err = json.Marshal(in.Discrepancies)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal discrepancies")
		}
	}

	var id int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO agstats.validation_statuses
		 (entity_type, entity_id, data_source_id, status, checker_agent_id,
		  checks_passed, checks_failed, check_results, discrepancies, notes, validated_at, updated_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, NULLIF($10, ''),
		         CASE WHEN $11 THEN now() END, now())
		 ON CONFLICT (entity_type, entity_id, data_source_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   checker_agent_id = EXCLUDED.checker_agent_id,
		   checks_passed = EXCLUDED.checks_passed,
		   checks_failed = EXCLUDED.checks_failed,
		   check_results = EXCLUDED.check_results,
		   discrepancies = EXCLUDED.discrepancies,
		   notes = EXCLUDED.notes,
		   validated_at = EXCLUDED.validated_at,
		   updated_at = now()
		 RETURNING id`,
		in.EntityType, in.EntityID, dsID, string(in.Status), in.CheckerAgentID,
		passed, failed, resultsJSON, discJSON, in.Notes, in.Status.Terminal(),
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: set validation status %s/%s", in.EntityType, in.EntityID)
	}
	return id, nil
}

// GetValidationStatus returns the recorded verdict for one entity, or nil
// when none exists.
func (s *PostgresStore) GetValidationStatus(ctx context.Context, entityType, entityID, dataSourceCode string) (*model.ValidationStatus, error) {
	var v model.ValidationStatus
	var checkerID, notes *string
	var resultsJSON, discJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT v.id, v.entity_type, v.entity_id, v.data_source_id, v.status, v.checker_agent_id,
		        v.checks_passed, v.checks_failed, v.check_results, v.discrepancies, v.notes,
		        v.validated_at, v.updated_at
		 FROM agstats.validation_statuses v
		 JOIN agstats.data_sources d ON d.id = v.data_source_id
		 WHERE v.entity_type = $1 AND v.entity_id = $2 AND d.code = $3`,
		entityType, entityID, dataSourceCode,
	).Scan(&v.ID, &v.EntityType, &v.EntityID, &v.DataSourceID, &v.Status, &checkerID,
		&v.ChecksPassed, &v.ChecksFailed, &resultsJSON, &discJSON, &notes,
		&v.ValidatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get validation status %s/%s", entityType, entityID)
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
