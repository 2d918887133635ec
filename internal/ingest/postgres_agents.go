package ingest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/agstats-cli/internal/model"
)

// Heartbeat unconditionally upserts an agent's liveness row, refreshing
// last_seen. No history is kept.
func (s *PostgresStore) Heartbeat(ctx context.Context, in HeartbeatInput) error {
	status := in.Status
	if status == "" {
		status = "alive"
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agstats.agent_heartbeats (agent_id, agent_type, status, current_task, last_seen)
		 VALUES ($1, $2, $3, NULLIF($4, ''), now())
		 ON CONFLICT (agent_id) DO UPDATE SET
		   agent_type = EXCLUDED.agent_type,
		   status = EXCLUDED.status,
		   current_task = EXCLUDED.current_task,
		   last_seen = now()`,
		in.AgentID, in.AgentType, status, in.CurrentTask,
	)
	return eris.Wrapf(err, "postgres: heartbeat %s", in.AgentID)
}

// ListAgents returns every registered agent with its read-time health
// classification.
func (s *PostgresStore) ListAgents(ctx context.Context) ([]model.AgentStatus, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT agent_id, agent_type, status, current_task, last_seen
		 FROM agstats.agent_heartbeats ORDER BY last_seen DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list agents")
	}
	defer rows.Close()

	now := time.Now().UTC()
	var out []model.AgentStatus
	for rows.Next() {
		var a model.AgentStatus
		var task *string
		if err := rows.Scan(&a.AgentID, &a.AgentType, &a.Status, &task, &a.LastSeen); err != nil {
			return nil, eris.Wrap(err, "postgres: scan agent heartbeat")
		}
		if task != nil {
			a.CurrentTask = *task
		}
		a.Health = ClassifyHealth(a.LastSeen, now)
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list agents iterate")
}
