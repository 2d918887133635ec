package model

import "time"

// RunStatus represents the lifecycle state of an ingest run.
// Runs move from running to exactly one terminal status.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	RunStatusPartial RunStatus = "partial"
)

// Terminal reports whether the status ends a run's lifecycle.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailed, RunStatusPartial:
		return true
	}
	return false
}

// IngestRun is one execution instance of a collector job, tracked end to end
// for audit and retry. Counters accumulate monotonically while the run is
// open; the row becomes read-only history once closed.
type IngestRun struct {
	ID           string         `json:"id"`
	DataSourceID int64          `json:"data_source_id"`
	JobName      string         `json:"job_name"`
	AgentID      string         `json:"agent_id"`
	AgentType    string         `json:"agent_type"`
	Status       RunStatus      `json:"status"`
	RowsFetched  int64          `json:"rows_fetched"`
	RowsInserted int64          `json:"rows_inserted"`
	RowsUpdated  int64          `json:"rows_updated"`
	RowsSkipped  int64          `json:"rows_skipped"`
	RowsFailed   int64          `json:"rows_failed"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorDetail  string         `json:"error_detail,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// CountDelta carries commutative counter increments for a run. Deltas are
// applied as atomic SQL adds, never read-modify-write.
type CountDelta struct {
	Fetched  int64 `json:"fetched"`
	Inserted int64 `json:"inserted"`
	Updated  int64 `json:"updated"`
	Skipped  int64 `json:"skipped"`
	Failed   int64 `json:"failed"`
}

// IsZero reports whether the delta would change nothing.
func (d CountDelta) IsZero() bool {
	return d.Fetched == 0 && d.Inserted == 0 && d.Updated == 0 && d.Skipped == 0 && d.Failed == 0
}

// IngestError is an append-only error record attached to a run.
type IngestError struct {
	ID         int64          `json:"id"`
	RunID      string         `json:"run_id"`
	ErrorType  string         `json:"error_type"`
	Message    string         `json:"message"`
	RecordKey  string         `json:"record_key,omitempty"`
	RecordData map[string]any `json:"record_data,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
