// Package ingest implements the canonical ingestion core: dimension
// registry, job lifecycle tracking, the bronze (source-faithful) cell store,
// the revisioned observation store, validation verdicts, and agent liveness.
// Collectors, validators, and read-side dashboards all talk to it through
// the Store interface; Postgres is the production backend and SQLite serves
// development and tests.
package ingest

import (
	"context"
	"time"

	"github.com/sells-group/agstats-cli/internal/model"
)

// SeriesInput describes a series to resolve or create. Dimension codes are
// looked up, never auto-created: an unknown code is a seed-data problem and
// fails with ReferenceNotFoundError. Optional codes may be left empty.
type SeriesInput struct {
	DataSourceCode string         `json:"data_source_code"`
	SeriesKey      string         `json:"series_key"`
	Name           string         `json:"name"`
	CommodityCode  string         `json:"commodity_code,omitempty"`
	LocationCode   string         `json:"location_code,omitempty"`
	UnitCode       string         `json:"unit_code,omitempty"`
	Frequency      string         `json:"frequency,omitempty"`
	Description    string         `json:"description,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// RunInput describes a new ingest run.
type RunInput struct {
	DataSourceCode string         `json:"data_source_code"`
	JobName        string         `json:"job_name"`
	AgentID        string         `json:"agent_id"`
	AgentType      string         `json:"agent_type"`
	Parameters     map[string]any `json:"parameters,omitempty"`
}

// ErrorInput describes an error record to append to a run's audit trail.
type ErrorInput struct {
	RunID      string         `json:"run_id"`
	ErrorType  string         `json:"error_type"`
	Message    string         `json:"message"`
	RecordKey  string         `json:"record_key,omitempty"`
	RecordData map[string]any `json:"record_data,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
}

// BronzeCellInput is one source-document cell to upsert.
type BronzeCellInput struct {
	ReleaseID   string `json:"release_id"`
	TableCode   string `json:"table_code"`
	RowCode     string `json:"row_code"`
	ColumnCode  string `json:"column_code"`
	ValueText   string `json:"value_text"`
	RowLabel    string `json:"row_label,omitempty"`
	RowCategory string `json:"row_category,omitempty"`
	PeriodLabel string `json:"period_label,omitempty"`
	RunID       string `json:"run_id"`
}

// ObservationInput is one canonical fact to upsert. Revision 0 is the first
// publication; revision N > 0 is a correction. QualityFlag defaults to good.
type ObservationInput struct {
	SeriesID      int64             `json:"series_id"`
	ObsTime       time.Time         `json:"obs_time"`
	Value         float64           `json:"value"`
	Revision      int               `json:"revision"`
	QualityFlag   model.QualityFlag `json:"quality_flag,omitempty"`
	IsEstimated   bool              `json:"is_estimated,omitempty"`
	IsForecast    bool              `json:"is_forecast,omitempty"`
	IsPreliminary bool              `json:"is_preliminary,omitempty"`
	BronzeCellID  *int64            `json:"bronze_cell_id,omitempty"`
	RunID         string            `json:"run_id"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

// ValidationInput is a validator agent's verdict for one entity.
type ValidationInput struct {
	EntityType     string                `json:"entity_type"`
	EntityID       string                `json:"entity_id"`
	DataSourceCode string                `json:"data_source_code"`
	Status         model.ValidationState `json:"status"`
	CheckerAgentID string                `json:"checker_agent_id,omitempty"`
	CheckResults   []model.CheckResult   `json:"check_results,omitempty"`
	Discrepancies  map[string]any        `json:"discrepancies,omitempty"`
	Notes          string                `json:"notes,omitempty"`
}

// HeartbeatInput is one liveness report. Status defaults to "alive".
type HeartbeatInput struct {
	AgentID     string `json:"agent_id"`
	AgentType   string `json:"agent_type"`
	Status      string `json:"status,omitempty"`
	CurrentTask string `json:"current_task,omitempty"`
}

// RunFilter specifies criteria for listing ingest runs.
type RunFilter struct {
	DataSourceCode string          `json:"data_source_code,omitempty"`
	Status         model.RunStatus `json:"status,omitempty"`
	JobName        string          `json:"job_name,omitempty"`
	Limit          int             `json:"limit,omitempty"`
	Offset         int             `json:"offset,omitempty"`
}

// ObservationFilter specifies criteria for reading observations. Read-side
// consumers should set LatestOnly; revision history is for audit tooling.
type ObservationFilter struct {
	SeriesID   int64      `json:"series_id"`
	LatestOnly bool       `json:"latest_only,omitempty"`
	From       *time.Time `json:"from,omitempty"`
	To         *time.Time `json:"to,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// InvariantViolation reports a (series, time) pair whose is_latest pointer
// does not match the highest revision, or is not unique.
type InvariantViolation struct {
	SeriesID       int64     `json:"series_id"`
	ObsTime        time.Time `json:"obs_time"`
	LatestCount    int       `json:"latest_count"`
	MaxRevision    int       `json:"max_revision"`
	LatestRevision int       `json:"latest_revision"`
}

// Store defines the persistence interface for the ingestion core.
type Store interface {
	// Dimension registry
	GetOrCreateSeries(ctx context.Context, in SeriesInput) (int64, error)
	GetSeriesID(ctx context.Context, dataSourceCode, seriesKey string) (int64, error)
	ListSeriesIDs(ctx context.Context) ([]int64, error)
	ConvertUnits(ctx context.Context, value float64, fromCode, toCode string) (float64, error)

	// Job lifecycle
	OpenIngestRun(ctx context.Context, in RunInput) (string, error)
	UpdateIngestCounts(ctx context.Context, runID string, delta model.CountDelta) error
	CloseIngestRun(ctx context.Context, runID string, status model.RunStatus, errMsg, errDetail string) error
	LogIngestError(ctx context.Context, in ErrorInput) (int64, error)
	GetIngestRun(ctx context.Context, runID string) (*model.IngestRun, error)
	ListIngestRuns(ctx context.Context, filter RunFilter) ([]model.IngestRun, error)
	ListIngestErrors(ctx context.Context, runID string) ([]model.IngestError, error)

	// Bronze cells
	UpsertBronzeCell(ctx context.Context, in BronzeCellInput) (int64, error)
	BulkUpsertBronzeCells(ctx context.Context, cells []BronzeCellInput) (int64, error)

	// Observations
	UpsertObservation(ctx context.Context, in ObservationInput) (int64, error)
	ListObservations(ctx context.Context, filter ObservationFilter) ([]model.Observation, error)
	CheckLatestInvariant(ctx context.Context, seriesID int64) ([]InvariantViolation, error)

	// Validation
	SetValidationStatus(ctx context.Context, in ValidationInput) (int64, error)
	GetValidationStatus(ctx context.Context, entityType, entityID, dataSourceCode string) (*model.ValidationStatus, error)

	// Agent liveness
	Heartbeat(ctx context.Context, in HeartbeatInput) error
	ListAgents(ctx context.Context) ([]model.AgentStatus, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
