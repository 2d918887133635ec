package model

import "time"

// QualityFlag grades an observation's value.
type QualityFlag string

const (
	QualityGood         QualityFlag = "good"
	QualitySuspect      QualityFlag = "suspect"
	QualityMissing      QualityFlag = "missing"
	QualityEstimated    QualityFlag = "estimated"
	QualityInterpolated QualityFlag = "interpolated"
)

// BronzeCell is a source-faithful raw value: one cell of a source document,
// keyed by (release, table, row, column). The exact published text is kept
// alongside a best-effort numeric parse; non-numeric text like "NA" is
// expected, not an error.
type BronzeCell struct {
	ID           int64     `json:"id"`
	ReleaseID    string    `json:"release_id"`
	TableCode    string    `json:"table_code"`
	RowCode      string    `json:"row_code"`
	ColumnCode   string    `json:"column_code"`
	ValueText    string    `json:"value_text"`
	ValueNumeric *float64  `json:"value_numeric,omitempty"`
	IsNumeric    bool      `json:"is_numeric"`
	ParseWarning string    `json:"parse_warning,omitempty"`
	RowLabel     string    `json:"row_label,omitempty"`
	RowCategory  string    `json:"row_category,omitempty"`
	PeriodLabel  string    `json:"period_label,omitempty"`
	RunID        string    `json:"run_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Observation is the canonical fact, unique per (series, time, revision).
// Rows are never deleted; a superseded revision keeps its value and gets
// is_latest flipped off, preserving full revision history.
type Observation struct {
	ID            int64          `json:"id"`
	SeriesID      int64          `json:"series_id"`
	ObsTime       time.Time      `json:"obs_time"`
	Revision      int            `json:"revision"`
	Value         float64        `json:"value"`
	IsLatest      bool           `json:"is_latest"`
	SupersededAt  *time.Time     `json:"superseded_at,omitempty"`
	QualityFlag   QualityFlag    `json:"quality_flag"`
	IsEstimated   bool           `json:"is_estimated"`
	IsForecast    bool           `json:"is_forecast"`
	IsPreliminary bool           `json:"is_preliminary"`
	BronzeCellID  *int64         `json:"bronze_cell_id,omitempty"`
	RunID         string         `json:"run_id"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
