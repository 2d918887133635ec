package model

import "time"

// DataSource identifies an external statistics publisher (e.g. USDA WASDE,
// EIA). Rows are seed data: collectors never create data sources on the fly.
type DataSource struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Commodity is a reference row for a tracked commodity (corn, wheat, crude).
type Commodity struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Category  string    `json:"category,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Location is a reference row for a geographic scope (country, state, region).
type Location struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Level     string    `json:"level,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Unit is a measurement unit. Units sharing a base unit are mutually
// convertible via ToBaseFactor; base units reference themselves. A unit with
// no base link cannot participate in conversion.
type Unit struct {
	ID           int64     `json:"id"`
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	BaseUnitID   *int64    `json:"base_unit_id,omitempty"`
	ToBaseFactor float64   `json:"to_base_factor"`
	CreatedAt    time.Time `json:"created_at"`
}

// Series is the central addressable time-series, unique per
// (data source, series key). Created on first ingestion of a new key;
// only name/description/metadata are mutated afterward.
type Series struct {
	ID           int64          `json:"id"`
	DataSourceID int64          `json:"data_source_id"`
	SeriesKey    string         `json:"series_key"`
	Name         string         `json:"name"`
	CommodityID  *int64         `json:"commodity_id,omitempty"`
	LocationID   *int64         `json:"location_id,omitempty"`
	UnitID       *int64         `json:"unit_id,omitempty"`
	Frequency    string         `json:"frequency,omitempty"`
	Description  string         `json:"description,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
