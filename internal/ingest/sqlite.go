package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/agstats-cli/internal/db"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is the
// development and test backend: single-process by construction, so the
// per-key serialization that Postgres gets from advisory locks comes from
// an in-process KeyMutex instead.
type SQLiteStore struct {
	db      *sql.DB
	obsLock *db.KeyMutex
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// foreign_keys, busy_timeout and synchronous are per-connection
	// pragmas; they ride the DSN so every connection database/sql opens
	// gets them, not just the one a startup Exec happened to land on.
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"

	d, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := d.Ping(); err != nil {
		d.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: d, obsLock: db.NewKeyMutex()}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS data_sources (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	code       TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	url        TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS commodities (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	code       TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	category   TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS locations (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	code       TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	level      TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS units (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	code           TEXT NOT NULL UNIQUE,
	name           TEXT NOT NULL,
	base_unit_id   INTEGER REFERENCES units(id),
	to_base_factor REAL NOT NULL DEFAULT 1,
	created_at     TIMESTAMP NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS series (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	data_source_id INTEGER NOT NULL REFERENCES data_sources(id),
	series_key     TEXT NOT NULL,
	name           TEXT NOT NULL,
	commodity_id   INTEGER REFERENCES commodities(id),
	location_id    INTEGER REFERENCES locations(id),
	unit_id        INTEGER REFERENCES units(id),
	frequency      TEXT,
	description    TEXT,
	metadata       TEXT,
	created_at     TIMESTAMP NOT NULL DEFAULT (datetime('now')),
	updated_at     TIMESTAMP NOT NULL DEFAULT (datetime('now')),
	UNIQUE (data_source_id, series_key)
);

CREATE TABLE IF NOT EXISTS ingest_runs (
	id             TEXT PRIMARY KEY,
	data_source_id INTEGER NOT NULL REFERENCES data_sources(id),
	job_name       TEXT NOT NULL,
	agent_id       TEXT NOT NULL,
	agent_type     TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'running',
	rows_fetched   INTEGER NOT NULL DEFAULT 0,
	rows_inserted  INTEGER NOT NULL DEFAULT 0,
	rows_updated   INTEGER NOT NULL DEFAULT 0,
	rows_skipped   INTEGER NOT NULL DEFAULT 0,
	rows_failed    INTEGER NOT NULL DEFAULT 0,
	parameters     TEXT,
	error_message  TEXT,
	error_detail   TEXT,
	started_at     TIMESTAMP NOT NULL,
	completed_at   TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_status ON ingest_runs(status);

CREATE TABLE IF NOT EXISTS ingest_errors (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL REFERENCES ingest_runs(id),
	error_type  TEXT NOT NULL,
	message     TEXT NOT NULL,
	record_key  TEXT,
	record_data TEXT,
	error_code  TEXT,
	created_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ingest_errors_run_id ON ingest_errors(run_id);

CREATE TABLE IF NOT EXISTS bronze_cells (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	release_id    TEXT NOT NULL,
	table_code    TEXT NOT NULL,
	row_code      TEXT NOT NULL,
	column_code   TEXT NOT NULL,
	value_text    TEXT NOT NULL,
	value_numeric REAL,
	is_numeric    INTEGER NOT NULL DEFAULT 0,
	parse_warning TEXT,
	row_label     TEXT,
	row_category  TEXT,
	period_label  TEXT,
	run_id        TEXT NOT NULL REFERENCES ingest_runs(id),
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL,
	UNIQUE (release_id, table_code, row_code, column_code)
);

CREATE TABLE IF NOT EXISTS observations (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	series_id      INTEGER NOT NULL REFERENCES series(id),
	obs_time       TIMESTAMP NOT NULL,
	revision       INTEGER NOT NULL DEFAULT 0,
	value          REAL NOT NULL,
	is_latest      INTEGER NOT NULL DEFAULT 1,
	superseded_at  TIMESTAMP,
	quality_flag   TEXT NOT NULL DEFAULT 'good',
	is_estimated   INTEGER NOT NULL DEFAULT 0,
	is_forecast    INTEGER NOT NULL DEFAULT 0,
	is_preliminary INTEGER NOT NULL DEFAULT 0,
	bronze_cell_id INTEGER REFERENCES bronze_cells(id),
	run_id         TEXT NOT NULL REFERENCES ingest_runs(id),
	metadata       TEXT,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL,
	UNIQUE (series_id, obs_time, revision)
);

CREATE INDEX IF NOT EXISTS idx_observations_latest
	ON observations(series_id, obs_time) WHERE is_latest;

CREATE TABLE IF NOT EXISTS validation_statuses (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type      TEXT NOT NULL,
	entity_id        TEXT NOT NULL,
	data_source_id   INTEGER NOT NULL REFERENCES data_sources(id),
	status           TEXT NOT NULL DEFAULT 'pending',
	checker_agent_id TEXT,
	checks_passed    INTEGER NOT NULL DEFAULT 0,
	checks_failed    INTEGER NOT NULL DEFAULT 0,
	check_results    TEXT,
	discrepancies    TEXT,
	notes            TEXT,
	validated_at     TIMESTAMP,
	updated_at       TIMESTAMP NOT NULL,
	UNIQUE (entity_type, entity_id, data_source_id)
);

CREATE TABLE IF NOT EXISTS agent_heartbeats (
	agent_id     TEXT PRIMARY KEY,
	agent_type   TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'alive',
	current_task TEXT,
	last_seen    TIMESTAMP NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return eris.Wrap(s.db.Close(), "sqlite: close")
}

// DB exposes the raw handle for the seed loader.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// marshalJSON returns nil for nil maps so the column stays NULL.
func marshalJSON(v any, label string) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: marshal %s", label)
	}
	return b, nil
}

func (s *SQLiteStore) lookupDimensionID(ctx context.Context, table, kind, code string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM `+table+` WHERE code = ?`, code,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, &ReferenceNotFoundError{Kind: kind, Code: code}
		}
		return 0, eris.Wrapf(err, "sqlite: lookup %s %s", kind, code)
	}
	return id, nil
}

func (s *SQLiteStore) optionalDimensionID(ctx context.Context, table, kind, code string) (*int64, error) {
	if code == "" {
		return nil, nil
	}
	id, err := s.lookupDimensionID(ctx, table, kind, code)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// GetOrCreateSeries mirrors the Postgres semantics: the unique constraint on
// (data_source_id, series_key) is the source of truth and a lost insert race
// falls back to re-reading the winner.
func (s *SQLiteStore) GetOrCreateSeries(ctx context.Context, in SeriesInput) (int64, error) {
	dsID, err := s.lookupDimensionID(ctx, "data_sources", "data_source", in.DataSourceCode)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM series WHERE data_source_id = ? AND series_key = ?`,
		dsID, in.SeriesKey,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, eris.Wrapf(err, "sqlite: get series %s", in.SeriesKey)
	}

	commodityID, err := s.optionalDimensionID(ctx, "commodities", "commodity", in.CommodityCode)
	if err != nil {
		return 0, err
	}
	locationID, err := s.optionalDimensionID(ctx, "locations", "location", in.LocationCode)
	if err != nil {
		return 0, err
	}
	unitID, err := s.optionalDimensionID(ctx, "units", "unit", in.UnitCode)
	if err != nil {
		return 0, err
	}
	metaJSON, err := marshalJSON(in.Metadata, "series metadata")
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO series (data_source_id, series_key, name, commodity_id, location_id, unit_id, frequency, description, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (data_source_id, series_key) DO NOTHING`,
		dsID, in.SeriesKey, in.Name, commodityID, locationID, unitID, in.Frequency, in.Description, metaJSON,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: insert series %s", in.SeriesKey)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: series last insert id")
		}
		return id, nil
	}

	// Concurrent insert won; reuse its row.
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM series WHERE data_source_id = ? AND series_key = ?`,
		dsID, in.SeriesKey,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(&ConflictError{Key: in.DataSourceCode + "/" + in.SeriesKey}, "sqlite: re-read after lost insert race")
	}
	return id, nil
}

func (s *SQLiteStore) GetSeriesID(ctx context.Context, dataSourceCode, seriesKey string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT s.id FROM series s JOIN data_sources d ON d.id = s.data_source_id
		 WHERE d.code = ? AND s.series_key = ?`,
		dataSourceCode, seriesKey,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, &ReferenceNotFoundError{Kind: "series", Code: dataSourceCode + "/" + seriesKey}
		}
		return 0, eris.Wrapf(err, "sqlite: get series id %s/%s", dataSourceCode, seriesKey)
	}
	return id, nil
}

func (s *SQLiteStore) ListSeriesIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM series ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list series ids")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan series id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: list series ids iterate")
}

func (s *SQLiteStore) getUnit(ctx context.Context, code string) (*unitRef, error) {
	var u unitRef
	err := s.db.QueryRowContext(ctx,
		`SELECT id, code, base_unit_id, to_base_factor FROM units WHERE code = ?`, code,
	).Scan(&u.id, &u.code, &u.baseUnitID, &u.factor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &ReferenceNotFoundError{Kind: "unit", Code: code}
		}
		return nil, eris.Wrapf(err, "sqlite: get unit %s", code)
	}
	return &u, nil
}

func (s *SQLiteStore) getUnitByID(ctx context.Context, id int64) (*unitRef, error) {
	var u unitRef
	err := s.db.QueryRowContext(ctx,
		`SELECT id, code, base_unit_id, to_base_factor FROM units WHERE id = ?`, id,
	).Scan(&u.id, &u.code, &u.baseUnitID, &u.factor)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get unit id %d", id)
	}
	return &u, nil
}

func (s *SQLiteStore) resolveBase(ctx context.Context, u *unitRef) (int64, float64, error) {
	factor := 1.0
	seen := map[int64]bool{}
	for {
		if seen[u.id] {
			return 0, 0, &UnitConversionError{FromCode: u.code, Reason: "cycle in base-unit chain"}
		}
		seen[u.id] = true
		if u.baseUnitID == nil {
			return 0, 0, &UnitConversionError{FromCode: u.code, Reason: "unit has no base-unit link"}
		}
		factor *= u.factor
		if *u.baseUnitID == u.id {
			return u.id, factor, nil
		}
		next, err := s.getUnitByID(ctx, *u.baseUnitID)
		if err != nil {
			return 0, 0, err
		}
		u = next
	}
}

func (s *SQLiteStore) ConvertUnits(ctx context.Context, value float64, fromCode, toCode string) (float64, error) {
	from, err := s.getUnit(ctx, fromCode)
	if err != nil {
		return 0, err
	}
	to, err := s.getUnit(ctx, toCode)
	if err != nil {
		return 0, err
	}

	fromBase, fromFactor, err := s.resolveBase(ctx, from)
	if err != nil {
		return 0, rewrapConversion(err, fromCode, toCode)
	}
	toBase, toFactor, err := s.resolveBase(ctx, to)
	if err != nil {
		return 0, rewrapConversion(err, fromCode, toCode)
	}

	if fromBase != toBase {
		return 0, &UnitConversionError{FromCode: fromCode, ToCode: toCode, Reason: "units do not share a base unit"}
	}
	return value * fromFactor / toFactor, nil
}

// rewrapConversion rewrites a chain-level conversion failure in terms of the
// caller's from/to pair.
func rewrapConversion(err error, fromCode, toCode string) error {
	var uce *UnitConversionError
	if errors.As(err, &uce) {
		return &UnitConversionError{FromCode: fromCode, ToCode: toCode, Reason: uce.Reason}
	}
	return err
}
