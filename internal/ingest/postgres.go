package ingest

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/agstats-cli/internal/db"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest ingestion operations.
var preparedStatements = map[string]string{
	"update_counts": `UPDATE agstats.ingest_runs SET rows_fetched = rows_fetched + $1, rows_inserted = rows_inserted + $2, rows_updated = rows_updated + $3, rows_skipped = rows_skipped + $4, rows_failed = rows_failed + $5 WHERE id = $6`,
	"get_series_id": `SELECT s.id FROM agstats.series s JOIN agstats.data_sources d ON d.id = s.data_source_id WHERE d.code = $1 AND s.series_key = $2`,
	"heartbeat":     `INSERT INTO agstats.agent_heartbeats (agent_id, agent_type, status, current_task, last_seen) VALUES ($1, $2, $3, $4, now()) ON CONFLICT (agent_id) DO UPDATE SET agent_type = $2, status = $3, current_task = $4, last_seen = now()`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare hot-path statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need
// direct query access (e.g., the seed loader).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE SCHEMA IF NOT EXISTS agstats;

CREATE TABLE IF NOT EXISTS agstats.data_sources (
	id         BIGSERIAL PRIMARY KEY,
	code       TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	url        TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS agstats.commodities (
	id         BIGSERIAL PRIMARY KEY,
	code       TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	category   TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS agstats.locations (
	id         BIGSERIAL PRIMARY KEY,
	code       TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	level      TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS agstats.units (
	id             BIGSERIAL PRIMARY KEY,
	code           TEXT NOT NULL UNIQUE,
	name           TEXT NOT NULL,
	base_unit_id   BIGINT REFERENCES agstats.units(id),
	to_base_factor DOUBLE PRECISION NOT NULL DEFAULT 1,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS agstats.series (
	id             BIGSERIAL PRIMARY KEY,
	data_source_id BIGINT NOT NULL REFERENCES agstats.data_sources(id),
	series_key     TEXT NOT NULL,
	name           TEXT NOT NULL,
	commodity_id   BIGINT REFERENCES agstats.commodities(id),
	location_id    BIGINT REFERENCES agstats.locations(id),
	unit_id        BIGINT REFERENCES agstats.units(id),
	frequency      TEXT,
	description    TEXT,
	metadata       JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (data_source_id, series_key)
);

CREATE TABLE IF NOT EXISTS agstats.ingest_runs (
	id             TEXT PRIMARY KEY,
	data_source_id BIGINT NOT NULL REFERENCES agstats.data_sources(id),
	job_name       TEXT NOT NULL,
	agent_id       TEXT NOT NULL,
	agent_type     TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'running',
	rows_fetched   BIGINT NOT NULL DEFAULT 0,
	rows_inserted  BIGINT NOT NULL DEFAULT 0,
	rows_updated   BIGINT NOT NULL DEFAULT 0,
	rows_skipped   BIGINT NOT NULL DEFAULT 0,
	rows_failed    BIGINT NOT NULL DEFAULT 0,
	parameters     JSONB,
	error_message  TEXT,
	error_detail   TEXT,
	started_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_status ON agstats.ingest_runs(status);
CREATE INDEX IF NOT EXISTS idx_ingest_runs_job ON agstats.ingest_runs(job_name, started_at DESC);

CREATE TABLE IF NOT EXISTS agstats.ingest_errors (
	id          BIGSERIAL PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES agstats.ingest_runs(id),
	error_type  TEXT NOT NULL,
	message     TEXT NOT NULL,
	record_key  TEXT,
	record_data JSONB,
	error_code  TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_ingest_errors_run_id ON agstats.ingest_errors(run_id);

CREATE TABLE IF NOT EXISTS agstats.bronze_cells (
	id            BIGSERIAL PRIMARY KEY,
	release_id    TEXT NOT NULL,
	table_code    TEXT NOT NULL,
	row_code      TEXT NOT NULL,
	column_code   TEXT NOT NULL,
	value_text    TEXT NOT NULL,
	value_numeric DOUBLE PRECISION,
	is_numeric    BOOLEAN NOT NULL DEFAULT false,
	parse_warning TEXT,
	row_label     TEXT,
	row_category  TEXT,
	period_label  TEXT,
	run_id        TEXT NOT NULL REFERENCES agstats.ingest_runs(id),
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (release_id, table_code, row_code, column_code)
);

CREATE TABLE IF NOT EXISTS agstats.observations (
	id             BIGSERIAL PRIMARY KEY,
	series_id      BIGINT NOT NULL REFERENCES agstats.series(id),
	obs_time       TIMESTAMPTZ NOT NULL,
	revision       INTEGER NOT NULL DEFAULT 0,
	value          DOUBLE PRECISION NOT NULL,
	is_latest      BOOLEAN NOT NULL DEFAULT true,
	superseded_at  TIMESTAMPTZ,
	quality_flag   TEXT NOT NULL DEFAULT 'good',
	is_estimated   BOOLEAN NOT NULL DEFAULT false,
	is_forecast    BOOLEAN NOT NULL DEFAULT false,
	is_preliminary BOOLEAN NOT NULL DEFAULT false,
	bronze_cell_id BIGINT REFERENCES agstats.bronze_cells(id),
	run_id         TEXT NOT NULL REFERENCES agstats.ingest_runs(id),
	metadata       JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (series_id, obs_time, revision)
);

CREATE INDEX IF NOT EXISTS idx_observations_latest
	ON agstats.observations(series_id, obs_time) WHERE is_latest;

CREATE TABLE IF NOT EXISTS agstats.validation_statuses (
	id               BIGSERIAL PRIMARY KEY,
	entity_type      TEXT NOT NULL,
	entity_id        TEXT NOT NULL,
	data_source_id   BIGINT NOT NULL REFERENCES agstats.data_sources(id),
	status           TEXT NOT NULL DEFAULT 'pending',
	checker_agent_id TEXT,
	checks_passed    INTEGER NOT NULL DEFAULT 0,
	checks_failed    INTEGER NOT NULL DEFAULT 0,
	check_results    JSONB,
	discrepancies    JSONB,
	notes            TEXT,
	validated_at     TIMESTAMPTZ,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (entity_type, entity_id, data_source_id)
);

CREATE TABLE IF NOT EXISTS agstats.agent_heartbeats (
	agent_id     TEXT PRIMARY KEY,
	agent_type   TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'alive',
	current_task TEXT,
	last_seen    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// migrationLockID scopes the advisory lock that keeps overlapping deploys
// from racing the migration.
const migrationLockID = 7203941

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate applies the schema under a transaction-scoped advisory lock so
// concurrent processes (overlapping deploys) cannot apply it twice. The
// xact-scoped lock guarantees lock and DDL share one session and the lock
// releases at commit or rollback.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "ingest.migrate"))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: migrate: begin tx")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "postgres: acquire migration advisory lock")
	}
	if _, err := tx.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: migrate: commit")
	}
	log.Info("schema migration applied")
	return nil
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}
