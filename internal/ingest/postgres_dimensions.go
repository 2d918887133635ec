package ingest

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// lookupDimensionID resolves a dimension code in one of the flat code
// tables. Unknown codes are seed-data failures, never auto-created.
func (s *PostgresStore) lookupDimensionID(ctx context.Context, table, kind, code string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM agstats.`+table+` WHERE code = $1`, code,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &ReferenceNotFoundError{Kind: kind, Code: code}
		}
		return 0, eris.Wrapf(err, "postgres: lookup %s %s", kind, code)
	}
	return id, nil
}

// optionalDimensionID resolves a code that callers may omit. Empty code
// means "not linked"; a supplied-but-unknown code still fails.
func (s *PostgresStore) optionalDimensionID(ctx context.Context, table, kind, code string) (*int64, error) {
	if code == "" {
		return nil, nil
	}
	id, err := s.lookupDimensionID(ctx, table, kind, code)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// GetOrCreateSeries resolves (data source, series key) to a series id,
// inserting the series on first ingestion of a new key. Safe under
// concurrent callers racing on the same key: the unique constraint on
// (data_source_id, series_key) is the source of truth, and a losing insert
// falls back to re-reading the winner's row.
func (s *PostgresStore) GetOrCreateSeries(ctx context.Context, in SeriesInput) (int64, error) {
	dsID, err := s.lookupDimensionID(ctx, "data_sources", "data_source", in.DataSourceCode)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.pool.QueryRow(ctx,
		`SELECT id FROM agstats.series WHERE data_source_id = $1 AND series_key = $2`,
		dsID, in.SeriesKey,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, eris.Wrapf(err, "postgres: get series %s", in.SeriesKey)
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

	var metaJSON []byte
	if in.Metadata != nil {
		metaJSON, err = json.Marshal(in.Metadata)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal series metadata")
		}
	}

	// DO NOTHING + RETURNING yields no row when a concurrent insert won the
	// unique constraint; treat that as "already exists" and re-read.
	err = s.pool.QueryRow(ctx,
		`INSERT INTO agstats.series
		 (data_source_id, series_key, name, commodity_id, location_id, unit_id, frequency, description, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (data_source_id, series_key) DO NOTHING
		 RETURNING id`,
		dsID, in.SeriesKey, in.Name, commodityID, locationID, unitID, in.Frequency, in.Description, metaJSON,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, eris.Wrapf(err, "postgres: insert series %s", in.SeriesKey)
	}

	zap.L().Debug("lost series insert race, re-reading winner",
		zap.String("data_source", in.DataSourceCode),
		zap.String("series_key", in.SeriesKey),
	)
	err = s.pool.QueryRow(ctx,
		`SELECT id FROM agstats.series WHERE data_source_id = $1 AND series_key = $2`,
		dsID, in.SeriesKey,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(&ConflictError{Key: in.DataSourceCode + "/" + in.SeriesKey}, "postgres: re-read after lost insert race")
	}
	return id, nil
}

// GetSeriesID is a read-only series lookup with no side effects.
func (s *PostgresStore) GetSeriesID(ctx context.Context, dataSourceCode, seriesKey string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT s.id FROM agstats.series s
		 JOIN agstats.data_sources d ON d.id = s.data_source_id
		 WHERE d.code = $1 AND s.series_key = $2`,
		dataSourceCode, seriesKey,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &ReferenceNotFoundError{Kind: "series", Code: dataSourceCode + "/" + seriesKey}
		}
		return 0, eris.Wrapf(err, "postgres: get series id %s/%s", dataSourceCode, seriesKey)
	}
	return id, nil
}

// ListSeriesIDs returns every series id, for invariant sweeps.
func (s *PostgresStore) ListSeriesIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM agstats.series ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list series ids")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan series id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: list series ids iterate")
}

// unitRef is one link in a unit's base chain.
type unitRef struct {
	id         int64
	code       string
	baseUnitID *int64
	factor     float64
}

func (s *PostgresStore) getUnit(ctx context.Context, code string) (*unitRef, error) {
	var u unitRef
	err := s.pool.QueryRow(ctx,
		`SELECT id, code, base_unit_id, to_base_factor FROM agstats.units WHERE code = $1`, code,
	).Scan(&u.id, &u.code, &u.baseUnitID, &u.factor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ReferenceNotFoundError{Kind: "unit", Code: code}
		}
		return nil, eris.Wrapf(err, "postgres: get unit %s", code)
	}
	return &u, nil
}

func (s *PostgresStore) getUnitByID(ctx context.Context, id int64) (*unitRef, error) {
	var u unitRef
	err := s.pool.QueryRow(ctx,
		`SELECT id, code, base_unit_id, to_base_factor FROM agstats.units WHERE id = $1`, id,
	).Scan(&u.id, &u.code, &u.baseUnitID, &u.factor)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get unit id %d", id)
	}
	return &u, nil
}

// resolveBase follows a unit's base chain to its root base unit,
// accumulating the multiplicative factor along the way. Base units
// reference themselves by seed convention; a nil base link means the unit
// does not participate in conversion.
func (s *PostgresStore) resolveBase(ctx context.Context, u *unitRef) (baseID int64, factor float64, err error) {
	factor = 1
	seen := map[int64]bool{}
	for {
		if seen[u.id] {
			return 0, 0, &UnitConversionError{FromCode: u.code, ToCode: "", Reason: "cycle in base-unit chain"}
		}
		seen[u.id] = true
		if u.baseUnitID == nil {
			return 0, 0, &UnitConversionError{FromCode: u.code, ToCode: "", Reason: "unit has no base-unit link"}
		}
		factor *= u.factor
		if *u.baseUnitID == u.id {
			return u.id, factor, nil
		}
		u, err = s.getUnitByID(ctx, *u.baseUnitID)
		if err != nil {
			return 0, 0, err
		}
	}
}

// ConvertUnits converts value between two units sharing a base unit,
// directly or transitively. Units with different bases (or no base link)
// fail with UnitConversionError.
func (s *PostgresStore) ConvertUnits(ctx context.Context, value float64, fromCode, toCode string) (float64, error) {
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
