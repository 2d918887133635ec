// Package seed loads reference dimensions (data sources, commodities,
// locations, units) from a YAML file into the store. Seeding is idempotent:
// rows are upserted by code, so re-running against a live database is safe.
package seed

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/agstats-cli/internal/db"
)

// File is the on-disk seed format.
type File struct {
	DataSources []DataSource `yaml:"data_sources"`
	Commodities []Commodity  `yaml:"commodities"`
	Locations   []Location   `yaml:"locations"`
	Units       []Unit       `yaml:"units"`
}

type DataSource struct {
	Code string `yaml:"code"`
	Name string `yaml:"name"`
	URL  string `yaml:"url,omitempty"`
}

type Commodity struct {
	Code     string `yaml:"code"`
	Name     string `yaml:"name"`
	Category string `yaml:"category,omitempty"`
}

type Location struct {
	Code  string `yaml:"code"`
	Name  string `yaml:"name"`
	Level string `yaml:"level,omitempty"`
}

// Unit references its base unit by code. A unit with no base (or naming
// itself) is a base unit with factor 1.
type Unit struct {
	Code         string  `yaml:"code"`
	Name         string  `yaml:"name"`
	BaseUnitCode string  `yaml:"base_unit,omitempty"`
	ToBaseFactor float64 `yaml:"to_base_factor,omitempty"`
}

// Load parses and validates a seed file.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "seed: read %s", path)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, eris.Wrapf(err, "seed: parse %s", path)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	for _, d := range f.DataSources {
		if d.Code == "" || d.Name == "" {
			return eris.Errorf("seed: data source needs code and name, got %q/%q", d.Code, d.Name)
		}
	}
	for _, c := range f.Commodities {
		if c.Code == "" || c.Name == "" {
			return eris.Errorf("seed: commodity needs code and name, got %q/%q", c.Code, c.Name)
		}
	}
	for _, l := range f.Locations {
		if l.Code == "" || l.Name == "" {
			return eris.Errorf("seed: location needs code and name, got %q/%q", l.Code, l.Name)
		}
	}

	unitCodes := make(map[string]bool, len(f.Units))
	for _, u := range f.Units {
		if u.Code == "" || u.Name == "" {
			return eris.Errorf("seed: unit needs code and name, got %q/%q", u.Code, u.Name)
		}
		if unitCodes[u.Code] {
			return eris.Errorf("seed: duplicate unit code %s", u.Code)
		}
		unitCodes[u.Code] = true
	}
	for _, u := range f.Units {
		if u.BaseUnitCode != "" && !unitCodes[u.BaseUnitCode] {
			return eris.Errorf("seed: unit %s references unknown base unit %s", u.Code, u.BaseUnitCode)
		}
		if u.BaseUnitCode != "" && u.BaseUnitCode != u.Code && u.ToBaseFactor <= 0 {
			return eris.Errorf("seed: unit %s needs a positive to_base_factor", u.Code)
		}
	}
	return nil
}

// factor returns the conversion factor to store, defaulting to 1 for base
// units.
func (u Unit) factor() float64 {
	if u.BaseUnitCode == "" || u.BaseUnitCode == u.Code {
		return 1
	}
	return u.ToBaseFactor
}

// ApplyPostgres upserts the seed rows. Units load in two passes so forward
// base-unit references resolve regardless of declaration order, and base
// units end up pointing at themselves.
func ApplyPostgres(ctx context.Context, pool db.Pool, f *File) error {
	for _, d := range f.DataSources {
		if _, err := pool.Exec(ctx,
			`INSERT INTO agstats.data_sources (code, name, url) VALUES ($1, $2, NULLIF($3, ''))
			 ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, url = EXCLUDED.url`,
			d.Code, d.Name, d.URL,
		); err != nil {
			return eris.Wrapf(err, "seed: data source %s", d.Code)
		}
	}
	for _, c := range f.Commodities {
		if _, err := pool.Exec(ctx,
			`INSERT INTO agstats.commodities (code, name, category) VALUES ($1, $2, NULLIF($3, ''))
			 ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, category = EXCLUDED.category`,
			c.Code, c.Name, c.Category,
		); err != nil {
			return eris.Wrapf(err, "seed: commodity %s", c.Code)
		}
	}
	for _, l := range f.Locations {
		if _, err := pool.Exec(ctx,
			`INSERT INTO agstats.locations (code, name, level) VALUES ($1, $2, NULLIF($3, ''))
			 ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, level = EXCLUDED.level`,
			l.Code, l.Name, l.Level,
		); err != nil {
			return eris.Wrapf(err, "seed: location %s", l.Code)
		}
	}

	for _, u := range f.Units {
		if _, err := pool.Exec(ctx,
			`INSERT INTO agstats.units (code, name, to_base_factor) VALUES ($1, $2, $3)
			 ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, to_base_factor = EXCLUDED.to_base_factor`,
			u.Code, u.Name, u.factor(),
		); err != nil {
			return eris.Wrapf(err, "seed: unit %s", u.Code)
		}
	}
	for _, u := range f.Units {
		base := u.BaseUnitCode
		if base == "" {
			base = u.Code
		}
		if _, err := pool.Exec(ctx,
			`UPDATE agstats.units SET base_unit_id = (SELECT id FROM agstats.units WHERE code = $2)
			 WHERE code = $1`,
			u.Code, base,
		); err != nil {
			return eris.Wrapf(err, "seed: unit %s base link", u.Code)
		}
	}

	logApplied(f)
	return nil
}

// ApplySQLite mirrors ApplyPostgres against the embedded database.
func ApplySQLite(ctx context.Context, sqldb *sql.DB, f *File) error {
	exec := func(query string, args ...any) error {
		_, err := sqldb.ExecContext(ctx, query, args...)
		return err
	}

	for _, d := range f.DataSources {
		if err := exec(
			`INSERT INTO data_sources (code, name, url) VALUES (?, ?, NULLIF(?, ''))
			 ON CONFLICT (code) DO UPDATE SET name = excluded.name, url = excluded.url`,
			d.Code, d.Name, d.URL,
		); err != nil {
			return eris.Wrapf(err, "seed: data source %s", d.Code)
		}
	}
	for _, c := range f.Commodities {
		if err := exec(
			`INSERT INTO commodities (code, name, category) VALUES (?, ?, NULLIF(?, ''))
			 ON CONFLICT (code) DO UPDATE SET name = excluded.name, category = excluded.category`,
			c.Code, c.Name, c.Category,
		); err != nil {
			return eris.Wrapf(err, "seed: commodity %s", c.Code)
		}
	}
	for _, l := range f.Locations {
		if err := exec(
			`INSERT INTO locations (code, name, level) VALUES (?, ?, NULLIF(?, ''))
			 ON CONFLICT (code) DO UPDATE SET name = excluded.name, level = excluded.level`,
			l.Code, l.Name, l.Level,
		); err != nil {
			return eris.Wrapf(err, "seed: location %s", l.Code)
		}
	}

	for _, u := range f.Units {
		if err := exec(
			`INSERT INTO units (code, name, to_base_factor) VALUES (?, ?, ?)
			 ON CONFLICT (code) DO UPDATE SET name = excluded.name, to_base_factor = excluded.to_base_factor`,
			u.Code, u.Name, u.factor(),
		); err != nil {
			return eris.Wrapf(err, "seed: unit %s", u.Code)
		}
	}
	for _, u := range f.Units {
		base := u.BaseUnitCode
		if base == "" {
			base = u.Code
		}
		if err := exec(
			`UPDATE units SET base_unit_id = (SELECT id FROM units WHERE code = ?) WHERE code = ?`,
			base, u.Code,
		); err != nil {
			return eris.Wrapf(err, "seed: unit %s base link", u.Code)
		}
	}

	logApplied(f)
	return nil
}

func logApplied(f *File) {
	zap.L().Info("seed applied",
		zap.Int("data_sources", len(f.DataSources)),
		zap.Int("commodities", len(f.Commodities)),
		zap.Int("locations", len(f.Locations)),
		zap.Int("units", len(f.Units)),
	)
}

// Summary renders a one-line description for CLI output.
func (f *File) Summary() string {
	return fmt.Sprintf("%d data sources, %d commodities, %d locations, %d units",
		len(f.DataSources), len(f.Commodities), len(f.Locations), len(f.Units))
}
