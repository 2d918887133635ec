package seed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const validSeed = `
data_sources:
  - code: usda_nass
    name: USDA National Agricultural Statistics Service
    url: https://www.nass.usda.gov
commodities:
  - code: corn
    name: Corn
    category: grain
locations:
  - code: US
    name: United States
    level: country
  - code: US-IA
    name: Iowa
    level: state
units:
  - code: bu
    name: Bushel
  - code: 1000_bu
    name: Thousand bushels
    base_unit: bu
    to_base_factor: 1000
  - code: mil_bu
    name: Million bushels
    base_unit: bu
    to_base_factor: 1000000
`

func TestLoadValid(t *testing.T) {
	f, err := Load(writeSeed(t, validSeed))
	require.NoError(t, err)

	assert.Len(t, f.DataSources, 1)
	assert.Len(t, f.Commodities, 1)
	assert.Len(t, f.Locations, 2)
	assert.Len(t, f.Units, 3)
	assert.Equal(t, "usda_nass", f.DataSources[0].Code)
	assert.Equal(t, "bu", f.Units[1].BaseUnitCode)
}

func TestSummary(t *testing.T) {
	f, err := Load(writeSeed(t, validSeed))
	require.NoError(t, err)
	assert.Equal(t, "1 data sources, 1 commodities, 2 locations, 3 units", f.Summary())
}

func TestUnitFactorDefaults(t *testing.T) {
	base := Unit{Code: "bu", Name: "Bushel"}
	assert.InDelta(t, 1.0, base.factor(), 0.0001)

	selfRef := Unit{Code: "bu", Name: "Bushel", BaseUnitCode: "bu"}
	assert.InDelta(t, 1.0, selfRef.factor(), 0.0001)

	derived := Unit{Code: "1000_bu", Name: "Thousand bushels", BaseUnitCode: "bu", ToBaseFactor: 1000}
	assert.InDelta(t, 1000.0, derived.factor(), 0.0001)
}

func TestLoadRejectsUnknownBaseUnit(t *testing.T) {
	_, err := Load(writeSeed(t, `
units:
  - code: 1000_bu
    name: Thousand bushels
    base_unit: bushels
    to_base_factor: 1000
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown base unit")
}

func TestLoadRejectsMissingFactor(t *testing.T) {
	_, err := Load(writeSeed(t, `
units:
  - code: bu
    name: Bushel
  - code: 1000_bu
    name: Thousand bushels
    base_unit: bu
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "positive to_base_factor")
}

func TestLoadRejectsDuplicateUnitCodes(t *testing.T) {
	_, err := Load(writeSeed(t, `
units:
  - code: bu
    name: Bushel
  - code: bu
    name: Bushel again
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate unit code")
}

func TestLoadRejectsMissingNames(t *testing.T) {
	_, err := Load(writeSeed(t, `
data_sources:
  - code: usda_nass
`))
	require.Error(t, err)

	_, err = Load(writeSeed(t, `
commodities:
  - name: Corn
`))
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
