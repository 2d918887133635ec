package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/agstats-cli/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLite(filepath.Join(t.TempDir(), "ingest_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	seedSQL := []string{
		`INSERT INTO data_sources (code, name) VALUES ('usda_nass', 'USDA NASS')`,
		`INSERT INTO commodities (code, name, category) VALUES ('corn', 'Corn', 'grain')`,
		`INSERT INTO locations (code, name, level) VALUES ('US', 'United States', 'country')`,
		`INSERT INTO units (code, name, to_base_factor) VALUES ('bu', 'Bushel', 1)`,
		`UPDATE units SET base_unit_id = id WHERE code = 'bu'`,
		`INSERT INTO units (code, name, base_unit_id, to_base_factor)
		 VALUES ('1000_bu', 'Thousand bushels', (SELECT id FROM units WHERE code = 'bu'), 1000)`,
		`INSERT INTO units (code, name, base_unit_id, to_base_factor)
		 VALUES ('mil_bu', 'Million bushels', (SELECT id FROM units WHERE code = 'bu'), 1000000)`,
		`INSERT INTO units (code, name) VALUES ('pct', 'Percent')`,
	}
	for _, q := range seedSQL {
		_, err := s.DB().Exec(q)
		require.NoError(t, err)
	}
	return s
}

func testRun(t *testing.T, s *SQLiteStore) string {
	t.Helper()
	id, err := s.OpenIngestRun(context.Background(), RunInput{
		DataSourceCode: "usda_nass",
		JobName:        "qs_sync",
		AgentID:        "collector-1",
		AgentType:      "collector",
	})
	require.NoError(t, err)
	return id
}

func testSeries(t *testing.T, s *SQLiteStore) int64 {
	t.Helper()
	id, err := s.GetOrCreateSeries(context.Background(), SeriesInput{
		DataSourceCode: "usda_nass",
		SeriesKey:      "corn/US/production",
		Name:           "Corn production, US",
		CommodityCode:  "corn",
		LocationCode:   "US",
		UnitCode:       "1000_bu",
		Frequency:      "annual",
	})
	require.NoError(t, err)
	return id
}

func TestGetOrCreateSeriesIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	first := testSeries(t, s)
	second := testSeries(t, s)
	assert.Equal(t, first, second)

	resolved, err := s.GetSeriesID(context.Background(), "usda_nass", "corn/US/production")
	require.NoError(t, err)
	assert.Equal(t, first, resolved)
}

func TestGetOrCreateSeriesUnknownDimension(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetOrCreateSeries(context.Background(), SeriesInput{
		DataSourceCode: "usda_nass",
		SeriesKey:      "wheat/US/production",
		Name:           "Wheat production, US",
		CommodityCode:  "wheat",
	})
	require.Error(t, err)
	assert.True(t, IsReferenceNotFound(err))

	var nf *ReferenceNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "commodity", nf.Kind)
	assert.Equal(t, "wheat", nf.Code)
}

func TestConvertUnitsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	up, err := s.ConvertUnits(ctx, 14.9, "1000_bu", "bu")
	require.NoError(t, err)
	assert.InDelta(t, 14900, up, 1e-9)

	back, err := s.ConvertUnits(ctx, up, "bu", "1000_bu")
	require.NoError(t, err)
	assert.InDelta(t, 14.9, back, 1e-9)

	across, err := s.ConvertUnits(ctx, 2500, "1000_bu", "mil_bu")
	require.NoError(t, err)
	assert.InDelta(t, 2.5, across, 1e-9)
}

func TestConvertUnitsNoBaseLink(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ConvertUnits(context.Background(), 1, "pct", "bu")
	require.Error(t, err)
	assert.True(t, IsUnitConversion(err))

	_, err = s.ConvertUnits(context.Background(), 1, "bu", "nope")
	require.Error(t, err)
	assert.True(t, IsReferenceNotFound(err))
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	runID, err := s.OpenIngestRun(ctx, RunInput{
		DataSourceCode: "usda_nass",
		JobName:        "qs_sync",
		AgentID:        "collector-1",
		AgentType:      "collector",
		Parameters:     map[string]any{"year": 2025},
	})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	require.NoError(t, s.UpdateIngestCounts(ctx, runID, model.CountDelta{Fetched: 100, Inserted: 80}))
	require.NoError(t, s.UpdateIngestCounts(ctx, runID, model.CountDelta{Fetched: 50, Skipped: 50}))

	_, err = s.LogIngestError(ctx, ErrorInput{
		RunID:     runID,
		ErrorType: "parse",
		Message:   "unparseable cell",
		RecordKey: "row-17",
	})
	require.NoError(t, err)

	require.NoError(t, s.CloseIngestRun(ctx, runID, model.RunStatusPartial, "1 row failed", ""))

	run, err := s.GetIngestRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, run.Status)
	assert.Equal(t, int64(150), run.RowsFetched)
	assert.Equal(t, int64(80), run.RowsInserted)
	assert.Equal(t, int64(50), run.RowsSkipped)
	assert.Equal(t, int64(1), run.RowsFailed)
	assert.NotNil(t, run.CompletedAt)
	assert.EqualValues(t, 2025, run.Parameters["year"])

	errs, err := s.ListIngestErrors(ctx, runID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "row-17", errs[0].RecordKey)
}

func TestCloseIngestRunTwiceIsRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	runID, err := s.OpenIngestRun(ctx, RunInput{
		DataSourceCode: "usda_nass", JobName: "qs_sync",
	})
	require.NoError(t, err)

	require.NoError(t, s.CloseIngestRun(ctx, runID, model.RunStatusSuccess, "", ""))

	err = s.CloseIngestRun(ctx, runID, model.RunStatusFailed, "late failure", "")
	require.Error(t, err)
	assert.True(t, IsRunClosed(err))

	var closed *RunClosedError
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, model.RunStatusSuccess, closed.Status)

	// First close wins, unchanged.
	run, err := s.GetIngestRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, run.Status)
}

func TestConcurrentCountUpdatesAccumulate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	runID, err := s.OpenIngestRun(ctx, RunInput{
		DataSourceCode: "usda_nass", JobName: "qs_sync",
	})
	require.NoError(t, err)

	const writers = 10
	g, gctx := errgroup.WithContext(ctx)
	for range writers {
		g.Go(func() error {
			return s.UpdateIngestCounts(gctx, runID, model.CountDelta{Fetched: 10, Inserted: 7})
		})
	}
	require.NoError(t, g.Wait())

	run, err := s.GetIngestRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, int64(writers*10), run.RowsFetched)
	assert.Equal(t, int64(writers*7), run.RowsInserted)
}

func TestBronzeCellScenario(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	runID := testRun(t, s)
	cells := []BronzeCellInput{
		{ReleaseID: "2025-01", TableCode: "t1", RowCode: "corn_stocks", ColumnCode: "2024", ValueText: "2,131", RunID: runID},
		{ReleaseID: "2025-01", TableCode: "t1", RowCode: "corn_stocks", ColumnCode: "2023", ValueText: "NA", RunID: runID},
		{ReleaseID: "2025-01", TableCode: "t1", RowCode: "corn_prod", ColumnCode: "2024", ValueText: "14,900", RunID: runID},
	}
	for _, c := range cells {
		_, err := s.UpsertBronzeCell(ctx, c)
		require.NoError(t, err)
	}

	type cell struct {
		numeric   *float64
		isNumeric bool
	}
	read := func(rowCode, colCode string) cell {
		var c cell
		require.NoError(t, s.DB().QueryRow(
			`SELECT value_numeric, is_numeric FROM bronze_cells WHERE row_code = ? AND column_code = ?`,
			rowCode, colCode,
		).Scan(&c.numeric, &c.isNumeric))
		return c
	}

	stocks := read("corn_stocks", "2024")
	require.NotNil(t, stocks.numeric)
	assert.InDelta(t, 2131, *stocks.numeric, 1e-9)
	assert.True(t, stocks.isNumeric)

	na := read("corn_stocks", "2023")
	assert.Nil(t, na.numeric)
	assert.False(t, na.isNumeric)

	prod := read("corn_prod", "2024")
	require.NotNil(t, prod.numeric)
	assert.InDelta(t, 14900, *prod.numeric, 1e-9)
}

func TestBronzeCellUnchangedTextIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := BronzeCellInput{
		ReleaseID: "2025-01", TableCode: "t1", RowCode: "corn_prod", ColumnCode: "2024",
		ValueText: "14,900", RunID: testRun(t, s),
	}
	id1, err := s.UpsertBronzeCell(ctx, in)
	require.NoError(t, err)

	var updatedBefore time.Time
	require.NoError(t, s.DB().QueryRow(`SELECT updated_at FROM bronze_cells WHERE id = ?`, id1).Scan(&updatedBefore))

	time.Sleep(10 * time.Millisecond)
	id2, err := s.UpsertBronzeCell(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	var updatedAfter time.Time
	require.NoError(t, s.DB().QueryRow(`SELECT updated_at FROM bronze_cells WHERE id = ?`, id1).Scan(&updatedAfter))
	assert.Equal(t, updatedBefore, updatedAfter)

	// Changed text does overwrite.
	in.ValueText = "15,000"
	id3, err := s.UpsertBronzeCell(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, id1, id3)

	var text string
	require.NoError(t, s.DB().QueryRow(`SELECT value_text FROM bronze_cells WHERE id = ?`, id1).Scan(&text))
	assert.Equal(t, "15,000", text)
}

func TestBulkUpsertBronzeCells(t *testing.T) {
	s := newTestStore(t)

	runID := testRun(t, s)
	n, err := s.BulkUpsertBronzeCells(context.Background(), []BronzeCellInput{
		{ReleaseID: "2025-01", TableCode: "t1", RowCode: "r1", ColumnCode: "c1", ValueText: "1", RunID: runID},
		{ReleaseID: "2025-01", TableCode: "t1", RowCode: "r1", ColumnCode: "c2", ValueText: "2", RunID: runID},
		{ReleaseID: "2025-01", TableCode: "t1", RowCode: "r2", ColumnCode: "c1", ValueText: "(3)", RunID: runID},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	var negative float64
	require.NoError(t, s.DB().QueryRow(
		`SELECT value_numeric FROM bronze_cells WHERE row_code = 'r2'`).Scan(&negative))
	assert.InDelta(t, -3, negative, 1e-9)
}

func TestWritesRequireOpenRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seriesID := testSeries(t, s)

	// Spread the attempts across pool connections; run_id references
	// ingest_runs and must be rejected on every one of them.
	g, gctx := errgroup.WithContext(ctx)
	for i := range 4 {
		g.Go(func() error {
			_, err := s.UpsertBronzeCell(gctx, BronzeCellInput{
				ReleaseID: "2025-01", TableCode: "t1", RowCode: "r1",
				ColumnCode: fmt.Sprintf("c%d", i), ValueText: "1", RunID: "no-such-run",
			})
			if err == nil {
				return errors.New("bronze cell with unknown run id was accepted")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	_, err := s.UpsertObservation(ctx, ObservationInput{
		SeriesID: seriesID,
		ObsTime:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Value:    1,
		RunID:    "no-such-run",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FOREIGN KEY")
}

func TestObservationRevisionSupersession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seriesID := testSeries(t, s)
	obsTime := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.UpsertObservation(ctx, ObservationInput{
		SeriesID: seriesID, ObsTime: obsTime, Value: 14900, Revision: 0, RunID: testRun(t, s),
	})
	require.NoError(t, err)

	_, err = s.UpsertObservation(ctx, ObservationInput{
		SeriesID: seriesID, ObsTime: obsTime, Value: 15100, Revision: 1, RunID: testRun(t, s),
	})
	require.NoError(t, err)

	latest, err := s.ListObservations(ctx, ObservationFilter{SeriesID: seriesID, LatestOnly: true})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, 1, latest[0].Revision)
	assert.InDelta(t, 15100, latest[0].Value, 1e-9)
	assert.Nil(t, latest[0].SupersededAt)

	all, err := s.ListObservations(ctx, ObservationFilter{SeriesID: seriesID})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.False(t, all[0].IsLatest)
	assert.NotNil(t, all[0].SupersededAt)
	assert.True(t, all[1].IsLatest)

	violations, err := s.CheckLatestInvariant(ctx, seriesID)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestObservationUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seriesID := testSeries(t, s)

	in := ObservationInput{
		SeriesID: seriesID,
		ObsTime:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Value:    14900,
		Revision: 0,
		RunID:    testRun(t, s),
	}
	id1, err := s.UpsertObservation(ctx, in)
	require.NoError(t, err)
	id2, err := s.UpsertObservation(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	all, err := s.ListObservations(ctx, ObservationFilter{SeriesID: seriesID})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLateLowerRevisionDoesNotStealLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seriesID := testSeries(t, s)
	obsTime := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	// Revision 2 arrives before revision 1.
	_, err := s.UpsertObservation(ctx, ObservationInput{
		SeriesID: seriesID, ObsTime: obsTime, Value: 15200, Revision: 2, RunID: testRun(t, s),
	})
	require.NoError(t, err)
	_, err = s.UpsertObservation(ctx, ObservationInput{
		SeriesID: seriesID, ObsTime: obsTime, Value: 15100, Revision: 1, RunID: testRun(t, s),
	})
	require.NoError(t, err)

	latest, err := s.ListObservations(ctx, ObservationFilter{SeriesID: seriesID, LatestOnly: true})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, 2, latest[0].Revision)

	violations, err := s.CheckLatestInvariant(ctx, seriesID)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestConcurrentObservationUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seriesID := testSeries(t, s)
	obsTime := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	runID := testRun(t, s)
	const revisions = 8
	g, gctx := errgroup.WithContext(ctx)
	for rev := range revisions {
		g.Go(func() error {
			_, err := s.UpsertObservation(gctx, ObservationInput{
				SeriesID: seriesID,
				ObsTime:  obsTime,
				Value:    float64(14000 + rev),
				Revision: rev,
				RunID:    runID,
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	latest, err := s.ListObservations(ctx, ObservationFilter{SeriesID: seriesID, LatestOnly: true})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, revisions-1, latest[0].Revision)

	violations, err := s.CheckLatestInvariant(ctx, seriesID)
	require.NoError(t, err)
	assert.Empty(t, violations)

	all, err := s.ListObservations(ctx, ObservationFilter{SeriesID: seriesID})
	require.NoError(t, err)
	assert.Len(t, all, revisions)
}

func TestSweepLatestInvariantFindsCorruption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seriesID := testSeries(t, s)
	obsTime := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	runID := testRun(t, s)

	_, err := s.UpsertObservation(ctx, ObservationInput{
		SeriesID: seriesID, ObsTime: obsTime, Value: 14900, Revision: 0, RunID: runID,
	})
	require.NoError(t, err)
	_, err = s.UpsertObservation(ctx, ObservationInput{
		SeriesID: seriesID, ObsTime: obsTime, Value: 15100, Revision: 1, RunID: runID,
	})
	require.NoError(t, err)

	clean, err := SweepLatestInvariant(ctx, s, 4)
	require.NoError(t, err)
	assert.Empty(t, clean)

	// Corrupt the latest pointer directly.
	_, err = s.DB().Exec(
		`UPDATE observations SET is_latest = 1 WHERE series_id = ? AND revision = 0`, seriesID)
	require.NoError(t, err)

	violations, err := SweepLatestInvariant(ctx, s, 4)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, seriesID, violations[0].SeriesID)
	assert.Equal(t, 2, violations[0].LatestCount)
	assert.Equal(t, 1, violations[0].MaxRevision)
}

func TestValidationStatusUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.SetValidationStatus(ctx, ValidationInput{
		EntityType:     "release",
		EntityID:       "2025-01",
		DataSourceCode: "usda_nass",
		Status:         model.ValidationInProgress,
		CheckerAgentID: "checker-1",
	})
	require.NoError(t, err)

	got, err := s.GetValidationStatus(ctx, "release", "2025-01", "usda_nass")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.ValidationInProgress, got.Status)
	assert.Nil(t, got.ValidatedAt)

	id2, err := s.SetValidationStatus(ctx, ValidationInput{
		EntityType:     "release",
		EntityID:       "2025-01",
		DataSourceCode: "usda_nass",
		Status:         model.ValidationPassedWarn,
		CheckerAgentID: "checker-1",
		CheckResults: []model.CheckResult{
			{Name: "row_count", Passed: true},
			{Name: "sum_matches", Passed: false, Message: "off by 3"},
		},
		Discrepancies: map[string]any{"sum_delta": 3.0},
		Notes:         "tolerable",
	})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	got, err = s.GetValidationStatus(ctx, "release", "2025-01", "usda_nass")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.ValidationPassedWarn, got.Status)
	assert.Equal(t, 1, got.ChecksPassed)
	assert.Equal(t, 1, got.ChecksFailed)
	require.Len(t, got.CheckResults, 2)
	assert.NotNil(t, got.ValidatedAt)
	assert.Equal(t, "tolerable", got.Notes)
}

func TestGetValidationStatusMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetValidationStatus(context.Background(), "release", "nope", "usda_nass")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestHeartbeatAndListAgents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Heartbeat(ctx, HeartbeatInput{
		AgentID: "collector-1", AgentType: "collector", CurrentTask: "qs_sync",
	}))
	require.NoError(t, s.Heartbeat(ctx, HeartbeatInput{
		AgentID: "collector-1", AgentType: "collector", CurrentTask: "fas_sync",
	}))
	require.NoError(t, s.Heartbeat(ctx, HeartbeatInput{
		AgentID: "checker-1", AgentType: "checker", Status: "idle",
	}))

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)

	byID := map[string]model.AgentStatus{}
	for _, a := range agents {
		byID[a.AgentID] = a
	}
	assert.Equal(t, "fas_sync", byID["collector-1"].CurrentTask)
	assert.Equal(t, "alive", byID["collector-1"].Status)
	assert.Equal(t, model.AgentHealthy, byID["collector-1"].Health)
	assert.Equal(t, "idle", byID["checker-1"].Status)
}
