package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/agstats-cli/internal/authz"
	"github.com/sells-group/agstats-cli/internal/ingest"
)

const (
	writerToken = "tok-writer"
	readerToken = "tok-reader"
	checkToken  = "tok-checker"
	adminToken  = "tok-admin"
)

func newTestServer(t *testing.T, opts Options) (*httptest.Server, *ingest.SQLiteStore) {
	t.Helper()

	store, err := ingest.NewSQLite(filepath.Join(t.TempDir(), "api_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(t.Context()))

	_, err = store.DB().Exec(`INSERT INTO data_sources (code, name) VALUES ('usda_nass', 'USDA NASS')`)
	require.NoError(t, err)
	_, err = store.DB().Exec(`INSERT INTO units (code, name, to_base_factor) VALUES ('bu', 'Bushel', 1)`)
	require.NoError(t, err)
	_, err = store.DB().Exec(
		`INSERT INTO units (code, name, base_unit_id, to_base_factor)
		 VALUES ('1000_bu', 'Thousand bushels', (SELECT id FROM units WHERE code = 'bu'), 1000)`)
	require.NoError(t, err)
	_, err = store.DB().Exec(`UPDATE units SET base_unit_id = id WHERE code = 'bu'`)
	require.NoError(t, err)

	auth := authz.New(map[string]string{
		writerToken: "writer",
		readerToken: "reader",
		checkToken:  "checker",
		adminToken:  "admin",
	})
	srv := New(store, auth, opts)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, store
}

// openRun creates an ingest run through the store so tests that exercise
// data writes have a real owning run without spending HTTP requests.
func openRun(t *testing.T, store *ingest.SQLiteStore) string {
	t.Helper()
	runID, err := store.OpenIngestRun(t.Context(), ingest.RunInput{
		DataSourceCode: "usda_nass",
		JobName:        "qs_sync",
		AgentID:        "agent-1",
		AgentType:      "collector",
	})
	require.NoError(t, err)
	return runID
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, Options{})

	resp, body := doJSON(t, ts, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestAuthGates(t *testing.T) {
	ts, _ := newTestServer(t, Options{})

	// No token
	resp, _ := doJSON(t, ts, http.MethodPost, "/api/runs", "", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Reader cannot write
	resp, _ = doJSON(t, ts, http.MethodPost, "/api/runs", readerToken, map[string]any{
		"data_source_code": "usda_nass", "job_name": "qs_sync",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Writer cannot validate
	resp, _ = doJSON(t, ts, http.MethodPost, "/api/validation", writerToken, map[string]any{
		"entity_type": "release", "entity_id": "r1", "data_source_code": "usda_nass", "status": "passed",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Reader cannot read revision history
	resp, _ = doJSON(t, ts, http.MethodGet, "/api/observations/history?series_id=1", readerToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t, Options{})

	resp, body := doJSON(t, ts, http.MethodPost, "/api/runs", writerToken, map[string]any{
		"data_source_code": "usda_nass",
		"job_name":         "qs_sync",
		"agent_id":         "agent-1",
		"agent_type":       "collector",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	runID := body["run_id"].(string)
	require.NotEmpty(t, runID)

	resp, _ = doJSON(t, ts, http.MethodPost, "/api/runs/"+runID+"/counts", writerToken, map[string]any{
		"fetched": 100, "inserted": 90, "skipped": 10,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, ts, http.MethodPost, "/api/runs/"+runID+"/errors", writerToken, map[string]any{
		"error_type": "parse", "message": "bad row", "record_key": "row-17",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, ts, http.MethodPost, "/api/runs/"+runID+"/close", writerToken, map[string]any{
		"status": "partial",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Closing twice conflicts.
	resp, _ = doJSON(t, ts, http.MethodPost, "/api/runs/"+runID+"/close", writerToken, map[string]any{
		"status": "success",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = doJSON(t, ts, http.MethodGet, "/api/runs/"+runID, readerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "partial", body["status"])
	assert.EqualValues(t, 100, body["rows_fetched"])
	assert.EqualValues(t, 90, body["rows_inserted"])
	// LogIngestError bumps the failure counter alongside the audit record.
	assert.EqualValues(t, 1, body["rows_failed"])
}

func TestSeriesAndObservationsOverHTTP(t *testing.T) {
	ts, store := newTestServer(t, Options{})
	runID := openRun(t, store)

	resp, body := doJSON(t, ts, http.MethodPost, "/api/series", writerToken, map[string]any{
		"data_source_code": "usda_nass",
		"series_key":       "corn/US/production",
		"name":             "Corn production, US",
		"unit_code":        "1000_bu",
		"frequency":        "annual",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	seriesID := int64(body["series_id"].(float64))
	require.NotZero(t, seriesID)

	resp, body = doJSON(t, ts, http.MethodGet,
		"/api/series/resolve?data_source=usda_nass&series_key=corn%2FUS%2Fproduction", readerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, seriesID, body["series_id"])

	// Unknown series is a 404.
	resp, _ = doJSON(t, ts, http.MethodGet,
		"/api/series/resolve?data_source=usda_nass&series_key=nope", readerToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	obsTime := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for rev, value := range map[int]float64{0: 14900, 1: 15100} {
		resp, _ = doJSON(t, ts, http.MethodPost, "/api/observations", writerToken, map[string]any{
			"series_id": seriesID,
			"obs_time":  obsTime.Format(time.RFC3339),
			"value":     value,
			"revision":  rev,
			"run_id":    runID,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, body = doJSON(t, ts, http.MethodGet,
		fmt.Sprintf("/api/observations?series_id=%d", seriesID), readerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	obs := body["observations"].([]any)
	require.Len(t, obs, 1)
	latest := obs[0].(map[string]any)
	assert.EqualValues(t, 15100, latest["value"])
	assert.EqualValues(t, 1, latest["revision"])

	resp, body = doJSON(t, ts, http.MethodGet,
		fmt.Sprintf("/api/observations/history?series_id=%d", seriesID), adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["observations"].([]any), 2)
}

func TestConvertEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, Options{})

	resp, body := doJSON(t, ts, http.MethodGet, "/api/convert?value=14.9&from=1000_bu&to=bu", readerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 14900, body["value"].(float64), 0.001)

	resp, _ = doJSON(t, ts, http.MethodGet, "/api/convert?value=1&from=bu&to=nope", readerToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestValidationAndAgentsOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t, Options{})

	resp, _ := doJSON(t, ts, http.MethodPost, "/api/validation", checkToken, map[string]any{
		"entity_type":      "release",
		"entity_id":        "2025-01",
		"data_source_code": "usda_nass",
		"status":           "passed_with_warnings",
		"checker_agent_id": "checker-1",
		"check_results": []map[string]any{
			{"name": "row_count", "passed": true},
			{"name": "sum_matches", "passed": false, "message": "off by 3"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, ts, http.MethodGet,
		"/api/validation?entity_type=release&entity_id=2025-01&data_source=usda_nass", readerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "passed_with_warnings", body["status"])
	assert.EqualValues(t, 1, body["checks_passed"])
	assert.EqualValues(t, 1, body["checks_failed"])

	resp, _ = doJSON(t, ts, http.MethodPost, "/api/heartbeat", checkToken, map[string]any{
		"agent_id": "checker-1", "agent_type": "checker", "current_task": "release 2025-01",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, ts, http.MethodGet, "/api/agents", readerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	agents := body["agents"].([]any)
	require.Len(t, agents, 1)
	assert.Equal(t, "HEALTHY", agents[0].(map[string]any)["health"])
}

func TestVerifyEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, Options{})

	resp, _ := doJSON(t, ts, http.MethodGet, "/api/verify", readerToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := doJSON(t, ts, http.MethodGet, "/api/verify", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["clean"])
}

func TestCORSOriginsFromOptions(t *testing.T) {
	ts, _ := newTestServer(t, Options{CORSOrigins: []string{"https://dash.example.com"}})

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dash.example.com")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://dash.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://elsewhere.example.com")
	resp, err = ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWriteRateLimit(t *testing.T) {
	ts, store := newTestServer(t, Options{WriteRPS: 1, WriteBurst: 1})

	payload := map[string]any{
		"release_id": "2025-01", "table_code": "t1", "row_code": "corn",
		"column_code": "2025", "value_text": "2,131", "run_id": openRun(t, store),
	}
	resp, _ := doJSON(t, ts, http.MethodPost, "/api/bronze", writerToken, payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, ts, http.MethodPost, "/api/bronze", writerToken, payload)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
