package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/agstats-cli/internal/ingest"
	"github.com/sells-group/agstats-cli/internal/model"
)

func (s *Server) handleCreateSeries(w http.ResponseWriter, r *http.Request) {
	var in ingest.SeriesInput
	if !decode(w, r, &in) {
		return
	}
	if in.DataSourceCode == "" || in.SeriesKey == "" || in.Name == "" {
		writeError(w, http.StatusBadRequest, "data_source_code, series_key and name are required")
		return
	}
	id, err := s.store.GetOrCreateSeries(r.Context(), in)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"series_id": id})
}

func (s *Server) handleResolveSeries(w http.ResponseWriter, r *http.Request) {
	ds := r.URL.Query().Get("data_source")
	key := r.URL.Query().Get("series_key")
	if ds == "" || key == "" {
		writeError(w, http.StatusBadRequest, "data_source and series_key are required")
		return
	}
	id, err := s.store.GetSeriesID(r.Context(), ds, key)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"series_id": id})
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	value, err := strconv.ParseFloat(q.Get("value"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "value must be a number")
		return
	}
	from, to := q.Get("from"), q.Get("to")
	if from == "" || to == "" {
		writeError(w, http.StatusBadRequest, "from and to unit codes are required")
		return
	}
	converted, err := s.store.ConvertUnits(r.Context(), value, from, to)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"value": converted, "from": from, "to": to})
}

func (s *Server) handleOpenRun(w http.ResponseWriter, r *http.Request) {
	var in ingest.RunInput
	if !decode(w, r, &in) {
		return
	}
	if in.DataSourceCode == "" || in.JobName == "" {
		writeError(w, http.StatusBadRequest, "data_source_code and job_name are required")
		return
	}
	id, err := s.store.OpenIngestRun(r.Context(), in)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"run_id": id})
}

func (s *Server) handleUpdateCounts(w http.ResponseWriter, r *http.Request) {
	var delta model.CountDelta
	if !decode(w, r, &delta) {
		return
	}
	if err := s.store.UpdateIngestCounts(r.Context(), chi.URLParam(r, "id"), delta); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCloseRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status       model.RunStatus `json:"status"`
		ErrorMessage string          `json:"error_message,omitempty"`
		ErrorDetail  string          `json:"error_detail,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	if !req.Status.Terminal() {
		writeError(w, http.StatusBadRequest, "status must be success, failed or partial")
		return
	}
	if err := s.store.CloseIngestRun(r.Context(), chi.URLParam(r, "id"), req.Status, req.ErrorMessage, req.ErrorDetail); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogError(w http.ResponseWriter, r *http.Request) {
	var in ingest.ErrorInput
	if !decode(w, r, &in) {
		return
	}
	in.RunID = chi.URLParam(r, "id")
	if in.ErrorType == "" || in.Message == "" {
		writeError(w, http.StatusBadRequest, "error_type and message are required")
		return
	}
	id, err := s.store.LogIngestError(r.Context(), in)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"error_id": id})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ingest.RunFilter{
		DataSourceCode: q.Get("data_source"),
		Status:         model.RunStatus(q.Get("status")),
		JobName:        q.Get("job"),
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}
	runs, err := s.store.ListIngestRuns(r.Context(), filter)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetIngestRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRunErrors(w http.ResponseWriter, r *http.Request) {
	errs, err := s.store.ListIngestErrors(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": errs})
}

func (s *Server) handleUpsertBronze(w http.ResponseWriter, r *http.Request) {
	var in ingest.BronzeCellInput
	if !decode(w, r, &in) {
		return
	}
	if in.ReleaseID == "" || in.TableCode == "" || in.RowCode == "" || in.ColumnCode == "" {
		writeError(w, http.StatusBadRequest, "release_id, table_code, row_code and column_code are required")
		return
	}
	id, err := s.store.UpsertBronzeCell(r.Context(), in)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cell_id": id})
}

func (s *Server) handleBulkBronze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cells []ingest.BronzeCellInput `json:"cells"`
	}
	if !decode(w, r, &req) {
		return
	}
	n, err := s.store.BulkUpsertBronzeCells(r.Context(), req.Cells)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cells_written": n})
}

func (s *Server) handleUpsertObservation(w http.ResponseWriter, r *http.Request) {
	var in ingest.ObservationInput
	if !decode(w, r, &in) {
		return
	}
	if in.SeriesID == 0 || in.ObsTime.IsZero() {
		writeError(w, http.StatusBadRequest, "series_id and obs_time are required")
		return
	}
	id, err := s.store.UpsertObservation(r.Context(), in)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"observation_id": id})
}

func observationFilter(r *http.Request, latestOnly bool) (ingest.ObservationFilter, error) {
	q := r.URL.Query()
	seriesID, err := strconv.ParseInt(q.Get("series_id"), 10, 64)
	if err != nil {
		return ingest.ObservationFilter{}, err
	}
	filter := ingest.ObservationFilter{SeriesID: seriesID, LatestOnly: latestOnly}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return ingest.ObservationFilter{}, err
		}
		filter.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return ingest.ObservationFilter{}, err
		}
		filter.To = &t
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	return filter, nil
}

// handleListObservations is the consumer read path: always latest-only, so
// clients cannot accidentally double-count superseded revisions.
func (s *Server) handleListObservations(w http.ResponseWriter, r *http.Request) {
	filter, err := observationFilter(r, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "series_id is required; from/to must be RFC3339")
		return
	}
	obs, err := s.store.ListObservations(r.Context(), filter)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"observations": obs})
}

// handleObservationHistory returns the full revision trail for audit.
func (s *Server) handleObservationHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := observationFilter(r, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "series_id is required; from/to must be RFC3339")
		return
	}
	obs, err := s.store.ListObservations(r.Context(), filter)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"observations": obs})
}

func (s *Server) handleSetValidation(w http.ResponseWriter, r *http.Request) {
	var in ingest.ValidationInput
	if !decode(w, r, &in) {
		return
	}
	if in.EntityType == "" || in.EntityID == "" || in.DataSourceCode == "" {
		writeError(w, http.StatusBadRequest, "entity_type, entity_id and data_source_code are required")
		return
	}
	id, err := s.store.SetValidationStatus(r.Context(), in)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"validation_id": id})
}

func (s *Server) handleGetValidation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entityType, entityID, ds := q.Get("entity_type"), q.Get("entity_id"), q.Get("data_source")
	if entityType == "" || entityID == "" || ds == "" {
		writeError(w, http.StatusBadRequest, "entity_type, entity_id and data_source are required")
		return
	}
	status, err := s.store.GetValidationStatus(r.Context(), entityType, entityID, ds)
	if err != nil {
		storeError(w, err)
		return
	}
	if status == nil {
		writeError(w, http.StatusNotFound, "no validation status recorded")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var in ingest.HeartbeatInput
	if !decode(w, r, &in) {
		return
	}
	if in.AgentID == "" || in.AgentType == "" {
		writeError(w, http.StatusBadRequest, "agent_id and agent_type are required")
		return
	}
	if err := s.store.Heartbeat(r.Context(), in); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	violations, err := ingest.SweepLatestInvariant(r.Context(), s.store, s.workers)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"violations": violations,
		"clean":      len(violations) == 0,
	})
}
