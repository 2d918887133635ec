// Package api exposes the store operations as a JSON HTTP service used by
// ingestion agents, validator agents, and read-side consumers.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/agstats-cli/internal/authz"
	"github.com/sells-group/agstats-cli/internal/ingest"
)

// Server bundles the store with request authorization and write throttling.
type Server struct {
	store       ingest.Store
	auth        *authz.Authorizer
	writeLimit  *rate.Limiter
	corsOrigins []string
	workers     int
}

// Options tune server construction.
type Options struct {
	CORSOrigins   []string
	WriteRPS      float64
	WriteBurst    int
	VerifyWorkers int
}

// New builds a Server. Zero WriteRPS disables throttling.
func New(store ingest.Store, auth *authz.Authorizer, opts Options) *Server {
	s := &Server{
		store:       store,
		auth:        auth,
		corsOrigins: opts.CORSOrigins,
		workers:     opts.VerifyWorkers,
	}
	if opts.WriteRPS > 0 {
		burst := opts.WriteBurst
		if burst <= 0 {
			burst = int(opts.WriteRPS)
		}
		s.writeLimit = rate.NewLimiter(rate.Limit(opts.WriteRPS), burst)
	}
	return s
}

// Router assembles the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := s.corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		// Read side. Every authenticated role can read; observation reads
		// here are latest-only by construction.
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Require(authz.CapRead))
			r.Get("/series/resolve", s.handleResolveSeries)
			r.Get("/convert", s.handleConvert)
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{id}", s.handleGetRun)
			r.Get("/runs/{id}/errors", s.handleListRunErrors)
			r.Get("/observations", s.handleListObservations)
			r.Get("/validation", s.handleGetValidation)
			r.Get("/agents", s.handleListAgents)
			// Any agent that can reach the API may report liveness.
			r.Post("/heartbeat", s.handleHeartbeat)
		})

		// Write side: ingestion agents.
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Require(authz.CapWrite), s.throttleWrites)
			r.Post("/series", s.handleCreateSeries)
			r.Post("/runs", s.handleOpenRun)
			r.Post("/runs/{id}/counts", s.handleUpdateCounts)
			r.Post("/runs/{id}/close", s.handleCloseRun)
			r.Post("/runs/{id}/errors", s.handleLogError)
			r.Post("/bronze", s.handleUpsertBronze)
			r.Post("/bronze/bulk", s.handleBulkBronze)
			r.Post("/observations", s.handleUpsertObservation)
		})

		// Validator agents.
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Require(authz.CapValidate), s.throttleWrites)
			r.Post("/validation", s.handleSetValidation)
		})

		// Operator surface: revision history and invariant sweeps.
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Require(authz.CapAdmin))
			r.Get("/observations/history", s.handleObservationHistory)
			r.Get("/verify", s.handleVerify)
		})
	})

	return r
}

// throttleWrites sheds write load once the shared limiter is exhausted.
// Writers are expected to back off and retry; every write is idempotent.
func (s *Server) throttleWrites(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.writeLimit != nil && !s.writeLimit.Allow() {
			writeError(w, http.StatusTooManyRequests, "write rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// storeError maps the store's typed errors onto HTTP statuses. Unknown
// errors become opaque 500s; the detail goes to the log, not the client.
func storeError(w http.ResponseWriter, err error) {
	switch {
	case ingest.IsReferenceNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case ingest.IsRunClosed(err):
		writeError(w, http.StatusConflict, err.Error())
	case ingest.IsUnitConversion(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		zap.L().Error("api: store operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
