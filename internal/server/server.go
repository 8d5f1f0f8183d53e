package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sievemem/sieve/internal/pruner"
	"github.com/sievemem/sieve/internal/store"
	"github.com/sievemem/sieve/internal/vault"
)

// Server is the sieve HTTP API server.
type Server struct {
	db      *store.DB
	vault   *vault.Vault
	pruner  *pruner.Pruner
	router  chi.Router
	version string
	started time.Time
}

// New creates a Server over an already-wired vault and pruner.
func New(v *vault.Vault, p *pruner.Pruner, version string) *Server {
	s := &Server{
		db:      v.DB(),
		vault:   v,
		pruner:  p,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/vault", func(r chi.Router) {
			r.Post("/episodes", s.handlePutEpisode)
			r.Get("/episodes", s.handleListEpisodes)
			r.Get("/episodes/{id}", s.handleGetEpisode)
			r.Post("/episodes/{id}/protection", s.handleUpdateProtection)
			r.Post("/episodes/{id}/consolidated", s.handleConsolidated)
			r.Post("/phase/align", s.handlePhaseAlign)
			r.Get("/phase/search", s.handlePhaseSearch)
			r.Post("/backup", s.handleBackup)
			r.Post("/restore", s.handleRestore)
			r.Post("/integrity", s.handleIntegrity)
			r.Get("/audit", s.handleAudit)
		})

		r.Route("/pruning", func(r chi.Router) {
			r.Post("/trigger", s.handleTrigger)
			r.Get("/jobs/{jobID}", s.handleJobStatus)
			r.Get("/jobs/{jobID}/transitions", s.handleJobTransitions)
			r.Post("/jobs/{jobID}/cancel", s.handleCancel)
			r.Post("/preview", s.handlePreview)
			r.Post("/rollback", s.handleRollback)
			r.Get("/usage", s.handleUsage)
			r.Post("/usage/record", s.handleRecordUsage)
			r.Get("/usage/history", s.handleUsageHistory)
			r.Get("/stats", s.handleStats)
			r.Post("/config", s.handleConfig)
			r.Post("/schedule", s.handleSchedule)
			r.Get("/schedule", s.handleListSchedules)
		})
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.Ping(); err != nil {
		dbOK = false
	}
	schema, _ := s.db.SchemaVersion()
	records, _ := s.db.CountRecords(store.RecordFilter{IncludeExpired: true})
	storage, _ := s.db.TotalStorageSize(store.RecordFilter{IncludeExpired: true})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"version":       s.version,
		"uptime":        time.Since(s.started).Seconds(),
		"db":            dbOK,
		"schema":        schema,
		"records":       records,
		"storage_bytes": storage,
	})
}

// Every API response carries success and, on failure, error_message.
type response struct {
	Success bool   `json:"success"`
	Error   string `json:"error_message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

func writeResult(w http.ResponseWriter, code int, result any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response{Success: true, Result: result})
}

func writeFailure(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response{Success: false, Error: msg})
}

// writeError maps service errors onto HTTP status codes. Denials are typed
// results, not errors, so they never pass through here.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vault.ErrValidation):
		writeFailure(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, vault.ErrNotFound):
		writeFailure(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pruner.ErrSolver):
		writeFailure(w, http.StatusConflict, err.Error())
	case errors.Is(err, vault.ErrBackup):
		writeFailure(w, http.StatusBadGateway, err.Error())
	default:
		writeFailure(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}
