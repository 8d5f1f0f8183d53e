package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sievemem/sieve/internal/pruner"
)

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req pruner.Request
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := s.pruner.TriggerPruning(req)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusAccepted
	if req.Synchronous {
		code = http.StatusOK
	}
	writeResult(w, code, resp)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.pruner.GetPruningStatus(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if job == nil {
		writeFailure(w, http.StatusNotFound, "job not found")
		return
	}
	writeResult(w, http.StatusOK, job)
}

func (s *Server) handleJobTransitions(w http.ResponseWriter, r *http.Request) {
	transitions, err := s.db.JobTransitions(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, map[string]any{"transitions": transitions})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	result, err := s.pruner.CancelPruning(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, result)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req pruner.Request
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.pruner.PreviewPruning(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, result)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req pruner.RollbackRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.pruner.RollbackPruning(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, result)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := pruner.Filter{Segment: q.Get("segment")}
	if concepts := q.Get("concepts"); concepts != "" {
		f.Concepts = strings.Split(concepts, ",")
	}

	result, err := s.pruner.GetEdgeUsage(f, q.Get("include_edges") == "true")
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, result)
}

func (s *Server) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceID string `json:"source_id"`
		TargetID string `json:"target_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SourceID == "" || req.TargetID == "" {
		writeFailure(w, http.StatusBadRequest, "source_id and target_id are required")
		return
	}
	if err := s.pruner.RecordUsage(req.SourceID, req.TargetID); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleUsageHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	entries, err := s.pruner.UsageHistory(q.Get("source_id"), q.Get("target_id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pruner.GetPruningStats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, stats)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	var req pruner.ConfigUpdate
	if !decodeBody(w, r, &req) {
		return
	}

	cfg, err := s.pruner.UpdateConfig(req)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}
	writeResult(w, http.StatusOK, cfg)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScheduledTime  string         `json:"scheduled_time"`
		Request        pruner.Request `json:"request"`
		RecurrenceCron string         `json:"recurrence_cron,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	when, err := time.Parse(time.RFC3339, req.ScheduledTime)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "scheduled_time must be RFC 3339")
		return
	}

	sched, err := s.pruner.SchedulePruning(pruner.ScheduleRequest{
		ScheduledTime:  when,
		Request:        req.Request,
		RecurrenceCron: req.RecurrenceCron,
	})
	if err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}
	writeResult(w, http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.pruner.ListSchedules()
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, map[string]any{"schedules": schedules})
}
