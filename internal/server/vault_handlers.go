package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sievemem/sieve/internal/access"
	"github.com/sievemem/sieve/internal/store"
	"github.com/sievemem/sieve/internal/vault"
)

// credsFromQuery builds caller credentials from query parameters. Roles are
// comma separated; consent_ts is unix millis.
func credsFromQuery(r *http.Request) access.Credentials {
	q := r.URL.Query()
	creds := access.Credentials{UserID: q.Get("user_id")}
	if roles := q.Get("roles"); roles != "" {
		creds.Roles = strings.Split(roles, ",")
	}
	if ts := q.Get("consent_ts"); ts != "" {
		if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
			creds.ConsentTimestamp = &ms
		}
	}
	return creds
}

func (s *Server) handlePutEpisode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		vault.PutRequest
		EncryptionKey string `json:"encryption_key,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	req.PutRequest.EncryptionKey = req.EncryptionKey

	result, err := s.vault.PutEpisode(req.PutRequest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusCreated, result)
}

func (s *Server) handleGetEpisode(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := vault.GetRequest{
		ID:               chi.URLParam(r, "id"),
		ByEpisodeID:      q.Get("by_episode_id") == "true",
		Credentials:      credsFromQuery(r),
		UpdateAccessTime: q.Get("update_access_time") == "true",
		EncryptionKey:    q.Get("encryption_key"),
	}
	if ep := q.Get("expected_phase"); ep != "" {
		v, err := strconv.ParseFloat(ep, 64)
		if err != nil {
			writeFailure(w, http.StatusBadRequest, "bad expected_phase")
			return
		}
		req.ExpectedPhase = &v
	}
	if tol := q.Get("phase_tolerance"); tol != "" {
		v, err := strconv.ParseFloat(tol, 64)
		if err != nil {
			writeFailure(w, http.StatusBadRequest, "bad phase_tolerance")
			return
		}
		req.PhaseTolerance = v
	}

	result, err := s.vault.GetEpisode(req)
	if err != nil {
		writeError(w, err)
		return
	}
	switch result.Outcome {
	case vault.OutcomeNotFound:
		writeFailure(w, http.StatusNotFound, "episode not found")
	case vault.OutcomeDenied:
		writeFailure(w, http.StatusForbidden, "access denied: "+result.DenyReason)
	default:
		writeResult(w, http.StatusOK, result)
	}
}

func (s *Server) handleListEpisodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := vault.ListRequest{
		Segment:     q.Get("segment"),
		PageToken:   q.Get("page_token"),
		Credentials: credsFromQuery(r),
	}
	if levels := q.Get("protection_levels"); levels != "" {
		req.Protections = strings.Split(levels, ",")
	}
	var parseErr error
	intParam := func(name string) int64 {
		v := q.Get(name)
		if v == "" {
			return 0
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			parseErr = err
		}
		return n
	}
	req.Since = intParam("since")
	req.Until = intParam("until")
	req.PageSize = int(intParam("page_size"))
	for _, name := range []string{"phase_min", "phase_max"} {
		if raw := q.Get(name); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				parseErr = err
				break
			}
			if name == "phase_min" {
				req.PhaseMin = &v
			} else {
				req.PhaseMax = &v
			}
		}
	}
	if parseErr != nil {
		writeFailure(w, http.StatusBadRequest, "bad query parameter: "+parseErr.Error())
		return
	}

	result, err := s.vault.ListEpisodes(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, result)
}

func (s *Server) handleUpdateProtection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewLevel    string             `json:"new_level"`
		Reason      string             `json:"reason,omitempty"`
		Credentials access.Credentials `json:"credentials"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.vault.UpdateProtection(chi.URLParam(r, "id"), req.NewLevel, req.Credentials, req.Reason)
	if err != nil {
		if strings.Contains(err.Error(), "denied") {
			writeFailure(w, http.StatusForbidden, err.Error())
			return
		}
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, result)
}

func (s *Server) handleConsolidated(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.vault.AcknowledgeConsolidation(chi.URLParam(r, "id"), req.Status); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, map[string]string{"status": req.Status})
}

func (s *Server) handlePhaseAlign(w http.ResponseWriter, r *http.Request) {
	var req vault.AlignRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.vault.PhaseAlign(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, result)
}

func (s *Server) handlePhaseSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target, err := strconv.ParseFloat(q.Get("target_phase"), 64)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "bad target_phase")
		return
	}
	tolerance, err := strconv.ParseFloat(q.Get("tolerance"), 64)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "bad tolerance")
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	result, err := s.vault.SearchByPhase(vault.SearchRequest{
		TargetPhase: target,
		Tolerance:   tolerance,
		Segment:     q.Get("segment"),
		Limit:       limit,
		Credentials: credsFromQuery(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, result)
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		vault.BackupRequest
		EncryptionKey string `json:"encryption_key,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	req.BackupRequest.EncryptionKey = req.EncryptionKey

	result, err := s.vault.BackupVault(r.Context(), req.BackupRequest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusCreated, result)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		vault.RestoreRequest
		EncryptionKey string `json:"encryption_key,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	req.RestoreRequest.EncryptionKey = req.EncryptionKey

	result, err := s.vault.RestoreVault(r.Context(), req.RestoreRequest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, result)
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Deep          bool   `json:"deep,omitempty"`
		AutoFix       bool   `json:"auto_fix,omitempty"`
		Segment       string `json:"segment,omitempty"`
		EncryptionKey string `json:"encryption_key,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.vault.CheckIntegrity(vault.IntegrityRequest{
		Deep:          req.Deep,
		AutoFix:       req.AutoFix,
		Filter:        store.RecordFilter{Segment: req.Segment},
		EncryptionKey: req.EncryptionKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, result)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.db.ListAudit(q.Get("vault_id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, map[string]any{"entries": entries})
}
