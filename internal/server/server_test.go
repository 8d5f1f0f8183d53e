package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sievemem/sieve/internal/pruner"
	"github.com/sievemem/sieve/internal/store"
	"github.com/sievemem/sieve/internal/vault"
)

func testServer(t *testing.T) (*Server, *store.DB) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	v := vault.New(db)
	p := pruner.New(v, pruner.DefaultConfig())
	return New(v, p, "test"), db
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v; body: %s", err, w.Body.String())
	}
	return resp
}

func putEpisode(t *testing.T, srv *Server, episodeID, payload string) string {
	t.Helper()
	w := doJSON(t, srv, "POST", "/api/vault/episodes", map[string]any{
		"episode_id":       episodeID,
		"payload":          []byte(payload),
		"protection_level": store.ProtectionUnprotected,
		"access_control":   map[string]any{"owner_id": "alice"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("put status = %d, want %d; body: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	resp := decode(t, w)
	result := resp["result"].(map[string]any)
	return result["vault_id"].(string)
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(t)

	w := doJSON(t, srv, "GET", "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decode(t, w)
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["db"] != true {
		t.Errorf("db = %v, want true", resp["db"])
	}
}

func TestPutAndGetEpisode(t *testing.T) {
	srv, _ := testServer(t)
	vaultID := putEpisode(t, srv, "ep-001", "hello world")

	w := doJSON(t, srv, "GET", "/api/vault/episodes/"+vaultID+"?user_id=alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}
	resp := decode(t, w)
	if resp["success"] != true {
		t.Fatalf("success = %v, want true", resp["success"])
	}
	result := resp["result"].(map[string]any)
	if result["episode_id"] != "ep-001" {
		t.Errorf("episode_id = %v, want ep-001", result["episode_id"])
	}
	payload, err := base64.StdEncoding.DecodeString(result["payload"].(string))
	if err != nil || string(payload) != "hello world" {
		t.Errorf("payload = %q (err %v), want hello world", payload, err)
	}
}

func TestPutEpisodeValidation(t *testing.T) {
	srv, _ := testServer(t)

	w := doJSON(t, srv, "POST", "/api/vault/episodes", map[string]any{
		"payload":          []byte{},
		"protection_level": store.ProtectionUnprotected,
		"access_control":   map[string]any{"owner_id": "alice"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	resp := decode(t, w)
	if resp["success"] != false {
		t.Errorf("success = %v, want false", resp["success"])
	}
	if resp["error_message"] == "" {
		t.Error("error_message should name the failure")
	}
}

func TestGetEpisodeDenied(t *testing.T) {
	srv, _ := testServer(t)
	vaultID := putEpisode(t, srv, "ep-001", "secret")

	w := doJSON(t, srv, "GET", "/api/vault/episodes/"+vaultID+"?user_id=mallory", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusForbidden, w.Body.String())
	}
	resp := decode(t, w)
	if resp["success"] != false {
		t.Errorf("success = %v, want false", resp["success"])
	}
}

func TestGetEpisodeNotFound(t *testing.T) {
	srv, _ := testServer(t)

	w := doJSON(t, srv, "GET", "/api/vault/episodes/no-such-id?user_id=alice", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestListEpisodes(t *testing.T) {
	srv, _ := testServer(t)
	putEpisode(t, srv, "ep-001", "one")
	putEpisode(t, srv, "ep-002", "two")

	w := doJSON(t, srv, "GET", "/api/vault/episodes?user_id=alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}
	resp := decode(t, w)
	result := resp["result"].(map[string]any)
	items := result["items"].([]any)
	if len(items) != 2 {
		t.Errorf("items = %d, want 2", len(items))
	}
}

func TestUpdateProtectionEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	vaultID := putEpisode(t, srv, "ep-001", "payload")

	w := doJSON(t, srv, "POST", "/api/vault/episodes/"+vaultID+"/protection", map[string]any{
		"new_level":   store.ProtectionUserSealed,
		"reason":      "contains user notes",
		"credentials": map[string]any{"user_id": "alice"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}
	result := decode(t, w)["result"].(map[string]any)
	if result["new_level"] != store.ProtectionUserSealed {
		t.Errorf("new_level = %v, want %s", result["new_level"], store.ProtectionUserSealed)
	}
	if result["audit_entry_id"] == "" {
		t.Error("protection change must reference its audit entry")
	}
}

func TestUpdateProtectionDeniedForStranger(t *testing.T) {
	srv, _ := testServer(t)
	vaultID := putEpisode(t, srv, "ep-001", "payload")

	w := doJSON(t, srv, "POST", "/api/vault/episodes/"+vaultID+"/protection", map[string]any{
		"new_level":   store.ProtectionUserSealed,
		"credentials": map[string]any{"user_id": "mallory"},
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d; body: %s", w.Code, http.StatusForbidden, w.Body.String())
	}
}

func TestConsolidatedEndpoint(t *testing.T) {
	srv, db := testServer(t)
	vaultID := putEpisode(t, srv, "ep-001", "payload")

	w := doJSON(t, srv, "POST", "/api/vault/episodes/"+vaultID+"/consolidated", map[string]any{
		"status": "completed",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	r, err := db.GetRecordByVaultID(vaultID)
	if err != nil || r == nil {
		t.Fatalf("reload record: %v", err)
	}
	if r.ConsolidationStatus != "completed" {
		t.Errorf("ConsolidationStatus = %q, want completed", r.ConsolidationStatus)
	}

	w = doJSON(t, srv, "POST", "/api/vault/episodes/"+vaultID+"/consolidated", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestPhaseSearchEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	w := doJSON(t, srv, "POST", "/api/vault/episodes", map[string]any{
		"episode_id":       "ep-near",
		"payload":          []byte("near zero"),
		"protection_level": store.ProtectionUnprotected,
		"access_control":   map[string]any{"owner_id": "alice"},
		"phase_signature": map[string]any{
			"primary_phase": 6.25, "coherence": 0.9, "stability": 0.9, "amplitude": 1.0,
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("put status = %d; body: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv, "GET", "/api/vault/phase/search?target_phase=0.0&tolerance=0.1&user_id=alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search status = %d; body: %s", w.Code, w.Body.String())
	}
	result := decode(t, w)["result"].(map[string]any)
	hits := result["results"].([]any)
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1 (wrap-around match)", len(hits))
	}

	w = doJSON(t, srv, "GET", "/api/vault/phase/search?target_phase=0.0&tolerance=-1&user_id=alice", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad tolerance status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestBackupAndRestoreEndpoints(t *testing.T) {
	srv, _ := testServer(t)
	putEpisode(t, srv, "ep-001", "to back up")

	w := doJSON(t, srv, "POST", "/api/vault/backup", map[string]any{"compress": true, "verify": true})
	if w.Code != http.StatusCreated {
		t.Fatalf("backup status = %d; body: %s", w.Code, w.Body.String())
	}
	backup := decode(t, w)["result"].(map[string]any)
	if backup["verified"] != true {
		t.Errorf("verified = %v, want true", backup["verified"])
	}

	w = doJSON(t, srv, "POST", "/api/vault/restore", map[string]any{
		"backup_id": backup["backup_id"],
	})
	if w.Code != http.StatusOK {
		t.Fatalf("restore status = %d; body: %s", w.Code, w.Body.String())
	}
	restore := decode(t, w)["result"].(map[string]any)
	if restore["skipped"].(float64) != 1 {
		t.Errorf("skipped = %v, want 1 (episode already present)", restore["skipped"])
	}
}

func TestIntegrityEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	putEpisode(t, srv, "ep-001", "clean")

	w := doJSON(t, srv, "POST", "/api/vault/integrity", map[string]any{"deep": true})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	result := decode(t, w)["result"].(map[string]any)
	if result["integrity_score"].(float64) != 1.0 {
		t.Errorf("integrity_score = %v, want 1.0", result["integrity_score"])
	}
}

func TestAuditEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	putEpisode(t, srv, "ep-001", "audited")

	w := doJSON(t, srv, "GET", "/api/vault/audit", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	result := decode(t, w)["result"].(map[string]any)
	entries := result["entries"].([]any)
	if len(entries) == 0 {
		t.Error("put should have left an audit entry")
	}
}

func seedEdges(t *testing.T, db *store.DB) {
	t.Helper()
	for _, e := range []store.Edge{
		{SourceID: "a", TargetID: "b", Weight: 0.9, UsageCount: 10},
		{SourceID: "a", TargetID: "c", Weight: 0.8, UsageCount: 5},
		{SourceID: "b", TargetID: "c", Weight: 0.05},
		{SourceID: "c", TargetID: "d", Weight: 0.06},
	} {
		if err := db.UpsertEdge(e); err != nil {
			t.Fatalf("seed edge: %v", err)
		}
	}
}

func loosenedParams() map[string]any {
	return map[string]any{"retention_target": 0.1, "max_quality_drop": 0.5, "max_edges_to_prune": -1}
}

func TestTriggerStatusAndStats(t *testing.T) {
	srv, db := testServer(t)
	seedEdges(t, db)

	w := doJSON(t, srv, "POST", "/api/pruning/trigger", map[string]any{
		"parameters":  loosenedParams(),
		"synchronous": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("trigger status = %d; body: %s", w.Code, w.Body.String())
	}
	result := decode(t, w)["result"].(map[string]any)
	jobID := result["job_id"].(string)
	status := result["status"].(map[string]any)
	if status["State"] != store.JobCompleted {
		t.Fatalf("state = %v, want %s", status["State"], store.JobCompleted)
	}

	w = doJSON(t, srv, "GET", "/api/pruning/jobs/"+jobID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("job status = %d; body: %s", w.Code, w.Body.String())
	}
	job := decode(t, w)["result"].(map[string]any)
	if job["EdgesPruned"].(float64) != 2 {
		t.Errorf("EdgesPruned = %v, want 2", job["EdgesPruned"])
	}

	w = doJSON(t, srv, "GET", "/api/pruning/jobs/"+jobID+"/transitions", nil)
	transitions := decode(t, w)["result"].(map[string]any)["transitions"].([]any)
	if len(transitions) < 3 {
		t.Errorf("transitions = %d, want at least QUEUED/RUNNING/COMPLETED", len(transitions))
	}

	w = doJSON(t, srv, "GET", "/api/pruning/stats", nil)
	stats := decode(t, w)["result"].(map[string]any)
	if stats["current_edge_count"].(float64) != 2 {
		t.Errorf("current_edge_count = %v, want 2", stats["current_edge_count"])
	}
}

func TestJobNotFound(t *testing.T) {
	srv, _ := testServer(t)

	w := doJSON(t, srv, "GET", "/api/pruning/jobs/no-such-job", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestPreviewEndpoint(t *testing.T) {
	srv, db := testServer(t)
	seedEdges(t, db)

	w := doJSON(t, srv, "POST", "/api/pruning/preview", map[string]any{
		"parameters": loosenedParams(),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	result := decode(t, w)["result"].(map[string]any)
	if result["estimated_edges_pruned"].(float64) != 2 {
		t.Errorf("estimated_edges_pruned = %v, want 2", result["estimated_edges_pruned"])
	}

	count, err := db.EdgeCount(store.EdgeFilter{})
	if err != nil || count != 4 {
		t.Errorf("edge count = %d (err %v), want 4 untouched", count, err)
	}
}

func TestRollbackEndpoint(t *testing.T) {
	srv, db := testServer(t)
	seedEdges(t, db)

	w := doJSON(t, srv, "POST", "/api/pruning/trigger", map[string]any{
		"parameters":  loosenedParams(),
		"synchronous": true,
	})
	jobID := decode(t, w)["result"].(map[string]any)["job_id"].(string)

	w = doJSON(t, srv, "POST", "/api/pruning/rollback", map[string]any{
		"job_id":                jobID,
		"verify_after_rollback": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("rollback status = %d; body: %s", w.Code, w.Body.String())
	}
	result := decode(t, w)["result"].(map[string]any)
	if result["edges_restored"].(float64) != 4 {
		t.Errorf("edges_restored = %v, want 4", result["edges_restored"])
	}

	count, _ := db.EdgeCount(store.EdgeFilter{})
	if count != 4 {
		t.Errorf("edge count = %d, want 4 after rollback", count)
	}
}

func TestUsageEndpoint(t *testing.T) {
	srv, db := testServer(t)
	seedEdges(t, db)

	w := doJSON(t, srv, "GET", "/api/pruning/usage?include_edges=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	result := decode(t, w)["result"].(map[string]any)
	summary := result["summary"].(map[string]any)
	if summary["edge_count"].(float64) != 4 {
		t.Errorf("edge_count = %v, want 4", summary["edge_count"])
	}
	if edges := result["edges"].([]any); len(edges) != 4 {
		t.Errorf("edges = %d, want 4", len(edges))
	}
}

func TestUsageRecordAndHistory(t *testing.T) {
	srv, db := testServer(t)
	seedEdges(t, db)

	w := doJSON(t, srv, "POST", "/api/pruning/usage/record", map[string]any{
		"source_id": "a", "target_id": "b",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("record status = %d; body: %s", w.Code, w.Body.String())
	}

	e, err := db.GetEdge("a", "b")
	if err != nil || e == nil {
		t.Fatalf("get edge: %v", err)
	}
	if e.UsageCount != 11 {
		t.Errorf("UsageCount = %d, want 11", e.UsageCount)
	}

	w = doJSON(t, srv, "GET", "/api/pruning/usage/history?source_id=a&target_id=b", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d; body: %s", w.Code, w.Body.String())
	}
	history := decode(t, w)["result"].(map[string]any)["history"].([]any)
	if len(history) == 0 {
		t.Error("upsert should have left a history row")
	}

	w = doJSON(t, srv, "POST", "/api/pruning/usage/record", map[string]any{"source_id": "a"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing target status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestConfigEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	w := doJSON(t, srv, "POST", "/api/pruning/config", map[string]any{
		"auto_prune_threshold": 5000,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	result := decode(t, w)["result"].(map[string]any)
	if result["auto_prune_threshold"].(float64) != 5000 {
		t.Errorf("auto_prune_threshold = %v, want 5000", result["auto_prune_threshold"])
	}

	w = doJSON(t, srv, "POST", "/api/pruning/config", map[string]any{
		"max_concurrent_jobs": 0,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("zero concurrency status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestScheduleEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	w := doJSON(t, srv, "POST", "/api/pruning/schedule", map[string]any{
		"scheduled_time":  "2026-09-01T03:00:00Z",
		"request":         map[string]any{"dry_run": true},
		"recurrence_cron": "0 3 * * *",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv, "POST", "/api/pruning/schedule", map[string]any{
		"scheduled_time":  "2026-09-01T03:00:00Z",
		"recurrence_cron": "not a cron line",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad cron status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = doJSON(t, srv, "GET", "/api/pruning/schedule", nil)
	schedules := decode(t, w)["result"].(map[string]any)["schedules"].([]any)
	if len(schedules) != 1 {
		t.Errorf("schedules = %d, want 1", len(schedules))
	}
}
