package store

import (
	"testing"
	"time"
)

func TestBackupLedger(t *testing.T) {
	db := testDB(t)

	b := &Backup{BackupID: "bk-1", Kind: BackupKindVault, Scope: "alpha", Compressed: true}
	if err := db.InsertBackup(b); err != nil {
		t.Fatalf("InsertBackup: %v", err)
	}
	if err := db.UpdateBackupCounts("bk-1", 3, 0, "sha:deadbeef"); err != nil {
		t.Fatalf("UpdateBackupCounts: %v", err)
	}
	if err := db.MarkBackupVerified("bk-1"); err != nil {
		t.Fatalf("MarkBackupVerified: %v", err)
	}

	got, err := db.GetBackup("bk-1")
	if err != nil {
		t.Fatalf("GetBackup: %v", err)
	}
	if got == nil || !got.Verified || got.RecordCount != 3 || !got.Compressed {
		t.Errorf("unexpected backup: %+v", got)
	}

	missing, err := db.GetBackup("bk-404")
	if err != nil {
		t.Fatalf("GetBackup missing: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing backup, got %+v", missing)
	}
}

func TestBackupRecordsRoundTrip(t *testing.T) {
	db := testDB(t)

	r := sampleRecord("v1", "ep1")
	if err := db.PutRecord(r, nil); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	if err := db.InsertBackup(&Backup{BackupID: "bk-1", Kind: BackupKindVault}); err != nil {
		t.Fatalf("InsertBackup: %v", err)
	}

	stored := []byte("compressed payload bytes")
	nonce := []byte{1, 2, 3, 4}
	if err := db.AddBackupRecord("bk-1", r, stored, nonce); err != nil {
		t.Fatalf("AddBackupRecord: %v", err)
	}

	records, err := db.LoadBackupRecords("bk-1")
	if err != nil {
		t.Fatalf("LoadBackupRecords: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d backup records, want 1", len(records))
	}
	br := records[0]
	if br.VaultID != "v1" || br.EpisodeID != "ep1" {
		t.Errorf("identity fields wrong: %+v", br.Record)
	}
	if string(br.StoredPayload) != string(stored) {
		t.Errorf("stored payload mismatch: %q", br.StoredPayload)
	}
	if len(br.BackupNonce) != 4 {
		t.Errorf("backup nonce lost: %v", br.BackupNonce)
	}
	if br.PrimaryPhase != r.PrimaryPhase || br.Coherence != r.Coherence {
		t.Errorf("phase fields not copied: %+v", br.Record)
	}
}

func TestEdgeSnapshotRoundTrip(t *testing.T) {
	db := testDB(t)

	lastUsed := time.Now().UnixMilli()
	edges := []Edge{
		{SourceID: "a", TargetID: "b", Weight: 0.5, UsageCount: 3, LastUsed: &lastUsed, Segment: "default"},
		{SourceID: "b", TargetID: "c", Weight: 0.4, Segment: "default"},
	}
	if err := db.InsertBackup(&Backup{BackupID: "snap-1", Kind: BackupKindGraph, JobID: "job-1"}); err != nil {
		t.Fatalf("InsertBackup: %v", err)
	}
	if err := db.SnapshotEdges("snap-1", edges); err != nil {
		t.Fatalf("SnapshotEdges: %v", err)
	}

	got, err := db.LoadEdgeSnapshot("snap-1")
	if err != nil {
		t.Fatalf("LoadEdgeSnapshot: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("snapshot has %d edges, want 2", len(got))
	}
	if got[0].SourceID != "a" || got[0].Weight != 0.5 || got[0].UsageCount != 3 {
		t.Errorf("snapshot edge wrong: %+v", got[0])
	}
	if got[0].LastUsed == nil || *got[0].LastUsed != lastUsed {
		t.Errorf("last_used not preserved: %+v", got[0].LastUsed)
	}
	if got[1].LastUsed != nil {
		t.Errorf("nil last_used not preserved: %+v", got[1].LastUsed)
	}
}

func TestScheduledPrunings(t *testing.T) {
	db := testDB(t)

	later := time.Now().Add(time.Hour).UnixMilli()
	sooner := time.Now().Add(time.Minute).UnixMilli()
	s1 := &ScheduledPruning{ScheduledTime: later, Request: `{"dry_run":true}`}
	s2 := &ScheduledPruning{ScheduledTime: sooner, Request: `{}`, RecurrenceCron: "0 3 * * *"}
	for _, s := range []*ScheduledPruning{s1, s2} {
		if err := db.InsertScheduledPruning(s); err != nil {
			t.Fatalf("InsertScheduledPruning: %v", err)
		}
		if s.ID == 0 {
			t.Error("expected assigned id")
		}
	}

	scheduled, err := db.ListScheduledPrunings()
	if err != nil {
		t.Fatalf("ListScheduledPrunings: %v", err)
	}
	if len(scheduled) != 2 {
		t.Fatalf("got %d registrations, want 2", len(scheduled))
	}
	if scheduled[0].ScheduledTime != sooner {
		t.Errorf("not ordered by scheduled_time: %+v", scheduled)
	}
	if scheduled[0].RecurrenceCron != "0 3 * * *" {
		t.Errorf("recurrence not preserved: %q", scheduled[0].RecurrenceCron)
	}
}

func TestAuditTrail(t *testing.T) {
	db := testDB(t)

	entries := []*AuditEntry{
		{VaultID: "v1", Actor: "user-1", Action: "store", Decision: "ALLOW"},
		{VaultID: "v1", Actor: "user-2", Action: "retrieve", Decision: "DENY", Reason: "DENY_UNAUTHORIZED"},
		{VaultID: "v2", Actor: "user-1", Action: "store", Decision: "ALLOW"},
	}
	for _, e := range entries {
		if err := db.AppendAudit(e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
		if e.EntryID == "" || e.CreatedAt == 0 {
			t.Error("entry id or timestamp not assigned")
		}
	}

	forV1, err := db.ListAudit("v1", 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(forV1) != 2 {
		t.Errorf("v1 trail has %d entries, want 2", len(forV1))
	}

	all, err := db.ListAudit("", 10)
	if err != nil {
		t.Fatalf("ListAudit global: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("global trail has %d entries, want 3", len(all))
	}
	// Newest first.
	if all[0].VaultID != "v2" {
		t.Errorf("trail not newest-first: %+v", all[0])
	}
}
