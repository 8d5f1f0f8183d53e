package store

import (
	"errors"
	"reflect"
	"testing"
)

func newJob(t *testing.T, db *DB, jobID string) *Job {
	t.Helper()
	j := &Job{JobID: jobID, Params: `{"l1_strength":0.1}`}
	if err := db.InsertJob(j); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	return j
}

func TestInsertJobStartsQueued(t *testing.T) {
	db := testDB(t)
	newJob(t, db, "job-1")

	got, err := db.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got == nil || got.State != JobQueued {
		t.Fatalf("expected QUEUED job, got %+v", got)
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Error("timestamps set before any transition")
	}

	ledger, err := db.JobTransitions("job-1")
	if err != nil {
		t.Fatalf("JobTransitions: %v", err)
	}
	if len(ledger) != 1 || ledger[0].ToState != JobQueued {
		t.Errorf("expected creation ledger entry, got %+v", ledger)
	}
}

func TestJobLifecycle(t *testing.T) {
	db := testDB(t)
	newJob(t, db, "job-1")

	if err := db.TransitionJob("job-1", JobRunning, "picked up"); err != nil {
		t.Fatalf("to RUNNING: %v", err)
	}
	got, _ := db.GetJob("job-1")
	if got.State != JobRunning || got.StartedAt == nil {
		t.Errorf("RUNNING state not recorded: %+v", got)
	}

	if err := db.UpdateJobProgress("job-1", 0.5, 5, 10); err != nil {
		t.Fatalf("UpdateJobProgress: %v", err)
	}
	got, _ = db.GetJob("job-1")
	if got.Progress != 0.5 || got.ConceptsDone != 5 {
		t.Errorf("progress not recorded: %+v", got)
	}

	if err := db.SetJobResults("job-1", `{"f1":0.9}`, `{"f1":0.89}`, 12, 1.8); err != nil {
		t.Fatalf("SetJobResults: %v", err)
	}
	if err := db.TransitionJob("job-1", JobCompleted, ""); err != nil {
		t.Fatalf("to COMPLETED: %v", err)
	}
	got, _ = db.GetJob("job-1")
	if got.State != JobCompleted || got.FinishedAt == nil || got.EdgesPruned != 12 {
		t.Errorf("completed job not recorded: %+v", got)
	}

	ledger, _ := db.JobTransitions("job-1")
	if len(ledger) != 3 {
		t.Errorf("ledger has %d entries, want 3", len(ledger))
	}
}

func TestTerminalJobImmutable(t *testing.T) {
	db := testDB(t)
	newJob(t, db, "job-1")
	if err := db.TransitionJob("job-1", JobRunning, ""); err != nil {
		t.Fatalf("to RUNNING: %v", err)
	}
	if err := db.TransitionJob("job-1", JobCancelled, "user cancel"); err != nil {
		t.Fatalf("to CANCELLED: %v", err)
	}

	err := db.TransitionJob("job-1", JobRunning, "")
	if !errors.Is(err, ErrJobFinal) {
		t.Errorf("expected ErrJobFinal, got %v", err)
	}

	// Progress updates on a finished job are silently ignored.
	if err := db.UpdateJobProgress("job-1", 0.9, 9, 10); err != nil {
		t.Fatalf("UpdateJobProgress: %v", err)
	}
	got, _ := db.GetJob("job-1")
	if got.Progress != 0 {
		t.Errorf("progress changed after terminal state: %v", got.Progress)
	}
}

func TestRepeatedStatusReadsIdentical(t *testing.T) {
	db := testDB(t)
	newJob(t, db, "job-1")
	db.TransitionJob("job-1", JobRunning, "")
	db.SetJobResults("job-1", "", "", 3, 0.4)
	db.TransitionJob("job-1", JobCompleted, "")

	first, err := db.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	second, err := db.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("status reads differ:\n%+v\n%+v", first, second)
	}
}

func TestTransitionUnknownJob(t *testing.T) {
	db := testDB(t)
	if err := db.TransitionJob("missing", JobRunning, ""); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestCountJobsByState(t *testing.T) {
	db := testDB(t)
	newJob(t, db, "job-1")
	newJob(t, db, "job-2")
	db.TransitionJob("job-2", JobRunning, "")
	db.TransitionJob("job-2", JobFailed, "solver diverged")

	counts, err := db.CountJobsByState()
	if err != nil {
		t.Fatalf("CountJobsByState: %v", err)
	}
	if counts[JobQueued] != 1 || counts[JobFailed] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}
