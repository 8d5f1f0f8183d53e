package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ErrJobFinal is returned when a transition is attempted on a job that has
// already reached a terminal state.
var ErrJobFinal = fmt.Errorf("job already in a terminal state")

// Job is one pruning job row. Params, Filter and the metrics fields hold
// JSON documents owned by the pruner package.
type Job struct {
	ID            int64
	JobID         string
	State         string
	Params        string
	Filter        string
	Description   string
	DryRun        bool
	BackupID      string
	BeforeMetrics string
	AfterMetrics  string
	Progress      float64
	ConceptsTotal int
	ConceptsDone  int
	EdgesPruned   int
	WeightPruned  float64
	Error         string
	CreatedAt     int64
	StartedAt     *int64
	FinishedAt    *int64
}

const jobColumns = `id, job_id, state, params, filter, description, dry_run, backup_id,
	before_metrics, after_metrics, progress, concepts_total, concepts_done,
	edges_pruned, weight_pruned, error, created_at, started_at, finished_at`

// InsertJob creates a QUEUED job and its first ledger entry.
func (db *DB) InsertJob(j *Job) error {
	now := time.Now().UnixMilli()
	j.State = JobQueued
	j.CreatedAt = now

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin insert job: %w", err)
	}
	result, err := tx.Exec(`
		INSERT INTO pruning_jobs (job_id, state, params, filter, description, dry_run, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, j.JobID, j.State, j.Params, nullStr(j.Filter), nullStr(j.Description), boolInt(j.DryRun), now)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("insert job: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO job_transitions (job_id, from_state, to_state, note, created_at)
		VALUES (?, '', ?, 'created', ?)
	`, j.JobID, JobQueued, now); err != nil {
		tx.Rollback()
		return fmt.Errorf("ledger insert job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert job: %w", err)
	}
	id, _ := result.LastInsertId()
	j.ID = id
	return nil
}

// GetJob returns a job by job_id, or nil if not found.
func (db *DB) GetJob(jobID string) (*Job, error) {
	row := db.QueryRow(`SELECT `+jobColumns+` FROM pruning_jobs WHERE job_id = ?`, jobID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns the most recent jobs, newest first.
func (db *DB) ListJobs(limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`SELECT `+jobColumns+` FROM pruning_jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// TransitionJob moves a job to a new state and appends the change to the
// ledger. Terminal states are final: once COMPLETED/FAILED/CANCELLED the job
// row never changes again, so repeated status reads stay identical.
func (db *DB) TransitionJob(jobID, to, note string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}

	var from string
	if err := tx.QueryRow(`SELECT state FROM pruning_jobs WHERE job_id = ?`, jobID).Scan(&from); err != nil {
		tx.Rollback()
		if err == sql.ErrNoRows {
			return fmt.Errorf("transition: job %s not found", jobID)
		}
		return fmt.Errorf("transition read state: %w", err)
	}
	if TerminalJobState(from) {
		tx.Rollback()
		return fmt.Errorf("transition %s -> %s: %w", from, to, ErrJobFinal)
	}

	now := time.Now().UnixMilli()
	set := `state = ?`
	args := []any{to}
	if to == JobRunning {
		set += `, started_at = ?`
		args = append(args, now)
	}
	if TerminalJobState(to) {
		set += `, finished_at = ?`
		args = append(args, now)
	}
	args = append(args, jobID)
	if _, err := tx.Exec(`UPDATE pruning_jobs SET `+set+` WHERE job_id = ?`, args...); err != nil {
		tx.Rollback()
		return fmt.Errorf("transition update: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO job_transitions (job_id, from_state, to_state, note, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, jobID, from, to, nullStr(note), now); err != nil {
		tx.Rollback()
		return fmt.Errorf("transition ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// UpdateJobProgress reports solver progress for status polling.
func (db *DB) UpdateJobProgress(jobID string, progress float64, done, total int) error {
	_, err := db.Exec(`
		UPDATE pruning_jobs SET progress = ?, concepts_done = ?, concepts_total = ?
		WHERE job_id = ? AND state = ?
	`, progress, done, total, jobID, JobRunning)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// SetJobBackup links the pre-job snapshot used for rollback.
func (db *DB) SetJobBackup(jobID, backupID string) error {
	_, err := db.Exec(`UPDATE pruning_jobs SET backup_id = ? WHERE job_id = ?`, backupID, jobID)
	if err != nil {
		return fmt.Errorf("set job backup: %w", err)
	}
	return nil
}

// SetJobResults records before/after metrics and pruning totals.
func (db *DB) SetJobResults(jobID, before, after string, edgesPruned int, weightPruned float64) error {
	_, err := db.Exec(`
		UPDATE pruning_jobs SET before_metrics = ?, after_metrics = ?, edges_pruned = ?, weight_pruned = ?, progress = 1.0
		WHERE job_id = ?
	`, nullStr(before), nullStr(after), edgesPruned, weightPruned, jobID)
	if err != nil {
		return fmt.Errorf("set job results: %w", err)
	}
	return nil
}

// SetJobError records the failure message before the FAILED transition.
func (db *DB) SetJobError(jobID, msg string) error {
	_, err := db.Exec(`UPDATE pruning_jobs SET error = ? WHERE job_id = ?`, msg, jobID)
	if err != nil {
		return fmt.Errorf("set job error: %w", err)
	}
	return nil
}

// CountJobsByState aggregates the ledger for stats.
func (db *DB) CountJobsByState() (map[string]int, error) {
	rows, err := db.Query(`SELECT state, COUNT(*) FROM pruning_jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// JobTransition is one ledger entry.
type JobTransition struct {
	JobID     string `json:"job_id"`
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Note      string `json:"note,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// JobTransitions returns the ledger for a job, oldest first.
func (db *DB) JobTransitions(jobID string) ([]JobTransition, error) {
	rows, err := db.Query(`
		SELECT job_id, from_state, to_state, note, created_at
		FROM job_transitions WHERE job_id = ? ORDER BY created_at, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("job transitions: %w", err)
	}
	defer rows.Close()

	var transitions []JobTransition
	for rows.Next() {
		var t JobTransition
		var note sql.NullString
		if err := rows.Scan(&t.JobID, &t.FromState, &t.ToState, &note, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.Note = note.String
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var filter, description, backupID, before, after, jobErr sql.NullString
	var startedAt, finishedAt sql.NullInt64
	var dryRun int
	err := row.Scan(&j.ID, &j.JobID, &j.State, &j.Params, &filter, &description, &dryRun, &backupID,
		&before, &after, &j.Progress, &j.ConceptsTotal, &j.ConceptsDone,
		&j.EdgesPruned, &j.WeightPruned, &jobErr, &j.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	j.Filter = filter.String
	j.Description = description.String
	j.BackupID = backupID.String
	j.BeforeMetrics = before.String
	j.AfterMetrics = after.String
	j.Error = jobErr.String
	j.DryRun = dryRun != 0
	if startedAt.Valid {
		j.StartedAt = &startedAt.Int64
	}
	if finishedAt.Valid {
		j.FinishedAt = &finishedAt.Int64
	}
	return &j, nil
}
