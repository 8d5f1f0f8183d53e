package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Backup is one ledger row describing a vault copy or a pre-job graph
// snapshot. The ledger is append-only apart from the verified flag.
type Backup struct {
	BackupID    string `json:"backup_id"`
	Kind        string `json:"kind"`
	Scope       string `json:"scope,omitempty"`
	Compressed  bool   `json:"compressed"`
	Encrypted   bool   `json:"encrypted"`
	RecordCount int    `json:"record_count"`
	EdgeCount   int    `json:"edge_count"`
	Checksum    string `json:"checksum,omitempty"`
	Verified    bool   `json:"verified"`
	JobID       string `json:"job_id,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// InsertBackup writes the ledger row.
func (db *DB) InsertBackup(b *Backup) error {
	if b.CreatedAt == 0 {
		b.CreatedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO backups (backup_id, kind, scope, compressed, encrypted, record_count, edge_count, checksum, verified, job_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.BackupID, b.Kind, b.Scope, boolInt(b.Compressed), boolInt(b.Encrypted),
		b.RecordCount, b.EdgeCount, b.Checksum, boolInt(b.Verified), nullStr(b.JobID), b.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert backup: %w", err)
	}
	return nil
}

// GetBackup returns a ledger row, or nil if not found.
func (db *DB) GetBackup(backupID string) (*Backup, error) {
	row := db.QueryRow(`
		SELECT backup_id, kind, scope, compressed, encrypted, record_count, edge_count, checksum, verified, job_id, created_at
		FROM backups WHERE backup_id = ?
	`, backupID)
	b, err := scanBackup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get backup: %w", err)
	}
	return b, nil
}

// UpdateBackupCounts finalizes a ledger row after the copy loop.
func (db *DB) UpdateBackupCounts(backupID string, records, edges int, checksum string) error {
	_, err := db.Exec(`
		UPDATE backups SET record_count = ?, edge_count = ?, checksum = ? WHERE backup_id = ?
	`, records, edges, checksum, backupID)
	if err != nil {
		return fmt.Errorf("update backup counts: %w", err)
	}
	return nil
}

// MarkBackupVerified records a successful post-backup verification.
func (db *DB) MarkBackupVerified(backupID string) error {
	_, err := db.Exec(`UPDATE backups SET verified = 1 WHERE backup_id = ?`, backupID)
	if err != nil {
		return fmt.Errorf("mark backup verified: %w", err)
	}
	return nil
}

// ListBackups returns ledger rows, newest first.
func (db *DB) ListBackups(limit int) ([]Backup, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT backup_id, kind, scope, compressed, encrypted, record_count, edge_count, checksum, verified, job_id, created_at
		FROM backups ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	var backups []Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		backups = append(backups, *b)
	}
	return backups, rows.Err()
}

// BackupRecord is one copied record. StoredPayload holds the bytes as
// written to the backup: possibly compressed and/or wrapped in backup
// encryption, with BackupNonce set in the latter case.
type BackupRecord struct {
	Record
	StoredPayload []byte
	BackupNonce   []byte
}

// AddBackupRecord copies one record into a backup.
func (db *DB) AddBackupRecord(backupID string, r *Record, storedPayload, backupNonce []byte) error {
	_, err := db.Exec(`
		INSERT INTO backup_records (backup_id, vault_id, episode_id, owner_id, payload, payload_sha256,
			protection, segment, access_control, primary_phase, secondary_phases, coherence, stability,
			frequencies, amplitude, phase_at, encrypted, nonce, backup_nonce, stored_at, storage_size, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, backupID, r.VaultID, r.EpisodeID, r.OwnerID, storedPayload, r.PayloadSHA256,
		r.Protection, r.Segment, r.AccessControl, r.PrimaryPhase, nullStr(r.SecondaryPhases),
		r.Coherence, r.Stability, nullStr(r.Frequencies), r.Amplitude, r.PhaseAt,
		boolInt(r.Encrypted), r.Nonce, backupNonce, r.StoredAt, r.StorageSize, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("add backup record: %w", err)
	}
	return nil
}

// LoadBackupRecords returns the copied records of a backup.
func (db *DB) LoadBackupRecords(backupID string) ([]BackupRecord, error) {
	rows, err := db.Query(`
		SELECT vault_id, episode_id, owner_id, payload, payload_sha256, protection, segment, access_control,
			primary_phase, secondary_phases, coherence, stability, frequencies, amplitude, phase_at,
			encrypted, nonce, backup_nonce, stored_at, storage_size, expires_at
		FROM backup_records WHERE backup_id = ? ORDER BY id
	`, backupID)
	if err != nil {
		return nil, fmt.Errorf("load backup records: %w", err)
	}
	defer rows.Close()

	var records []BackupRecord
	for rows.Next() {
		var br BackupRecord
		var secondary, frequencies sql.NullString
		var expiresAt sql.NullInt64
		var encrypted int
		if err := rows.Scan(&br.VaultID, &br.EpisodeID, &br.OwnerID, &br.StoredPayload, &br.PayloadSHA256,
			&br.Protection, &br.Segment, &br.AccessControl, &br.PrimaryPhase, &secondary,
			&br.Coherence, &br.Stability, &frequencies, &br.Amplitude, &br.PhaseAt,
			&encrypted, &br.Nonce, &br.BackupNonce, &br.StoredAt, &br.StorageSize, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan backup record: %w", err)
		}
		br.SecondaryPhases = secondary.String
		br.Frequencies = frequencies.String
		br.Encrypted = encrypted != 0
		if expiresAt.Valid {
			br.ExpiresAt = &expiresAt.Int64
		}
		records = append(records, br)
	}
	return records, rows.Err()
}

// SnapshotEdges copies the pre-job edge state for rollback.
func (db *DB) SnapshotEdges(backupID string, edges []Edge) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	for _, e := range edges {
		if _, err := tx.Exec(`
			INSERT INTO graph_snapshots (backup_id, source_id, target_id, weight, usage_count, last_used, segment)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, backupID, e.SourceID, e.TargetID, e.Weight, e.UsageCount, e.LastUsed, e.Segment); err != nil {
			tx.Rollback()
			return fmt.Errorf("snapshot edge %s->%s: %w", e.SourceID, e.TargetID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// LoadEdgeSnapshot returns the edges of a graph snapshot.
func (db *DB) LoadEdgeSnapshot(backupID string) ([]Edge, error) {
	rows, err := db.Query(`
		SELECT source_id, target_id, weight, usage_count, last_used, segment
		FROM graph_snapshots WHERE backup_id = ? ORDER BY source_id, target_id
	`, backupID)
	if err != nil {
		return nil, fmt.Errorf("load edge snapshot: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		var lastUsed sql.NullInt64
		if err := rows.Scan(&e.SourceID, &e.TargetID, &e.Weight, &e.UsageCount, &lastUsed, &e.Segment); err != nil {
			return nil, fmt.Errorf("scan snapshot edge: %w", err)
		}
		if lastUsed.Valid {
			e.LastUsed = &lastUsed.Int64
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// ScheduledPruning is a registration row; the external scheduler evaluates
// timing and recurrence.
type ScheduledPruning struct {
	ID             int64  `json:"id"`
	ScheduledTime  int64  `json:"scheduled_time"`
	Request        string `json:"request"`
	RecurrenceCron string `json:"recurrence_cron,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// InsertScheduledPruning registers a future pruning request.
func (db *DB) InsertScheduledPruning(s *ScheduledPruning) error {
	s.CreatedAt = time.Now().UnixMilli()
	result, err := db.Exec(`
		INSERT INTO scheduled_prunings (scheduled_time, request, recurrence_cron, created_at)
		VALUES (?, ?, ?, ?)
	`, s.ScheduledTime, s.Request, nullStr(s.RecurrenceCron), s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert scheduled pruning: %w", err)
	}
	id, _ := result.LastInsertId()
	s.ID = id
	return nil
}

// ListScheduledPrunings returns registrations ordered by scheduled time.
func (db *DB) ListScheduledPrunings() ([]ScheduledPruning, error) {
	rows, err := db.Query(`
		SELECT id, scheduled_time, request, recurrence_cron, created_at
		FROM scheduled_prunings ORDER BY scheduled_time
	`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled prunings: %w", err)
	}
	defer rows.Close()

	var scheduled []ScheduledPruning
	for rows.Next() {
		var s ScheduledPruning
		var cron sql.NullString
		if err := rows.Scan(&s.ID, &s.ScheduledTime, &s.Request, &cron, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scheduled pruning: %w", err)
		}
		s.RecurrenceCron = cron.String
		scheduled = append(scheduled, s)
	}
	return scheduled, rows.Err()
}

func scanBackup(row rowScanner) (*Backup, error) {
	var b Backup
	var jobID sql.NullString
	var compressed, encrypted, verified int
	err := row.Scan(&b.BackupID, &b.Kind, &b.Scope, &compressed, &encrypted,
		&b.RecordCount, &b.EdgeCount, &b.Checksum, &verified, &jobID, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	b.Compressed = compressed != 0
	b.Encrypted = encrypted != 0
	b.Verified = verified != 0
	b.JobID = jobID.String
	return &b, nil
}
