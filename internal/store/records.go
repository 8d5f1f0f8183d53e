package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Record is a stored episode plus its vault metadata. Payload is the bytes
// at rest: ciphertext when Encrypted is set.
type Record struct {
	ID                  int64
	VaultID             string
	EpisodeID           string
	OwnerID             string
	Payload             []byte
	PayloadSHA256       string
	Protection          string
	Segment             string
	AccessControl       string // JSON access.Control document
	PrimaryPhase        float64
	SecondaryPhases     string // JSON array of radians
	Coherence           float64
	Stability           float64
	Frequencies         string // JSON array
	Amplitude           float64
	PhaseAt             int64
	Encrypted           bool
	Nonce               []byte
	StoredAt            int64
	LastAccessed        *int64
	AccessCount         int
	StorageSize         int64
	BackupStatus        string
	ConsolidationStatus string
	ExpiresAt           *int64
}

const recordColumns = `id, vault_id, episode_id, owner_id, payload, payload_sha256, protection, segment,
	access_control, primary_phase, secondary_phases, coherence, stability, frequencies, amplitude, phase_at,
	encrypted, nonce, stored_at, last_accessed, access_count, storage_size, backup_status, consolidation_status, expires_at`

// PutRecord inserts a record and its audit entry in one transaction, so a
// failed audit write never leaves a half-stored episode behind.
func (db *DB) PutRecord(r *Record, entry *AuditEntry) error {
	now := time.Now().UnixMilli()
	if r.StoredAt == 0 {
		r.StoredAt = now
	}
	if r.BackupStatus == "" {
		r.BackupStatus = "none"
	}
	if r.ConsolidationStatus == "" {
		r.ConsolidationStatus = "pending"
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}

	result, err := tx.Exec(`
		INSERT INTO vault_records (vault_id, episode_id, owner_id, payload, payload_sha256, protection, segment,
			access_control, primary_phase, secondary_phases, coherence, stability, frequencies, amplitude, phase_at,
			encrypted, nonce, stored_at, access_count, storage_size, backup_status, consolidation_status, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`, r.VaultID, r.EpisodeID, r.OwnerID, r.Payload, r.PayloadSHA256, r.Protection, r.Segment,
		r.AccessControl, r.PrimaryPhase, nullStr(r.SecondaryPhases), r.Coherence, r.Stability,
		nullStr(r.Frequencies), r.Amplitude, r.PhaseAt,
		boolInt(r.Encrypted), r.Nonce, r.StoredAt, r.StorageSize, r.BackupStatus, r.ConsolidationStatus, r.ExpiresAt)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("insert record: %w", err)
	}

	if entry != nil {
		if err := appendAuditTx(tx, entry); err != nil {
			tx.Rollback()
			return fmt.Errorf("audit record put: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put: %w", err)
	}
	id, _ := result.LastInsertId()
	r.ID = id
	return nil
}

// GetRecordByVaultID returns a record by vault_id, or nil if not found.
func (db *DB) GetRecordByVaultID(vaultID string) (*Record, error) {
	return db.getRecord("vault_id", vaultID)
}

// GetRecordByEpisodeID returns a record by episode_id, or nil if not found.
func (db *DB) GetRecordByEpisodeID(episodeID string) (*Record, error) {
	return db.getRecord("episode_id", episodeID)
}

func (db *DB) getRecord(column, value string) (*Record, error) {
	row := db.QueryRow(`SELECT `+recordColumns+` FROM vault_records WHERE `+column+` = ?`, value)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record by %s: %w", column, err)
	}
	return r, nil
}

// TouchRecord updates last_accessed and increments access_count.
func (db *DB) TouchRecord(vaultID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE vault_records SET last_accessed = ?, access_count = access_count + 1
		WHERE vault_id = ?
	`, now, vaultID)
	if err != nil {
		return fmt.Errorf("touch record: %w", err)
	}
	return nil
}

// UpdateRecordProtection sets a new protection level and audits the change
// in the same transaction.
func (db *DB) UpdateRecordProtection(vaultID, level string, entry *AuditEntry) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin protection update: %w", err)
	}
	if _, err := tx.Exec(`UPDATE vault_records SET protection = ? WHERE vault_id = ?`, level, vaultID); err != nil {
		tx.Rollback()
		return fmt.Errorf("update protection: %w", err)
	}
	if entry != nil {
		if err := appendAuditTx(tx, entry); err != nil {
			tx.Rollback()
			return fmt.Errorf("audit protection update: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit protection update: %w", err)
	}
	return nil
}

// UpdateRecordPhase rewrites the stored phase signature fields.
func (db *DB) UpdateRecordPhase(vaultID string, primary float64, secondary string, coherence, stability, amplitude float64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE vault_records
		SET primary_phase = ?, secondary_phases = ?, coherence = ?, stability = ?, amplitude = ?, phase_at = ?
		WHERE vault_id = ?
	`, primary, nullStr(secondary), coherence, stability, amplitude, now, vaultID)
	if err != nil {
		return fmt.Errorf("update phase: %w", err)
	}
	return nil
}

// SetStorageSize corrects a stale storage_size (integrity auto-fix).
func (db *DB) SetStorageSize(vaultID string, size int64) error {
	_, err := db.Exec(`UPDATE vault_records SET storage_size = ? WHERE vault_id = ?`, size, vaultID)
	if err != nil {
		return fmt.Errorf("set storage size: %w", err)
	}
	return nil
}

// SetBackupStatus marks records in a segment scope with a backup status.
// Empty segment means all records.
func (db *DB) SetBackupStatus(segment, status string) error {
	var err error
	if segment == "" {
		_, err = db.Exec(`UPDATE vault_records SET backup_status = ?`, status)
	} else {
		_, err = db.Exec(`UPDATE vault_records SET backup_status = ? WHERE segment = ?`, status, segment)
	}
	if err != nil {
		return fmt.Errorf("set backup status: %w", err)
	}
	return nil
}

// SetConsolidationStatus updates the consolidation hint on a record.
func (db *DB) SetConsolidationStatus(vaultID, status string) error {
	_, err := db.Exec(`UPDATE vault_records SET consolidation_status = ? WHERE vault_id = ?`, status, vaultID)
	if err != nil {
		return fmt.Errorf("set consolidation status: %w", err)
	}
	return nil
}

// ReplaceRecord overwrites a record's payload and metadata during restore.
// Access-time fields (last_accessed, access_count) are left untouched.
func (db *DB) ReplaceRecord(r *Record) error {
	_, err := db.Exec(`
		UPDATE vault_records
		SET owner_id = ?, payload = ?, payload_sha256 = ?, protection = ?, segment = ?, access_control = ?,
			primary_phase = ?, secondary_phases = ?, coherence = ?, stability = ?, frequencies = ?, amplitude = ?,
			phase_at = ?, encrypted = ?, nonce = ?, stored_at = ?, storage_size = ?, expires_at = ?
		WHERE episode_id = ?
	`, r.OwnerID, r.Payload, r.PayloadSHA256, r.Protection, r.Segment, r.AccessControl,
		r.PrimaryPhase, nullStr(r.SecondaryPhases), r.Coherence, r.Stability, nullStr(r.Frequencies), r.Amplitude,
		r.PhaseAt, boolInt(r.Encrypted), r.Nonce, r.StoredAt, r.StorageSize, r.ExpiresAt, r.EpisodeID)
	if err != nil {
		return fmt.Errorf("replace record: %w", err)
	}
	return nil
}

// RecordFilter narrows record queries. Zero values leave a dimension open.
// A phase range with Min > Max wraps around 2π.
type RecordFilter struct {
	Protections    []string
	Segment        string
	OwnerID        string
	Since          int64 // stored_at >=, unix millis
	Until          int64 // stored_at <
	PhaseMin       *float64
	PhaseMax       *float64
	IncludeExpired bool
}

func (f RecordFilter) where(now int64) (string, []any) {
	var conds []string
	var args []any

	if len(f.Protections) > 0 {
		ph := strings.Repeat("?,", len(f.Protections))
		conds = append(conds, fmt.Sprintf("protection IN (%s)", ph[:len(ph)-1]))
		for _, p := range f.Protections {
			args = append(args, p)
		}
	}
	if f.Segment != "" {
		conds = append(conds, "segment = ?")
		args = append(args, f.Segment)
	}
	if f.OwnerID != "" {
		conds = append(conds, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.Since > 0 {
		conds = append(conds, "stored_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		conds = append(conds, "stored_at < ?")
		args = append(args, f.Until)
	}
	if f.PhaseMin != nil && f.PhaseMax != nil {
		if *f.PhaseMin <= *f.PhaseMax {
			conds = append(conds, "primary_phase >= ? AND primary_phase <= ?")
			args = append(args, *f.PhaseMin, *f.PhaseMax)
		} else {
			// Wrapped range, e.g. [6.0, 0.5)
			conds = append(conds, "(primary_phase >= ? OR primary_phase <= ?)")
			args = append(args, *f.PhaseMin, *f.PhaseMax)
		}
	}
	if !f.IncludeExpired {
		conds = append(conds, "(expires_at IS NULL OR expires_at > ?)")
		args = append(args, now)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListRecords returns records matching the filter, newest first.
func (db *DB) ListRecords(f RecordFilter, limit, offset int) ([]Record, error) {
	where, args := f.where(time.Now().UnixMilli())
	q := `SELECT ` + recordColumns + ` FROM vault_records` + where + ` ORDER BY stored_at DESC, id DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	}
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// CountRecords returns the number of records matching the filter.
func (db *DB) CountRecords(f RecordFilter) (int, error) {
	where, args := f.where(time.Now().UnixMilli())
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM vault_records`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return count, nil
}

// TotalStorageSize sums storage_size over the filter scope.
func (db *DB) TotalStorageSize(f RecordFilter) (int64, error) {
	where, args := f.where(time.Now().UnixMilli())
	var total sql.NullInt64
	err := db.QueryRow(`SELECT SUM(storage_size) FROM vault_records`+where, args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total storage size: %w", err)
	}
	return total.Int64, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var r Record
	var secondary, frequencies sql.NullString
	var lastAccessed, expiresAt sql.NullInt64
	var encrypted int
	err := row.Scan(&r.ID, &r.VaultID, &r.EpisodeID, &r.OwnerID, &r.Payload, &r.PayloadSHA256,
		&r.Protection, &r.Segment, &r.AccessControl, &r.PrimaryPhase, &secondary,
		&r.Coherence, &r.Stability, &frequencies, &r.Amplitude, &r.PhaseAt,
		&encrypted, &r.Nonce, &r.StoredAt, &lastAccessed, &r.AccessCount,
		&r.StorageSize, &r.BackupStatus, &r.ConsolidationStatus, &expiresAt)
	if err != nil {
		return nil, err
	}
	r.SecondaryPhases = secondary.String
	r.Frequencies = frequencies.String
	r.Encrypted = encrypted != 0
	if lastAccessed.Valid {
		r.LastAccessed = &lastAccessed.Int64
	}
	if expiresAt.Valid {
		r.ExpiresAt = &expiresAt.Int64
	}
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
