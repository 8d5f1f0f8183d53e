package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one append-only trail row. Entries are never updated or
// deleted.
type AuditEntry struct {
	EntryID   string `json:"entry_id"`
	VaultID   string `json:"vault_id,omitempty"`
	Actor     string `json:"actor,omitempty"`
	Action    string `json:"action"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// AppendAudit writes an audit entry, assigning entry_id and created_at if
// unset.
func (db *DB) AppendAudit(e *AuditEntry) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin audit: %w", err)
	}
	if err := appendAuditTx(tx, e); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit: %w", err)
	}
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func appendAuditTx(tx execer, e *AuditEntry) error {
	if e.EntryID == "" {
		e.EntryID = uuid.NewString()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	_, err := tx.Exec(`
		INSERT INTO audit_log (entry_id, vault_id, actor, action, decision, reason, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.EntryID, nullStr(e.VaultID), nullStr(e.Actor), e.Action, e.Decision,
		nullStr(e.Reason), nullStr(e.Detail), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit returns trail entries for a vault record, newest first. Empty
// vaultID returns the global tail.
func (db *DB) ListAudit(vaultID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT entry_id, vault_id, actor, action, decision, reason, detail, created_at FROM audit_log`
	args := []any{}
	if vaultID != "" {
		q += ` WHERE vault_id = ?`
		args = append(args, vaultID)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var vid, actor, reason, detail sql.NullString
		if err := rows.Scan(&e.EntryID, &vid, &actor, &e.Action, &e.Decision, &reason, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.VaultID = vid.String
		e.Actor = actor.String
		e.Reason = reason.String
		e.Detail = detail.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
