package vault

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"

	"github.com/google/uuid"

	"github.com/sievemem/sieve/internal/store"
)

// BackupRequest copies records into the backup ledger. Empty Segment means
// the whole vault.
type BackupRequest struct {
	Segment       string `json:"segment,omitempty"`
	Compress      bool   `json:"compress,omitempty"`
	EncryptionKey string `json:"-"`
	Verify        bool   `json:"verify,omitempty"`
}

// BackupResult describes a completed backup.
type BackupResult struct {
	BackupID    string `json:"backup_id"`
	RecordCount int    `json:"record_count"`
	Checksum    string `json:"checksum"`
	Verified    bool   `json:"verified"`
}

// BackupVault copies every in-scope record, optionally gzipped and sealed
// with AES-GCM, then checksums the copies. Cancellation is honored between
// records; a cancelled backup reports an error and is never marked verified.
func (v *Vault) BackupVault(ctx context.Context, req BackupRequest) (*BackupResult, error) {
	records, err := v.db.ListRecords(store.RecordFilter{Segment: req.Segment, IncludeExpired: true}, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: list records: %v", ErrBackup, err)
	}

	backupID := uuid.NewString()
	b := &store.Backup{
		BackupID:   backupID,
		Kind:       store.BackupKindVault,
		Scope:      req.Segment,
		Compressed: req.Compress,
		Encrypted:  req.EncryptionKey != "",
	}
	if err := v.db.InsertBackup(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackup, err)
	}

	hash := sha256.New()
	var key []byte
	if req.EncryptionKey != "" {
		key = DeriveKey(req.EncryptionKey)
	}
	for i := range records {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: cancelled after %d records: %v", ErrBackup, i, ctx.Err())
		default:
		}
		r := &records[i]
		stored, backupNonce, err := encodeBackupPayload(r.Payload, req.Compress, key)
		if err != nil {
			return nil, fmt.Errorf("%w: record %s: %v", ErrBackup, r.VaultID, err)
		}
		if err := v.db.AddBackupRecord(backupID, r, stored, backupNonce); err != nil {
			return nil, fmt.Errorf("%w: record %s: %v", ErrBackup, r.VaultID, err)
		}
		hash.Write(stored)
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	if err := v.db.UpdateBackupCounts(backupID, len(records), 0, checksum); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackup, err)
	}

	verified := false
	if req.Verify {
		if err := v.verifyBackup(backupID, checksum); err != nil {
			return nil, err
		}
		if err := v.db.MarkBackupVerified(backupID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackup, err)
		}
		verified = true
	}
	if err := v.db.SetBackupStatus(req.Segment, "backed_up"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackup, err)
	}

	log.Printf("vault: backup %s copied %d records (verified=%t)", backupID, len(records), verified)
	return &BackupResult{
		BackupID:    backupID,
		RecordCount: len(records),
		Checksum:    checksum,
		Verified:    verified,
	}, nil
}

// verifyBackup re-reads the copies and recomputes the checksum.
func (v *Vault) verifyBackup(backupID, want string) error {
	copies, err := v.db.LoadBackupRecords(backupID)
	if err != nil {
		return fmt.Errorf("%w: verify reload: %v", ErrBackup, err)
	}
	hash := sha256.New()
	for _, c := range copies {
		hash.Write(c.StoredPayload)
	}
	if got := hex.EncodeToString(hash.Sum(nil)); got != want {
		return fmt.Errorf("%w: verification checksum mismatch", ErrBackup)
	}
	return nil
}

func encodeBackupPayload(payload []byte, compress bool, key []byte) (stored, nonce []byte, err error) {
	stored = payload
	if compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(stored); err != nil {
			return nil, nil, fmt.Errorf("gzip: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, nil, fmt.Errorf("gzip close: %w", err)
		}
		stored = buf.Bytes()
	}
	if key != nil {
		stored, nonce, err = Encrypt(key, stored)
		if err != nil {
			return nil, nil, err
		}
	}
	return stored, nonce, nil
}

func decodeBackupPayload(stored, nonce []byte, compressed bool, key []byte) ([]byte, error) {
	payload := stored
	if key != nil {
		var err error
		payload, err = Decrypt(key, stored, nonce)
		if err != nil {
			return nil, err
		}
	}
	if compressed {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("gunzip: %w", err)
		}
		payload, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gunzip read: %w", err)
		}
		if err := zr.Close(); err != nil {
			return nil, fmt.Errorf("gunzip close: %w", err)
		}
	}
	return payload, nil
}

// RestoreRequest replays a backup into the vault.
type RestoreRequest struct {
	BackupID      string `json:"backup_id"`
	Overwrite     bool   `json:"overwrite,omitempty"`
	EncryptionKey string `json:"-"`
}

// RestoreResult counts the outcome per record.
type RestoreResult struct {
	Restored int `json:"restored"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// RestoreVault is additive: existing episodes are skipped unless Overwrite
// is set, in which case their payload and metadata are replaced while
// access-time fields survive. Cancellation is honored between records.
func (v *Vault) RestoreVault(ctx context.Context, req RestoreRequest) (*RestoreResult, error) {
	b, err := v.db.GetBackup(req.BackupID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackup, err)
	}
	if b == nil {
		return nil, fmt.Errorf("backup %s: %w", req.BackupID, ErrNotFound)
	}
	if b.Encrypted && req.EncryptionKey == "" {
		return nil, fmt.Errorf("%w: backup is encrypted and no key was supplied", ErrValidation)
	}
	var key []byte
	if b.Encrypted {
		key = DeriveKey(req.EncryptionKey)
	}

	copies, err := v.db.LoadBackupRecords(req.BackupID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackup, err)
	}

	result := &RestoreResult{}
	for _, c := range copies {
		select {
		case <-ctx.Done():
			return result, fmt.Errorf("%w: restore cancelled: %v", ErrBackup, ctx.Err())
		default:
		}

		payload, err := decodeBackupPayload(c.StoredPayload, c.BackupNonce, b.Compressed, key)
		if err != nil {
			log.Printf("vault: restore of %s failed to decode: %v", c.VaultID, err)
			result.Failed++
			continue
		}

		existing, err := v.db.GetRecordByEpisodeID(c.EpisodeID)
		if err != nil {
			result.Failed++
			continue
		}
		r := c.Record
		r.Payload = payload
		if existing != nil {
			if !req.Overwrite {
				result.Skipped++
				continue
			}
			r.VaultID = existing.VaultID
			if err := v.db.ReplaceRecord(&r); err != nil {
				log.Printf("vault: restore overwrite of %s failed: %v", c.EpisodeID, err)
				result.Failed++
				continue
			}
		} else {
			if err := v.db.PutRecord(&r, nil); err != nil {
				log.Printf("vault: restore insert of %s failed: %v", c.EpisodeID, err)
				result.Failed++
				continue
			}
		}
		result.Restored++
	}

	log.Printf("vault: restore from %s: %d restored, %d skipped, %d failed",
		req.BackupID, result.Restored, result.Skipped, result.Failed)
	return result, nil
}
