package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "vault_records: episodic storage with protection and phase",
		SQL: `
CREATE TABLE vault_records (
    id               INTEGER PRIMARY KEY,
    vault_id         TEXT NOT NULL UNIQUE,
    episode_id       TEXT NOT NULL UNIQUE,
    owner_id         TEXT NOT NULL,
    payload          BLOB NOT NULL,
    payload_sha256   TEXT NOT NULL,
    protection       TEXT NOT NULL CHECK (protection IN
        ('UNPROTECTED', 'USER_SEALED', 'TIME_LOCKED', 'DEEP_VAULT', 'SYSTEM_PROTECTED', 'ENCRYPTED')),
    segment          TEXT NOT NULL DEFAULT 'default',
    access_control   TEXT NOT NULL,

    -- Flattened phase signature
    primary_phase    REAL NOT NULL,
    secondary_phases TEXT,
    coherence        REAL NOT NULL DEFAULT 0,
    stability        REAL NOT NULL DEFAULT 0,
    frequencies      TEXT,
    amplitude        REAL NOT NULL DEFAULT 0,
    phase_at         INTEGER NOT NULL DEFAULT 0,

    -- Encryption at rest (ENCRYPTED protection level)
    encrypted        INTEGER NOT NULL DEFAULT 0,
    nonce            BLOB,

    -- Lifecycle
    stored_at        INTEGER NOT NULL,
    last_accessed    INTEGER,
    access_count     INTEGER NOT NULL DEFAULT 0,
    storage_size     INTEGER NOT NULL DEFAULT 0,
    backup_status    TEXT NOT NULL DEFAULT 'none',
    consolidation_status TEXT NOT NULL DEFAULT 'pending',
    expires_at       INTEGER
);

CREATE INDEX idx_records_segment    ON vault_records(segment);
CREATE INDEX idx_records_protection ON vault_records(protection);
CREATE INDEX idx_records_phase      ON vault_records(primary_phase);
CREATE INDEX idx_records_stored_at  ON vault_records(stored_at DESC);
`,
	},
	{
		Version:     2,
		Description: "concept_edges: derived adjacency graph with usage tracking",
		SQL: `
CREATE TABLE concept_edges (
    source_id      TEXT NOT NULL,
    target_id      TEXT NOT NULL,
    weight         REAL NOT NULL CHECK (weight >= 0 AND weight <= 1),
    usage_count    INTEGER NOT NULL DEFAULT 0,
    last_used      INTEGER,
    near_threshold INTEGER NOT NULL DEFAULT 0,
    segment        TEXT NOT NULL DEFAULT 'default',
    PRIMARY KEY (source_id, target_id)
);

CREATE INDEX idx_edges_segment ON concept_edges(segment);
CREATE INDEX idx_edges_usage   ON concept_edges(usage_count);

CREATE TABLE edge_weight_history (
    id         INTEGER PRIMARY KEY,
    source_id  TEXT NOT NULL,
    target_id  TEXT NOT NULL,
    weight     REAL NOT NULL,
    job_id     TEXT,
    changed_at INTEGER NOT NULL
);

CREATE INDEX idx_history_edge ON edge_weight_history(source_id, target_id);
`,
	},
	{
		Version:     3,
		Description: "pruning_jobs: job rows plus append-only transition ledger",
		SQL: `
CREATE TABLE pruning_jobs (
    id             INTEGER PRIMARY KEY,
    job_id         TEXT NOT NULL UNIQUE,
    state          TEXT NOT NULL CHECK (state IN
        ('QUEUED', 'RUNNING', 'COMPLETED', 'FAILED', 'CANCELLED', 'PAUSED')),
    params         TEXT NOT NULL,
    filter         TEXT,
    description    TEXT,
    dry_run        INTEGER NOT NULL DEFAULT 0,
    backup_id      TEXT,
    before_metrics TEXT,
    after_metrics  TEXT,
    progress       REAL NOT NULL DEFAULT 0,
    concepts_total INTEGER NOT NULL DEFAULT 0,
    concepts_done  INTEGER NOT NULL DEFAULT 0,
    edges_pruned   INTEGER NOT NULL DEFAULT 0,
    weight_pruned  REAL NOT NULL DEFAULT 0,
    error          TEXT,
    created_at     INTEGER NOT NULL,
    started_at     INTEGER,
    finished_at    INTEGER
);

CREATE INDEX idx_jobs_state   ON pruning_jobs(state);
CREATE INDEX idx_jobs_created ON pruning_jobs(created_at DESC);

CREATE TABLE job_transitions (
    id         INTEGER PRIMARY KEY,
    job_id     TEXT NOT NULL,
    from_state TEXT NOT NULL,
    to_state   TEXT NOT NULL,
    note       TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX idx_transitions_job ON job_transitions(job_id);
`,
	},
	{
		Version:     4,
		Description: "audit_log: append-only access and mutation trail",
		SQL: `
CREATE TABLE audit_log (
    id         INTEGER PRIMARY KEY,
    entry_id   TEXT NOT NULL UNIQUE,
    vault_id   TEXT,
    actor      TEXT,
    action     TEXT NOT NULL,
    decision   TEXT NOT NULL,
    reason     TEXT,
    detail     TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX idx_audit_vault   ON audit_log(vault_id);
CREATE INDEX idx_audit_created ON audit_log(created_at DESC);
`,
	},
	{
		Version:     5,
		Description: "backups: ledger plus record copies and graph snapshots",
		SQL: `
CREATE TABLE backups (
    id           INTEGER PRIMARY KEY,
    backup_id    TEXT NOT NULL UNIQUE,
    kind         TEXT NOT NULL CHECK (kind IN ('vault', 'graph')),
    scope        TEXT NOT NULL DEFAULT '',
    compressed   INTEGER NOT NULL DEFAULT 0,
    encrypted    INTEGER NOT NULL DEFAULT 0,
    record_count INTEGER NOT NULL DEFAULT 0,
    edge_count   INTEGER NOT NULL DEFAULT 0,
    checksum     TEXT NOT NULL DEFAULT '',
    verified     INTEGER NOT NULL DEFAULT 0,
    job_id       TEXT,
    created_at   INTEGER NOT NULL
);

CREATE TABLE backup_records (
    id               INTEGER PRIMARY KEY,
    backup_id        TEXT NOT NULL,
    vault_id         TEXT NOT NULL,
    episode_id       TEXT NOT NULL,
    owner_id         TEXT NOT NULL,
    payload          BLOB NOT NULL,
    payload_sha256   TEXT NOT NULL,
    protection       TEXT NOT NULL,
    segment          TEXT NOT NULL,
    access_control   TEXT NOT NULL,
    primary_phase    REAL NOT NULL,
    secondary_phases TEXT,
    coherence        REAL NOT NULL DEFAULT 0,
    stability        REAL NOT NULL DEFAULT 0,
    frequencies      TEXT,
    amplitude        REAL NOT NULL DEFAULT 0,
    phase_at         INTEGER NOT NULL DEFAULT 0,
    encrypted        INTEGER NOT NULL DEFAULT 0,
    nonce            BLOB,
    backup_nonce     BLOB,
    stored_at        INTEGER NOT NULL,
    storage_size     INTEGER NOT NULL DEFAULT 0,
    expires_at       INTEGER
);

CREATE INDEX idx_backup_records ON backup_records(backup_id);

CREATE TABLE graph_snapshots (
    id          INTEGER PRIMARY KEY,
    backup_id   TEXT NOT NULL,
    source_id   TEXT NOT NULL,
    target_id   TEXT NOT NULL,
    weight      REAL NOT NULL,
    usage_count INTEGER NOT NULL DEFAULT 0,
    last_used   INTEGER,
    segment     TEXT NOT NULL DEFAULT 'default'
);

CREATE INDEX idx_snapshots_backup ON graph_snapshots(backup_id);
`,
	},
	{
		Version:     6,
		Description: "scheduled_prunings: registration rows for the external scheduler",
		SQL: `
CREATE TABLE scheduled_prunings (
    id              INTEGER PRIMARY KEY,
    scheduled_time  INTEGER NOT NULL,
    request         TEXT NOT NULL,
    recurrence_cron TEXT,
    created_at      INTEGER NOT NULL
);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
