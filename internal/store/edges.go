package store

import (
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"
)

// Edge is one concept-adjacency edge. Weights live in [0, 1] and are only
// mutated through ApplyWeightBatch, which the pruner and the admin graph
// update path both route through under the maintenance lock.
type Edge struct {
	SourceID      string
	TargetID      string
	Weight        float64
	UsageCount    int
	LastUsed      *int64
	NearThreshold bool
	Segment       string
}

// EdgeFilter scopes edge queries. Zero values leave a dimension open.
type EdgeFilter struct {
	Segment  string
	Concepts []string // match either endpoint
}

func (f EdgeFilter) where() (string, []any) {
	var conds []string
	var args []any
	if f.Segment != "" {
		conds = append(conds, "segment = ?")
		args = append(args, f.Segment)
	}
	if len(f.Concepts) > 0 {
		ph := strings.Repeat("?,", len(f.Concepts))
		ph = ph[:len(ph)-1]
		conds = append(conds, fmt.Sprintf("(source_id IN (%s) OR target_id IN (%s))", ph, ph))
		for _, c := range f.Concepts {
			args = append(args, c)
		}
		for _, c := range f.Concepts {
			args = append(args, c)
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

const edgeColumns = "source_id, target_id, weight, usage_count, last_used, near_threshold, segment"

// UpsertEdge inserts or replaces an edge and records its weight in the
// history table.
func (db *DB) UpsertEdge(e Edge) error {
	if e.Segment == "" {
		e.Segment = "default"
	}
	now := time.Now().UnixMilli()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin upsert edge: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO concept_edges (source_id, target_id, weight, usage_count, last_used, near_threshold, segment)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id) DO UPDATE SET weight = ?, near_threshold = ?, segment = ?
	`, e.SourceID, e.TargetID, e.Weight, e.UsageCount, e.LastUsed, boolInt(e.NearThreshold), e.Segment,
		e.Weight, boolInt(e.NearThreshold), e.Segment)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("upsert edge: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO edge_weight_history (source_id, target_id, weight, changed_at)
		VALUES (?, ?, ?, ?)
	`, e.SourceID, e.TargetID, e.Weight, now); err != nil {
		tx.Rollback()
		return fmt.Errorf("record edge history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert edge: %w", err)
	}
	return nil
}

// GetEdge returns one edge, or nil if absent.
func (db *DB) GetEdge(sourceID, targetID string) (*Edge, error) {
	row := db.QueryRow(`SELECT `+edgeColumns+` FROM concept_edges WHERE source_id = ? AND target_id = ?`,
		sourceID, targetID)
	e, err := scanEdge(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get edge: %w", err)
	}
	return e, nil
}

// ListEdges returns edges matching the filter in a stable order.
func (db *DB) ListEdges(f EdgeFilter) ([]Edge, error) {
	where, args := f.where()
	rows, err := db.Query(`SELECT `+edgeColumns+` FROM concept_edges`+where+` ORDER BY source_id, target_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, *e)
	}
	return edges, rows.Err()
}

// EdgeCount returns the number of edges in scope.
func (db *DB) EdgeCount(f EdgeFilter) (int, error) {
	where, args := f.where()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM concept_edges`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("edge count: %w", err)
	}
	return count, nil
}

// TotalEdgeWeight sums weights over the scope.
func (db *DB) TotalEdgeWeight(f EdgeFilter) (float64, error) {
	where, args := f.where()
	var total sql.NullFloat64
	if err := db.QueryRow(`SELECT SUM(weight) FROM concept_edges`+where, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("total edge weight: %w", err)
	}
	return total.Float64, nil
}

// ConceptCount returns the number of distinct endpoints in scope.
func (db *DB) ConceptCount(f EdgeFilter) (int, error) {
	where, args := f.where()
	// Double the args: the union repeats the filter.
	all := append(append([]any{}, args...), args...)
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM (
			SELECT source_id AS c FROM concept_edges`+where+`
			UNION
			SELECT target_id FROM concept_edges`+where+`
		)
	`, all...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("concept count: %w", err)
	}
	return count, nil
}

// RecordEdgeUsage bumps the usage counter, the retrieval signal the pruner
// optimizes against.
func (db *DB) RecordEdgeUsage(sourceID, targetID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE concept_edges SET usage_count = usage_count + 1, last_used = ?
		WHERE source_id = ? AND target_id = ?
	`, now, sourceID, targetID)
	if err != nil {
		return fmt.Errorf("record edge usage: %w", err)
	}
	return nil
}

// WeightChange is one entry of an atomic batch update.
type WeightChange struct {
	SourceID  string
	TargetID  string
	NewWeight float64
	Delete    bool
}

// ApplyWeightBatch commits a set of weight changes as a single transaction.
// Readers never observe a partially applied batch. Every change is recorded
// in edge_weight_history tagged with the owning job.
func (db *DB) ApplyWeightBatch(changes []WeightChange, jobID string) (int, error) {
	if len(changes) == 0 {
		return 0, nil
	}
	now := time.Now().UnixMilli()

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin weight batch: %w", err)
	}

	applied := 0
	for _, c := range changes {
		if c.Delete {
			if _, err := tx.Exec(`DELETE FROM concept_edges WHERE source_id = ? AND target_id = ?`,
				c.SourceID, c.TargetID); err != nil {
				tx.Rollback()
				return 0, fmt.Errorf("delete edge %s->%s: %w", c.SourceID, c.TargetID, err)
			}
			if _, err := tx.Exec(`
				INSERT INTO edge_weight_history (source_id, target_id, weight, job_id, changed_at)
				VALUES (?, ?, 0, ?, ?)
			`, c.SourceID, c.TargetID, jobID, now); err != nil {
				tx.Rollback()
				return 0, fmt.Errorf("history for deleted edge: %w", err)
			}
		} else {
			if _, err := tx.Exec(`UPDATE concept_edges SET weight = ? WHERE source_id = ? AND target_id = ?`,
				c.NewWeight, c.SourceID, c.TargetID); err != nil {
				tx.Rollback()
				return 0, fmt.Errorf("update edge %s->%s: %w", c.SourceID, c.TargetID, err)
			}
			if _, err := tx.Exec(`
				INSERT INTO edge_weight_history (source_id, target_id, weight, job_id, changed_at)
				VALUES (?, ?, ?, ?, ?)
			`, c.SourceID, c.TargetID, c.NewWeight, jobID, now); err != nil {
				tx.Rollback()
				return 0, fmt.Errorf("history for updated edge: %w", err)
			}
		}
		applied++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit weight batch: %w", err)
	}
	return applied, nil
}

// RestoreEdges upserts snapshot edges with their original weights and usage,
// in one transaction. Used by rollback.
func (db *DB) RestoreEdges(edges []Edge, jobID string) error {
	now := time.Now().UnixMilli()
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin restore edges: %w", err)
	}
	for _, e := range edges {
		if _, err := tx.Exec(`
			INSERT INTO concept_edges (source_id, target_id, weight, usage_count, last_used, near_threshold, segment)
			VALUES (?, ?, ?, ?, ?, 0, ?)
			ON CONFLICT(source_id, target_id) DO UPDATE SET weight = ?, usage_count = ?, last_used = ?
		`, e.SourceID, e.TargetID, e.Weight, e.UsageCount, e.LastUsed, e.Segment,
			e.Weight, e.UsageCount, e.LastUsed); err != nil {
			tx.Rollback()
			return fmt.Errorf("restore edge %s->%s: %w", e.SourceID, e.TargetID, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO edge_weight_history (source_id, target_id, weight, job_id, changed_at)
			VALUES (?, ?, ?, ?, ?)
		`, e.SourceID, e.TargetID, e.Weight, jobID, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("history for restored edge: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit restore edges: %w", err)
	}
	return nil
}

// MarkNearThreshold flags edges whose weight sits within band of the pruning
// threshold. Preview over-samples these when estimating confidence.
func (db *DB) MarkNearThreshold(threshold, band float64, f EdgeFilter) (int, error) {
	where, args := f.where()
	lo, hi := threshold-band, threshold+band
	if lo < 0 {
		lo = 0
	}
	q := `UPDATE concept_edges SET near_threshold = CASE WHEN weight >= ? AND weight <= ? THEN 1 ELSE 0 END`
	if where != "" {
		q += where
	}
	result, err := db.Exec(q, append([]any{lo, hi}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("mark near threshold: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// WeightHistory returns the most recent weight history rows for an edge,
// newest first.
func (db *DB) WeightHistory(sourceID, targetID string, limit int) ([]WeightHistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`
		SELECT weight, job_id, changed_at FROM edge_weight_history
		WHERE source_id = ? AND target_id = ?
		ORDER BY changed_at DESC, id DESC LIMIT ?
	`, sourceID, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("weight history: %w", err)
	}
	defer rows.Close()

	var entries []WeightHistoryEntry
	for rows.Next() {
		var e WeightHistoryEntry
		var jobID sql.NullString
		if err := rows.Scan(&e.Weight, &jobID, &e.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.JobID = jobID.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// WeightHistoryEntry is one recorded weight value for an edge.
type WeightHistoryEntry struct {
	Weight    float64 `json:"weight"`
	JobID     string  `json:"job_id,omitempty"`
	ChangedAt int64   `json:"changed_at"`
}

func scanEdge(row rowScanner) (*Edge, error) {
	var e Edge
	var lastUsed sql.NullInt64
	var near int
	if err := row.Scan(&e.SourceID, &e.TargetID, &e.Weight, &e.UsageCount, &lastUsed, &near, &e.Segment); err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		e.LastUsed = &lastUsed.Int64
	}
	e.NearThreshold = near != 0
	// Clamp float drift from arithmetic done in Go before the write.
	if e.Weight < 0 {
		e.Weight = 0
	}
	e.Weight = math.Min(e.Weight, 1)
	return &e, nil
}
