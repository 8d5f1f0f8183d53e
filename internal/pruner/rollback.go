package pruner

import (
	"encoding/json"
	"fmt"
	"log"
	"math"

	"github.com/google/uuid"

	"github.com/sievemem/sieve/internal/graph"
	"github.com/sievemem/sieve/internal/store"
)

// RollbackRequest identifies a pre-job snapshot, by job or directly by
// backup id.
type RollbackRequest struct {
	JobID               string `json:"job_id,omitempty"`
	BackupID            string `json:"backup_id,omitempty"`
	VerifyAfterRollback bool   `json:"verify_after_rollback,omitempty"`
}

// RollbackResult reports a restore.
type RollbackResult struct {
	BackupID      string         `json:"backup_id"`
	EdgesRestored int            `json:"edges_restored"`
	Verified      bool           `json:"verified"`
	After         *graph.Metrics `json:"after,omitempty"`
}

// RollbackPruning restores pre-job edge weights from the job's graph
// snapshot, under the same maintenance lock the job held. Only COMPLETED
// jobs can be rolled back by job id.
func (p *Pruner) RollbackPruning(req RollbackRequest) (*RollbackResult, error) {
	backupID := req.BackupID
	scope := Filter{} // whole graph unless the job narrows it

	if req.JobID != "" {
		j, err := p.db.GetJob(req.JobID)
		if err != nil {
			return nil, err
		}
		if j == nil {
			return nil, fmt.Errorf("job %s not found", req.JobID)
		}
		if j.State != store.JobCompleted {
			return nil, fmt.Errorf("job %s is %s, only COMPLETED jobs roll back", req.JobID, j.State)
		}
		if j.BackupID == "" {
			return nil, fmt.Errorf("job %s has no graph snapshot", req.JobID)
		}
		backupID = j.BackupID
		if j.Filter != "" {
			if err := json.Unmarshal([]byte(j.Filter), &scope); err != nil {
				return nil, fmt.Errorf("job %s filter: %w", req.JobID, err)
			}
		}
	}
	if backupID == "" {
		return nil, fmt.Errorf("rollback needs a job_id or backup_id")
	}

	b, err := p.db.GetBackup(backupID)
	if err != nil {
		return nil, err
	}
	if b == nil || b.Kind != store.BackupKindGraph {
		return nil, fmt.Errorf("graph snapshot %s not found", backupID)
	}

	snapshot, err := p.db.LoadEdgeSnapshot(backupID)
	if err != nil {
		return nil, err
	}

	lockID := "rollback-" + uuid.NewString()
	p.acquireScope(lockID, scope)
	defer p.releaseScope(lockID)

	rollbackTag := "rollback:" + backupID
	if err := p.db.RestoreEdges(snapshot, rollbackTag); err != nil {
		return nil, fmt.Errorf("restore edges: %w", err)
	}
	// Weights shrunk (rather than deleted) by the job are overwritten by the
	// upsert above; edges the job deleted are re-inserted. The scope cannot
	// have gained edges in between because the lock serializes writers.
	log.Printf("pruner: rolled back %d edges from snapshot %s", len(snapshot), backupID)

	result := &RollbackResult{BackupID: backupID, EdgesRestored: len(snapshot)}
	if req.VerifyAfterRollback {
		current, err := p.db.ListEdges(scope.edgeFilter())
		if err != nil {
			return nil, err
		}
		m := graph.Evaluate(current, nil)
		result.After = &m
		result.Verified = len(current) == len(snapshot) &&
			math.Abs(totalWeight(current)-totalWeight(snapshot)) < 1e-6
	}
	return result, nil
}

func totalWeight(edges []store.Edge) float64 {
	var sum float64
	for _, e := range edges {
		sum += e.Weight
	}
	return sum
}
