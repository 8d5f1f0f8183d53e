package pruner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sievemem/sieve/internal/graph"
	"github.com/sievemem/sieve/internal/store"
	"github.com/sievemem/sieve/internal/vault"
)

// Config is the pruner's runtime configuration, adjustable via UpdateConfig.
type Config struct {
	MaxConcurrentJobs  int           `json:"max_concurrent_jobs"`
	AutoPruneThreshold int           `json:"auto_prune_threshold"`
	AutoPruneInterval  time.Duration `json:"auto_prune_interval"`
	DefaultParameters  Parameters    `json:"default_parameters"`
	DefaultFilter      Filter        `json:"default_filter"`
	BackupBeforePrune  bool          `json:"backup_before_prune"`
}

// DefaultConfig returns the stock configuration: one job at a time,
// unattended pruning off.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentJobs: 1,
		DefaultParameters: DefaultParameters(),
	}
}

// Pruner is the graph-sparsification service. It is the only writer of edge
// weights; every mutation happens under a scope-keyed exclusive maintenance
// lock and commits as one batch.
type Pruner struct {
	db      *store.DB
	vault   *vault.Vault
	tracker *graph.Tracker

	mu      sync.Mutex
	cond    *sync.Cond
	held    map[string]Filter // jobID -> locked scope
	sem     chan struct{}
	cancels map[string]*atomic.Bool
	warm    map[string]map[string]float64 // scopeKey -> last accepted weights
	cfg     Config
	wg      sync.WaitGroup
}

// New builds a pruner over the vault's graph.
func New(v *vault.Vault, cfg Config) *Pruner {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 1
	}
	p := &Pruner{
		db:      v.DB(),
		vault:   v,
		tracker: graph.NewTracker(v.DB()),
		held:    make(map[string]Filter),
		sem:     make(chan struct{}, cfg.MaxConcurrentJobs),
		cancels: make(map[string]*atomic.Bool),
		warm:    make(map[string]map[string]float64),
		cfg:     cfg,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Wait blocks until every in-flight job goroutine has finished.
func (p *Pruner) Wait() {
	p.wg.Wait()
}

// scopesConflict reports whether two job scopes may touch the same edges.
// The whole-graph scope conflicts with everything; segment-wide scopes
// conflict with any scope in the same segment; concept scopes conflict when
// the sets intersect.
func scopesConflict(a, b Filter) bool {
	wholeA := a.Segment == "" && len(a.Concepts) == 0
	wholeB := b.Segment == "" && len(b.Concepts) == 0
	if wholeA || wholeB {
		return true
	}
	if a.Segment != "" && b.Segment != "" && a.Segment != b.Segment {
		return false
	}
	if len(a.Concepts) == 0 || len(b.Concepts) == 0 {
		return true
	}
	set := make(map[string]bool, len(a.Concepts))
	for _, c := range a.Concepts {
		set[c] = true
	}
	for _, c := range b.Concepts {
		if set[c] {
			return true
		}
	}
	return false
}

func (p *Pruner) acquireScope(jobID string, f Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		conflict := false
		for _, heldScope := range p.held {
			if scopesConflict(f, heldScope) {
				conflict = true
				break
			}
		}
		if !conflict {
			p.held[jobID] = f
			return
		}
		p.cond.Wait()
	}
}

func (p *Pruner) releaseScope(jobID string) {
	p.mu.Lock()
	delete(p.held, jobID)
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Request triggers one pruning job.
type Request struct {
	Parameters   *Parameters       `json:"parameters,omitempty"`
	Filter       Filter            `json:"filter,omitempty"`
	CreateBackup bool              `json:"create_backup,omitempty"`
	DryRun       bool              `json:"dry_run,omitempty"`
	Synchronous  bool              `json:"synchronous,omitempty"`
	Description  string            `json:"description,omitempty"`
	TestQueries  []graph.TestQuery `json:"test_queries,omitempty"`
}

// Response acknowledges a trigger. Status is populated on synchronous calls.
type Response struct {
	JobID    string     `json:"job_id"`
	Accepted bool       `json:"accepted"`
	Status   *store.Job `json:"status,omitempty"`
}

// TriggerPruning queues a job. Asynchronous by default: the caller polls
// GetPruningStatus. Synchronous calls block until the job reaches a terminal
// state.
func (p *Pruner) TriggerPruning(req Request) (*Response, error) {
	params := p.defaults()
	if req.Parameters != nil {
		params = req.Parameters.withDefaults(params)
	}
	if params.L1Strength < 0 || params.RetentionTarget < 0 || params.RetentionTarget > 1 {
		return nil, fmt.Errorf("invalid parameters: l1_strength %.4f, retention_target %.4f",
			params.L1Strength, params.RetentionTarget)
	}

	jobID := uuid.NewString()
	paramsJSON, _ := json.Marshal(params)
	filterJSON, _ := json.Marshal(req.Filter)
	j := &store.Job{
		JobID:       jobID,
		Params:      string(paramsJSON),
		Filter:      string(filterJSON),
		Description: req.Description,
		DryRun:      req.DryRun,
	}
	if err := p.db.InsertJob(j); err != nil {
		return nil, fmt.Errorf("queue job: %w", err)
	}

	flag := &atomic.Bool{}
	p.mu.Lock()
	p.cancels[jobID] = flag
	p.mu.Unlock()

	if req.Synchronous {
		p.runJob(jobID, params, req, flag)
		final, err := p.db.GetJob(jobID)
		if err != nil {
			return nil, err
		}
		return &Response{JobID: jobID, Accepted: true, Status: final}, nil
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runJob(jobID, params, req, flag)
	}()
	return &Response{JobID: jobID, Accepted: true}, nil
}

// runJob executes one queued job end to end: lock, snapshot, optional vault
// backup, solve, one atomic batch commit. Any failure before the commit
// leaves the graph untouched.
func (p *Pruner) runJob(jobID string, params Parameters, req Request, flag *atomic.Bool) {
	defer func() {
		p.mu.Lock()
		delete(p.cancels, jobID)
		p.mu.Unlock()
	}()

	// Capture the channel: UpdateConfig may swap p.sem for a resized one.
	p.mu.Lock()
	sem := p.sem
	p.mu.Unlock()
	sem <- struct{}{}
	defer func() { <-sem }()
	p.acquireScope(jobID, req.Filter)
	defer p.releaseScope(jobID)

	if flag.Load() {
		p.finish(jobID, store.JobCancelled, "cancelled before start")
		return
	}
	if err := p.db.TransitionJob(jobID, store.JobRunning, ""); err != nil {
		log.Printf("pruner: job %s failed to start: %v", jobID, err)
		return
	}

	edges, err := p.db.ListEdges(req.Filter.edgeFilter())
	if err != nil {
		p.fail(jobID, fmt.Errorf("snapshot edges: %w", err))
		return
	}

	if !req.DryRun {
		snapID := uuid.NewString()
		if err := p.db.InsertBackup(&store.Backup{
			BackupID: snapID,
			Kind:     store.BackupKindGraph,
			Scope:    req.Filter.Segment,
			JobID:    jobID,
		}); err != nil {
			p.fail(jobID, fmt.Errorf("snapshot ledger: %w", err))
			return
		}
		if err := p.db.SnapshotEdges(snapID, edges); err != nil {
			p.fail(jobID, fmt.Errorf("snapshot edges: %w", err))
			return
		}
		if err := p.db.UpdateBackupCounts(snapID, 0, len(edges), ""); err != nil {
			p.fail(jobID, fmt.Errorf("snapshot counts: %w", err))
			return
		}
		if err := p.db.SetJobBackup(jobID, snapID); err != nil {
			p.fail(jobID, fmt.Errorf("link snapshot: %w", err))
			return
		}

		if req.CreateBackup || p.backupPolicy() {
			// The vault backup must verify before the first mutation.
			if _, err := p.vault.BackupVault(context.Background(), vault.BackupRequest{
				Segment: req.Filter.Segment,
				Verify:  true,
			}); err != nil {
				p.fail(jobID, err)
				return
			}
		}
	}

	sol, err := solve(edges, params, req.TestQueries, p.warmStart(req.Filter), flag, func(done, total int) {
		progress := float64(done) / float64(total)
		if progress > 0.95 {
			progress = 0.95
		}
		p.db.UpdateJobProgress(jobID, progress, done, total)
	})
	if errors.Is(err, ErrCancelled) {
		p.finish(jobID, store.JobCancelled, "cancelled during solve")
		return
	}
	if err != nil {
		p.fail(jobID, err)
		return
	}

	// Last checkpoint before the only mutation.
	if flag.Load() {
		p.finish(jobID, store.JobCancelled, "cancelled before commit")
		return
	}

	before, _ := json.Marshal(sol.Before)
	after, _ := json.Marshal(sol.After)
	if req.DryRun {
		p.db.SetJobResults(jobID, string(before), string(after), sol.EdgesPruned, sol.WeightPruned)
		p.finish(jobID, store.JobCompleted, "dry run, no mutation")
		return
	}

	if _, err := p.db.ApplyWeightBatch(sol.Changes, jobID); err != nil {
		p.fail(jobID, fmt.Errorf("commit batch: %w", err))
		return
	}
	p.db.SetJobResults(jobID, string(before), string(after), sol.EdgesPruned, sol.WeightPruned)
	p.rememberWarm(req.Filter, sol.FinalWeights)
	p.finish(jobID, store.JobCompleted, "")
	log.Printf("pruner: job %s pruned %d edges (%.3f weight) in %d iterations",
		jobID, sol.EdgesPruned, sol.WeightPruned, sol.Iterations)
}

func (p *Pruner) fail(jobID string, err error) {
	log.Printf("pruner: job %s failed: %v", jobID, err)
	p.db.SetJobError(jobID, err.Error())
	if terr := p.db.TransitionJob(jobID, store.JobFailed, ""); terr != nil {
		log.Printf("pruner: job %s could not transition to FAILED: %v", jobID, terr)
	}
}

func (p *Pruner) finish(jobID, state, note string) {
	if err := p.db.TransitionJob(jobID, state, note); err != nil {
		log.Printf("pruner: job %s could not transition to %s: %v", jobID, state, err)
	}
}

func (p *Pruner) defaults() Parameters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.DefaultParameters
}

func (p *Pruner) backupPolicy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.BackupBeforePrune
}

func (p *Pruner) warmStart(f Filter) map[string]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.warm[f.scopeKey()]
}

func (p *Pruner) rememberWarm(f Filter, weights map[string]float64) {
	p.mu.Lock()
	p.warm[f.scopeKey()] = weights
	p.mu.Unlock()
}

// GetPruningStatus returns the job row, or nil when unknown. COMPLETED rows
// never change, so repeated reads are identical.
func (p *Pruner) GetPruningStatus(jobID string) (*store.Job, error) {
	return p.db.GetJob(jobID)
}

// CancelResult reports a cancellation attempt.
type CancelResult struct {
	JobID     string `json:"job_id"`
	Cancelled bool   `json:"cancelled"`
	State     string `json:"state"`
}

// CancelPruning flags a QUEUED or RUNNING job. The solver polls the flag
// between iterations; a running job halts at the last committed checkpoint,
// which for a single-batch commit means the graph stays untouched.
func (p *Pruner) CancelPruning(jobID string) (*CancelResult, error) {
	j, err := p.db.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	if store.TerminalJobState(j.State) || j.State == store.JobPaused {
		return &CancelResult{JobID: jobID, Cancelled: false, State: j.State}, nil
	}

	p.mu.Lock()
	flag := p.cancels[jobID]
	p.mu.Unlock()
	if flag != nil {
		flag.Store(true)
	}
	return &CancelResult{JobID: jobID, Cancelled: true, State: j.State}, nil
}
