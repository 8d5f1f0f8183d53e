package pruner

import (
	"fmt"
	"time"

	"github.com/sievemem/sieve/internal/graph"
	"github.com/sievemem/sieve/internal/store"
)

// EdgeUsageResult lists in-scope edges with their usage signals.
type EdgeUsageResult struct {
	Summary *graph.UsageSummary `json:"summary"`
	Edges   []store.Edge        `json:"edges,omitempty"`
}

// GetEdgeUsage reports the usage counters the solver optimizes against.
func (p *Pruner) GetEdgeUsage(f Filter, includeEdges bool) (*EdgeUsageResult, error) {
	summary, err := p.tracker.Summarize(f.edgeFilter())
	if err != nil {
		return nil, err
	}
	result := &EdgeUsageResult{Summary: summary}
	if includeEdges {
		result.Edges, err = p.tracker.Snapshot(f.edgeFilter())
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// RecordUsage bumps the usage counter for one traversed edge.
func (p *Pruner) RecordUsage(sourceID, targetID string) error {
	return p.tracker.RecordUse(sourceID, targetID)
}

// UsageHistory returns the recorded weight trajectory of one edge.
func (p *Pruner) UsageHistory(sourceID, targetID string, limit int) ([]store.WeightHistoryEntry, error) {
	return p.tracker.History(sourceID, targetID, limit)
}

// Stats is the service-level view.
type Stats struct {
	CurrentEdgeCount int            `json:"current_edge_count"`
	CurrentConcepts  int            `json:"current_concept_count"`
	TotalWeight      float64        `json:"total_weight"`
	JobCounts        map[string]int `json:"job_counts"`
	LastCompleted    *store.Job     `json:"last_completed,omitempty"`
	Config           Config         `json:"config"`
}

// GetPruningStats aggregates graph size and job history.
func (p *Pruner) GetPruningStats() (*Stats, error) {
	edgeCount, err := p.db.EdgeCount(store.EdgeFilter{})
	if err != nil {
		return nil, err
	}
	concepts, err := p.db.ConceptCount(store.EdgeFilter{})
	if err != nil {
		return nil, err
	}
	weight, err := p.db.TotalEdgeWeight(store.EdgeFilter{})
	if err != nil {
		return nil, err
	}
	counts, err := p.db.CountJobsByState()
	if err != nil {
		return nil, err
	}

	var last *store.Job
	jobs, err := p.db.ListJobs(20)
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		if jobs[i].State == store.JobCompleted {
			last = &jobs[i]
			break
		}
	}

	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()

	return &Stats{
		CurrentEdgeCount: edgeCount,
		CurrentConcepts:  concepts,
		TotalWeight:      weight,
		JobCounts:        counts,
		LastCompleted:    last,
		Config:           cfg,
	}, nil
}

// ConfigUpdate carries the fields to change; nil fields are left alone.
type ConfigUpdate struct {
	MaxConcurrentJobs  *int           `json:"max_concurrent_jobs,omitempty"`
	AutoPruneThreshold *int           `json:"auto_prune_threshold,omitempty"`
	AutoPruneInterval  *time.Duration `json:"auto_prune_interval,omitempty"`
	DefaultParameters  *Parameters    `json:"default_parameters,omitempty"`
	DefaultFilter      *Filter        `json:"default_filter,omitempty"`
	BackupBeforePrune  *bool          `json:"backup_before_prune,omitempty"`
}

// UpdateConfig applies a partial update and returns the effective config.
// The concurrency cap takes effect for jobs queued after the change.
func (p *Pruner) UpdateConfig(u ConfigUpdate) (Config, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if u.MaxConcurrentJobs != nil {
		if *u.MaxConcurrentJobs < 1 {
			return p.cfg, fmt.Errorf("max_concurrent_jobs must be at least 1")
		}
		if *u.MaxConcurrentJobs != p.cfg.MaxConcurrentJobs {
			p.cfg.MaxConcurrentJobs = *u.MaxConcurrentJobs
			p.sem = make(chan struct{}, p.cfg.MaxConcurrentJobs)
		}
	}
	if u.AutoPruneThreshold != nil {
		p.cfg.AutoPruneThreshold = *u.AutoPruneThreshold
	}
	if u.AutoPruneInterval != nil {
		p.cfg.AutoPruneInterval = *u.AutoPruneInterval
	}
	if u.DefaultParameters != nil {
		p.cfg.DefaultParameters = u.DefaultParameters.withDefaults(DefaultParameters())
	}
	if u.DefaultFilter != nil {
		p.cfg.DefaultFilter = *u.DefaultFilter
	}
	if u.BackupBeforePrune != nil {
		p.cfg.BackupBeforePrune = *u.BackupBeforePrune
	}
	return p.cfg, nil
}
