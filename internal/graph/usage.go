package graph

import (
	"fmt"

	"github.com/sievemem/sieve/internal/store"
)

// Tracker reads and maintains per-edge usage signals. The pruner optimizes
// against these counters, so retrieval paths must call RecordUse on every
// edge they traverse.
type Tracker struct {
	db *store.DB
}

// NewTracker wraps a store handle.
func NewTracker(db *store.DB) *Tracker {
	return &Tracker{db: db}
}

// RecordUse bumps the usage counter and last_used for one edge.
func (t *Tracker) RecordUse(sourceID, targetID string) error {
	return t.db.RecordEdgeUsage(sourceID, targetID)
}

// Snapshot loads the in-scope edges in a stable order.
func (t *Tracker) Snapshot(f store.EdgeFilter) ([]store.Edge, error) {
	edges, err := t.db.ListEdges(f)
	if err != nil {
		return nil, fmt.Errorf("usage snapshot: %w", err)
	}
	return edges, nil
}

// UsageSummary aggregates usage over a scope.
type UsageSummary struct {
	EdgeCount    int     `json:"edge_count"`
	ConceptCount int     `json:"concept_count"`
	TotalWeight  float64 `json:"total_weight"`
	TotalUsage   int     `json:"total_usage"`
	UnusedEdges  int     `json:"unused_edges"`
	MaxUsage     int     `json:"max_usage"`
}

// Summarize computes usage aggregates for a scope.
func (t *Tracker) Summarize(f store.EdgeFilter) (*UsageSummary, error) {
	edges, err := t.Snapshot(f)
	if err != nil {
		return nil, err
	}
	concepts, err := t.db.ConceptCount(f)
	if err != nil {
		return nil, err
	}

	s := &UsageSummary{EdgeCount: len(edges), ConceptCount: concepts}
	for _, e := range edges {
		s.TotalWeight += e.Weight
		s.TotalUsage += e.UsageCount
		if e.UsageCount == 0 {
			s.UnusedEdges++
		}
		if e.UsageCount > s.MaxUsage {
			s.MaxUsage = e.UsageCount
		}
	}
	return s, nil
}

// History returns the recorded weight trajectory of one edge, newest first.
func (t *Tracker) History(sourceID, targetID string, limit int) ([]store.WeightHistoryEntry, error) {
	return t.db.WeightHistory(sourceID, targetID, limit)
}
