package pruner

import (
	"fmt"
	"math"

	"github.com/sievemem/sieve/internal/graph"
	"github.com/sievemem/sieve/internal/store"
)

// PreviewResult estimates a prune without mutating anything.
type PreviewResult struct {
	EstimatedEdgesPruned  int           `json:"estimated_edges_pruned"`
	EstimatedWeightPruned float64       `json:"estimated_weight_pruned"`
	MemorySavingsBytes    int64         `json:"memory_savings_bytes"`
	Before                graph.Metrics `json:"before"`
	After                 graph.Metrics `json:"after"`
	Confidence            float64       `json:"confidence"`
}

// PreviewPruning runs the same solver read-only. The confidence estimate
// over-samples edges whose weight sits near min_edge_weight, since those are
// the ones most likely to flip decisions between runs.
func (p *Pruner) PreviewPruning(req Request) (*PreviewResult, error) {
	params := p.defaults()
	if req.Parameters != nil {
		params = req.Parameters.withDefaults(params)
	}

	edges, err := p.db.ListEdges(req.Filter.edgeFilter())
	if err != nil {
		return nil, fmt.Errorf("preview snapshot: %w", err)
	}

	sol, err := solve(edges, params, req.TestQueries, p.warmStart(req.Filter), nil, nil)
	if err != nil {
		return nil, err
	}

	// Persist the near-threshold flags so usage listings show which edges
	// this preview considered unstable.
	if _, err := p.db.MarkNearThreshold(params.MinEdgeWeight, params.MinEdgeWeight*0.25, req.Filter.edgeFilter()); err != nil {
		return nil, fmt.Errorf("mark near threshold: %w", err)
	}

	return &PreviewResult{
		EstimatedEdgesPruned:  sol.EdgesPruned,
		EstimatedWeightPruned: sol.WeightPruned,
		MemorySavingsBytes:    sol.Before.MemoryUsageBytes - sol.After.MemoryUsageBytes,
		Before:                sol.Before,
		After:                 sol.After,
		Confidence:            previewConfidence(edges, params),
	}, nil
}

// previewConfidence weighs every edge by 1, except near-threshold edges
// which count threshold_sampling_weight times. Confidence is the weighted
// share of edges whose decision is stable, that is, not near the threshold.
func previewConfidence(edges []store.Edge, params Parameters) float64 {
	if len(edges) == 0 {
		return 1
	}
	band := params.MinEdgeWeight * 0.25
	var total, unstable float64
	for _, e := range edges {
		// The shrunk weight, before the keep/prune decision.
		shrunk := e.Weight - params.L1Strength/(1+math.Log1p(float64(e.UsageCount)))
		if shrunk < 0 {
			shrunk = 0
		}
		if math.Abs(shrunk-params.MinEdgeWeight) <= band {
			total += params.ThresholdSamplingWeight
			unstable += params.ThresholdSamplingWeight
		} else {
			total++
		}
	}
	confidence := 1 - unstable/total
	if confidence < 0 {
		return 0
	}
	return confidence
}
