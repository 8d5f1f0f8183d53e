package pruner

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	"gonum.org/v1/gonum/floats"

	"github.com/sievemem/sieve/internal/graph"
	"github.com/sievemem/sieve/internal/store"
)

// Sentinel errors. A solver failure always means zero mutation.
var (
	ErrSolver    = errors.New("solver failed")
	ErrCancelled = errors.New("job cancelled")
)

// Solution is one accepted solve. Changes are applied as a single atomic
// batch, or not at all.
type Solution struct {
	Changes      []store.WeightChange
	EdgesPruned  int
	WeightPruned float64
	Iterations   int
	Before       graph.Metrics
	After        graph.Metrics
	FinalWeights map[string]float64 // warm start for the next solve
}

type candidate struct {
	edge   store.Edge
	weight float64 // shrunk weight
	pruned bool
}

func edgeKey(e store.Edge) string {
	return e.SourceID + "\x00" + e.TargetID
}

// solve minimizes ‖w‖₁·l1_strength subject to 0 ≤ w ≤ w_orig and the two
// quality floors. The shrinkage step has the closed soft-threshold form;
// the iterations repair constraint violations by restoring the most valuable
// pruned edges until the quality floor holds. Infeasibility fails closed.
//
// The per-edge threshold is damped by usage so heavily used edges resist
// shrinkage, which makes the repair loop converge from the right end.
func solve(edges []store.Edge, params Parameters, queries []graph.TestQuery,
	warm map[string]float64, cancelled *atomic.Bool, progress func(done, total int)) (*Solution, error) {

	universe := conceptUniverse(edges)
	before := graph.EvaluateAgainst(edges, queries, universe)

	// Hard quality floor for this solve.
	floor := params.RetentionTarget
	if relative := before.F1 - params.MaxQualityDrop; relative > floor {
		floor = relative
	}

	if params.MaxEdgesToPrune == 0 {
		// Explicit no-op: a successful solve that touches nothing.
		return &Solution{Before: before, After: before, FinalWeights: originalWeights(edges)}, nil
	}

	cands := make([]candidate, len(edges))
	for i, e := range edges {
		w := e.Weight
		if warm != nil {
			if prev, ok := warm[edgeKey(e)]; ok && prev < w {
				w = prev
			}
		}
		threshold := params.L1Strength / (1 + math.Log1p(float64(e.UsageCount)))
		w -= threshold
		if w < 0 {
			w = 0
		}
		cands[i] = candidate{edge: e, weight: w, pruned: w < params.MinEdgeWeight}
	}

	enforcePruneCap(cands, params.MaxEdgesToPrune)

	iterations := 0
	var after graph.Metrics
	for {
		if cancelled != nil && cancelled.Load() {
			return nil, ErrCancelled
		}
		after = graph.EvaluateAgainst(keptEdges(cands), queries, universe)
		if after.F1 >= floor-params.Tolerance {
			break
		}
		iterations++
		if iterations > params.MaxIterations {
			return nil, fmt.Errorf("%w: no convergence within %d iterations (f1 %.4f, floor %.4f)",
				ErrSolver, params.MaxIterations, after.F1, floor)
		}
		if !restoreBest(cands) {
			// Nothing left to give back: the floor is infeasible even on the
			// unpruned graph of this solve.
			return nil, fmt.Errorf("%w: retention target %.4f infeasible (f1 %.4f)",
				ErrSolver, floor, after.F1)
		}
		if progress != nil {
			progress(iterations, params.MaxIterations)
		}
	}

	sol := &Solution{
		Iterations:   iterations,
		Before:       before,
		After:        after,
		FinalWeights: make(map[string]float64, len(cands)),
	}
	prunedWeights := []float64{}
	for _, c := range cands {
		key := edgeKey(c.edge)
		if c.pruned {
			sol.Changes = append(sol.Changes, store.WeightChange{
				SourceID: c.edge.SourceID, TargetID: c.edge.TargetID, Delete: true,
			})
			sol.EdgesPruned++
			prunedWeights = append(prunedWeights, c.edge.Weight)
			sol.FinalWeights[key] = 0
			continue
		}
		sol.FinalWeights[key] = c.weight
		if c.weight != c.edge.Weight {
			sol.Changes = append(sol.Changes, store.WeightChange{
				SourceID: c.edge.SourceID, TargetID: c.edge.TargetID, NewWeight: c.weight,
			})
		}
	}
	sol.WeightPruned = floats.Sum(prunedWeights)
	return sol, nil
}

// enforcePruneCap keeps at most cap edges pruned, preferring to remove
// lowest-usage, lowest-weight edges, tie-broken by oldest last_used. Edges
// over the cap revert to their original weight.
func enforcePruneCap(cands []candidate, limit int) {
	if limit < 0 {
		return
	}
	pruned := make([]int, 0)
	for i, c := range cands {
		if c.pruned {
			pruned = append(pruned, i)
		}
	}
	if len(pruned) <= limit {
		return
	}
	sort.Slice(pruned, func(a, b int) bool {
		ea, eb := cands[pruned[a]].edge, cands[pruned[b]].edge
		if ea.UsageCount != eb.UsageCount {
			return ea.UsageCount < eb.UsageCount
		}
		if ea.Weight != eb.Weight {
			return ea.Weight < eb.Weight
		}
		return lastUsedMillis(ea) < lastUsedMillis(eb)
	})
	for _, i := range pruned[limit:] {
		cands[i].pruned = false
		cands[i].weight = cands[i].edge.Weight
	}
}

func lastUsedMillis(e store.Edge) int64 {
	if e.LastUsed == nil {
		return 0 // never used sorts oldest
	}
	return *e.LastUsed
}

// restoreBest un-prunes the most valuable pruned edge: highest usage, then
// highest weight, then most recently used. Returns false when nothing is
// pruned.
func restoreBest(cands []candidate) bool {
	best := -1
	for i, c := range cands {
		if !c.pruned {
			continue
		}
		if best == -1 || morevaluable(c.edge, cands[best].edge) {
			best = i
		}
	}
	if best == -1 {
		return false
	}
	cands[best].pruned = false
	cands[best].weight = cands[best].edge.Weight
	return true
}

func morevaluable(a, b store.Edge) bool {
	if a.UsageCount != b.UsageCount {
		return a.UsageCount > b.UsageCount
	}
	if a.Weight != b.Weight {
		return a.Weight > b.Weight
	}
	return lastUsedMillis(a) > lastUsedMillis(b)
}

func keptEdges(cands []candidate) []store.Edge {
	kept := make([]store.Edge, 0, len(cands))
	for _, c := range cands {
		if c.pruned {
			continue
		}
		e := c.edge
		e.Weight = c.weight
		kept = append(kept, e)
	}
	return kept
}

func conceptUniverse(edges []store.Edge) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range edges {
		if !seen[e.SourceID] {
			seen[e.SourceID] = true
			out = append(out, e.SourceID)
		}
		if !seen[e.TargetID] {
			seen[e.TargetID] = true
			out = append(out, e.TargetID)
		}
	}
	return out
}

func originalWeights(edges []store.Edge) map[string]float64 {
	m := make(map[string]float64, len(edges))
	for _, e := range edges {
		m[edgeKey(e)] = e.Weight
	}
	return m
}
