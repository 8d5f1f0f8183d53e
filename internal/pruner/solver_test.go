package pruner

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sievemem/sieve/internal/graph"
	"github.com/sievemem/sieve/internal/store"
)

func edge(s, t string, w float64, usage int) store.Edge {
	return store.Edge{SourceID: s, TargetID: t, Weight: w, UsageCount: usage, Segment: "default"}
}

// A graph with two strong, used edges and two weak, unused ones.
func prunableEdges() []store.Edge {
	return []store.Edge{
		edge("a", "b", 0.9, 10),
		edge("a", "c", 0.8, 5),
		edge("b", "c", 0.05, 0),
		edge("c", "d", 0.06, 0),
	}
}

func loosened() Parameters {
	p := DefaultParameters()
	p.RetentionTarget = 0.1
	p.MaxQualityDrop = 0.5
	return p
}

func TestSolvePrunesWeakEdges(t *testing.T) {
	sol, err := solve(prunableEdges(), loosened(), nil, nil, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, sol.EdgesPruned)
	assert.InDelta(t, 0.11, sol.WeightPruned, 1e-9)
	assert.GreaterOrEqual(t, sol.After.F1, sol.Before.F1-0.5)

	deletes := 0
	for _, c := range sol.Changes {
		if c.Delete {
			deletes++
			assert.NotEqual(t, "a", c.SourceID, "strong edges must survive")
		}
	}
	assert.Equal(t, 2, deletes)
}

func TestSolveZeroCapIsNoOp(t *testing.T) {
	params := loosened()
	params.MaxEdgesToPrune = 0
	sol, err := solve(prunableEdges(), params, nil, nil, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, sol.EdgesPruned)
	assert.Empty(t, sol.Changes)
	assert.Equal(t, sol.Before, sol.After)
}

func TestSolveCapPrefersLowestUsage(t *testing.T) {
	edges := []store.Edge{
		edge("a", "b", 0.05, 3), // weak but used
		edge("c", "d", 0.05, 0), // weak and unused: pruned first
		edge("e", "f", 0.9, 1),
	}
	params := loosened()
	params.MaxEdgesToPrune = 1
	sol, err := solve(edges, params, nil, nil, nil, nil)
	require.NoError(t, err)

	require.Equal(t, 1, sol.EdgesPruned)
	var deleted store.WeightChange
	for _, c := range sol.Changes {
		if c.Delete {
			deleted = c
		}
	}
	assert.Equal(t, "c", deleted.SourceID)
	assert.Equal(t, "d", deleted.TargetID)
}

func TestSolveInfeasibleFailsClosed(t *testing.T) {
	edges := []store.Edge{
		edge("a", "b", 0.3, 0),
		edge("b", "c", 0.3, 0),
	}
	params := loosened()
	params.RetentionTarget = 0.99

	_, err := solve(edges, params, nil, nil, nil, nil)
	require.ErrorIs(t, err, ErrSolver)
}

func TestSolveRepairRestoresQuality(t *testing.T) {
	// Pruning c-d breaks the probe through d; a floor just under the
	// pre-prune quality forces the solver to give that edge back.
	edges := []store.Edge{
		edge("a", "b", 0.9, 10),
		edge("b", "c", 0.8, 5),
		edge("c", "d", 0.06, 2),
	}
	queries := []graph.TestQuery{
		{ConceptID: "d", Expected: []string{"c"}, K: 2},
		{ConceptID: "a", Expected: []string{"b"}, K: 1},
	}
	params := DefaultParameters()
	params.RetentionTarget = 0.1
	params.MaxQualityDrop = 0.02

	sol, err := solve(edges, params, queries, nil, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, sol.EdgesPruned, "repair should restore the disconnecting edge")
	assert.GreaterOrEqual(t, sol.After.F1, sol.Before.F1-params.MaxQualityDrop-params.Tolerance)
	assert.Greater(t, sol.Iterations, 0)
}

func TestSolveCancelled(t *testing.T) {
	flag := &atomic.Bool{}
	flag.Store(true)
	_, err := solve(prunableEdges(), loosened(), nil, nil, flag, nil)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestSolveWarmStartResumesShrinkage(t *testing.T) {
	edges := []store.Edge{edge("a", "b", 0.9, 0)}
	params := loosened()
	params.L1Strength = 0.02

	first, err := solve(edges, params, nil, nil, nil, nil)
	require.NoError(t, err)
	w1 := first.FinalWeights[edgeKey(edges[0])]
	assert.InDelta(t, 0.88, w1, 1e-9)

	second, err := solve(edges, params, nil, first.FinalWeights, nil, nil)
	require.NoError(t, err)
	w2 := second.FinalWeights[edgeKey(edges[0])]
	assert.Less(t, w2, w1, "warm start continues from the previous solution")
}

func TestScopesConflict(t *testing.T) {
	whole := Filter{}
	segA := Filter{Segment: "alpha"}
	segB := Filter{Segment: "beta"}
	conceptsA := Filter{Segment: "alpha", Concepts: []string{"x", "y"}}
	conceptsB := Filter{Segment: "alpha", Concepts: []string{"z"}}
	conceptsC := Filter{Concepts: []string{"y"}}

	assert.True(t, scopesConflict(whole, segA))
	assert.True(t, scopesConflict(segA, conceptsA))
	assert.False(t, scopesConflict(segA, segB))
	assert.False(t, scopesConflict(conceptsA, conceptsB))
	assert.True(t, scopesConflict(conceptsA, conceptsC))
	assert.False(t, scopesConflict(segB, conceptsA))
}
