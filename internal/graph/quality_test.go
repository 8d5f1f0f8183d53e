package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sievemem/sieve/internal/store"
)

func edge(s, t string, w float64, usage int) store.Edge {
	return store.Edge{SourceID: s, TargetID: t, Weight: w, UsageCount: usage, Segment: "default"}
}

func TestEvaluateEmptyGraph(t *testing.T) {
	m := Evaluate(nil, nil)
	assert.Zero(t, m.EdgeCount)
	assert.Equal(t, 1.0, m.EdgeSparsity)
	assert.Equal(t, 1.0, m.Recall)
}

func TestEvaluateStructuralMetrics(t *testing.T) {
	edges := []store.Edge{
		edge("a", "b", 0.8, 5),
		edge("b", "c", 0.6, 3),
		edge("c", "d", 0.4, 1),
	}
	m := Evaluate(edges, nil)

	assert.Equal(t, 3, m.EdgeCount)
	assert.InDelta(t, 1.5, m.AvgEdgesPerConcept, 1e-9) // 2*3/4
	assert.InDelta(t, 1-3.0/12.0, m.EdgeSparsity, 1e-9)
	assert.Greater(t, m.MemoryUsageBytes, int64(0))
	// Connectivity proxy: all four concepts connected.
	assert.Equal(t, 1.0, m.Recall)
	assert.InDelta(t, 0.6, m.Precision, 1e-9)
}

func TestEvaluateWithQueries(t *testing.T) {
	edges := []store.Edge{
		edge("a", "b", 0.9, 10),
		edge("a", "c", 0.7, 4),
		edge("a", "d", 0.1, 0),
	}
	queries := []TestQuery{
		{ConceptID: "a", Expected: []string{"b", "c"}, K: 2},
	}
	m := Evaluate(edges, queries)

	// Top-2 by weight from a: b and c. Perfect recall and precision.
	assert.Equal(t, 1.0, m.Recall)
	assert.Equal(t, 1.0, m.Precision)
	assert.Equal(t, 1.0, m.F1)
	assert.GreaterOrEqual(t, m.AvgRetrievalLatencyMs, 0.0)
}

func TestEvaluateQueryMisses(t *testing.T) {
	edges := []store.Edge{
		edge("a", "b", 0.9, 10),
		edge("a", "c", 0.7, 4),
	}
	queries := []TestQuery{
		{ConceptID: "a", Expected: []string{"b", "x"}, K: 2},
	}
	m := Evaluate(edges, queries)

	assert.InDelta(t, 0.5, m.Recall, 1e-9)    // b found, x absent
	assert.InDelta(t, 0.5, m.Precision, 1e-9) // b of {b, c}
}

func TestEvaluateAgainstUniverse(t *testing.T) {
	full := []store.Edge{
		edge("a", "b", 0.8, 5),
		edge("c", "d", 0.2, 0),
	}
	universe := []string{"a", "b", "c", "d"}

	before := EvaluateAgainst(full, nil, universe)
	assert.Equal(t, 1.0, before.Recall)

	// Pruning the c-d edge disconnects two concepts.
	pruned := full[:1]
	after := EvaluateAgainst(pruned, nil, universe)
	assert.InDelta(t, 0.5, after.Recall, 1e-9)
	assert.Less(t, after.F1, before.F1+1e-9)
}

func TestTrackerSummarize(t *testing.T) {
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tracker := NewTracker(db)
	require.NoError(t, db.UpsertEdge(edge("a", "b", 0.8, 0)))
	require.NoError(t, db.UpsertEdge(edge("b", "c", 0.5, 0)))
	require.NoError(t, tracker.RecordUse("a", "b"))
	require.NoError(t, tracker.RecordUse("a", "b"))

	s, err := tracker.Summarize(store.EdgeFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, s.EdgeCount)
	assert.Equal(t, 3, s.ConceptCount)
	assert.InDelta(t, 1.3, s.TotalWeight, 1e-9)
	assert.Equal(t, 2, s.TotalUsage)
	assert.Equal(t, 1, s.UnusedEdges)
	assert.Equal(t, 2, s.MaxUsage)

	hist, err := tracker.History("a", "b", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	assert.Equal(t, 0.8, hist[0].Weight)
}
