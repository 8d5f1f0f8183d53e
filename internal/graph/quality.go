package graph

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/sievemem/sieve/internal/store"
)

// Metrics is the retrieval quality of one graph snapshot.
type Metrics struct {
	Recall                float64 `json:"recall"`
	Precision             float64 `json:"precision"`
	F1                    float64 `json:"f1"`
	AvgRetrievalLatencyMs float64 `json:"avg_retrieval_latency_ms"`
	MemoryUsageBytes      int64   `json:"memory_usage_bytes"`
	EdgeCount             int     `json:"edge_count"`
	AvgEdgesPerConcept    float64 `json:"avg_edges_per_concept"`
	EdgeSparsity          float64 `json:"edge_sparsity"`
}

// TestQuery is one held-out retrieval probe: starting at ConceptID, the top-K
// neighbors by weight should contain Expected.
type TestQuery struct {
	ConceptID string   `json:"concept_id"`
	Expected  []string `json:"expected"`
	K         int      `json:"k,omitempty"`
}

// perEdgeBytes approximates the in-memory cost of one edge (two ids, weight,
// counters).
const perEdgeBytes = 96

// Evaluate scores a snapshot. With test queries it measures top-K retrieval
// recall/precision/F1; without, it falls back to a connectivity proxy so the
// solver constraint stays meaningful on graphs that have no probe set yet.
func Evaluate(edges []store.Edge, queries []TestQuery) Metrics {
	return EvaluateAgainst(edges, queries, nil)
}

// EvaluateAgainst scores edges against a fixed concept universe. The solver
// uses this to score pruning candidates: a concept disconnected by pruning
// counts against recall even though it no longer appears in any edge.
func EvaluateAgainst(edges []store.Edge, queries []TestQuery, universe []string) Metrics {
	m := Metrics{EdgeCount: len(edges)}

	adj := make(map[string][]store.Edge)
	concepts := make(map[string]bool)
	var memory int64
	for _, e := range edges {
		adj[e.SourceID] = append(adj[e.SourceID], e)
		adj[e.TargetID] = append(adj[e.TargetID], e)
		concepts[e.SourceID] = true
		concepts[e.TargetID] = true
		memory += perEdgeBytes + int64(len(e.SourceID)+len(e.TargetID))
	}
	m.MemoryUsageBytes = memory

	for _, id := range universe {
		concepts[id] = true
	}
	c := len(concepts)
	if c > 0 {
		m.AvgEdgesPerConcept = 2 * float64(len(edges)) / float64(c)
	}
	if c > 1 {
		m.EdgeSparsity = 1 - float64(len(edges))/float64(c*(c-1))
		if m.EdgeSparsity < 0 {
			m.EdgeSparsity = 0
		}
	} else {
		m.EdgeSparsity = 1
	}

	if len(queries) > 0 {
		m.Recall, m.Precision, m.AvgRetrievalLatencyMs = runQueries(adj, queries)
	} else {
		m.Recall, m.Precision = connectivityProxy(edges, adj, c)
	}
	if m.Recall+m.Precision > 0 {
		m.F1 = 2 * m.Recall * m.Precision / (m.Recall + m.Precision)
	}
	return m
}

// runQueries retrieves top-K neighbors by weight for each probe and averages
// recall and precision over the probe set.
func runQueries(adj map[string][]store.Edge, queries []TestQuery) (recall, precision, latencyMs float64) {
	var recallSum, precisionSum float64
	start := time.Now()
	for _, q := range queries {
		k := q.K
		if k <= 0 {
			k = 10
		}
		retrieved := neighbors(adj, q.ConceptID, k)

		expected := make(map[string]bool, len(q.Expected))
		for _, id := range q.Expected {
			expected[id] = true
		}
		hits := 0
		for _, id := range retrieved {
			if expected[id] {
				hits++
			}
		}
		if len(q.Expected) > 0 {
			recallSum += float64(hits) / float64(len(q.Expected))
		}
		if len(retrieved) > 0 {
			precisionSum += float64(hits) / float64(len(retrieved))
		}
	}
	elapsed := time.Since(start)
	n := float64(len(queries))
	return recallSum / n, precisionSum / n, float64(elapsed.Microseconds()) / 1000.0 / n
}

// neighbors returns the other endpoints of a concept's k strongest edges.
func neighbors(adj map[string][]store.Edge, conceptID string, k int) []string {
	edges := append([]store.Edge(nil), adj[conceptID]...)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Weight != edges[j].Weight {
			return edges[i].Weight > edges[j].Weight
		}
		// Stable order for equal weights.
		if edges[i].SourceID != edges[j].SourceID {
			return edges[i].SourceID < edges[j].SourceID
		}
		return edges[i].TargetID < edges[j].TargetID
	})
	if len(edges) > k {
		edges = edges[:k]
	}
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		other := e.TargetID
		if other == conceptID {
			other = e.SourceID
		}
		out = append(out, other)
	}
	return out
}

// connectivityProxy scores a graph with no probe set: recall tracks how many
// concepts remain connected, precision the mean retained weight.
func connectivityProxy(edges []store.Edge, adj map[string][]store.Edge, conceptCount int) (recall, precision float64) {
	if conceptCount == 0 {
		return 1, 1
	}
	connected := 0
	for _, es := range adj {
		if len(es) > 0 {
			connected++
		}
	}
	recall = float64(connected) / float64(conceptCount)

	if len(edges) > 0 {
		weights := make([]float64, len(edges))
		for i, e := range edges {
			weights[i] = e.Weight
		}
		precision = floats.Sum(weights) / float64(len(edges))
	}
	return recall, precision
}
