package pruner

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/sievemem/sieve/internal/store"
)

// Parameters tune one pruning solve.
type Parameters struct {
	// L1Strength scales the soft-threshold shrinkage applied to every
	// weight. Higher values prune more aggressively.
	L1Strength float64 `json:"l1_strength"`

	// RetentionTarget is the absolute quality floor: the pruned graph's F1
	// must stay at or above it.
	RetentionTarget float64 `json:"retention_target"`

	// MaxQualityDrop bounds the relative loss against the pre-prune F1.
	MaxQualityDrop float64 `json:"max_quality_drop"`

	// MinEdgeWeight: edges whose shrunk weight falls below this are removed.
	MinEdgeWeight float64 `json:"min_edge_weight"`

	// MaxEdgesToPrune caps removals. 0 prunes nothing (a successful no-op);
	// negative means unbounded.
	MaxEdgesToPrune int `json:"max_edges_to_prune"`

	// Tolerance is the numeric slack on the quality constraints.
	Tolerance float64 `json:"tolerance"`

	// MaxIterations caps the repair loop.
	MaxIterations int `json:"max_iterations"`

	// ThresholdSamplingWeight over-samples near-threshold edges when the
	// preview estimates its confidence.
	ThresholdSamplingWeight float64 `json:"threshold_sampling_weight"`
}

// DefaultParameters returns the stock tuning.
func DefaultParameters() Parameters {
	return Parameters{
		L1Strength:              0.05,
		RetentionTarget:         0.5,
		MaxQualityDrop:          0.1,
		MinEdgeWeight:           0.1,
		MaxEdgesToPrune:         -1,
		Tolerance:               1e-4,
		MaxIterations:           100,
		ThresholdSamplingWeight: 3.0,
	}
}

// withDefaults fills zero values from the defaults. MaxEdgesToPrune is left
// alone: zero is a meaningful request.
func (p Parameters) withDefaults(d Parameters) Parameters {
	if p.L1Strength == 0 {
		p.L1Strength = d.L1Strength
	}
	if p.RetentionTarget == 0 {
		p.RetentionTarget = d.RetentionTarget
	}
	if p.MaxQualityDrop == 0 {
		p.MaxQualityDrop = d.MaxQualityDrop
	}
	if p.MinEdgeWeight == 0 {
		p.MinEdgeWeight = d.MinEdgeWeight
	}
	if p.Tolerance == 0 {
		p.Tolerance = d.Tolerance
	}
	if p.MaxIterations == 0 {
		p.MaxIterations = d.MaxIterations
	}
	if p.ThresholdSamplingWeight == 0 {
		p.ThresholdSamplingWeight = d.ThresholdSamplingWeight
	}
	return p
}

// Filter scopes a pruning job to a segment and/or a concept set.
type Filter struct {
	Segment  string   `json:"segment,omitempty"`
	Concepts []string `json:"concepts,omitempty"`
}

func (f Filter) edgeFilter() store.EdgeFilter {
	return store.EdgeFilter{Segment: f.Segment, Concepts: f.Concepts}
}

// scopeKey names the maintenance-lock lease for this filter. The empty key
// is the whole graph and conflicts with every other scope.
func (f Filter) scopeKey() string {
	if f.Segment == "" && len(f.Concepts) == 0 {
		return ""
	}
	if len(f.Concepts) == 0 {
		return "segment:" + f.Segment
	}
	concepts := append([]string(nil), f.Concepts...)
	sort.Strings(concepts)
	sum := sha256.Sum256([]byte(f.Segment + "|" + strings.Join(concepts, ",")))
	return "filter:" + hex.EncodeToString(sum[:8])
}
