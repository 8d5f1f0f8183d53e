package vault

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/sievemem/sieve/internal/access"
	"github.com/sievemem/sieve/internal/phase"
	"github.com/sievemem/sieve/internal/store"
)

// AlignRequest selects episodes to pull toward their common mean phase.
// Empty EpisodeIDs means the whole segment (or vault when Segment is also
// empty).
type AlignRequest struct {
	EpisodeIDs         []string `json:"episode_ids,omitempty"`
	Segment            string   `json:"segment,omitempty"`
	TargetCoherence    float64  `json:"target_coherence,omitempty"`
	MaxPhaseCorrection float64  `json:"max_phase_correction"`
}

// AlignResult reports the alignment outcome.
type AlignResult struct {
	MeanPhase       float64 `json:"mean_phase"`
	CoherenceBefore float64 `json:"coherence_before"`
	CoherenceAfter  float64 `json:"coherence_after"`
	Corrected       int     `json:"corrected_count"`
	TargetReached   bool    `json:"target_reached"`
}

// PhaseAlign computes the circular mean of the selection and applies to each
// episode the minimal signed correction toward it, capped at
// MaxPhaseCorrection. Corrections persist through the normal write path so
// stored phases stay normalized.
func (v *Vault) PhaseAlign(req AlignRequest) (*AlignResult, error) {
	if req.MaxPhaseCorrection <= 0 {
		return nil, fmt.Errorf("%w: max_phase_correction must be positive", ErrValidation)
	}

	records, err := v.selectRecords(req.EpisodeIDs, req.Segment)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return &AlignResult{}, nil
	}

	phases := make([]float64, len(records))
	for i, r := range records {
		phases[i] = r.PrimaryPhase
	}
	mean, before := phase.CircularMean(phases)

	corrected := 0
	after := make([]float64, 0, len(records))
	for _, r := range records {
		delta := phase.SignedDelta(r.PrimaryPhase, mean)
		if delta > req.MaxPhaseCorrection {
			delta = req.MaxPhaseCorrection
		} else if delta < -req.MaxPhaseCorrection {
			delta = -req.MaxPhaseCorrection
		}
		next := phase.Normalize(r.PrimaryPhase + delta)
		if next != r.PrimaryPhase {
			if err := v.db.UpdateRecordPhase(r.VaultID, next, r.SecondaryPhases, r.Coherence, r.Stability, r.Amplitude); err != nil {
				return nil, fmt.Errorf("align %s: %w", r.VaultID, err)
			}
			corrected++
		}
		after = append(after, next)
	}
	_, coherenceAfter := phase.CircularMean(after)
	log.Printf("vault: phase align corrected %d/%d episodes, coherence %.3f -> %.3f",
		corrected, len(records), before, coherenceAfter)

	return &AlignResult{
		MeanPhase:       mean,
		CoherenceBefore: before,
		CoherenceAfter:  coherenceAfter,
		Corrected:       corrected,
		TargetReached:   req.TargetCoherence <= 0 || coherenceAfter >= req.TargetCoherence,
	}, nil
}

func (v *Vault) selectRecords(episodeIDs []string, segment string) ([]store.Record, error) {
	if len(episodeIDs) == 0 {
		records, err := v.db.ListRecords(store.RecordFilter{Segment: segment}, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("select records: %w", err)
		}
		return records, nil
	}
	var records []store.Record
	for _, id := range episodeIDs {
		r, err := v.lookup(id, true)
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, fmt.Errorf("episode %s: %w", id, ErrNotFound)
		}
		records = append(records, *r)
	}
	return records, nil
}

// SearchRequest finds episodes whose phase sits within tolerance of a target.
type SearchRequest struct {
	TargetPhase float64            `json:"target_phase"`
	Tolerance   float64            `json:"tolerance"`
	Segment     string             `json:"segment,omitempty"`
	Limit       int                `json:"limit,omitempty"`
	Credentials access.Credentials `json:"credentials"`
}

// SearchHit is one gated match.
type SearchHit struct {
	VaultID   string  `json:"vault_id"`
	EpisodeID string  `json:"episode_id"`
	Phase     float64 `json:"primary_phase"`
	Distance  float64 `json:"phase_distance"`
	Coherence float64 `json:"coherence_score"`
}

// SearchResult ranks hits by distance then coherence. Denied matches are
// counted, never listed.
type SearchResult struct {
	Hits   []SearchHit `json:"results"`
	Denied int         `json:"denied_count"`
}

// SearchByPhase matches with wrap-aware angular distance: a stored phase of
// 6.25 rad matches a target of 0.0 at tolerance 0.1.
func (v *Vault) SearchByPhase(req SearchRequest) (*SearchResult, error) {
	if req.Tolerance <= 0 {
		return nil, fmt.Errorf("%w: tolerance must be positive", ErrValidation)
	}
	target := phase.Normalize(req.TargetPhase)

	records, err := v.db.ListRecords(store.RecordFilter{Segment: req.Segment}, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("search by phase: %w", err)
	}

	now := time.Now().UnixMilli()
	result := &SearchResult{}
	for _, r := range records {
		d := phase.Distance(target, r.PrimaryPhase)
		if d > req.Tolerance {
			continue
		}
		var ctrl access.Control
		if err := json.Unmarshal([]byte(r.AccessControl), &ctrl); err != nil {
			return nil, fmt.Errorf("record %s: parse access control: %w", r.VaultID, err)
		}
		if dec := access.Evaluate(ctrl, req.Credentials, r.AccessCount, now); !dec.Allowed {
			result.Denied++
			continue
		}
		result.Hits = append(result.Hits, SearchHit{
			VaultID:   r.VaultID,
			EpisodeID: r.EpisodeID,
			Phase:     r.PrimaryPhase,
			Distance:  d,
			Coherence: r.Coherence,
		})
	}

	sort.Slice(result.Hits, func(i, j int) bool {
		if result.Hits[i].Distance != result.Hits[j].Distance {
			return result.Hits[i].Distance < result.Hits[j].Distance
		}
		return result.Hits[i].Coherence > result.Hits[j].Coherence
	})
	if req.Limit > 0 && len(result.Hits) > req.Limit {
		result.Hits = result.Hits[:req.Limit]
	}
	return result, nil
}
