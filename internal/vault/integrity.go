package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"

	"github.com/sievemem/sieve/internal/phase"
	"github.com/sievemem/sieve/internal/store"
)

// Issue severities, mildest first.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

// Issue is one structured integrity finding. A finding is not an error.
type Issue struct {
	Type       string `json:"type"`
	Severity   string `json:"severity"`
	AffectedID string `json:"affected_id"`
	Detail     string `json:"detail,omitempty"`
	Fixed      bool   `json:"fixed"`
}

// IntegrityRequest scopes a check. Deep mode verifies payload checksums and
// cross-checks graph bounds; AutoFix repairs only non-destructive findings.
type IntegrityRequest struct {
	Deep          bool               `json:"deep,omitempty"`
	AutoFix       bool               `json:"auto_fix,omitempty"`
	Filter        store.RecordFilter `json:"-"`
	EncryptionKey string             `json:"-"`
}

// IntegrityResult carries the score and every finding.
type IntegrityResult struct {
	Score          float64 `json:"integrity_score"`
	RecordsChecked int     `json:"records_checked"`
	Issues         []Issue `json:"issues"`
}

// CheckIntegrity scans records (and in deep mode the edge graph) for
// structural problems. Auto-fix never changes a protection level and never
// deletes data: it renormalizes phases, corrects stale storage sizes and
// derives missing default signatures.
func (v *Vault) CheckIntegrity(req IntegrityRequest) (*IntegrityResult, error) {
	filter := req.Filter
	filter.IncludeExpired = true
	records, err := v.db.ListRecords(filter, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("integrity scan: %w", err)
	}

	result := &IntegrityResult{RecordsChecked: len(records)}
	for i := range records {
		v.checkRecord(&records[i], req, result)
	}
	if req.Deep {
		v.checkEdges(result)
	}

	result.Score = integrityScore(result.RecordsChecked, result.Issues)
	log.Printf("vault: integrity check scored %.3f over %d records (%d issues)",
		result.Score, result.RecordsChecked, len(result.Issues))
	return result, nil
}

func (v *Vault) checkRecord(r *store.Record, req IntegrityRequest, result *IntegrityResult) {
	if r.PrimaryPhase < 0 || r.PrimaryPhase >= phase.TwoPi {
		issue := Issue{
			Type:       "denormalized_phase",
			Severity:   SeverityWarning,
			AffectedID: r.VaultID,
			Detail:     fmt.Sprintf("primary_phase %.4f outside [0, 2π)", r.PrimaryPhase),
		}
		if req.AutoFix {
			fixed := phase.Normalize(r.PrimaryPhase)
			if err := v.db.UpdateRecordPhase(r.VaultID, fixed, r.SecondaryPhases, r.Coherence, r.Stability, r.Amplitude); err == nil {
				issue.Fixed = true
			}
		}
		result.Issues = append(result.Issues, issue)
	}

	if r.PrimaryPhase == 0 && r.Coherence == 0 && r.Stability == 0 && r.Amplitude == 0 {
		issue := Issue{
			Type:       "missing_phase_signature",
			Severity:   SeverityWarning,
			AffectedID: r.VaultID,
		}
		if req.AutoFix {
			sig := phase.DeriveDefault(r.EpisodeID)
			if err := v.db.UpdateRecordPhase(r.VaultID, sig.Primary, "", sig.Coherence, sig.Stability, sig.Amplitude); err == nil {
				issue.Fixed = true
			}
		}
		result.Issues = append(result.Issues, issue)
	}

	if r.StorageSize != int64(len(r.Payload)) {
		issue := Issue{
			Type:       "stale_storage_size",
			Severity:   SeverityInfo,
			AffectedID: r.VaultID,
			Detail:     fmt.Sprintf("recorded %d, actual %d", r.StorageSize, len(r.Payload)),
		}
		if req.AutoFix {
			if err := v.db.SetStorageSize(r.VaultID, int64(len(r.Payload))); err == nil {
				issue.Fixed = true
			}
		}
		result.Issues = append(result.Issues, issue)
	}

	if r.Encrypted && len(r.Nonce) == 0 {
		// Not fixable without the original plaintext.
		result.Issues = append(result.Issues, Issue{
			Type:       "missing_nonce",
			Severity:   SeverityCritical,
			AffectedID: r.VaultID,
		})
	}

	if _, err := parseControl(r.AccessControl); err != nil {
		result.Issues = append(result.Issues, Issue{
			Type:       "malformed_access_control",
			Severity:   SeverityError,
			AffectedID: r.VaultID,
			Detail:     err.Error(),
		})
	}

	if req.Deep {
		v.checkPayload(r, req, result)
	}
}

func (v *Vault) checkPayload(r *store.Record, req IntegrityRequest, result *IntegrityResult) {
	plain := r.Payload
	if r.Encrypted {
		if req.EncryptionKey == "" {
			return // cannot verify without the key; not a finding
		}
		var err error
		plain, err = Decrypt(DeriveKey(req.EncryptionKey), r.Payload, r.Nonce)
		if err != nil {
			result.Issues = append(result.Issues, Issue{
				Type:       "undecryptable_payload",
				Severity:   SeverityCritical,
				AffectedID: r.VaultID,
				Detail:     err.Error(),
			})
			return
		}
	}
	sum := sha256.Sum256(plain)
	if hex.EncodeToString(sum[:]) != r.PayloadSHA256 {
		result.Issues = append(result.Issues, Issue{
			Type:       "checksum_mismatch",
			Severity:   SeverityCritical,
			AffectedID: r.VaultID,
		})
	}
}

func (v *Vault) checkEdges(result *IntegrityResult) {
	edges, err := v.db.ListEdges(store.EdgeFilter{})
	if err != nil {
		result.Issues = append(result.Issues, Issue{
			Type:     "graph_unreadable",
			Severity: SeverityError,
			Detail:   err.Error(),
		})
		return
	}
	for _, e := range edges {
		if e.SourceID == e.TargetID {
			result.Issues = append(result.Issues, Issue{
				Type:       "self_edge",
				Severity:   SeverityWarning,
				AffectedID: e.SourceID,
			})
		}
		if e.Weight < 0 || e.Weight > 1 {
			result.Issues = append(result.Issues, Issue{
				Type:       "edge_weight_out_of_range",
				Severity:   SeverityError,
				AffectedID: e.SourceID + "->" + e.TargetID,
			})
		}
	}
}

// integrityScore maps findings to [0, 1]. Severity weights scale with the
// number of records so a single INFO on a large vault barely moves the score.
func integrityScore(checked int, issues []Issue) float64 {
	if checked == 0 && len(issues) == 0 {
		return 1.0
	}
	penalty := 0.0
	for _, issue := range issues {
		if issue.Fixed {
			continue
		}
		switch issue.Severity {
		case SeverityInfo:
			penalty += 0.1
		case SeverityWarning:
			penalty += 0.5
		case SeverityError:
			penalty += 1.0
		case SeverityCritical:
			penalty += 2.0
		}
	}
	n := float64(checked)
	if n < 1 {
		n = 1
	}
	score := 1.0 - penalty/n
	if score < 0 {
		return 0
	}
	return score
}
