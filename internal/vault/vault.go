package vault

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sievemem/sieve/internal/access"
	"github.com/sievemem/sieve/internal/phase"
	"github.com/sievemem/sieve/internal/store"
)

// Vault is the authoritative episodic store. Every gated operation runs the
// access guard before touching payload bytes.
type Vault struct {
	db *store.DB
}

// New wraps a store handle.
func New(db *store.DB) *Vault {
	return &Vault{db: db}
}

// DB exposes the underlying store for the pruner and the server.
func (v *Vault) DB() *store.DB {
	return v.db
}

// PutRequest stores one episode.
type PutRequest struct {
	EpisodeID              string            `json:"episode_id"`
	Payload                []byte            `json:"payload"`
	Protection             string            `json:"protection_level"`
	Access                 access.Control    `json:"access_control"`
	Phase                  *phase.Signature  `json:"phase_signature,omitempty"`
	Segment                string            `json:"vault_segment,omitempty"`
	EncryptionKey          string            `json:"-"`
	TTLHours               int               `json:"ttl_hours,omitempty"`
	ImmediateConsolidation bool              `json:"immediate_consolidation,omitempty"`
}

// PhaseAlignment reports how a new episode's phase sits against its segment.
type PhaseAlignment struct {
	Success         bool    `json:"success"`
	AlignmentScore  float64 `json:"alignment_score"`
	PhaseCorrection float64 `json:"phase_correction"`
	FinalCoherence  float64 `json:"final_coherence"`
}

// StorageMetrics describes the cost of one put.
type StorageMetrics struct {
	StorageTimeMs           float64 `json:"storage_time_ms"`
	CompressionRatio        float64 `json:"compression_ratio"`
	EncryptionOverheadBytes int     `json:"encryption_overhead_bytes"`
	EfficiencyScore         float64 `json:"efficiency_score"`
}

// PutResult is the outcome of an accepted put.
type PutResult struct {
	VaultID   string         `json:"vault_id"`
	EpisodeID string         `json:"episode_id"`
	Alignment PhaseAlignment `json:"phase_alignment"`
	Metrics   StorageMetrics `json:"storage_metrics"`
}

// PutEpisode validates, phase-stamps, optionally encrypts and stores an
// episode. The record and its audit entry commit in one transaction; any
// failure rolls the whole record back.
func (v *Vault) PutEpisode(req PutRequest) (*PutResult, error) {
	start := time.Now()

	if len(req.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrValidation)
	}
	if !store.ValidProtection(req.Protection) {
		return nil, fmt.Errorf("%w: unknown protection level %q", ErrValidation, req.Protection)
	}
	if req.Protection == store.ProtectionEncrypted && req.EncryptionKey == "" {
		return nil, fmt.Errorf("%w: ENCRYPTED level requires an encryption key", ErrValidation)
	}
	if req.Access.OwnerID == "" {
		return nil, fmt.Errorf("%w: access control needs an owner", ErrValidation)
	}

	episodeID := req.EpisodeID
	if episodeID == "" {
		episodeID = uuid.NewString()
	}
	segment := req.Segment
	if segment == "" {
		segment = "default"
	}

	sig := req.Phase
	if sig == nil {
		derived := phase.DeriveDefault(episodeID)
		sig = &derived
	}
	sig.Canonicalize()
	if err := sig.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	plainSum := sha256.Sum256(req.Payload)
	stored := req.Payload
	var nonce []byte
	encrypted := false
	if req.Protection == store.ProtectionEncrypted {
		key := DeriveKey(req.EncryptionKey)
		var err error
		stored, nonce, err = Encrypt(key, req.Payload)
		if err != nil {
			return nil, fmt.Errorf("encrypt episode: %w", err)
		}
		encrypted = true
	}

	ctrl, err := json.Marshal(req.Access)
	if err != nil {
		return nil, fmt.Errorf("marshal access control: %w", err)
	}

	r := &store.Record{
		VaultID:       uuid.NewString(),
		EpisodeID:     episodeID,
		OwnerID:       req.Access.OwnerID,
		Payload:       stored,
		PayloadSHA256: hex.EncodeToString(plainSum[:]),
		Protection:    req.Protection,
		Segment:       segment,
		AccessControl: string(ctrl),
		PrimaryPhase:  sig.Primary,
		Coherence:     sig.Coherence,
		Stability:     sig.Stability,
		Amplitude:     sig.Amplitude,
		PhaseAt:       sig.Timestamp,
		Encrypted:     encrypted,
		Nonce:         nonce,
		StorageSize:   int64(len(stored)),
	}
	if len(sig.Secondary) > 0 {
		b, _ := json.Marshal(sig.Secondary)
		r.SecondaryPhases = string(b)
	}
	if len(sig.Frequencies) > 0 {
		b, _ := json.Marshal(sig.Frequencies)
		r.Frequencies = string(b)
	}
	if req.TTLHours > 0 {
		exp := time.Now().Add(time.Duration(req.TTLHours) * time.Hour).UnixMilli()
		r.ExpiresAt = &exp
	}
	if req.ImmediateConsolidation {
		// Scheduling hint for the external consolidation scheduler; the write
		// path itself stays synchronous and cheap.
		r.ConsolidationStatus = "requested"
	}

	alignment := v.segmentAlignment(segment, sig.Primary, sig.Coherence)

	entry := &store.AuditEntry{
		VaultID:  r.VaultID,
		Actor:    req.Access.OwnerID,
		Action:   "put_episode",
		Decision: "ALLOW",
		Detail:   fmt.Sprintf("protection=%s segment=%s", req.Protection, segment),
	}
	if err := v.db.PutRecord(r, entry); err != nil {
		return nil, fmt.Errorf("store episode: %w", err)
	}
	log.Printf("vault: stored episode %s as %s (%s, %d bytes)", episodeID, r.VaultID, req.Protection, len(stored))

	overhead := len(stored) - len(req.Payload)
	if overhead < 0 {
		overhead = 0
	}
	metrics := StorageMetrics{
		StorageTimeMs:           float64(time.Since(start).Microseconds()) / 1000.0,
		CompressionRatio:        float64(len(stored)) / float64(len(req.Payload)),
		EncryptionOverheadBytes: overhead,
		EfficiencyScore:         efficiencyScore(len(req.Payload), len(stored), sig.Coherence),
	}
	return &PutResult{
		VaultID:   r.VaultID,
		EpisodeID: episodeID,
		Alignment: alignment,
		Metrics:   metrics,
	}, nil
}

// segmentAlignment compares a new phase with the circular mean of the phases
// already stored in its segment.
func (v *Vault) segmentAlignment(segment string, primary, coherence float64) PhaseAlignment {
	records, err := v.db.ListRecords(store.RecordFilter{Segment: segment}, 0, 0)
	if err != nil || len(records) == 0 {
		return PhaseAlignment{Success: true, AlignmentScore: 1.0, FinalCoherence: coherence}
	}
	phases := make([]float64, 0, len(records)+1)
	for _, r := range records {
		phases = append(phases, r.PrimaryPhase)
	}
	mean, _ := phase.CircularMean(phases)
	phases = append(phases, primary)
	_, after := phase.CircularMean(phases)
	correction := phase.SignedDelta(primary, mean)
	return PhaseAlignment{
		Success:         true,
		AlignmentScore:  1.0 - phase.Distance(primary, mean)/math.Pi,
		PhaseCorrection: correction,
		FinalCoherence:  after,
	}
}

func efficiencyScore(plain, stored int, coherence float64) float64 {
	if stored == 0 {
		return 0
	}
	ratio := float64(plain) / float64(stored)
	if ratio > 1 {
		ratio = 1
	}
	score := 0.7*ratio + 0.3*coherence
	if score > 1 {
		score = 1
	}
	return score
}

// Get outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeDenied   = "denied"
	OutcomeNotFound = "not_found"
)

// GetRequest retrieves one episode.
type GetRequest struct {
	ID               string             `json:"id"`
	ByEpisodeID      bool               `json:"by_episode_id,omitempty"`
	Credentials      access.Credentials `json:"credentials"`
	UpdateAccessTime bool               `json:"update_access_time,omitempty"`
	ExpectedPhase    *float64           `json:"expected_phase,omitempty"`
	PhaseTolerance   float64            `json:"phase_tolerance,omitempty"`
	EncryptionKey    string             `json:"-"`
}

// DriftResult verifies a stored phase against the caller's expectation.
type DriftResult struct {
	Expected        float64 `json:"expected"`
	Stored          float64 `json:"stored"`
	Distance        float64 `json:"distance"`
	WithinTolerance bool    `json:"within_tolerance"`
}

// GetResult is a typed outcome. Payload is only populated on OutcomeOK; a
// denial carries the reason code and nothing else.
type GetResult struct {
	Outcome    string            `json:"outcome"`
	DenyReason string            `json:"deny_reason,omitempty"`
	VaultID    string            `json:"vault_id,omitempty"`
	EpisodeID  string            `json:"episode_id,omitempty"`
	OwnerID    string            `json:"owner_id,omitempty"`
	Protection string            `json:"protection_level,omitempty"`
	Segment    string            `json:"segment,omitempty"`
	Payload    []byte            `json:"payload,omitempty"`
	Phase      *phase.Signature  `json:"phase_signature,omitempty"`
	StoredAt   int64             `json:"stored_at,omitempty"`
	Drift      *DriftResult      `json:"phase_drift,omitempty"`
}

// GetEpisode runs the guard before anything else. Expired records behave as
// absent. A denial never includes payload bytes.
func (v *Vault) GetEpisode(req GetRequest) (*GetResult, error) {
	r, err := v.lookup(req.ID, req.ByEpisodeID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return &GetResult{Outcome: OutcomeNotFound}, nil
	}

	ctrl, err := parseControl(r.AccessControl)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", r.VaultID, err)
	}
	now := time.Now().UnixMilli()
	decision := access.Evaluate(ctrl, req.Credentials, r.AccessCount, now)
	v.auditDecision(r.VaultID, req.Credentials.UserID, "get_episode", decision, ctrl)
	if !decision.Allowed {
		return &GetResult{Outcome: OutcomeDenied, DenyReason: decision.Reason}, nil
	}

	payload := r.Payload
	if r.Encrypted {
		if req.EncryptionKey == "" {
			return nil, fmt.Errorf("%w: record is encrypted and no key was supplied", ErrValidation)
		}
		payload, err = Decrypt(DeriveKey(req.EncryptionKey), r.Payload, r.Nonce)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", r.VaultID, err)
		}
	}

	if req.UpdateAccessTime {
		if err := v.db.TouchRecord(r.VaultID); err != nil {
			return nil, fmt.Errorf("touch %s: %w", r.VaultID, err)
		}
	}

	result := &GetResult{
		Outcome:    OutcomeOK,
		VaultID:    r.VaultID,
		EpisodeID:  r.EpisodeID,
		OwnerID:    r.OwnerID,
		Protection: r.Protection,
		Segment:    r.Segment,
		Payload:    payload,
		Phase:      recordSignature(r),
		StoredAt:   r.StoredAt,
	}
	if req.ExpectedPhase != nil {
		tol := req.PhaseTolerance
		if tol <= 0 {
			tol = 0.1
		}
		d := phase.Distance(*req.ExpectedPhase, r.PrimaryPhase)
		result.Drift = &DriftResult{
			Expected:        phase.Normalize(*req.ExpectedPhase),
			Stored:          r.PrimaryPhase,
			Distance:        d,
			WithinTolerance: d <= tol,
		}
	}
	return result, nil
}

func (v *Vault) lookup(id string, byEpisodeID bool) (*store.Record, error) {
	var r *store.Record
	var err error
	if byEpisodeID {
		r, err = v.db.GetRecordByEpisodeID(id)
	} else {
		r, err = v.db.GetRecordByVaultID(id)
	}
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, nil
	}
	if r.ExpiresAt != nil && time.Now().UnixMilli() >= *r.ExpiresAt {
		return nil, nil // lapsed TTL reads as absent
	}
	return r, nil
}

func (v *Vault) auditDecision(vaultID, actor, action string, d access.Decision, ctrl access.Control) {
	if !ctrl.AuditTrailEnabled && d.Allowed {
		return
	}
	decision := "ALLOW"
	if !d.Allowed {
		decision = "DENY"
	}
	entry := &store.AuditEntry{
		VaultID:  vaultID,
		Actor:    actor,
		Action:   action,
		Decision: decision,
		Reason:   d.Reason,
	}
	if err := v.db.AppendAudit(entry); err != nil {
		log.Printf("vault: audit append failed for %s: %v", vaultID, err)
	}
}

// ListRequest pages through episodes. Filters AND together.
type ListRequest struct {
	Protections []string           `json:"protection_levels,omitempty"`
	Segment     string             `json:"segment,omitempty"`
	Since       int64              `json:"since,omitempty"`
	Until       int64              `json:"until,omitempty"`
	PhaseMin    *float64           `json:"phase_min,omitempty"`
	PhaseMax    *float64           `json:"phase_max,omitempty"`
	PageSize    int                `json:"page_size,omitempty"`
	PageToken   string             `json:"page_token,omitempty"`
	Credentials access.Credentials `json:"credentials"`
}

// ListItem is episode metadata; list never returns payloads.
type ListItem struct {
	VaultID    string  `json:"vault_id"`
	EpisodeID  string  `json:"episode_id"`
	OwnerID    string  `json:"owner_id"`
	Protection string  `json:"protection_level"`
	Segment    string  `json:"segment"`
	Phase      float64 `json:"primary_phase"`
	Coherence  float64 `json:"coherence"`
	StoredAt   int64   `json:"stored_at"`
}

// ListResult is one page plus an opaque continuation token.
type ListResult struct {
	Items         []ListItem `json:"items"`
	NextPageToken string     `json:"next_page_token,omitempty"`
	Denied        int        `json:"denied_count"`
}

// ListEpisodes returns the page of records the caller may see. Protected
// records surface only when their level is requested and the guard allows.
func (v *Vault) ListEpisodes(req ListRequest) (*ListResult, error) {
	for _, p := range req.Protections {
		if !store.ValidProtection(p) {
			return nil, fmt.Errorf("%w: unknown protection level %q", ErrValidation, p)
		}
	}
	if req.PhaseMin != nil && req.PhaseMax == nil || req.PhaseMin == nil && req.PhaseMax != nil {
		return nil, fmt.Errorf("%w: phase range needs both bounds", ErrValidation)
	}

	offset, err := decodePageToken(req.PageToken)
	if err != nil {
		return nil, err
	}
	size := req.PageSize
	if size <= 0 || size > 500 {
		size = 50
	}

	protections := req.Protections
	if len(protections) == 0 {
		// Protected levels must be asked for explicitly.
		protections = []string{store.ProtectionUnprotected}
	}
	filter := store.RecordFilter{
		Protections: protections,
		Segment:     req.Segment,
		OwnerID:     "",
		Since:       req.Since,
		Until:       req.Until,
		PhaseMin:    req.PhaseMin,
		PhaseMax:    req.PhaseMax,
	}

	// Over-fetch one row to know whether another page exists.
	records, err := v.db.ListRecords(filter, size+1, offset)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	more := len(records) > size
	if more {
		records = records[:size]
	}

	now := time.Now().UnixMilli()
	result := &ListResult{}
	for _, r := range records {
		ctrl, err := parseControl(r.AccessControl)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", r.VaultID, err)
		}
		if d := access.Evaluate(ctrl, req.Credentials, r.AccessCount, now); !d.Allowed {
			result.Denied++
			continue
		}
		result.Items = append(result.Items, ListItem{
			VaultID:    r.VaultID,
			EpisodeID:  r.EpisodeID,
			OwnerID:    r.OwnerID,
			Protection: r.Protection,
			Segment:    r.Segment,
			Phase:      r.PrimaryPhase,
			Coherence:  r.Coherence,
			StoredAt:   r.StoredAt,
		})
	}
	if more {
		result.NextPageToken = encodePageToken(offset + size)
	}
	return result, nil
}

// ProtectionChange is the outcome of an UpdateProtection call.
type ProtectionChange struct {
	VaultID      string `json:"vault_id"`
	OldLevel     string `json:"old_level"`
	NewLevel     string `json:"new_level"`
	AuditEntryID string `json:"audit_entry_id"`
}

// UpdateProtection moves a record to a new protection level. Downgrading
// from DEEP_VAULT or SYSTEM_PROTECTED requires the admin role. The change is
// audited unconditionally, including the caller's stated reason.
func (v *Vault) UpdateProtection(vaultID, newLevel string, creds access.Credentials, reason string) (*ProtectionChange, error) {
	if !store.ValidProtection(newLevel) {
		return nil, fmt.Errorf("%w: unknown protection level %q", ErrValidation, newLevel)
	}
	r, err := v.lookup(vaultID, false)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("record %s: %w", vaultID, ErrNotFound)
	}

	ctrl, err := parseControl(r.AccessControl)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", vaultID, err)
	}
	now := time.Now().UnixMilli()
	decision := access.Evaluate(ctrl, creds, r.AccessCount, now)
	if decision.Allowed && store.ElevatedProtection(r.Protection) && !store.ElevatedProtection(newLevel) {
		if !creds.HasRole(access.RoleAdmin) {
			decision = access.Decision{Allowed: false, Reason: access.ReasonUnauthorized}
		}
	}

	entry := &store.AuditEntry{
		VaultID:  vaultID,
		Actor:    creds.UserID,
		Action:   "update_protection",
		Decision: "ALLOW",
		Reason:   decision.Reason,
		Detail:   fmt.Sprintf("%s -> %s: %s", r.Protection, newLevel, reason),
	}
	if !decision.Allowed {
		entry.Decision = "DENY"
		if err := v.db.AppendAudit(entry); err != nil {
			return nil, fmt.Errorf("audit denial: %w", err)
		}
		return nil, fmt.Errorf("update protection on %s: denied (%s)", vaultID, decision.Reason)
	}

	if err := v.db.UpdateRecordProtection(vaultID, newLevel, entry); err != nil {
		return nil, fmt.Errorf("update protection: %w", err)
	}
	log.Printf("vault: protection on %s changed %s -> %s by %s", vaultID, r.Protection, newLevel, creds.UserID)
	return &ProtectionChange{
		VaultID:      vaultID,
		OldLevel:     r.Protection,
		NewLevel:     newLevel,
		AuditEntryID: entry.EntryID,
	}, nil
}

// AcknowledgeConsolidation records the external scheduler's outcome for an
// episode whose put requested immediate consolidation.
func (v *Vault) AcknowledgeConsolidation(vaultID, status string) error {
	if status == "" {
		return fmt.Errorf("%w: consolidation status is required", ErrValidation)
	}
	r, err := v.lookup(vaultID, false)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("record %s: %w", vaultID, ErrNotFound)
	}
	if err := v.db.SetConsolidationStatus(vaultID, status); err != nil {
		return fmt.Errorf("consolidation status: %w", err)
	}
	log.Printf("vault: consolidation on %s acknowledged as %s", vaultID, status)
	return nil
}

func parseControl(doc string) (access.Control, error) {
	var ctrl access.Control
	if err := json.Unmarshal([]byte(doc), &ctrl); err != nil {
		return ctrl, fmt.Errorf("parse access control: %w", err)
	}
	return ctrl, nil
}

func recordSignature(r *store.Record) *phase.Signature {
	sig := &phase.Signature{
		Primary:   r.PrimaryPhase,
		Coherence: r.Coherence,
		Stability: r.Stability,
		Amplitude: r.Amplitude,
		Timestamp: r.PhaseAt,
	}
	if r.SecondaryPhases != "" {
		json.Unmarshal([]byte(r.SecondaryPhases), &sig.Secondary)
	}
	if r.Frequencies != "" {
		json.Unmarshal([]byte(r.Frequencies), &sig.Frequencies)
	}
	return sig
}

func encodePageToken(offset int) string {
	return base64.URLEncoding.EncodeToString([]byte("o:" + strconv.Itoa(offset)))
}

func decodePageToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil || !strings.HasPrefix(string(raw), "o:") {
		return 0, fmt.Errorf("%w: bad page token", ErrValidation)
	}
	offset, err := strconv.Atoi(strings.TrimPrefix(string(raw), "o:"))
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("%w: bad page token", ErrValidation)
	}
	return offset, nil
}
