package access

// Reason codes carried on every decision and into the audit trail.
const (
	ReasonAllowOwner   = "ALLOW_OWNER"
	ReasonAllowUser    = "ALLOW_USER"
	ReasonAllowRole    = "ALLOW_ROLE"
	ReasonExpired      = "DENY_EXPIRED"
	ReasonOverQuota    = "DENY_OVER_QUOTA"
	ReasonNoConsent    = "DENY_CONSENT_REQUIRED"
	ReasonUnauthorized = "DENY_UNAUTHORIZED"
)

// RoleAdmin may downgrade elevated protection levels and run maintenance
// operations.
const RoleAdmin = "admin"

// Control is the access policy attached to a vault record.
type Control struct {
	OwnerID           string   `json:"owner_id"`
	AllowedUsers      []string `json:"allowed_users,omitempty"`
	AllowedRoles      []string `json:"allowed_roles,omitempty"`
	ExpiresAt         *int64   `json:"access_expires_at,omitempty"` // unix millis
	MaxAccessCount    int      `json:"max_access_count,omitempty"`  // 0 = unlimited
	RequireConsent    bool     `json:"require_consent,omitempty"`
	AuditTrailEnabled bool     `json:"audit_trail_enabled,omitempty"`
}

// Credentials identify the caller of a gated operation.
type Credentials struct {
	UserID           string   `json:"user_id"`
	Roles            []string `json:"roles,omitempty"`
	ConsentTimestamp *int64   `json:"consent_timestamp,omitempty"` // unix millis
}

// HasRole reports whether the credentials carry the given role.
func (c Credentials) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Decision is the outcome of a guard evaluation.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Evaluate applies the record's policy to the caller. Expiry and quota
// denials take precedence over ownership and role grants: an expired policy
// denies even the owner. Consent is checked before identity so a missing
// consent never leaks whether the caller would otherwise match.
func Evaluate(ctrl Control, creds Credentials, accessCount int, now int64) Decision {
	if ctrl.ExpiresAt != nil && now >= *ctrl.ExpiresAt {
		return Decision{Allowed: false, Reason: ReasonExpired}
	}
	if ctrl.MaxAccessCount > 0 && accessCount >= ctrl.MaxAccessCount {
		return Decision{Allowed: false, Reason: ReasonOverQuota}
	}
	if ctrl.RequireConsent && creds.ConsentTimestamp == nil {
		return Decision{Allowed: false, Reason: ReasonNoConsent}
	}

	if creds.UserID != "" && creds.UserID == ctrl.OwnerID {
		return Decision{Allowed: true, Reason: ReasonAllowOwner}
	}
	for _, u := range ctrl.AllowedUsers {
		if u == creds.UserID && u != "" {
			return Decision{Allowed: true, Reason: ReasonAllowUser}
		}
	}
	for _, role := range ctrl.AllowedRoles {
		if creds.HasRole(role) {
			return Decision{Allowed: true, Reason: ReasonAllowRole}
		}
	}
	return Decision{Allowed: false, Reason: ReasonUnauthorized}
}
