package store

// Protection levels, strongest-last. These round-trip exactly through the
// API and the database CHECK constraint.
const (
	ProtectionUnprotected     = "UNPROTECTED"
	ProtectionUserSealed      = "USER_SEALED"
	ProtectionTimeLocked      = "TIME_LOCKED"
	ProtectionDeepVault       = "DEEP_VAULT"
	ProtectionSystemProtected = "SYSTEM_PROTECTED"
	ProtectionEncrypted       = "ENCRYPTED"
)

// ProtectionLevels lists every valid protection level.
var ProtectionLevels = []string{
	ProtectionUnprotected,
	ProtectionUserSealed,
	ProtectionTimeLocked,
	ProtectionDeepVault,
	ProtectionSystemProtected,
	ProtectionEncrypted,
}

// ValidProtection reports whether s names a protection level.
func ValidProtection(s string) bool {
	for _, p := range ProtectionLevels {
		if p == s {
			return true
		}
	}
	return false
}

// ElevatedProtection reports whether downgrading from s requires the admin
// role.
func ElevatedProtection(s string) bool {
	return s == ProtectionDeepVault || s == ProtectionSystemProtected
}

// Pruning job states.
const (
	JobQueued    = "QUEUED"
	JobRunning   = "RUNNING"
	JobCompleted = "COMPLETED"
	JobFailed    = "FAILED"
	JobCancelled = "CANCELLED"
	JobPaused    = "PAUSED"
)

// TerminalJobState reports whether a job in state s can never transition
// again.
func TerminalJobState(s string) bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Backup kinds.
const (
	BackupKindVault = "vault"
	BackupKindGraph = "graph"
)
