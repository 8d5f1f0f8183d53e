package vault

import "errors"

// Sentinel errors. Access denials are not errors: gated reads return a typed
// outcome so a denial can never be confused with a system failure.
var (
	// ErrNotFound means no record matches the given id, or the record's TTL
	// has lapsed.
	ErrNotFound = errors.New("record not found")

	// ErrValidation wraps structural problems with a request: empty payload,
	// malformed phase, unknown protection level, bad filter.
	ErrValidation = errors.New("validation failed")

	// ErrBackup wraps backup and restore failures. A failed backup always
	// aborts before any mutation.
	ErrBackup = errors.New("backup failed")
)
