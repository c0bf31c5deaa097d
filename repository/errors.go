package repository

import "errors"

// Logical violations are never retried by callers; only ErrStorageIO wraps
// I/O-level failures.
var (
	ErrStorageIO          = errors.New("storage io error")
	ErrStorageConflict    = errors.New("storage conflict")
	ErrDuplicateKey       = errors.New("duplicate key")
	ErrMissingParent      = errors.New("missing parent recording")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrIllegalTransition  = errors.New("illegal transition")
)
