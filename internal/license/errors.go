package license

import (
	"errors"
	"fmt"
	"time"
)

// Validation errors returned from the hot path. The coarse kinds below are
// all a caller may learn; in particular ErrInvalidCredential covers both
// unknown subjects and wrong secrets at the HTTP layer.
var (
	// ErrNotFound means no license exists for the subject and plan tier.
	ErrNotFound = errors.New("license not found")
	// ErrInvalidCredential means the secret did not match. Always records
	// a lockout failure.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrLocked means the subject is temporarily locked out. Use
	// LockedError to carry the remaining duration.
	ErrLocked = errors.New("subject locked out")
	// ErrExpired, ErrRevoked, and ErrSuspended block validation without
	// incrementing the lockout counter.
	ErrExpired   = errors.New("license expired")
	ErrRevoked   = errors.New("license revoked")
	ErrSuspended = errors.New("license suspended")
)

// State-machine precondition errors. These indicate operator mistakes and
// are returned directly, never retried.
var (
	ErrAlreadyActivated = errors.New("license already activated")
	ErrAlreadyTerminal  = errors.New("license already in a terminal state")
	ErrAlreadySuspended = errors.New("license already suspended")
	ErrNotSuspended     = errors.New("license is not suspended")
	ErrNotExtendable    = errors.New("license cannot be extended")
)

// Issuance and persistence errors.
var (
	// ErrLicenseExists means a non-terminal license already exists for the
	// subject and plan tier.
	ErrLicenseExists = errors.New("active license already exists for subject and plan")
	// ErrRepositoryUnavailable wraps persistence collaborator failures.
	ErrRepositoryUnavailable = errors.New("license repository unavailable")
)

// LockedError carries the remaining lockout duration.
type LockedError struct {
	Remaining time.Duration
}

// Error implements the error interface.
func (e *LockedError) Error() string {
	return fmt.Sprintf("subject locked out, retry in %s", e.Remaining.Round(time.Second))
}

// Is makes errors.Is(err, ErrLocked) match LockedError values.
func (e *LockedError) Is(target error) bool {
	return target == ErrLocked
}
