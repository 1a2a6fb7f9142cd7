package license

import (
	"time"
)

// DeriveStatus computes the current status of a license at the given
// instant. It is a pure function of the license's timestamps: manual states
// (Suspended, Revoked) are sticky and only change through explicit
// administrative calls, everything else follows the wall clock. Idempotent;
// safe to call on every read.
func DeriveStatus(l *License, now time.Time) Status {
	// Sticky states win even before activation: a revoked or suspended
	// license must not resurrect as Created on the next read.
	if l.Status == StatusSuspended || l.Status == StatusRevoked {
		return l.Status
	}
	if l.ActivatedAt == nil || l.ExpiresAt == nil {
		return StatusCreated
	}
	if now.After(*l.ExpiresAt) {
		return StatusExpired
	}
	if l.ExpiresAt.Sub(now) <= ExpiryWarningWindow {
		return StatusExpiringSoon
	}
	return StatusActive
}

// Refresh re-derives the status and stores it on the license. Returns true
// when the stored status changed.
func Refresh(l *License, now time.Time) bool {
	derived := DeriveStatus(l, now)
	if derived == l.Status {
		return false
	}
	l.Status = derived
	return true
}

// Activate starts the validity window on first successful validation.
// Only valid while the license is still in the Created state.
func Activate(l *License, now time.Time) error {
	if DeriveStatus(l, now) != StatusCreated {
		return ErrAlreadyActivated
	}

	activated := now.UTC()
	expires := activated.Add(time.Duration(l.PeriodDays) * 24 * time.Hour)

	l.ActivatedAt = &activated
	l.ExpiresAt = &expires
	l.AccessCount = 1
	l.LastAccessAt = &activated
	l.Status = DeriveStatus(l, now)

	return nil
}

// Suspend pauses a license, recording the suspension in the audit trail.
// Valid from any non-terminal, non-suspended state.
func Suspend(l *License, reason string, now time.Time) error {
	current := DeriveStatus(l, now)
	if current.Terminal() {
		return ErrAlreadyTerminal
	}
	if current == StatusSuspended {
		return ErrAlreadySuspended
	}

	l.Suspensions = append(l.Suspensions, Suspension{
		SuspendedAt: now.UTC(),
		Reason:      reason,
	})
	l.Status = StatusSuspended

	return nil
}

// Reactivate lifts a suspension. When compensate is true the full suspended
// wall-clock duration is added to the expiry, so the subject loses no paid
// time; the caller must then reschedule alerts.
func Reactivate(l *License, compensate bool, now time.Time) error {
	if l.Status != StatusSuspended {
		return ErrNotSuspended
	}

	last := &l.Suspensions[len(l.Suspensions)-1]
	reactivated := now.UTC()
	last.ReactivatedAt = &reactivated
	last.Compensated = compensate

	if compensate && l.ExpiresAt != nil {
		extended := l.ExpiresAt.Add(reactivated.Sub(last.SuspendedAt))
		l.ExpiresAt = &extended
	}

	// Clearing the sticky state lets DeriveStatus fall through to the
	// wall-clock rules again.
	l.Status = StatusCreated
	l.Status = DeriveStatus(l, now)

	return nil
}

// Revoke terminates a license permanently. Irreversible.
func Revoke(l *License, now time.Time) error {
	if DeriveStatus(l, now).Terminal() {
		return ErrAlreadyTerminal
	}

	l.Status = StatusRevoked

	return nil
}

// Extend lengthens the validity window by the given number of days and
// appends an audit record. Valid on Active, ExpiringSoon, and Suspended
// licenses; the caller must reschedule alerts afterwards.
func Extend(l *License, days int, reason string, now time.Time) error {
	if days < 1 {
		return ErrNotExtendable
	}

	switch DeriveStatus(l, now) {
	case StatusActive, StatusExpiringSoon, StatusSuspended:
	default:
		return ErrNotExtendable
	}
	if l.ExpiresAt == nil {
		// Suspended before first activation; there is no window to extend.
		return ErrNotExtendable
	}

	extended := l.ExpiresAt.Add(time.Duration(days) * 24 * time.Hour)
	l.ExpiresAt = &extended
	l.Extensions = append(l.Extensions, Extension{
		Days:   days,
		Reason: reason,
		At:     now.UTC(),
	})

	if l.Status != StatusSuspended {
		l.Status = DeriveStatus(l, now)
	}

	return nil
}
