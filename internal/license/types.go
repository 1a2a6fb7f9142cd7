package license

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a license.
type Status string

const (
	// StatusCreated means issued but never validated; the expiration
	// countdown has not started.
	StatusCreated Status = "created"
	// StatusActive means activated and inside the validity window.
	StatusActive Status = "active"
	// StatusExpiringSoon means active with at most ExpiryWarningWindow left.
	StatusExpiringSoon Status = "expiring_soon"
	// StatusExpired means the validity window has passed. Terminal.
	StatusExpired Status = "expired"
	// StatusSuspended means administratively paused. Reversible.
	StatusSuspended Status = "suspended"
	// StatusRevoked means administratively terminated. Terminal.
	StatusRevoked Status = "revoked"
)

// ExpiryWarningWindow is how close to expiry a license must be before its
// derived status becomes StatusExpiringSoon.
const ExpiryWarningWindow = 7 * 24 * time.Hour

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusRevoked
}

// PeriodKind enumerates validity period presets.
type PeriodKind string

const (
	PeriodShort  PeriodKind = "short"
	PeriodMedium PeriodKind = "medium"
	PeriodLong   PeriodKind = "long"
	PeriodCustom PeriodKind = "custom"
)

// periodDays maps preset period kinds to their fixed day counts.
var periodDays = map[PeriodKind]int{
	PeriodShort:  90,
	PeriodMedium: 180,
	PeriodLong:   365,
}

// Days resolves the day count for a period kind. customDays is only
// consulted for PeriodCustom.
func (k PeriodKind) Days(customDays int) (int, error) {
	if days, ok := periodDays[k]; ok {
		return days, nil
	}
	if k == PeriodCustom {
		if customDays < 1 {
			return 0, fmt.Errorf("custom period requires a positive day count, got %d", customDays)
		}
		return customDays, nil
	}
	return 0, fmt.Errorf("unknown period kind %q", k)
}

// Valid reports whether k is a known period kind.
func (k PeriodKind) Valid() bool {
	_, ok := periodDays[k]
	return ok || k == PeriodCustom
}

// Extension is one manual extension of the validity window.
type Extension struct {
	Days   int       `json:"days"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Suspension is one suspend/reactivate cycle in the audit trail.
type Suspension struct {
	SuspendedAt   time.Time  `json:"suspended_at"`
	ReactivatedAt *time.Time `json:"reactivated_at,omitempty"`
	Reason        string     `json:"reason"`
	Compensated   bool       `json:"compensated"`
}

// UsageStats holds rolling per-license session statistics.
type UsageStats struct {
	Sessions      int64         `json:"sessions"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// Credential holds the hashed secret bound to a license. The plaintext
// secret is only ever returned once, at issuance.
type Credential struct {
	LicenseID  string    `json:"license_id"`
	SecretHash string    `json:"secret_hash"`
	CreatedAt  time.Time `json:"created_at"`
}

// License is the aggregate root binding a subject and plan tier to a
// validity window.
type License struct {
	ID           string       `json:"id"`
	Subject      string       `json:"subject"`
	PlanTier     string       `json:"plan_tier"`
	PeriodKind   PeriodKind   `json:"period_kind"`
	PeriodDays   int          `json:"period_days"`
	Status       Status       `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
	ActivatedAt  *time.Time   `json:"activated_at,omitempty"`
	ExpiresAt    *time.Time   `json:"expires_at,omitempty"`
	AccessCount  int64        `json:"access_count"`
	LastAccessAt *time.Time   `json:"last_access_at,omitempty"`
	Extensions   []Extension  `json:"extensions,omitempty"`
	Suspensions  []Suspension `json:"suspensions,omitempty"`
	Usage        UsageStats   `json:"usage_stats"`
}

// licenseNamespace is the UUIDv5 namespace for deterministic license IDs.
var licenseNamespace = uuid.MustParse("8a6e1f8e-52c4-4a3b-9a77-2f1d64f00c21")

// NewLicense creates a license in the Created state with a deterministic ID
// derived from subject, plan tier, and creation instant.
func NewLicense(subject, planTier string, kind PeriodKind, customDays int, now time.Time) (*License, error) {
	if subject == "" {
		return nil, fmt.Errorf("subject must not be empty")
	}
	if planTier == "" {
		return nil, fmt.Errorf("plan tier must not be empty")
	}

	days, err := kind.Days(customDays)
	if err != nil {
		return nil, err
	}

	created := now.UTC()
	name := fmt.Sprintf("%s|%s|%s", subject, planTier, created.Format(time.RFC3339Nano))

	return &License{
		ID:         uuid.NewSHA1(licenseNamespace, []byte(name)).String(),
		Subject:    subject,
		PlanTier:   planTier,
		PeriodKind: kind,
		PeriodDays: days,
		Status:     StatusCreated,
		CreatedAt:  created,
	}, nil
}

// TotalDays is the base period plus all manual extensions, for audit views.
func (l *License) TotalDays() int {
	total := l.PeriodDays
	for _, ext := range l.Extensions {
		total += ext.Days
	}
	return total
}

// DaysRemaining returns days until expiry, counting a partial day as a full
// remaining day. Zero when the license has not been activated, negative once
// expired by a day or more.
func (l *License) DaysRemaining(now time.Time) int {
	if l.ExpiresAt == nil {
		return 0
	}
	rem := l.ExpiresAt.Sub(now)
	days := rem / (24 * time.Hour)
	if rem%(24*time.Hour) > 0 {
		days++
	}
	return int(days)
}

// Alert is a scheduled expiration notification for one threshold.
type Alert struct {
	LicenseID     string     `json:"license_id"`
	ThresholdDays int        `json:"threshold_days"`
	FireAt        time.Time  `json:"fire_at"`
	Sent          bool       `json:"sent"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
}

// StatusInfo is the read model returned by validation and status checks.
type StatusInfo struct {
	LicenseID     string     `json:"license_id"`
	Subject       string     `json:"subject"`
	PlanTier      string     `json:"plan_tier"`
	PeriodKind    PeriodKind `json:"period_kind"`
	Status        Status     `json:"status"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	DaysRemaining int        `json:"days_remaining"`
	AccessCount   int64      `json:"access_count"`
	LastAccessAt  *time.Time `json:"last_access_at,omitempty"`
}

// statusInfo builds the read model for a license at the given instant.
func statusInfo(l *License, now time.Time) *StatusInfo {
	return &StatusInfo{
		LicenseID:     l.ID,
		Subject:       l.Subject,
		PlanTier:      l.PlanTier,
		PeriodKind:    l.PeriodKind,
		Status:        DeriveStatus(l, now),
		ActivatedAt:   l.ActivatedAt,
		ExpiresAt:     l.ExpiresAt,
		DaysRemaining: l.DaysRemaining(now),
		AccessCount:   l.AccessCount,
		LastAccessAt:  l.LastAccessAt,
	}
}
