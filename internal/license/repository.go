package license

import (
	"context"
	"time"
)

// Repository is the persistence contract the engine and scheduler depend
// on. The embedded SQLite implementation lives in internal/store; anything
// offering read-after-write consistency per key satisfies the engine.
//
// Implementations return ErrNotFound for missing records and wrap any other
// failure with ErrRepositoryUnavailable.
type Repository interface {
	// SaveLicense upserts a license document and, when cred is non-nil,
	// its credential.
	SaveLicense(ctx context.Context, l *License, cred *Credential) error

	// LicenseByID loads one license and its credential by ID.
	LicenseByID(ctx context.Context, id string) (*License, *Credential, error)

	// ActiveLicense loads the single non-terminal license for a subject
	// and plan tier, if any.
	ActiveLicense(ctx context.Context, subject, planTier string) (*License, *Credential, error)

	// LicenseHistory lists all licenses for a subject and plan tier,
	// newest first, including terminal ones.
	LicenseHistory(ctx context.Context, subject, planTier string) ([]*License, error)

	// ListNonTerminal lists every license whose stored status is not
	// terminal. Used by the scheduler tick.
	ListNonTerminal(ctx context.Context) ([]*License, error)

	// ListLicenses lists licenses matching the filter, newest first.
	ListLicenses(ctx context.Context, filter StatsFilter) ([]*License, error)

	// ReplaceAlerts deletes all unsent alerts for a license and inserts
	// the given set. Sent alerts are preserved so rescheduling never
	// causes a re-send.
	ReplaceAlerts(ctx context.Context, licenseID string, alerts []Alert) error

	// DueAlerts returns unsent alerts whose fire time is at or before now.
	DueAlerts(ctx context.Context, now time.Time) ([]Alert, error)

	// MarkAlertSent flags one (license, threshold) alert as sent.
	MarkAlertSent(ctx context.Context, licenseID string, thresholdDays int, at time.Time) error

	// DeleteCredential destroys the credential for a license. Called on
	// revocation; the license document itself is kept for audit.
	DeleteCredential(ctx context.Context, licenseID string) error

	// InsertUsageEvent appends one access event for usage statistics.
	InsertUsageEvent(ctx context.Context, ev UsageEvent) error

	// UsageAggregates computes bucketed usage statistics for the filter.
	UsageAggregates(ctx context.Context, filter StatsFilter) (*UsageAggregates, error)

	// DeleteExpiredBefore removes licenses (and their credentials and
	// alerts) that expired before the cutoff. Retention garbage
	// collection; returns the number of licenses removed.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// StatsFilter narrows statistics queries to one subject and/or plan tier.
// Zero values mean no filtering.
type StatsFilter struct {
	Subject  string
	PlanTier string
}
