package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"keygate/internal/clock"
	"keygate/internal/lockout"
	"keygate/internal/notify"
	"keygate/internal/secrets"
)

// DefaultAlertThresholds are the days-before-expiry marks at which
// expiration warnings fire.
var DefaultAlertThresholds = []int{30, 14, 7, 3, 1}

// DefaultSecretLength is the generated secret length when none is
// configured.
const DefaultSecretLength = 32

// Engine orchestrates credential issuance, validation, and license
// administration. It owns no background goroutines; the Scheduler drives
// periodic work.
type Engine struct {
	repo         Repository
	codec        *secrets.Codec
	guard        *lockout.Guard
	recorder     *Recorder
	sender       notify.Sender
	metrics      *Metrics
	clock        clock.Clock
	logger       *slog.Logger
	thresholds   []int
	secretLength int

	// mu serializes license mutations. Load rates are human scale, so a
	// single coarse lock is sufficient; the slow secret verification runs
	// outside it.
	mu sync.Mutex
}

// Options configures optional engine collaborators.
type Options struct {
	Thresholds   []int
	SecretLength int
	Clock        clock.Clock
	Metrics      *Metrics
	Logger       *slog.Logger
}

// NewEngine creates the license engine.
func NewEngine(repo Repository, codec *secrets.Codec, guard *lockout.Guard, sender notify.Sender, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.Thresholds) == 0 {
		opts.Thresholds = DefaultAlertThresholds
	}
	if opts.SecretLength < 8 {
		opts.SecretLength = DefaultSecretLength
	}

	return &Engine{
		repo:         repo,
		codec:        codec,
		guard:        guard,
		recorder:     NewRecorder(repo),
		sender:       sender,
		metrics:      opts.Metrics,
		clock:        opts.Clock,
		logger:       opts.Logger.With(slog.String("component", "license_engine")),
		thresholds:   opts.Thresholds,
		secretLength: opts.SecretLength,
	}
}

// IssueCredential creates a new license in the Created state together with
// its secret. The plaintext secret is returned exactly once. At most one
// non-terminal license may exist per (subject, plan tier); issuing against
// an existing one fails with ErrLicenseExists.
func (e *Engine) IssueCredential(ctx context.Context, subject, planTier string, kind PeriodKind, customDays int) (string, *License, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()

	existing, _, err := e.repo.ActiveLicense(ctx, subject, planTier)
	switch {
	case err == nil:
		// A stored non-terminal license may have expired on the wall
		// clock without the scheduler having persisted it yet.
		if !DeriveStatus(existing, now).Terminal() {
			return "", nil, ErrLicenseExists
		}
		if Refresh(existing, now) {
			if err := e.repo.SaveLicense(ctx, existing, nil); err != nil {
				return "", nil, err
			}
		}
	case errors.Is(err, ErrNotFound):
	default:
		return "", nil, err
	}

	lic, err := NewLicense(subject, planTier, kind, customDays, now)
	if err != nil {
		return "", nil, err
	}

	// The ID is a pure function of subject, plan, and creation instant, so
	// reissuing against a frozen clock would collide with an archived
	// license and the upsert would overwrite its audit record. Nudge the
	// instant forward until the derived ID is free.
	for {
		_, _, lookupErr := e.repo.LicenseByID(ctx, lic.ID)
		if errors.Is(lookupErr, ErrNotFound) {
			break
		}
		if lookupErr != nil {
			return "", nil, lookupErr
		}
		now = now.Add(time.Nanosecond)
		if lic, err = NewLicense(subject, planTier, kind, customDays, now); err != nil {
			return "", nil, err
		}
	}

	secret, err := e.codec.Generate(e.secretLength)
	if err != nil {
		return "", nil, fmt.Errorf("generate secret: %w", err)
	}

	hash, err := e.codec.Hash(secret)
	if err != nil {
		return "", nil, fmt.Errorf("hash secret: %w", err)
	}

	cred := &Credential{
		LicenseID:  lic.ID,
		SecretHash: hash,
		CreatedAt:  now.UTC(),
	}

	if err := e.repo.SaveLicense(ctx, lic, cred); err != nil {
		return "", nil, err
	}

	e.metrics.recordIssued(ctx, planTier)
	e.logInfo(ctx, "credential_issued", "credential issued",
		slog.String("license_id", lic.ID),
		slog.String("subject", subject),
		slog.String("plan_tier", planTier),
		slog.String("period_kind", string(kind)),
		slog.Int("period_days", lic.PeriodDays),
	)

	// Best effort: issuance must not fail because the sender is down.
	if err := e.sender.Send(ctx, notify.KindCredentialIssued, subject, notify.Payload{
		LicenseID: lic.ID,
		PlanTier:  planTier,
		Message:   "A new access credential has been issued for your plan.",
	}); err != nil {
		e.logWarn(ctx, "credential_issued_notification", "failed to send issuance notification",
			slog.String("license_id", lic.ID),
			slog.String("error", err.Error()),
		)
	}

	return secret, lic, nil
}

// Validate is the synchronous hot path: lockout check, secret verification,
// activation or status derivation, and usage accounting. sessionDuration
// may be zero when the caller does not track session length.
func (e *Engine) Validate(ctx context.Context, subject, planTier, secret string, sessionDuration time.Duration) (info *StatusInfo, err error) {
	start := time.Now()
	defer func() {
		e.metrics.recordValidation(ctx, planTier, time.Since(start), err)
	}()

	if locked, remaining := e.guard.IsLocked(subject); locked {
		e.metrics.recordLockoutRejection(ctx)
		e.logWarn(ctx, "validation_locked", "validation rejected by lockout",
			slog.String("subject", subject),
			slog.Duration("remaining", remaining),
		)
		return nil, &LockedError{Remaining: remaining}
	}

	lic, cred, err := e.repo.ActiveLicense(ctx, subject, planTier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.logInfo(ctx, "validation_not_found", "no license for subject and plan",
				slog.String("subject", subject),
				slog.String("plan_tier", planTier),
			)
			return nil, ErrNotFound
		}
		return nil, err
	}
	if cred == nil {
		// License exists but its credential was destroyed (revocation or
		// retention). Surface the same coarse error as a bad secret.
		e.guard.RecordFailure(subject)
		return nil, ErrInvalidCredential
	}

	// The slow KDF runs outside the engine lock.
	ok, verifyErr := e.codec.Verify(secret, cred.SecretHash)
	if verifyErr != nil {
		// Corrupt stored hash: logged loudly, surfaced as a plain
		// credential failure to avoid an oracle.
		e.logError(ctx, "credential_corrupt", "stored credential hash is corrupt",
			slog.String("license_id", lic.ID),
			slog.String("error", verifyErr.Error()),
		)
		e.guard.RecordFailure(subject)
		return nil, ErrInvalidCredential
	}
	if !ok {
		e.guard.RecordFailure(subject)
		e.logInfo(ctx, "validation_failed", "secret mismatch",
			slog.String("subject", subject),
			slog.String("plan_tier", planTier),
		)
		return nil, ErrInvalidCredential
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Reload under the lock: a concurrent validation may have activated
	// the license after our first read.
	lic, _, err = e.repo.ActiveLicense(ctx, subject, planTier)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	activated := false

	switch status := DeriveStatus(lic, now); status {
	case StatusCreated:
		if err := Activate(lic, now); err != nil {
			return nil, err
		}
		activated = true
	case StatusExpired:
		if Refresh(lic, now) {
			if saveErr := e.repo.SaveLicense(ctx, lic, nil); saveErr != nil {
				e.logWarn(ctx, "status_refresh_failed", "failed to persist derived status",
					slog.String("license_id", lic.ID),
					slog.String("error", saveErr.Error()),
				)
			}
		}
		return nil, ErrExpired
	case StatusRevoked:
		return nil, ErrRevoked
	case StatusSuspended:
		return nil, ErrSuspended
	default:
		lic.AccessCount++
		access := now.UTC()
		lic.LastAccessAt = &access
		lic.Status = status
	}

	lic.Usage.Sessions++
	lic.Usage.TotalDuration += sessionDuration
	lic.Usage.AvgDuration = lic.Usage.TotalDuration / time.Duration(lic.Usage.Sessions)

	if err := e.repo.SaveLicense(ctx, lic, nil); err != nil {
		return nil, err
	}

	if activated {
		if err := e.scheduleAlerts(ctx, lic, now); err != nil {
			// Alerts are recomputed every tick; activation still stands.
			e.logWarn(ctx, "alert_schedule_failed", "failed to schedule expiration alerts",
				slog.String("license_id", lic.ID),
				slog.String("error", err.Error()),
			)
		}
		e.metrics.recordActivation(ctx, planTier)
		e.logInfo(ctx, "license_activated", "license activated on first validation",
			slog.String("license_id", lic.ID),
			slog.String("subject", subject),
			slog.Time("expires_at", *lic.ExpiresAt),
		)
	}

	e.recorder.RecordAccess(ctx, subject, planTier, sessionDuration, now)
	e.guard.Clear(subject)

	return statusInfo(lic, now), nil
}

// CheckStatus derives and returns the current status without touching the
// credential, lockout, or usage state.
func (e *Engine) CheckStatus(ctx context.Context, subject, planTier string) (*StatusInfo, error) {
	lic, _, err := e.repo.ActiveLicense(ctx, subject, planTier)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	if Refresh(lic, now) {
		// Persisting the derived transition is best effort on reads.
		if err := e.repo.SaveLicense(ctx, lic, nil); err != nil {
			e.logWarn(ctx, "status_refresh_failed", "failed to persist derived status",
				slog.String("license_id", lic.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return statusInfo(lic, now), nil
}

// SuspendLicense administratively pauses a license.
func (e *Engine) SuspendLicense(ctx context.Context, licenseID, reason string) (*StatusInfo, error) {
	return e.administer(ctx, licenseID, "license_suspended", func(lic *License, now time.Time) error {
		return Suspend(lic, reason, now)
	})
}

// ReactivateLicense lifts a suspension. With compensate the suspended
// duration is appended to the validity window and alerts are rescheduled.
func (e *Engine) ReactivateLicense(ctx context.Context, licenseID string, compensate bool) (*StatusInfo, error) {
	return e.administer(ctx, licenseID, "license_reactivated", func(lic *License, now time.Time) error {
		if err := Reactivate(lic, compensate, now); err != nil {
			return err
		}
		if compensate && lic.ExpiresAt != nil {
			if err := e.scheduleAlerts(ctx, lic, now); err != nil {
				return fmt.Errorf("reschedule alerts: %w", err)
			}
		}
		return nil
	})
}

// RevokeLicense terminates a license permanently and destroys its
// credential.
func (e *Engine) RevokeLicense(ctx context.Context, licenseID string) (*StatusInfo, error) {
	return e.administer(ctx, licenseID, "license_revoked", func(lic *License, now time.Time) error {
		if err := Revoke(lic, now); err != nil {
			return err
		}
		if err := e.repo.DeleteCredential(ctx, lic.ID); err != nil {
			return fmt.Errorf("destroy credential: %w", err)
		}
		return nil
	})
}

// ExtendLicense lengthens the validity window and reschedules unsent
// alerts against the new expiry.
func (e *Engine) ExtendLicense(ctx context.Context, licenseID string, days int, reason string) (*StatusInfo, error) {
	return e.administer(ctx, licenseID, "license_extended", func(lic *License, now time.Time) error {
		if err := Extend(lic, days, reason, now); err != nil {
			return err
		}
		if err := e.scheduleAlerts(ctx, lic, now); err != nil {
			return fmt.Errorf("reschedule alerts: %w", err)
		}
		return nil
	})
}

// History lists all licenses ever issued for a subject and plan tier,
// newest first.
func (e *Engine) History(ctx context.Context, subject, planTier string) ([]*License, error) {
	licenses, err := e.repo.LicenseHistory(ctx, subject, planTier)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	for _, lic := range licenses {
		lic.Status = DeriveStatus(lic, now)
	}
	return licenses, nil
}

// Statistics builds the aggregate usage and license report. Derived and
// recomputable at any time from the store.
func (e *Engine) Statistics(ctx context.Context, filter StatsFilter) (*Report, error) {
	licenses, err := e.repo.ListLicenses(ctx, filter)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	report := &Report{
		GeneratedAt:   now.UTC(),
		TotalLicenses: len(licenses),
		ByStatus:      make(map[Status]int),
		ByPlan:        make(map[string]int),
		ByPeriodKind:  make(map[PeriodKind]int),
	}
	for _, lic := range licenses {
		report.ByStatus[DeriveStatus(lic, now)]++
		report.ByPlan[lic.PlanTier]++
		report.ByPeriodKind[lic.PeriodKind]++
	}

	usage, err := e.repo.UsageAggregates(ctx, filter)
	if err != nil {
		return nil, err
	}
	report.Usage = usage

	return report, nil
}

// administer runs one mutation against a license loaded by ID under the
// engine lock and persists the result.
func (e *Engine) administer(ctx context.Context, licenseID, action string, mutate func(*License, time.Time) error) (*StatusInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	lic, _, err := e.repo.LicenseByID(ctx, licenseID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	if err := mutate(lic, now); err != nil {
		return nil, err
	}

	if err := e.repo.SaveLicense(ctx, lic, nil); err != nil {
		return nil, err
	}

	e.logInfo(ctx, action, "license administration applied",
		slog.String("license_id", lic.ID),
		slog.String("status", string(lic.Status)),
	)

	return statusInfo(lic, now), nil
}

// scheduleAlerts replaces the unsent alert set for a license with fresh
// thresholds relative to its current expiry, skipping thresholds already in
// the past. Sent alerts are preserved so they are never re-sent.
func (e *Engine) scheduleAlerts(ctx context.Context, lic *License, now time.Time) error {
	if lic.ExpiresAt == nil {
		return nil
	}

	alerts := make([]Alert, 0, len(e.thresholds))
	for _, days := range e.thresholds {
		fireAt := lic.ExpiresAt.Add(-time.Duration(days) * 24 * time.Hour)
		if fireAt.Before(now) {
			continue
		}
		alerts = append(alerts, Alert{
			LicenseID:     lic.ID,
			ThresholdDays: days,
			FireAt:        fireAt,
		})
	}

	return e.repo.ReplaceAlerts(ctx, lic.ID, alerts)
}
