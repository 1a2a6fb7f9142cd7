package license

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"keygate/internal/clock"
	"keygate/internal/notify"
)

// Scheduler drives the periodic background work: persisting wall-clock
// status transitions, dispatching due expiration alerts, and retention
// garbage collection. Alerts are exactly-once per (license, threshold):
// the sent flag is persisted only after the sender accepts the
// notification, so a failed send is retried on the next tick.
type Scheduler struct {
	repo      Repository
	sender    notify.Sender
	metrics   *Metrics
	clock     clock.Clock
	logger    *slog.Logger
	interval  time.Duration
	retention time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	lastTick time.Time
}

// SchedulerOptions configures the scheduler.
type SchedulerOptions struct {
	// Interval between ticks. Defaults to one hour.
	Interval time.Duration
	// Retention is how long expired licenses are kept before garbage
	// collection. Zero disables retention cleanup.
	Retention time.Duration
	Clock     clock.Clock
	Metrics   *Metrics
	Logger    *slog.Logger
}

// NewScheduler creates the alert scheduler. Call Start to begin ticking.
func NewScheduler(repo Repository, sender notify.Sender, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Scheduler{
		repo:      repo,
		sender:    sender,
		metrics:   opts.Metrics,
		clock:     opts.Clock,
		logger:    opts.Logger.With(slog.String("component", "alert_scheduler")),
		interval:  opts.Interval,
		retention: opts.Retention,
		stopChan:  make(chan struct{}),
	}
}

// Start launches the tick loop. The first tick runs immediately so alerts
// that came due while the process was down are not delayed a full interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.runTick(ctx)

		for {
			select {
			case <-ticker.C:
				s.runTick(ctx)
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the tick loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// LastTick returns when the most recent tick completed, zero before the
// first one. Health checks use it to report scheduler liveness.
func (s *Scheduler) LastTick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTick
}

func (s *Scheduler) runTick(ctx context.Context) {
	err := s.tick(ctx)
	s.metrics.recordTick(ctx, err)

	s.mu.Lock()
	s.lastTick = s.clock.Now()
	s.mu.Unlock()
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler tick failed",
			slog.String("action", "tick"),
			slog.String("error", err.Error()),
		)
	}
}

// tick runs one pass of the periodic work. Partial failure is tolerated:
// each phase runs even if an earlier one errored, and one alert failing
// never blocks the rest.
func (s *Scheduler) tick(ctx context.Context) error {
	now := s.clock.Now()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(s.refreshStatuses(ctx, now))
	record(s.dispatchDueAlerts(ctx, now))
	record(s.collectExpired(ctx, now))

	return firstErr
}

// refreshStatuses persists wall-clock status transitions (Active to
// ExpiringSoon to Expired) so stored statuses stay close to derived ones.
func (s *Scheduler) refreshStatuses(ctx context.Context, now time.Time) error {
	licenses, err := s.repo.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("list non-terminal licenses: %w", err)
	}

	for _, lic := range licenses {
		if !Refresh(lic, now) {
			continue
		}
		if err := s.repo.SaveLicense(ctx, lic, nil); err != nil {
			return fmt.Errorf("persist status of license %s: %w", lic.ID, err)
		}
		s.logger.InfoContext(ctx, "license status transitioned",
			slog.String("action", "status_refresh"),
			slog.String("license_id", lic.ID),
			slog.String("status", string(lic.Status)),
		)
	}

	return nil
}

func (s *Scheduler) dispatchDueAlerts(ctx context.Context, now time.Time) error {
	due, err := s.repo.DueAlerts(ctx, now)
	if err != nil {
		return fmt.Errorf("load due alerts: %w", err)
	}

	var firstErr error
	for _, alert := range due {
		if err := s.dispatchAlert(ctx, alert, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (s *Scheduler) dispatchAlert(ctx context.Context, alert Alert, now time.Time) error {
	lic, _, err := s.repo.LicenseByID(ctx, alert.LicenseID)
	if err != nil {
		return fmt.Errorf("load license %s for alert: %w", alert.LicenseID, err)
	}

	switch DeriveStatus(lic, now) {
	case StatusSuspended:
		// Leave the alert pending. Reactivation with compensation
		// reschedules it; without compensation it fires next tick.
		return nil
	case StatusRevoked, StatusExpired:
		// Nothing worth warning about anymore; drop the unsent alerts.
		return s.repo.ReplaceAlerts(ctx, lic.ID, nil)
	}

	payload := notify.Payload{
		LicenseID:     lic.ID,
		PlanTier:      lic.PlanTier,
		DaysRemaining: lic.DaysRemaining(now),
		ExpiresAt:     lic.ExpiresAt,
		Message:       fmt.Sprintf("Your %s plan license expires in %d day(s).", lic.PlanTier, lic.DaysRemaining(now)),
	}

	if err := s.sender.Send(ctx, notify.KindExpirationWarning, lic.Subject, payload); err != nil {
		s.metrics.recordAlertSendFailure(ctx, alert.ThresholdDays)
		s.logger.WarnContext(ctx, "expiration alert send failed, will retry",
			slog.String("action", "alert_send"),
			slog.String("license_id", lic.ID),
			slog.Int("threshold_days", alert.ThresholdDays),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("send alert for license %s: %w", lic.ID, err)
	}

	if err := s.repo.MarkAlertSent(ctx, alert.LicenseID, alert.ThresholdDays, now); err != nil {
		// The notification went out but the flag did not stick; the alert
		// will be re-sent next tick. Duplicate delivery beats silence.
		return fmt.Errorf("mark alert sent for license %s: %w", alert.LicenseID, err)
	}

	s.metrics.recordAlertSent(ctx, alert.ThresholdDays)
	s.logger.InfoContext(ctx, "expiration alert sent",
		slog.String("action", "alert_send"),
		slog.String("license_id", lic.ID),
		slog.Int("threshold_days", alert.ThresholdDays),
	)

	return nil
}

// collectExpired removes licenses that expired longer than the retention
// window ago, together with their credentials and alerts.
func (s *Scheduler) collectExpired(ctx context.Context, now time.Time) error {
	if s.retention <= 0 {
		return nil
	}

	removed, err := s.repo.DeleteExpiredBefore(ctx, now.Add(-s.retention))
	if err != nil {
		return fmt.Errorf("retention cleanup: %w", err)
	}
	if removed > 0 {
		s.logger.InfoContext(ctx, "expired licenses removed by retention",
			slog.String("action", "retention_cleanup"),
			slog.Int64("removed", removed),
		)
	}

	return nil
}
