package license

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's OpenTelemetry instruments. All record helpers
// are nil-safe so the engine works without telemetry in tests.
type Metrics struct {
	ValidationChecks    metric.Int64Counter
	ValidationFailures  metric.Int64Counter
	ValidationDuration  metric.Float64Histogram
	IssuedCredentials   metric.Int64Counter
	Activations         metric.Int64Counter
	LockoutRejections   metric.Int64Counter
	AlertsSent          metric.Int64Counter
	AlertSendFailures   metric.Int64Counter
	SchedulerTicks      metric.Int64Counter
	SchedulerTickErrors metric.Int64Counter
}

// NewMetrics creates the engine instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	if m.ValidationChecks, err = meter.Int64Counter(
		"license_validation_checks_total",
		metric.WithDescription("Total number of credential validation attempts"),
	); err != nil {
		return nil, err
	}

	if m.ValidationFailures, err = meter.Int64Counter(
		"license_validation_failures_total",
		metric.WithDescription("Total number of failed credential validations"),
	); err != nil {
		return nil, err
	}

	if m.ValidationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("Credential validation duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.IssuedCredentials, err = meter.Int64Counter(
		"license_credentials_issued_total",
		metric.WithDescription("Total number of credentials issued"),
	); err != nil {
		return nil, err
	}

	if m.Activations, err = meter.Int64Counter(
		"license_activations_total",
		metric.WithDescription("Total number of license activations"),
	); err != nil {
		return nil, err
	}

	if m.LockoutRejections, err = meter.Int64Counter(
		"license_lockout_rejections_total",
		metric.WithDescription("Total number of validations rejected by lockout"),
	); err != nil {
		return nil, err
	}

	if m.AlertsSent, err = meter.Int64Counter(
		"license_alerts_sent_total",
		metric.WithDescription("Total number of expiration alerts sent"),
	); err != nil {
		return nil, err
	}

	if m.AlertSendFailures, err = meter.Int64Counter(
		"license_alert_send_failures_total",
		metric.WithDescription("Total number of alert send failures"),
	); err != nil {
		return nil, err
	}

	if m.SchedulerTicks, err = meter.Int64Counter(
		"license_scheduler_ticks_total",
		metric.WithDescription("Total number of alert scheduler ticks"),
	); err != nil {
		return nil, err
	}

	if m.SchedulerTickErrors, err = meter.Int64Counter(
		"license_scheduler_tick_errors_total",
		metric.WithDescription("Total number of scheduler tick errors"),
	); err != nil {
		return nil, err
	}

	return &m, nil
}

func (m *Metrics) recordValidation(ctx context.Context, planTier string, duration time.Duration, err error) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("plan_tier", planTier))
	m.ValidationChecks.Add(ctx, 1, attrs)
	if err != nil {
		m.ValidationFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("plan_tier", planTier),
			attribute.String("reason", failureReason(err)),
		))
	}
	m.ValidationDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *Metrics) recordIssued(ctx context.Context, planTier string) {
	if m == nil {
		return
	}
	m.IssuedCredentials.Add(ctx, 1, metric.WithAttributes(attribute.String("plan_tier", planTier)))
}

func (m *Metrics) recordActivation(ctx context.Context, planTier string) {
	if m == nil {
		return
	}
	m.Activations.Add(ctx, 1, metric.WithAttributes(attribute.String("plan_tier", planTier)))
}

func (m *Metrics) recordLockoutRejection(ctx context.Context) {
	if m == nil {
		return
	}
	m.LockoutRejections.Add(ctx, 1)
}

func (m *Metrics) recordAlertSent(ctx context.Context, thresholdDays int) {
	if m == nil {
		return
	}
	m.AlertsSent.Add(ctx, 1, metric.WithAttributes(attribute.Int("threshold_days", thresholdDays)))
}

func (m *Metrics) recordAlertSendFailure(ctx context.Context, thresholdDays int) {
	if m == nil {
		return
	}
	m.AlertSendFailures.Add(ctx, 1, metric.WithAttributes(attribute.Int("threshold_days", thresholdDays)))
}

func (m *Metrics) recordTick(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.SchedulerTicks.Add(ctx, 1)
	if err != nil {
		m.SchedulerTickErrors.Add(ctx, 1)
	}
}

// failureReason maps validation errors to a bounded metric label set.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrLocked):
		return "locked"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.Is(err, ErrSuspended):
		return "suspended"
	default:
		return "error"
	}
}
