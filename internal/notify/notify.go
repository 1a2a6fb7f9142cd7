// Package notify defines the outbound notification contract. The engine
// only depends on the boolean-result Send contract; transports (SMTP,
// webhooks) live behind it and are out of scope here.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Kind identifies the notification template to use.
type Kind string

const (
	// KindCredentialIssued is sent when a new credential is issued.
	KindCredentialIssued Kind = "credential_issued"
	// KindExpirationWarning is sent by the alert scheduler as a license
	// approaches expiry.
	KindExpirationWarning Kind = "expiration_warning"
)

// Payload carries the template data for a notification.
type Payload struct {
	LicenseID     string     `json:"license_id"`
	PlanTier      string     `json:"plan_tier"`
	DaysRemaining int        `json:"days_remaining,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Message       string     `json:"message,omitempty"`
}

// Sender delivers notifications. A nil error means the notification was
// accepted; the alert scheduler only marks alerts sent on success.
type Sender interface {
	Send(ctx context.Context, kind Kind, subject string, payload Payload) error
}

// LogSender writes notifications to the structured log. It is the default
// sender for deployments without an outbound transport configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a log-backed sender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With(slog.String("component", "notify"))}
}

// Send implements Sender.
func (s *LogSender) Send(ctx context.Context, kind Kind, subject string, payload Payload) error {
	attrs := []any{
		slog.String("action", "notification_send"),
		slog.String("kind", string(kind)),
		slog.String("subject", subject),
		slog.String("license_id", payload.LicenseID),
		slog.String("plan_tier", payload.PlanTier),
	}
	if kind == KindExpirationWarning {
		attrs = append(attrs, slog.Int("days_remaining", payload.DaysRemaining))
	}
	s.logger.InfoContext(ctx, "notification dispatched", attrs...)
	return nil
}

// Func adapts a function to the Sender interface. Used by tests.
type Func func(ctx context.Context, kind Kind, subject string, payload Payload) error

// Send implements Sender.
func (f Func) Send(ctx context.Context, kind Kind, subject string, payload Payload) error {
	return f(ctx, kind, subject, payload)
}
