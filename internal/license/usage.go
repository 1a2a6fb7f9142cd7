package license

import (
	"context"
	"log/slog"
	"time"

	"keygate/internal/infrastructure"
)

// UsageEvent is one recorded access, bucketed for aggregation. Events are
// append-only; every derived statistic can be recomputed from them and the
// license store at any time.
type UsageEvent struct {
	Subject      string    `json:"subject"`
	PlanTier     string    `json:"plan_tier"`
	Day          string    `json:"day"`   // 2006-01-02
	Weekday      int       `json:"weekday"`
	Hour         int       `json:"hour"`
	Month        string    `json:"month"` // 2006-01
	DurationSecs int64     `json:"duration_secs"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// UsageAggregates holds bucketed counters computed by the repository.
type UsageAggregates struct {
	TotalEvents      int64            `json:"total_events"`
	TotalDuration    time.Duration    `json:"total_duration"`
	DistinctSubjects int64            `json:"distinct_subjects"`
	ByDay            map[string]int64 `json:"by_day"`
	ByWeekday        map[int]int64    `json:"by_weekday"`
	ByMonth          map[string]int64 `json:"by_month"`
	TopSubjects      []SubjectCount   `json:"top_subjects"`
	RecentEvents     []UsageEvent     `json:"recent_events"`
}

// SubjectCount pairs a subject with its access count.
type SubjectCount struct {
	Subject string `json:"subject"`
	Count   int64  `json:"count"`
}

// Report is the aggregate statistics view exposed by the engine. Derived
// and non-authoritative.
type Report struct {
	GeneratedAt   time.Time          `json:"generated_at"`
	TotalLicenses int                `json:"total_licenses"`
	ByStatus      map[Status]int     `json:"by_status"`
	ByPlan        map[string]int     `json:"by_plan"`
	ByPeriodKind  map[PeriodKind]int `json:"by_period_kind"`
	Usage         *UsageAggregates   `json:"usage"`
}

// Recorder aggregates access events into daily, weekday, and monthly
// statistics through the repository.
type Recorder struct {
	repo Repository
}

// NewRecorder creates a usage recorder backed by the repository.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo}
}

// RecordAccess appends one access event. Failures are logged, not
// propagated: usage statistics must never fail a validation.
func (r *Recorder) RecordAccess(ctx context.Context, subject, planTier string, sessionDuration time.Duration, now time.Time) {
	ev := UsageEvent{
		Subject:      subject,
		PlanTier:     planTier,
		Day:          now.UTC().Format("2006-01-02"),
		Weekday:      int(now.UTC().Weekday()),
		Hour:         now.UTC().Hour(),
		Month:        now.UTC().Format("2006-01"),
		DurationSecs: int64(sessionDuration.Seconds()),
		RecordedAt:   now.UTC(),
	}

	if err := r.repo.InsertUsageEvent(ctx, ev); err != nil {
		infrastructure.LoggerWithContext(ctx).WarnContext(ctx, "failed to record usage event",
			slog.String("component", "usage_recorder"),
			slog.String("action", "record_access"),
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
	}
}
