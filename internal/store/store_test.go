package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/license"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "keygate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newStoredLicense(t *testing.T, subject, plan string, days int, created time.Time) (*license.License, *license.Credential) {
	t.Helper()
	lic, err := license.NewLicense(subject, plan, license.PeriodCustom, days, created)
	require.NoError(t, err)
	cred := &license.Credential{
		LicenseID:  lic.ID,
		SecretHash: "pbkdf2-sha256$100000$c2FsdA$a2V5",
		CreatedAt:  created,
	}
	return lic, cred
}

func TestSaveAndLoadLicense(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	lic, cred := newStoredLicense(t, "acct-1", "pro", 90, created)
	require.NoError(t, license.Activate(lic, created.Add(time.Hour)))
	require.NoError(t, s.SaveLicense(ctx, lic, cred))

	got, gotCred, err := s.LicenseByID(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, lic.ID, got.ID)
	assert.Equal(t, lic.Subject, got.Subject)
	assert.Equal(t, license.StatusActive, got.Status)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(*lic.ExpiresAt))
	require.NotNil(t, gotCred)
	assert.Equal(t, cred.SecretHash, gotCred.SecretHash)

	// Upsert without credential keeps the stored one.
	got.AccessCount = 7
	require.NoError(t, s.SaveLicense(ctx, got, nil))
	again, againCred, err := s.LicenseByID(ctx, lic.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 7, again.AccessCount)
	require.NotNil(t, againCred)
}

func TestLicenseByIDNotFound(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.LicenseByID(context.Background(), "missing")
	assert.ErrorIs(t, err, license.ErrNotFound)
}

func TestActiveLicense(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// A revoked license does not count as active.
	revoked, cred := newStoredLicense(t, "acct-1", "pro", 90, created)
	require.NoError(t, license.Revoke(revoked, created))
	require.NoError(t, s.SaveLicense(ctx, revoked, cred))

	_, _, err := s.ActiveLicense(ctx, "acct-1", "pro")
	assert.ErrorIs(t, err, license.ErrNotFound)

	// The replacement is found; the newest non-terminal wins.
	replacement, cred2 := newStoredLicense(t, "acct-1", "pro", 90, created.Add(time.Hour))
	require.NoError(t, s.SaveLicense(ctx, replacement, cred2))

	got, gotCred, err := s.ActiveLicense(ctx, "acct-1", "pro")
	require.NoError(t, err)
	assert.Equal(t, replacement.ID, got.ID)
	require.NotNil(t, gotCred)

	// Other plan tiers are separate.
	_, _, err = s.ActiveLicense(ctx, "acct-1", "enterprise")
	assert.ErrorIs(t, err, license.ErrNotFound)
}

func TestLicenseHistoryOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	first, _ := newStoredLicense(t, "acct-1", "pro", 30, created)
	second, _ := newStoredLicense(t, "acct-1", "pro", 30, created.Add(2*time.Hour))
	other, _ := newStoredLicense(t, "acct-2", "pro", 30, created)
	require.NoError(t, s.SaveLicense(ctx, first, nil))
	require.NoError(t, s.SaveLicense(ctx, second, nil))
	require.NoError(t, s.SaveLicense(ctx, other, nil))

	history, err := s.LicenseHistory(ctx, "acct-1", "pro")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ID)
	assert.Equal(t, first.ID, history[1].ID)
}

func TestListNonTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	active, _ := newStoredLicense(t, "acct-1", "pro", 90, created)
	require.NoError(t, license.Activate(active, created))
	expired, _ := newStoredLicense(t, "acct-2", "pro", 90, created)
	require.NoError(t, license.Activate(expired, created))
	expired.Status = license.StatusExpired
	require.NoError(t, s.SaveLicense(ctx, active, nil))
	require.NoError(t, s.SaveLicense(ctx, expired, nil))

	got, err := s.ListNonTerminal(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, active.ID, got[0].ID)
}

func TestListLicensesFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	a, _ := newStoredLicense(t, "acct-1", "pro", 30, created)
	b, _ := newStoredLicense(t, "acct-1", "basic", 30, created.Add(time.Hour))
	c, _ := newStoredLicense(t, "acct-2", "pro", 30, created)
	for _, lic := range []*license.License{a, b, c} {
		require.NoError(t, s.SaveLicense(ctx, lic, nil))
	}

	all, err := s.ListLicenses(ctx, license.StatsFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	bySubject, err := s.ListLicenses(ctx, license.StatsFilter{Subject: "acct-1"})
	require.NoError(t, err)
	assert.Len(t, bySubject, 2)

	both, err := s.ListLicenses(ctx, license.StatsFilter{Subject: "acct-1", PlanTier: "basic"})
	require.NoError(t, err)
	require.Len(t, both, 1)
	assert.Equal(t, b.ID, both[0].ID)
}

func TestAlertLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	lic, _ := newStoredLicense(t, "acct-1", "pro", 90, created)
	require.NoError(t, s.SaveLicense(ctx, lic, nil))

	fire := created.Add(60 * 24 * time.Hour)
	require.NoError(t, s.ReplaceAlerts(ctx, lic.ID, []license.Alert{
		{LicenseID: lic.ID, ThresholdDays: 30, FireAt: fire},
		{LicenseID: lic.ID, ThresholdDays: 14, FireAt: fire.Add(16 * 24 * time.Hour)},
	}))

	// Not due yet.
	due, err := s.DueAlerts(ctx, fire.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.DueAlerts(ctx, fire)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 30, due[0].ThresholdDays)

	require.NoError(t, s.MarkAlertSent(ctx, lic.ID, 30, fire))
	due, err = s.DueAlerts(ctx, fire)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestReplaceAlertsPreservesSent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	lic, _ := newStoredLicense(t, "acct-1", "pro", 90, created)
	require.NoError(t, s.SaveLicense(ctx, lic, nil))

	fire := created.Add(60 * 24 * time.Hour)
	require.NoError(t, s.ReplaceAlerts(ctx, lic.ID, []license.Alert{
		{LicenseID: lic.ID, ThresholdDays: 30, FireAt: fire},
		{LicenseID: lic.ID, ThresholdDays: 14, FireAt: fire.Add(16 * 24 * time.Hour)},
	}))
	require.NoError(t, s.MarkAlertSent(ctx, lic.ID, 30, fire))

	// Rescheduling after an extension re-arms the unsent thresholds but
	// never resets the sent one.
	newFire := fire.Add(40 * 24 * time.Hour)
	require.NoError(t, s.ReplaceAlerts(ctx, lic.ID, []license.Alert{
		{LicenseID: lic.ID, ThresholdDays: 30, FireAt: newFire},
		{LicenseID: lic.ID, ThresholdDays: 14, FireAt: newFire.Add(16 * 24 * time.Hour)},
	}))

	// Once every rescheduled threshold has come due, only the unsent one
	// surfaces: the sent 30-day alert stays marked despite the re-insert.
	horizon := newFire.Add(16 * 24 * time.Hour)
	due, err := s.DueAlerts(ctx, horizon)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 14, due[0].ThresholdDays)
	assert.True(t, due[0].FireAt.Equal(horizon))
}

func TestDeleteCredential(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	lic, cred := newStoredLicense(t, "acct-1", "pro", 90, created)
	require.NoError(t, s.SaveLicense(ctx, lic, cred))
	require.NoError(t, s.DeleteCredential(ctx, lic.ID))

	got, gotCred, err := s.LicenseByID(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, lic.ID, got.ID)
	assert.Nil(t, gotCred)
}

func TestUsageAggregates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	recorded := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

	events := []license.UsageEvent{
		{Subject: "acct-1", PlanTier: "pro", Day: "2026-03-02", Weekday: 1, Hour: 10, Month: "2026-03", DurationSecs: 600, RecordedAt: recorded},
		{Subject: "acct-1", PlanTier: "pro", Day: "2026-03-02", Weekday: 1, Hour: 14, Month: "2026-03", DurationSecs: 300, RecordedAt: recorded.Add(4 * time.Hour)},
		{Subject: "acct-2", PlanTier: "basic", Day: "2026-03-03", Weekday: 2, Hour: 9, Month: "2026-03", DurationSecs: 900, RecordedAt: recorded.Add(24 * time.Hour)},
	}
	for _, ev := range events {
		require.NoError(t, s.InsertUsageEvent(ctx, ev))
	}

	agg, err := s.UsageAggregates(ctx, license.StatsFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, agg.TotalEvents)
	assert.Equal(t, 30*time.Minute, agg.TotalDuration)
	assert.EqualValues(t, 2, agg.DistinctSubjects)
	assert.EqualValues(t, 2, agg.ByDay["2026-03-02"])
	assert.EqualValues(t, 2, agg.ByWeekday[1])
	assert.EqualValues(t, 3, agg.ByMonth["2026-03"])
	require.NotEmpty(t, agg.TopSubjects)
	assert.Equal(t, "acct-1", agg.TopSubjects[0].Subject)
	assert.EqualValues(t, 2, agg.TopSubjects[0].Count)
	require.Len(t, agg.RecentEvents, 3)
	assert.Equal(t, "acct-2", agg.RecentEvents[0].Subject)

	filtered, err := s.UsageAggregates(ctx, license.StatsFilter{Subject: "acct-2"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, filtered.TotalEvents)
	assert.Equal(t, 15*time.Minute, filtered.TotalDuration)
}

func TestDeleteExpiredBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	old, oldCred := newStoredLicense(t, "acct-1", "pro", 10, created)
	require.NoError(t, license.Activate(old, created))
	old.Status = license.StatusExpired
	require.NoError(t, s.SaveLicense(ctx, old, oldCred))
	require.NoError(t, s.ReplaceAlerts(ctx, old.ID, []license.Alert{
		{LicenseID: old.ID, ThresholdDays: 7, FireAt: created.Add(3 * 24 * time.Hour)},
	}))

	fresh, _ := newStoredLicense(t, "acct-2", "pro", 90, created)
	require.NoError(t, license.Activate(fresh, created))
	require.NoError(t, s.SaveLicense(ctx, fresh, nil))

	// Cutoff before the expiry removes nothing.
	removed, err := s.DeleteExpiredBefore(ctx, created)
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = s.DeleteExpiredBefore(ctx, created.Add(200*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	_, _, err = s.LicenseByID(ctx, old.ID)
	assert.ErrorIs(t, err, license.ErrNotFound)
	_, _, err = s.LicenseByID(ctx, fresh.ID)
	require.NoError(t, err)

	// Alerts went with the license through the foreign key.
	due, err := s.DueAlerts(ctx, created.Add(300*24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestPing(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
