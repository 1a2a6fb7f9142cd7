// Package store persists licenses, credentials, alerts, and usage events in
// an embedded SQLite database. It implements license.Repository.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"keygate/internal/license"
)

// Store is the SQLite-backed license repository. The license document is
// stored as JSON alongside indexed columns for the fields queries filter on;
// the document is authoritative, the columns are kept in sync on every save.
type Store struct {
	db   *sql.DB
	path string
}

// Open connects to the database at path, applies pragmas, and migrates the
// schema. The file is created when missing.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// Pragmas apply per connection; a single pooled connection keeps them
	// in force and sidesteps writer contention.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Ping verifies the database connection. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) applyMigrations(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS licenses (
            id          TEXT PRIMARY KEY,
            subject     TEXT NOT NULL,
            plan_tier   TEXT NOT NULL,
            status      TEXT NOT NULL,
            created_at  INTEGER NOT NULL,
            expires_at  INTEGER,
            doc         TEXT NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_licenses_subject_plan ON licenses (subject, plan_tier, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_licenses_status ON licenses (status)`,
		`CREATE INDEX IF NOT EXISTS idx_licenses_expires_at ON licenses (expires_at)`,
		`CREATE TABLE IF NOT EXISTS credentials (
            license_id  TEXT PRIMARY KEY REFERENCES licenses (id) ON DELETE CASCADE,
            secret_hash TEXT NOT NULL,
            created_at  INTEGER NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS alerts (
            license_id     TEXT NOT NULL REFERENCES licenses (id) ON DELETE CASCADE,
            threshold_days INTEGER NOT NULL,
            fire_at        INTEGER NOT NULL,
            sent           INTEGER NOT NULL DEFAULT 0,
            sent_at        INTEGER,
            UNIQUE (license_id, threshold_days)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_due ON alerts (sent, fire_at)`,
		`CREATE TABLE IF NOT EXISTS usage_events (
            id            INTEGER PRIMARY KEY AUTOINCREMENT,
            subject       TEXT NOT NULL,
            plan_tier     TEXT NOT NULL,
            day           TEXT NOT NULL,
            weekday       INTEGER NOT NULL,
            hour          INTEGER NOT NULL,
            month         TEXT NOT NULL,
            duration_secs INTEGER NOT NULL,
            recorded_at   INTEGER NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_usage_subject ON usage_events (subject, plan_tier)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_day ON usage_events (day)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}

	return nil
}

// SaveLicense upserts the license document and refreshes the indexed
// columns. When cred is non-nil the credential is upserted in the same
// transaction.
func (s *Store) SaveLicense(ctx context.Context, l *license.License, cred *license.Credential) error {
	if l == nil {
		return errors.New("license is nil")
	}

	doc, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal license: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin save", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO licenses (id, subject, plan_tier, status, created_at, expires_at, doc)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (id) DO UPDATE SET
             status = excluded.status,
             expires_at = excluded.expires_at,
             doc = excluded.doc`,
		l.ID,
		l.Subject,
		l.PlanTier,
		string(l.Status),
		l.CreatedAt.UTC().Unix(),
		nullableUnix(l.ExpiresAt),
		string(doc),
	)
	if err != nil {
		return unavailable("save license", err)
	}

	if cred != nil {
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO credentials (license_id, secret_hash, created_at)
             VALUES (?, ?, ?)
             ON CONFLICT (license_id) DO UPDATE SET
                 secret_hash = excluded.secret_hash,
                 created_at = excluded.created_at`,
			cred.LicenseID,
			cred.SecretHash,
			cred.CreatedAt.UTC().Unix(),
		)
		if err != nil {
			return unavailable("save credential", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit save", err)
	}

	return nil
}

// LicenseByID loads one license and its credential, if one still exists.
func (s *Store) LicenseByID(ctx context.Context, id string) (*license.License, *license.Credential, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT l.doc, c.license_id, c.secret_hash, c.created_at
         FROM licenses l
         LEFT JOIN credentials c ON c.license_id = l.id
         WHERE l.id = ?`,
		id,
	)
	return scanLicense(row)
}

// ActiveLicense loads the newest non-terminal license for a subject and
// plan tier.
func (s *Store) ActiveLicense(ctx context.Context, subject, planTier string) (*license.License, *license.Credential, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT l.doc, c.license_id, c.secret_hash, c.created_at
         FROM licenses l
         LEFT JOIN credentials c ON c.license_id = l.id
         WHERE l.subject = ? AND l.plan_tier = ? AND l.status NOT IN (?, ?)
         ORDER BY l.created_at DESC
         LIMIT 1`,
		subject,
		planTier,
		string(license.StatusExpired),
		string(license.StatusRevoked),
	)
	return scanLicense(row)
}

// LicenseHistory lists every license ever issued for a subject and plan
// tier, newest first.
func (s *Store) LicenseHistory(ctx context.Context, subject, planTier string) ([]*license.License, error) {
	return s.queryLicenses(
		ctx,
		`SELECT doc FROM licenses WHERE subject = ? AND plan_tier = ? ORDER BY created_at DESC`,
		subject,
		planTier,
	)
}

// ListNonTerminal lists licenses whose stored status is not terminal.
func (s *Store) ListNonTerminal(ctx context.Context) ([]*license.License, error) {
	return s.queryLicenses(
		ctx,
		`SELECT doc FROM licenses WHERE status NOT IN (?, ?) ORDER BY created_at`,
		string(license.StatusExpired),
		string(license.StatusRevoked),
	)
}

// ListLicenses lists licenses matching the filter, newest first.
func (s *Store) ListLicenses(ctx context.Context, filter license.StatsFilter) ([]*license.License, error) {
	query := `SELECT doc FROM licenses`
	var (
		clauses []string
		args    []any
	)
	if filter.Subject != "" {
		clauses = append(clauses, "subject = ?")
		args = append(args, filter.Subject)
	}
	if filter.PlanTier != "" {
		clauses = append(clauses, "plan_tier = ?")
		args = append(args, filter.PlanTier)
	}
	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY created_at DESC"

	return s.queryLicenses(ctx, query, args...)
}

// ReplaceAlerts swaps the unsent alert set for a license. Sent alerts keep
// their rows; the unique constraint makes a re-insert of a sent threshold a
// no-op, so a threshold is never armed twice.
func (s *Store) ReplaceAlerts(ctx context.Context, licenseID string, alerts []license.Alert) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin replace alerts", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(
		ctx,
		`DELETE FROM alerts WHERE license_id = ? AND sent = 0`,
		licenseID,
	); err != nil {
		return unavailable("delete unsent alerts", err)
	}

	for _, alert := range alerts {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO alerts (license_id, threshold_days, fire_at, sent)
             VALUES (?, ?, ?, 0)`,
			alert.LicenseID,
			alert.ThresholdDays,
			alert.FireAt.UTC().Unix(),
		); err != nil {
			return unavailable("insert alert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit replace alerts", err)
	}

	return nil
}

// DueAlerts returns unsent alerts due at or before now, oldest first.
func (s *Store) DueAlerts(ctx context.Context, now time.Time) ([]license.Alert, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT license_id, threshold_days, fire_at, sent, sent_at
         FROM alerts
         WHERE sent = 0 AND fire_at <= ?
         ORDER BY fire_at`,
		now.UTC().Unix(),
	)
	if err != nil {
		return nil, unavailable("query due alerts", err)
	}
	defer rows.Close()

	var alerts []license.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, unavailable("scan alert", err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// MarkAlertSent flags one alert as sent. Already-sent rows are untouched.
func (s *Store) MarkAlertSent(ctx context.Context, licenseID string, thresholdDays int, at time.Time) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE alerts SET sent = 1, sent_at = ?
         WHERE license_id = ? AND threshold_days = ? AND sent = 0`,
		at.UTC().Unix(),
		licenseID,
		thresholdDays,
	)
	if err != nil {
		return unavailable("mark alert sent", err)
	}
	return nil
}

// DeleteCredential destroys the stored credential for a license.
func (s *Store) DeleteCredential(ctx context.Context, licenseID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE license_id = ?`, licenseID)
	if err != nil {
		return unavailable("delete credential", err)
	}
	return nil
}

// InsertUsageEvent appends one access event.
func (s *Store) InsertUsageEvent(ctx context.Context, ev license.UsageEvent) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO usage_events (subject, plan_tier, day, weekday, hour, month, duration_secs, recorded_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Subject,
		ev.PlanTier,
		ev.Day,
		ev.Weekday,
		ev.Hour,
		ev.Month,
		ev.DurationSecs,
		ev.RecordedAt.UTC().Unix(),
	)
	if err != nil {
		return unavailable("insert usage event", err)
	}
	return nil
}

// UsageAggregates computes the bucketed usage view for the filter.
func (s *Store) UsageAggregates(ctx context.Context, filter license.StatsFilter) (*license.UsageAggregates, error) {
	where, args := usageFilter(filter)

	agg := &license.UsageAggregates{
		ByDay:     make(map[string]int64),
		ByWeekday: make(map[int]int64),
		ByMonth:   make(map[string]int64),
	}

	var totalSecs sql.NullInt64
	row := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1), COALESCE(SUM(duration_secs), 0), COUNT(DISTINCT subject)
         FROM usage_events`+where,
		args...,
	)
	if err := row.Scan(&agg.TotalEvents, &totalSecs, &agg.DistinctSubjects); err != nil {
		return nil, unavailable("usage totals", err)
	}
	agg.TotalDuration = time.Duration(totalSecs.Int64) * time.Second

	if err := s.countInto(ctx, `SELECT day, COUNT(1) FROM usage_events`+where+` GROUP BY day`, args, func(key string, count int64) {
		agg.ByDay[key] = count
	}); err != nil {
		return nil, err
	}
	if err := s.weekdayCounts(ctx, where, args, agg.ByWeekday); err != nil {
		return nil, err
	}
	if err := s.countInto(ctx, `SELECT month, COUNT(1) FROM usage_events`+where+` GROUP BY month`, args, func(key string, count int64) {
		agg.ByMonth[key] = count
	}); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT subject, COUNT(1) AS n FROM usage_events`+where+` GROUP BY subject ORDER BY n DESC LIMIT 10`,
		args...,
	)
	if err != nil {
		return nil, unavailable("top subjects", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sc license.SubjectCount
		if err := rows.Scan(&sc.Subject, &sc.Count); err != nil {
			return nil, unavailable("scan top subject", err)
		}
		agg.TopSubjects = append(agg.TopSubjects, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate top subjects", err)
	}

	recent, err := s.recentEvents(ctx, where, args)
	if err != nil {
		return nil, err
	}
	agg.RecentEvents = recent

	return agg, nil
}

// DeleteExpiredBefore removes licenses that expired before the cutoff.
// Credentials and alerts follow through the foreign keys.
func (s *Store) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM licenses
         WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ?`,
		string(license.StatusExpired),
		cutoff.UTC().Unix(),
	)
	if err != nil {
		return 0, unavailable("delete expired licenses", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("rows affected", err)
	}
	return removed, nil
}

func (s *Store) queryLicenses(ctx context.Context, query string, args ...any) ([]*license.License, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query licenses", err)
	}
	defer rows.Close()

	var licenses []*license.License
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, unavailable("scan license", err)
		}
		var l license.License
		if err := json.Unmarshal([]byte(doc), &l); err != nil {
			return nil, fmt.Errorf("unmarshal license: %w", err)
		}
		licenses = append(licenses, &l)
	}
	return licenses, rows.Err()
}

func (s *Store) countInto(ctx context.Context, query string, args []any, set func(key string, count int64)) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return unavailable("usage buckets", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return unavailable("scan usage bucket", err)
		}
		set(key, count)
	}
	return rows.Err()
}

func (s *Store) weekdayCounts(ctx context.Context, where string, args []any, into map[int]int64) error {
	rows, err := s.db.QueryContext(ctx, `SELECT weekday, COUNT(1) FROM usage_events`+where+` GROUP BY weekday`, args...)
	if err != nil {
		return unavailable("weekday buckets", err)
	}
	defer rows.Close()

	for rows.Next() {
		var weekday int
		var count int64
		if err := rows.Scan(&weekday, &count); err != nil {
			return unavailable("scan weekday bucket", err)
		}
		into[weekday] = count
	}
	return rows.Err()
}

func (s *Store) recentEvents(ctx context.Context, where string, args []any) ([]license.UsageEvent, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT subject, plan_tier, day, weekday, hour, month, duration_secs, recorded_at
         FROM usage_events`+where+` ORDER BY recorded_at DESC LIMIT 20`,
		args...,
	)
	if err != nil {
		return nil, unavailable("recent usage events", err)
	}
	defer rows.Close()

	var events []license.UsageEvent
	for rows.Next() {
		var ev license.UsageEvent
		var recorded int64
		if err := rows.Scan(&ev.Subject, &ev.PlanTier, &ev.Day, &ev.Weekday, &ev.Hour, &ev.Month, &ev.DurationSecs, &recorded); err != nil {
			return nil, unavailable("scan usage event", err)
		}
		ev.RecordedAt = time.Unix(recorded, 0).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanLicense(row *sql.Row) (*license.License, *license.Credential, error) {
	var (
		doc        string
		credID     sql.NullString
		secretHash sql.NullString
		credAt     sql.NullInt64
	)
	if err := row.Scan(&doc, &credID, &secretHash, &credAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, license.ErrNotFound
		}
		return nil, nil, unavailable("load license", err)
	}

	var l license.License
	if err := json.Unmarshal([]byte(doc), &l); err != nil {
		return nil, nil, fmt.Errorf("unmarshal license: %w", err)
	}

	var cred *license.Credential
	if credID.Valid {
		cred = &license.Credential{
			LicenseID:  credID.String,
			SecretHash: secretHash.String,
			CreatedAt:  time.Unix(credAt.Int64, 0).UTC(),
		}
	}

	return &l, cred, nil
}

func scanAlert(scanner interface{ Scan(dest ...any) error }) (license.Alert, error) {
	var (
		alert  license.Alert
		fireAt int64
		sent   int64
		sentAt sql.NullInt64
	)
	if err := scanner.Scan(&alert.LicenseID, &alert.ThresholdDays, &fireAt, &sent, &sentAt); err != nil {
		return license.Alert{}, err
	}
	alert.FireAt = time.Unix(fireAt, 0).UTC()
	alert.Sent = sent != 0
	if sentAt.Valid {
		at := time.Unix(sentAt.Int64, 0).UTC()
		alert.SentAt = &at
	}
	return alert, nil
}

func usageFilter(filter license.StatsFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.Subject != "" {
		clauses = append(clauses, "subject = ?")
		args = append(args, filter.Subject)
	}
	if filter.PlanTier != "" {
		clauses = append(clauses, "plan_tier = ?")
		args = append(args, filter.PlanTier)
	}

	where := ""
	for i, clause := range clauses {
		if i == 0 {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
	}
	return where, args
}

func nullableUnix(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Unix()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, license.ErrRepositoryUnavailable, err)
}
