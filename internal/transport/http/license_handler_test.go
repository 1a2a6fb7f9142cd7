package http

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	nethttp "net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/clock"
	"keygate/internal/license"
	"keygate/internal/lockout"
	"keygate/internal/notify"
	"keygate/internal/secrets"
	"keygate/internal/store"
)

type apiFixture struct {
	router *chi.Mux
	clock  *clock.Mock
	store  *store.Store
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "keygate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mock := clock.NewMock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	guard := lockout.NewGuard(5, 30*time.Minute, mock)
	t.Cleanup(guard.Stop)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := license.NewEngine(st, secrets.NewCodec(secrets.MinIterations), guard, notify.NewLogSender(logger), license.Options{
		Clock:  mock,
		Logger: logger,
	})

	licenses := NewLicenseHandler(engine, logger)
	stats := NewStatsHandler(engine, logger)
	health := NewHealthHandler(st, nil, "test", logger)

	router := chi.NewRouter()
	router.Mount("/api/licenses", licenses.Routes())
	router.Get("/api/statistics", stats.Get)
	router.Get("/healthz", health.Get)

	return &apiFixture{router: router, clock: mock, store: st}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	decoded := make(map[string]any)
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func (f *apiFixture) issue(t *testing.T, subject, plan, kind string) (string, string) {
	t.Helper()
	rec, body := f.do(t, nethttp.MethodPost, "/api/licenses", map[string]any{
		"subject":     subject,
		"plan_tier":   plan,
		"period_kind": kind,
	})
	require.Equal(t, nethttp.StatusCreated, rec.Code, rec.Body.String())
	secret := body["secret"].(string)
	lic := body["license"].(map[string]any)
	return secret, lic["id"].(string)
}

func errorCode(body map[string]any) string {
	errObj, _ := body["error"].(map[string]any)
	code, _ := errObj["error_code"].(string)
	return code
}

func TestIssueAndValidateFlow(t *testing.T) {
	f := newAPIFixture(t)

	secret, _ := f.issue(t, "acct-1", "pro", "short")
	require.NotEmpty(t, secret)

	rec, body := f.do(t, nethttp.MethodPost, "/api/licenses/validate", map[string]any{
		"subject":   "acct-1",
		"plan_tier": "pro",
		"secret":    secret,
	})
	require.Equal(t, nethttp.StatusOK, rec.Code, rec.Body.String())

	status := body["status"].(map[string]any)
	assert.Equal(t, "active", status["status"])
	assert.EqualValues(t, 1, status["access_count"])
	assert.NotEmpty(t, status["expires_at"])
}

func TestIssueDuplicateConflict(t *testing.T) {
	f := newAPIFixture(t)

	f.issue(t, "acct-1", "pro", "short")
	rec, body := f.do(t, nethttp.MethodPost, "/api/licenses", map[string]any{
		"subject":     "acct-1",
		"plan_tier":   "pro",
		"period_kind": "short",
	})

	assert.Equal(t, nethttp.StatusConflict, rec.Code)
	assert.Equal(t, "LICENSE_EXISTS", errorCode(body))
}

func TestIssueValidationFailures(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name    string
		payload map[string]any
	}{
		{name: "missing subject", payload: map[string]any{"plan_tier": "pro", "period_kind": "short"}},
		{name: "bad period kind", payload: map[string]any{"subject": "a", "plan_tier": "pro", "period_kind": "quarterly"}},
		{name: "custom without days", payload: map[string]any{"subject": "a", "plan_tier": "pro", "period_kind": "custom"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := f.do(t, nethttp.MethodPost, "/api/licenses", tt.payload)
			assert.Equal(t, nethttp.StatusBadRequest, rec.Code)
		})
	}
}

func TestValidateDoesNotLeakExistence(t *testing.T) {
	f := newAPIFixture(t)
	f.issue(t, "acct-1", "pro", "short")

	// Wrong secret for an existing subject.
	recWrong, bodyWrong := f.do(t, nethttp.MethodPost, "/api/licenses/validate", map[string]any{
		"subject":   "acct-1",
		"plan_tier": "pro",
		"secret":    "Wrong-secret-1!",
	})

	// Subject that does not exist at all.
	recGhost, bodyGhost := f.do(t, nethttp.MethodPost, "/api/licenses/validate", map[string]any{
		"subject":   "ghost",
		"plan_tier": "pro",
		"secret":    "Wrong-secret-1!",
	})

	assert.Equal(t, nethttp.StatusUnauthorized, recWrong.Code)
	assert.Equal(t, recWrong.Code, recGhost.Code)
	assert.Equal(t, errorCode(bodyWrong), errorCode(bodyGhost))
	assert.Equal(t, "INVALID_CREDENTIAL", errorCode(bodyGhost))
}

func TestValidateLockout(t *testing.T) {
	f := newAPIFixture(t)
	secret, _ := f.issue(t, "acct-1", "pro", "short")

	for i := 0; i < 5; i++ {
		rec, _ := f.do(t, nethttp.MethodPost, "/api/licenses/validate", map[string]any{
			"subject":   "acct-1",
			"plan_tier": "pro",
			"secret":    "Wrong-secret-1!",
		})
		require.Equal(t, nethttp.StatusUnauthorized, rec.Code)
	}

	rec, body := f.do(t, nethttp.MethodPost, "/api/licenses/validate", map[string]any{
		"subject":   "acct-1",
		"plan_tier": "pro",
		"secret":    secret,
	})
	assert.Equal(t, nethttp.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "LOCKED", errorCode(body))

	errObj := body["error"].(map[string]any)
	details := errObj["details"].(map[string]any)
	assert.EqualValues(t, 1800, details["retry_after_seconds"])

	// The window passes; the correct secret works again.
	f.clock.Advance(31 * time.Minute)
	rec, _ = f.do(t, nethttp.MethodPost, "/api/licenses/validate", map[string]any{
		"subject":   "acct-1",
		"plan_tier": "pro",
		"secret":    secret,
	})
	assert.Equal(t, nethttp.StatusOK, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.issue(t, "acct-1", "pro", "short")

	rec, _ := f.do(t, nethttp.MethodGet, "/api/licenses/status", nil)
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)

	rec, body := f.do(t, nethttp.MethodGet, "/api/licenses/status?subject=acct-1&plan_tier=pro", nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	status := body["status"].(map[string]any)
	assert.Equal(t, "created", status["status"])

	rec, body = f.do(t, nethttp.MethodGet, "/api/licenses/status?subject=ghost&plan_tier=pro", nil)
	assert.Equal(t, nethttp.StatusNotFound, rec.Code)
	assert.Equal(t, "LICENSE_NOT_FOUND", errorCode(body))
}

func TestAdminLifecycleEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	secret, licenseID := f.issue(t, "acct-1", "pro", "short")

	rec, _ := f.do(t, nethttp.MethodPost, "/api/licenses/validate", map[string]any{
		"subject":   "acct-1",
		"plan_tier": "pro",
		"secret":    secret,
	})
	require.Equal(t, nethttp.StatusOK, rec.Code)

	// Suspend, then validation is refused.
	rec, body := f.do(t, nethttp.MethodPost, "/api/licenses/"+licenseID+"/suspend", map[string]any{
		"reason": "payment hold",
	})
	require.Equal(t, nethttp.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "suspended", body["status"].(map[string]any)["status"])

	rec, body = f.do(t, nethttp.MethodPost, "/api/licenses/validate", map[string]any{
		"subject":   "acct-1",
		"plan_tier": "pro",
		"secret":    secret,
	})
	assert.Equal(t, nethttp.StatusForbidden, rec.Code)
	assert.Equal(t, "LICENSE_SUSPENDED", errorCode(body))

	// Double suspend conflicts.
	rec, body = f.do(t, nethttp.MethodPost, "/api/licenses/"+licenseID+"/suspend", map[string]any{
		"reason": "again",
	})
	assert.Equal(t, nethttp.StatusConflict, rec.Code)
	assert.Equal(t, "STATE_CONFLICT", errorCode(body))

	// Reactivate with compensation.
	f.clock.Advance(10 * 24 * time.Hour)
	rec, body = f.do(t, nethttp.MethodPost, "/api/licenses/"+licenseID+"/reactivate", map[string]any{
		"compensate": true,
	})
	require.Equal(t, nethttp.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "active", body["status"].(map[string]any)["status"])

	// Extend.
	rec, body = f.do(t, nethttp.MethodPost, "/api/licenses/"+licenseID+"/extend", map[string]any{
		"days":   30,
		"reason": "renewal",
	})
	require.Equal(t, nethttp.StatusOK, rec.Code, rec.Body.String())

	// Revoke; afterwards validation cannot tell the license ever existed.
	rec, _ = f.do(t, nethttp.MethodPost, "/api/licenses/"+licenseID+"/revoke", nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)

	rec, body = f.do(t, nethttp.MethodPost, "/api/licenses/validate", map[string]any{
		"subject":   "acct-1",
		"plan_tier": "pro",
		"secret":    secret,
	})
	assert.Equal(t, nethttp.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_CREDENTIAL", errorCode(body))

	// Admin operations on a missing license 404.
	rec, body = f.do(t, nethttp.MethodPost, "/api/licenses/nonexistent/revoke", nil)
	assert.Equal(t, nethttp.StatusNotFound, rec.Code)
	assert.Equal(t, "LICENSE_NOT_FOUND", errorCode(body))
}

func TestExtendBeforeActivationConflicts(t *testing.T) {
	f := newAPIFixture(t)
	_, licenseID := f.issue(t, "acct-1", "pro", "short")

	rec, body := f.do(t, nethttp.MethodPost, "/api/licenses/"+licenseID+"/extend", map[string]any{
		"days": 30,
	})
	assert.Equal(t, nethttp.StatusConflict, rec.Code)
	assert.Equal(t, "STATE_CONFLICT", errorCode(body))
}

func TestHistoryEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	_, licenseID := f.issue(t, "acct-1", "pro", "short")
	rec, _ := f.do(t, nethttp.MethodPost, "/api/licenses/"+licenseID+"/revoke", nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	f.clock.Advance(time.Hour)
	f.issue(t, "acct-1", "pro", "long")

	rec, body := f.do(t, nethttp.MethodGet, "/api/licenses/history?subject=acct-1&plan_tier=pro", nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	licenses := body["licenses"].([]any)
	require.Len(t, licenses, 2)
	assert.Equal(t, "long", licenses[0].(map[string]any)["period_kind"])
	assert.Equal(t, "revoked", licenses[1].(map[string]any)["status"])
}

func TestStatisticsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	secret, _ := f.issue(t, "acct-1", "pro", "short")
	rec, _ := f.do(t, nethttp.MethodPost, "/api/licenses/validate", map[string]any{
		"subject":               "acct-1",
		"plan_tier":             "pro",
		"secret":                secret,
		"session_duration_secs": 600,
	})
	require.Equal(t, nethttp.StatusOK, rec.Code)

	rec, body := f.do(t, nethttp.MethodGet, "/api/statistics", nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	report := body["report"].(map[string]any)
	assert.EqualValues(t, 1, report["total_licenses"])
	usage := report["usage"].(map[string]any)
	assert.EqualValues(t, 1, usage["total_events"])
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec, body := f.do(t, nethttp.MethodGet, "/healthz", nil)
	assert.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}
