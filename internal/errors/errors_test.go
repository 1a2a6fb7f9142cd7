package errors

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIErrorImplementsError(t *testing.T) {
	err := New(http.StatusNotFound, CodeLicenseNotFound, "License not found")
	assert.Equal(t, "License not found", err.Error())
	assert.Equal(t, http.StatusNotFound, err.StatusCode)
	assert.Equal(t, CodeLicenseNotFound, err.ErrorCode)
}

func TestAPIErrorRenderSetsStatus(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	apiErr := ErrLicenseExpired
	require.NoError(t, render.Render(w, r, apiErr))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), CodeLicenseExpired)
}

func TestErrLockedForCarriesRetryAfter(t *testing.T) {
	err := ErrLockedFor(900)
	assert.Equal(t, http.StatusTooManyRequests, err.StatusCode)
	assert.Equal(t, CodeLocked, err.ErrorCode)

	details, ok := err.Details.(map[string]int)
	require.True(t, ok)
	assert.Equal(t, 900, details["retry_after_seconds"])
}

func TestErrValidationDetails(t *testing.T) {
	err := ErrValidation("plan_tier", "unknown plan tier")
	assert.Equal(t, http.StatusBadRequest, err.StatusCode)

	details, ok := err.Details.(ValidationError)
	require.True(t, ok)
	assert.Equal(t, "plan_tier", details.Field)
}

func TestErrorResponseEnvelope(t *testing.T) {
	resp := NewErrorResponse(ErrLicenseNotFound)
	assert.False(t, resp.Success)
	assert.Equal(t, CodeLicenseNotFound, resp.Error.ErrorCode)
}
