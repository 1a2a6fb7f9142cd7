package errors

import (
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// APIError represents a structured API error response.
type APIError struct {
	StatusCode int         `json:"status_code"`
	ErrorCode  string      `json:"error_code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Render implements the render.Renderer interface for chi/render.
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// New creates a new APIError with the given parameters.
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// NewWithDetails creates a new APIError with additional details.
func NewWithDetails(statusCode int, errorCode, message string, details interface{}) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
		Details:    details,
	}
}

// Error codes surfaced by the license API. Validation failures are kept
// deliberately coarse: the API never distinguishes a missing subject from a
// wrong secret, to avoid account enumeration.
const (
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeInvalidCredential = "INVALID_CREDENTIAL"
	CodeLocked            = "LOCKED"
	CodeLicenseExpired    = "LICENSE_EXPIRED"
	CodeLicenseRevoked    = "LICENSE_REVOKED"
	CodeLicenseSuspended  = "LICENSE_SUSPENDED"
	CodeLicenseExists     = "LICENSE_EXISTS"
	CodeLicenseNotFound   = "LICENSE_NOT_FOUND"
	CodeStateConflict     = "STATE_CONFLICT"
	CodeStoreUnavailable  = "STORE_UNAVAILABLE"
	CodeInternal          = "INTERNAL_SERVER_ERROR"
)

// Predefined error responses for common scenarios.
var (
	ErrInvalidRequest    = New(http.StatusBadRequest, CodeInvalidRequest, "Invalid request format")
	ErrInvalidCredential = New(http.StatusUnauthorized, CodeInvalidCredential, "Invalid subject, plan, or secret")
	ErrLicenseExpired    = New(http.StatusForbidden, CodeLicenseExpired, "License has expired")
	ErrLicenseRevoked    = New(http.StatusForbidden, CodeLicenseRevoked, "License has been revoked")
	ErrLicenseSuspended  = New(http.StatusForbidden, CodeLicenseSuspended, "License is suspended")
	ErrLicenseNotFound   = New(http.StatusNotFound, CodeLicenseNotFound, "License not found")
	ErrLicenseExists     = New(http.StatusConflict, CodeLicenseExists, "An active license already exists for this subject and plan")
	ErrStoreUnavailable  = New(http.StatusServiceUnavailable, CodeStoreUnavailable, "License store temporarily unavailable")
	ErrInternalServer    = New(http.StatusInternalServerError, CodeInternal, "Internal server error")
)

// ErrLockedFor creates a lockout error carrying the remaining duration.
func ErrLockedFor(remainingSeconds int) *APIError {
	return NewWithDetails(
		http.StatusTooManyRequests,
		CodeLocked,
		"Too many failed attempts, try again later",
		map[string]int{"retry_after_seconds": remainingSeconds},
	)
}

// ErrStateConflict creates a state-machine precondition error.
func ErrStateConflict(message string) *APIError {
	return New(http.StatusConflict, CodeStateConflict, message)
}

// ErrValidation creates a validation error with field details.
func ErrValidation(field, message string) *APIError {
	return NewWithDetails(http.StatusBadRequest, CodeValidationFailed, "Request validation failed", ValidationError{
		Field:   field,
		Message: message,
	})
}

// NewValidationErrors creates a validation error from multiple fields.
func NewValidationErrors(errs []ValidationError) *APIError {
	return NewWithDetails(http.StatusBadRequest, CodeValidationFailed, "Request validation failed",
		struct {
			Errors []ValidationError `json:"errors"`
		}{Errors: errs})
}

// InvalidRequestWithError creates an invalid request error with details.
func InvalidRequestWithError(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, CodeInvalidRequest, "Invalid request format", err.Error())
}

// NotFoundError creates a not found error for a named resource.
func NotFoundError(resource string) *APIError {
	return NewWithDetails(http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource), resource)
}

// ErrorResponse represents a standard error response envelope.
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   *APIError `json:"error"`
}

// NewErrorResponse creates a new error response.
func NewErrorResponse(err *APIError) *ErrorResponse {
	return &ErrorResponse{Success: false, Error: err}
}

// Render implements the render.Renderer interface.
func (e *ErrorResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return e.Error.Render(w, r)
}
