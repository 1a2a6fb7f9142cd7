// Package http exposes the license engine over a chi-based JSON API.
package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "keygate/internal/errors"
	"keygate/internal/license"
)

var validate = validator.New()

// LicenseHandler serves the license lifecycle endpoints.
type LicenseHandler struct {
	engine *license.Engine
	logger *slog.Logger
	tracer trace.Tracer
}

// NewLicenseHandler creates the handler.
func NewLicenseHandler(engine *license.Engine, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		engine: engine,
		logger: logger.With(slog.String("handler", "license")),
		tracer: otel.Tracer("license-handler"),
	}
}

// Routes returns the router for /api/licenses.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/", h.Issue)
	r.Post("/validate", h.Validate)
	r.Get("/status", h.Status)
	r.Get("/history", h.History)

	r.Route("/{licenseID}", func(r chi.Router) {
		r.Post("/suspend", h.Suspend)
		r.Post("/reactivate", h.Reactivate)
		r.Post("/revoke", h.Revoke)
		r.Post("/extend", h.Extend)
	})

	return r
}

// IssueRequest is the payload for POST /api/licenses.
type IssueRequest struct {
	Subject    string `json:"subject" validate:"required,max=190"`
	PlanTier   string `json:"plan_tier" validate:"required,max=64"`
	PeriodKind string `json:"period_kind" validate:"required,oneof=short medium long custom"`
	CustomDays int    `json:"custom_days,omitempty" validate:"omitempty,min=1,max=3650"`
}

// Bind implements render.Binder.
func (req *IssueRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// IssueResponse carries the one-time plaintext secret together with the new
// license.
type IssueResponse struct {
	Success bool             `json:"success"`
	Secret  string           `json:"secret"`
	License *license.License `json:"license"`
}

// Render implements render.Renderer.
func (resp *IssueResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, http.StatusCreated)
	return nil
}

// Issue handles POST /api/licenses.
func (h *LicenseHandler) Issue(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license_handler.issue")
	defer span.End()

	var req IssueRequest
	if err := render.Bind(r, &req); err != nil {
		h.renderError(w, r.WithContext(ctx), apierrors.InvalidRequestWithError(err))
		return
	}

	secret, lic, err := h.engine.IssueCredential(ctx, req.Subject, req.PlanTier, license.PeriodKind(req.PeriodKind), req.CustomDays)
	if err != nil {
		span.RecordError(err)
		h.renderError(w, r.WithContext(ctx), h.mapAdminError(err))
		return
	}

	span.SetAttributes(attribute.String("license_id", lic.ID))
	h.logger.InfoContext(ctx, "license issued",
		slog.String("license_id", lic.ID),
		slog.String("plan_tier", lic.PlanTier),
	)

	_ = render.Render(w, r.WithContext(ctx), &IssueResponse{Success: true, Secret: secret, License: lic})
}

// ValidateRequest is the payload for POST /api/licenses/validate.
type ValidateRequest struct {
	Subject         string `json:"subject" validate:"required,max=190"`
	PlanTier        string `json:"plan_tier" validate:"required,max=64"`
	Secret          string `json:"secret" validate:"required,max=256"`
	SessionDuration int64  `json:"session_duration_secs,omitempty" validate:"omitempty,min=0,max=604800"`
}

// Bind implements render.Binder.
func (req *ValidateRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// StatusResponse wraps the status read model.
type StatusResponse struct {
	Success bool                `json:"success"`
	Status  *license.StatusInfo `json:"status"`
}

// Render implements render.Renderer.
func (resp *StatusResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

// Validate handles POST /api/licenses/validate, the client hot path.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license_handler.validate")
	defer span.End()

	var req ValidateRequest
	if err := render.Bind(r, &req); err != nil {
		h.renderError(w, r.WithContext(ctx), apierrors.InvalidRequestWithError(err))
		return
	}

	info, err := h.engine.Validate(ctx, req.Subject, req.PlanTier, req.Secret, time.Duration(req.SessionDuration)*time.Second)
	if err != nil {
		span.RecordError(err)
		h.renderError(w, r.WithContext(ctx), mapValidationError(err))
		return
	}

	span.SetAttributes(attribute.String("license_status", string(info.Status)))
	_ = render.Render(w, r.WithContext(ctx), &StatusResponse{Success: true, Status: info})
}

// Status handles GET /api/licenses/status. It reads the derived status
// without touching credentials, lockout, or usage counters.
func (h *LicenseHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license_handler.status")
	defer span.End()

	subject := r.URL.Query().Get("subject")
	planTier := r.URL.Query().Get("plan_tier")
	if subject == "" || planTier == "" {
		h.renderError(w, r.WithContext(ctx), apierrors.ErrValidation("subject", "subject and plan_tier query parameters are required"))
		return
	}

	info, err := h.engine.CheckStatus(ctx, subject, planTier)
	if err != nil {
		span.RecordError(err)
		h.renderError(w, r.WithContext(ctx), h.mapAdminError(err))
		return
	}

	_ = render.Render(w, r.WithContext(ctx), &StatusResponse{Success: true, Status: info})
}

// HistoryResponse lists every license issued for a subject and plan tier.
type HistoryResponse struct {
	Success  bool               `json:"success"`
	Licenses []*license.License `json:"licenses"`
}

// Render implements render.Renderer.
func (resp *HistoryResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

// History handles GET /api/licenses/history.
func (h *LicenseHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license_handler.history")
	defer span.End()

	subject := r.URL.Query().Get("subject")
	planTier := r.URL.Query().Get("plan_tier")
	if subject == "" || planTier == "" {
		h.renderError(w, r.WithContext(ctx), apierrors.ErrValidation("subject", "subject and plan_tier query parameters are required"))
		return
	}

	licenses, err := h.engine.History(ctx, subject, planTier)
	if err != nil {
		span.RecordError(err)
		h.renderError(w, r.WithContext(ctx), h.mapAdminError(err))
		return
	}

	_ = render.Render(w, r.WithContext(ctx), &HistoryResponse{Success: true, Licenses: licenses})
}

// SuspendRequest is the payload for POST /api/licenses/{id}/suspend.
type SuspendRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// Bind implements render.Binder.
func (req *SuspendRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// Suspend handles POST /api/licenses/{id}/suspend.
func (h *LicenseHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license_handler.suspend")
	defer span.End()

	var req SuspendRequest
	if err := render.Bind(r, &req); err != nil {
		h.renderError(w, r.WithContext(ctx), apierrors.InvalidRequestWithError(err))
		return
	}

	info, err := h.engine.SuspendLicense(ctx, chi.URLParam(r, "licenseID"), req.Reason)
	if err != nil {
		span.RecordError(err)
		h.renderError(w, r.WithContext(ctx), h.mapAdminError(err))
		return
	}

	_ = render.Render(w, r.WithContext(ctx), &StatusResponse{Success: true, Status: info})
}

// ReactivateRequest is the payload for POST /api/licenses/{id}/reactivate.
type ReactivateRequest struct {
	Compensate bool `json:"compensate"`
}

// Bind implements render.Binder.
func (req *ReactivateRequest) Bind(r *http.Request) error {
	return nil
}

// Reactivate handles POST /api/licenses/{id}/reactivate.
func (h *LicenseHandler) Reactivate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license_handler.reactivate")
	defer span.End()

	var req ReactivateRequest
	if err := render.Bind(r, &req); err != nil {
		h.renderError(w, r.WithContext(ctx), apierrors.InvalidRequestWithError(err))
		return
	}

	info, err := h.engine.ReactivateLicense(ctx, chi.URLParam(r, "licenseID"), req.Compensate)
	if err != nil {
		span.RecordError(err)
		h.renderError(w, r.WithContext(ctx), h.mapAdminError(err))
		return
	}

	_ = render.Render(w, r.WithContext(ctx), &StatusResponse{Success: true, Status: info})
}

// Revoke handles POST /api/licenses/{id}/revoke.
func (h *LicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license_handler.revoke")
	defer span.End()

	info, err := h.engine.RevokeLicense(ctx, chi.URLParam(r, "licenseID"))
	if err != nil {
		span.RecordError(err)
		h.renderError(w, r.WithContext(ctx), h.mapAdminError(err))
		return
	}

	h.logger.InfoContext(ctx, "license revoked",
		slog.String("license_id", info.LicenseID),
	)

	_ = render.Render(w, r.WithContext(ctx), &StatusResponse{Success: true, Status: info})
}

// ExtendRequest is the payload for POST /api/licenses/{id}/extend.
type ExtendRequest struct {
	Days   int    `json:"days" validate:"required,min=1,max=3650"`
	Reason string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

// Bind implements render.Binder.
func (req *ExtendRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// Extend handles POST /api/licenses/{id}/extend.
func (h *LicenseHandler) Extend(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license_handler.extend")
	defer span.End()

	var req ExtendRequest
	if err := render.Bind(r, &req); err != nil {
		h.renderError(w, r.WithContext(ctx), apierrors.InvalidRequestWithError(err))
		return
	}

	info, err := h.engine.ExtendLicense(ctx, chi.URLParam(r, "licenseID"), req.Days, req.Reason)
	if err != nil {
		span.RecordError(err)
		h.renderError(w, r.WithContext(ctx), h.mapAdminError(err))
		return
	}

	_ = render.Render(w, r.WithContext(ctx), &StatusResponse{Success: true, Status: info})
}

func (h *LicenseHandler) renderError(w http.ResponseWriter, r *http.Request, apiErr *apierrors.APIError) {
	_ = render.Render(w, r, apierrors.NewErrorResponse(apiErr))
}

// mapValidationError maps hot-path errors to API responses. A missing
// license and a wrong secret produce the same response so the endpoint
// cannot be used to enumerate subjects.
func mapValidationError(err error) *apierrors.APIError {
	var locked *license.LockedError
	switch {
	case errors.As(err, &locked):
		return apierrors.ErrLockedFor(int(locked.Remaining.Seconds()))
	case errors.Is(err, license.ErrNotFound), errors.Is(err, license.ErrInvalidCredential):
		return apierrors.ErrInvalidCredential
	case errors.Is(err, license.ErrExpired):
		return apierrors.ErrLicenseExpired
	case errors.Is(err, license.ErrRevoked):
		return apierrors.ErrLicenseRevoked
	case errors.Is(err, license.ErrSuspended):
		return apierrors.ErrLicenseSuspended
	case errors.Is(err, license.ErrRepositoryUnavailable):
		return apierrors.ErrStoreUnavailable
	default:
		return apierrors.ErrInternalServer
	}
}

// mapAdminError maps issuance, status, and administration errors. Unlike the
// validation path these endpoints are operator-facing and may say that a
// license does not exist.
func (h *LicenseHandler) mapAdminError(err error) *apierrors.APIError {
	switch {
	case errors.Is(err, license.ErrNotFound):
		return apierrors.ErrLicenseNotFound
	case errors.Is(err, license.ErrLicenseExists):
		return apierrors.ErrLicenseExists
	case errors.Is(err, license.ErrAlreadyActivated),
		errors.Is(err, license.ErrAlreadyTerminal),
		errors.Is(err, license.ErrAlreadySuspended),
		errors.Is(err, license.ErrNotSuspended),
		errors.Is(err, license.ErrNotExtendable):
		return apierrors.ErrStateConflict(err.Error())
	case errors.Is(err, license.ErrRepositoryUnavailable):
		return apierrors.ErrStoreUnavailable
	default:
		// Bad period kinds and empty fields surface as plain errors from
		// the engine's constructors.
		return apierrors.InvalidRequestWithError(err)
	}
}
