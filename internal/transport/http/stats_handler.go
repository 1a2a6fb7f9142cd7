package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	apierrors "keygate/internal/errors"
	"keygate/internal/license"
)

// StatsHandler serves the aggregate statistics report.
type StatsHandler struct {
	engine *license.Engine
	logger *slog.Logger
}

// NewStatsHandler creates the handler.
func NewStatsHandler(engine *license.Engine, logger *slog.Logger) *StatsHandler {
	return &StatsHandler{
		engine: engine,
		logger: logger.With(slog.String("handler", "statistics")),
	}
}

// StatsResponse wraps the statistics report.
type StatsResponse struct {
	Success bool            `json:"success"`
	Report  *license.Report `json:"report"`
}

// Render implements render.Renderer.
func (resp *StatsResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

// Get handles GET /api/statistics. Optional subject and plan_tier query
// parameters narrow the report.
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter := license.StatsFilter{
		Subject:  r.URL.Query().Get("subject"),
		PlanTier: r.URL.Query().Get("plan_tier"),
	}

	report, err := h.engine.Statistics(ctx, filter)
	if err != nil {
		h.logger.ErrorContext(ctx, "statistics query failed",
			slog.String("error", err.Error()),
		)
		_ = render.Render(w, r, apierrors.NewErrorResponse(apierrors.ErrStoreUnavailable))
		return
	}

	_ = render.Render(w, r, &StatsResponse{Success: true, Report: report})
}
