package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"
)

// Pinger is the store health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TickReporter exposes when the background scheduler last completed a pass.
type TickReporter interface {
	LastTick() time.Time
}

// HealthHandler serves liveness and readiness information.
type HealthHandler struct {
	store     Pinger
	scheduler TickReporter
	logger    *slog.Logger
	version   string
	started   time.Time
}

// NewHealthHandler creates the handler. scheduler may be nil.
func NewHealthHandler(store Pinger, scheduler TickReporter, version string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		store:     store,
		scheduler: scheduler,
		logger:    logger.With(slog.String("handler", "health")),
		version:   version,
		started:   time.Now(),
	}
}

// HealthResponse is the health report payload.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Uptime        string `json:"uptime"`
	Store         string `json:"store"`
	SchedulerTick string `json:"scheduler_last_tick,omitempty"`
}

// Render implements render.Renderer.
func (resp *HealthResponse) Render(w http.ResponseWriter, r *http.Request) error {
	if resp.Status != "ok" {
		render.Status(r, http.StatusServiceUnavailable)
	}
	return nil
}

// Get handles GET /healthz.
func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := &HealthResponse{
		Status:  "ok",
		Version: h.version,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Store:   "ok",
	}

	if err := h.store.Ping(ctx); err != nil {
		h.logger.ErrorContext(ctx, "store health check failed",
			slog.String("error", err.Error()),
		)
		resp.Status = "degraded"
		resp.Store = err.Error()
	}

	if h.scheduler != nil {
		if last := h.scheduler.LastTick(); !last.IsZero() {
			resp.SchedulerTick = last.UTC().Format(time.RFC3339)
		}
	}

	_ = render.Render(w, r, resp)
}
