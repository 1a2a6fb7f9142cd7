// Package app wires configuration, storage, the license engine, and the
// HTTP server into a runnable application.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"keygate/internal/clock"
	"keygate/internal/config"
	"keygate/internal/infrastructure"
	"keygate/internal/license"
	"keygate/internal/lockout"
	"keygate/internal/middleware"
	"keygate/internal/notify"
	"keygate/internal/secrets"
	"keygate/internal/store"
	handlers "keygate/internal/transport/http"
)

// Version is the service version, overridable at build time with
// -ldflags "-X keygate/internal/app.Version=...".
var Version = "dev"

// Application is the composed service: every long-lived component plus the
// HTTP server that fronts them.
type Application struct {
	Config    *config.Config
	Router    *chi.Mux
	Server    *http.Server
	Store     *store.Store
	Engine    *license.Engine
	Scheduler *license.Scheduler
	Guard     *lockout.Guard
	Logger    *slog.Logger
	OTel      *infrastructure.OTelProviders
}

// New builds the application from configuration.
func New() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	logger.Info("application starting",
		slog.String("version", Version),
		slog.Int("port", cfg.Server.Port),
	)

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open license store: %w", err)
	}

	var metrics *license.Metrics
	if otelProviders.Meter != nil {
		metrics, err = license.NewMetrics(otelProviders.Meter)
		if err != nil {
			return nil, fmt.Errorf("create engine metrics: %w", err)
		}
	}

	guard := lockout.NewGuard(cfg.Lockout.MaxAttempts, cfg.Lockout.Window, clock.System())
	sender := notify.NewLogSender(logger)

	engine := license.NewEngine(st, secrets.NewCodec(cfg.Secrets.Iterations), guard, sender, license.Options{
		Thresholds:   cfg.Alerts.ThresholdDays,
		SecretLength: cfg.Secrets.Length,
		Metrics:      metrics,
		Logger:       logger,
	})

	scheduler := license.NewScheduler(st, sender, license.SchedulerOptions{
		Interval:  cfg.Alerts.Interval,
		Retention: cfg.Storage.Retention,
		Metrics:   metrics,
		Logger:    logger,
	})

	app := &Application{
		Config:    cfg,
		Store:     st,
		Engine:    engine,
		Scheduler: scheduler,
		Guard:     guard,
		Logger:    logger,
		OTel:      otelProviders,
	}

	app.setupRouter()
	app.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      app.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return app, nil
}

func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.StructuredLogger(a.Logger))
	r.Use(middleware.Recoverer(a.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Compress(5))
	r.Use(chimiddleware.Heartbeat("/ping"))

	rateLimiter := middleware.NewRateLimiter(a.Config.Server.RateLimitRPS, a.Config.Server.RateLimitBurst, a.Logger)

	licenseHandler := handlers.NewLicenseHandler(a.Engine, a.Logger)
	statsHandler := handlers.NewStatsHandler(a.Engine, a.Logger)
	healthHandler := handlers.NewHealthHandler(a.Store, a.Scheduler, Version, a.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(rateLimiter.Handler)
		r.Mount("/licenses", licenseHandler.Routes())
		r.Get("/statistics", statsHandler.Get)
	})

	r.Get("/healthz", healthHandler.Get)
	if a.OTel.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTel.PrometheusHTTP)
	}

	a.Router = r
}

// Run starts the scheduler and HTTP server and blocks until a shutdown
// signal or a server error.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Scheduler.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("http server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()

		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			a.Logger.Error("http server shutdown failed", slog.String("error", err.Error()))
		}
		return nil
	})

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()
	a.shutdown(shutdownCtx)

	return err
}

// shutdown stops background components in dependency order: the scheduler
// and guard first, then the store they write to.
func (a *Application) shutdown(ctx context.Context) {
	a.Scheduler.Stop()
	a.Guard.Stop()

	if err := a.Store.Close(); err != nil {
		a.Logger.Error("store close failed", slog.String("error", err.Error()))
	}

	if err := a.OTel.Shutdown(ctx); err != nil {
		a.Logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
	}

	_ = infrastructure.CloseLogFile()
	a.Logger.Info("application stopped")
}
