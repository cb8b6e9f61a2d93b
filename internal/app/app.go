package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"authgate/internal/auth"
	"authgate/internal/config"
	"authgate/internal/infrastructure"
	custommw "authgate/internal/middleware"
	"authgate/internal/store"
	handlers "authgate/internal/transport/http"
)

const (
	// Version is the gateway build version.
	Version = "v1.0.0"
	AppName = "authgate"
)

// Application is the composition root: configuration, logger, store client,
// the authorization service, and the HTTP server.
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	Router        *chi.Mux
	Server        *http.Server
	Store         *store.Client
	AuthService   *auth.Service
	OTelProviders *infrastructure.OTelProviders
	Metrics       *infrastructure.AuthMetrics
}

// NewApplication creates a new application instance with dependency
// injection. Secrets and store endpoints come from configuration; nothing in
// the business logic reads ambient environment.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Application starting",
		slog.String("name", AppName),
		slog.String("version", Version))

	otelProviders, err := infrastructure.InitializeOTel(nil, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	var metrics *infrastructure.AuthMetrics
	if otelProviders.Meter != nil {
		metrics, err = infrastructure.CreateAuthMetrics(otelProviders.Meter)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	a := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		Metrics:       metrics,
	}

	a.initializeServices()
	a.setupRouter()
	a.createServer()

	return a, nil
}

// initializeServices wires the store client and the authorization pipeline.
func (a *Application) initializeServices() {
	a.Store = store.NewClient(a.Config.Store, a.Logger)

	verifier := auth.NewSignatureVerifier(a.Config.Auth.SharedSecret)
	ledger := auth.NewAttemptLedger(a.Store, a.Config.Auth.AttemptBudget, a.Config.Auth.BanWindow, a.Logger)
	binder := auth.NewPolicyBinder(a.Store, a.Config.Policy.SlotExhaustion, a.Logger)
	projector := auth.NewFeatureProjector(a.Config.Auth.APIKeySuffix)
	cipher := auth.NewSessionCipher(a.Config.Auth.SharedSecret)

	a.AuthService = auth.NewService(
		a.Store, verifier, ledger, binder, projector, cipher,
		a.Config.Auth.APITTL, a.Logger,
	)
}

// setupRouter configures the chi router and middleware chain.
// Ordering: RequestID → RealIP → Logger → Recoverer → SecurityHeaders →
// RateLimiter → Timeout.
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(custommw.RequestID)
	r.Use(custommw.RealIP)
	r.Use(custommw.StructuredLogger(a.Logger))
	r.Use(custommw.Recoverer(a.Logger))
	r.Use(custommw.SecurityHeaders)

	if a.Config.Security.RateLimit.Enabled {
		r.Use(custommw.NewRateLimiter(
			a.Config.Security.RateLimit.RPS,
			a.Config.Security.RateLimit.Burst,
			a.Logger,
		).Handler)
	}

	healthHandler := handlers.NewHealthHandler(Version, a.Logger)
	r.Get("/", healthHandler.Root)
	r.Get("/api/health", healthHandler.HealthCheck)

	r.Group(func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(custommw.Timeout(a.Config.Server.ReadTimeout, a.Logger))

		authHandler := handlers.NewAuthHandler(a.AuthService, a.Metrics, a.Logger)
		r.Mount("/hmx", authHandler.Routes())
	})

	// Prometheus endpoint outside the middleware group.
	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

// createServer builds the HTTP server with bounded timeouts.
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Run starts the server and blocks until shutdown completes.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("HTTP server listening",
			slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.Stop()
	})

	return g.Wait()
}

// Stop gracefully shuts down the server and telemetry.
func (a *Application) Stop() error {
	a.Logger.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(ctx); err != nil {
		a.Logger.Error("server shutdown failed", slog.String("error", err.Error()))
		return err
	}

	if a.OTelProviders != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}

	infrastructure.CloseLogFile()

	a.Logger.Info("Shutdown complete")
	return nil
}
