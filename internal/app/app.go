package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"gymdesk/internal/config"
	licenseErrors "gymdesk/internal/errors"
	"gymdesk/internal/infrastructure"
	"gymdesk/internal/license"
	customMiddleware "gymdesk/internal/middleware"
	handlers "gymdesk/internal/transport/http"
	ws "gymdesk/internal/websocket"
	"gymdesk/pkg/contracts"
)

// AppName is reported in startup logs
const AppName = "GymDesk License Service"

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Session       *license.Session
	HealthCheck   *license.LicenseHealthCheck
	WebSocketHub  *ws.Hub
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders

	listener net.Listener
	cancel   context.CancelFunc
}

// NewApplication loads configuration from the environment and wires every
// component
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return NewApplicationWithConfig(cfg, logger)
}

// NewApplicationWithConfig wires the application from an already loaded
// configuration
func NewApplicationWithConfig(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}

	logger.Info("Application starting",
		slog.String("name", AppName),
		slog.String("version", contracts.GetFullVersionString()),
		slog.String("environment", cfg.Environment))

	paths, err := config.GetPaths(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to get paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to ensure directories: %w", err)
	}

	if !config.FileExists(cfg.CachePath()) {
		logger.Warn("License cache not found",
			slog.String("path", cfg.CachePath()),
			slog.String("action", "License activation will be required"))
	}

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.OTelConfigFrom(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if err := app.initializeServices(); err != nil {
		_ = otelProviders.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeServices creates the license session and the status hub
func (a *Application) initializeServices() error {
	session, err := license.NewSessionFromConfig(a.Config, a.Logger, a.OTelProviders.Meter, a.OTelProviders.Tracer)
	if err != nil {
		return fmt.Errorf("failed to initialize license session: %w", err)
	}
	a.Session = session
	a.HealthCheck = license.NewLicenseHealthCheck(session, license.DefaultHealthCheckConfig())

	hub := ws.NewHub(a.Config.WebSocket, a.Logger)
	wsMetrics, err := ws.NewOTelMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to initialize WebSocket metrics: %w", err)
	}
	hub.SetMetrics(wsMetrics)
	a.WebSocketHub = hub

	// Every validation result reaches the desktop shell
	session.AddListener(hub)

	return nil
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() {
	r := chi.NewRouter()
	errorHandler := licenseErrors.NewErrorHandler(a.Logger, !a.Config.IsProduction())

	r.NotFound(errorHandler.NotFound)
	r.MethodNotAllowed(errorHandler.MethodNotAllowed)

	// RequestID → OTel → Logger → Recoverer → headers → gate
	r.Use(customMiddleware.RequestID)

	otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
	if err != nil {
		a.Logger.Error("Failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
	} else {
		r.Use(otelMiddleware.Handler)
	}

	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(licenseErrors.RecoveryMiddleware(errorHandler))
	r.Use(customMiddleware.SecurityHeaders)
	r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
		AllowedOrigins: a.Config.Server.AllowedOrigins,
		Logger:         a.Logger,
	}))

	gate := customMiddleware.NewLicenseGate(a.Session, a.Logger)
	if gateMetrics, err := customMiddleware.NewGateMetrics(a.OTelProviders.Meter); err == nil {
		gate.SetMetrics(gateMetrics)
	} else {
		a.Logger.Warn("License gate metrics unavailable", slog.String("error", err.Error()))
	}
	r.Use(gate.Handler)

	a.setupAPIRoutes(r, errorHandler)

	r.Handle(config.MetricsEndpoint, handlers.NewMetricsHandler(a.OTelProviders.PrometheusHTTP))
	r.Handle(config.WebSocketEndpoint, ws.NewHandler(a.WebSocketHub, a.Config.WebSocket, a.Config.Server.AllowedOrigins, a.Logger))

	a.Router = r
}

// setupAPIRoutes configures API endpoints
func (a *Application) setupAPIRoutes(r chi.Router, errorHandler *licenseErrors.ErrorHandler) {
	r.Group(func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		healthHandler := handlers.NewHealthHandler(a.HealthCheck, a.Logger)
		r.Get(config.HealthEndpoint, healthHandler.HealthCheck)
		r.Get(config.HealthEndpoint+"/live", healthHandler.LivenessCheck)
		r.Get("/api/version", healthHandler.Version)

		r.Route(config.LicenseAPIPrefix, func(r chi.Router) {
			r.Use(customMiddleware.ContentTypeValidator("application/json"))
			r.Use(licenseErrors.NewErrorMiddleware(errorHandler, a.Logger).Handler)
			r.Use(customMiddleware.AuditLog(a.Logger))
			if a.Config.Server.RateLimitRPS > 0 {
				r.Use(customMiddleware.NewRateLimiter(
					a.Config.Server.RateLimitRPS,
					a.Config.Server.RateLimitBurst,
					a.Logger,
				).Handler)
			}
			r.Mount("/", handlers.NewLicenseHandler(a.Session, a.Logger).Routes())
		})
	})
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         a.Config.ListenAddr(),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Addr returns the bound address once Start has succeeded
func (a *Application) Addr() string {
	if a.listener == nil {
		return a.Server.Addr
	}
	return a.listener.Addr().String()
}

// Start binds the listener and starts the background pieces. Serving errors
// cancel the context passed to Run.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("name", AppName),
		slog.String("version", contracts.Version),
		slog.String("address", a.Config.ListenAddr()),
		slog.String("level", a.Config.Logging.Level))

	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	a.listener = ln

	bgCtx, bgCancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = bgCancel

	a.WebSocketHub.Start()
	a.Session.StartBackgroundValidation(bgCtx)

	go func() {
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	if err := a.performStartupHealthCheck(ctx); err != nil {
		a.Logger.WarnContext(ctx, "Startup health check warnings", slog.String("warnings", err.Error()))
	}

	// Publish the initial status before the shell starts polling
	timeout := a.Config.License.BackgroundTimeout
	if timeout <= 0 {
		timeout = config.DefaultBackgroundTimeout
	}
	statusCtx, statusCancel := context.WithTimeout(infrastructure.ContextWithTraceID(bgCtx), timeout)
	status := a.Session.Status(statusCtx)
	statusCancel()
	a.Logger.InfoContext(ctx, "Initial license status",
		slog.String("state", string(status.State)),
		slog.String("code", status.Code))

	a.Logger.InfoContext(ctx, "Application started successfully",
		slog.String("address", "http://"+a.Addr()))
	return nil
}

// Stop gracefully stops the application
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		shutdownErr = fmt.Errorf("server shutdown error: %w", err)
	}

	a.Session.Close()
	if a.cancel != nil {
		a.cancel()
	}
	a.WebSocketHub.Stop()

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	if err := infrastructure.CloseLogFile(); err != nil {
		a.Logger.ErrorContext(ctx, "Error closing log file", slog.String("error", err.Error()))
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return shutdownErr
}

// Run runs the application until interrupted
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	select {
	case <-sigChan:
		a.Logger.InfoContext(ctx, "Received interrupt signal")
	case <-ctx.Done():
		a.Logger.WarnContext(ctx, "Server stopped unexpectedly")
	}

	return a.Stop(context.Background())
}

// performStartupHealthCheck checks the data directory is writable and the
// application root exists
func (a *Application) performStartupHealthCheck(ctx context.Context) error {
	var problems []string

	testFile := filepath.Join(a.Config.License.DataDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		problems = append(problems, fmt.Sprintf("data directory not writable: %s", a.Config.License.DataDir))
	} else {
		_ = os.Remove(testFile)
	}

	if !config.FileExists(a.Config.License.AppRoot) {
		problems = append(problems, fmt.Sprintf("application root not found: %s", a.Config.License.AppRoot))
	}

	if len(problems) > 0 {
		return fmt.Errorf("startup health check warnings: %s", strings.Join(problems, "; "))
	}

	a.Logger.InfoContext(ctx, "Startup health check passed")
	return nil
}
