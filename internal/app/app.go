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
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vadim/pulsefeed/internal/config"
	httpcontroller "github.com/vadim/pulsefeed/internal/controller/http"
	"github.com/vadim/pulsefeed/internal/domain/direct/store"
	directsync "github.com/vadim/pulsefeed/internal/domain/direct/sync"
	socialservice "github.com/vadim/pulsefeed/internal/domain/social/service"
	"github.com/vadim/pulsefeed/internal/httpx/upstream/pulse"
	"github.com/vadim/pulsefeed/internal/identity"
	"github.com/vadim/pulsefeed/internal/notice"
	"github.com/vadim/pulsefeed/internal/socket"
)

// App is the main application container
type App struct {
	cfg        config.Config
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger

	self    identity.Identity
	client  *pulse.Client
	store   *store.Store
	notices *notice.Board
	engine  *directsync.Engine
	social  *socialservice.Service
	socket  *socket.Socket
}

// NewApp creates and initializes the application
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	// Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	// Initialize router with middleware
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Timeout(30 * time.Second))

	app := &App{
		cfg:    cfg,
		router: r,
		logger: logger,
	}

	if err := app.initDomains(); err != nil {
		return nil, fmt.Errorf("initializing domains: %w", err)
	}

	// Register routes
	app.registerRoutes()

	// Initialize HTTP server
	app.httpServer = &http.Server{
		Addr:         cfg.Bridge.Address(),
		Handler:      app.router,
		ReadTimeout:  cfg.Bridge.ReadTimeout,
		WriteTimeout: cfg.Bridge.WriteTimeout,
		IdleTimeout:  cfg.Bridge.IdleTimeout,
	}

	return app, nil
}

// initDomains wires the upstream client, the caches and the sync engine
func (a *App) initDomains() error {
	self, err := identity.FromToken(a.cfg.Auth.Token)
	if err != nil {
		return fmt.Errorf("resolving identity from token: %w", err)
	}
	a.self = self

	a.client = pulse.New(
		pulse.WithBaseURL(a.cfg.Upstream.BaseURL),
		pulse.WithToken(a.cfg.Auth.Token),
		pulse.WithHTTPClient(&http.Client{Timeout: a.cfg.Upstream.Timeout}),
	)

	a.notices = notice.NewBoard()
	a.store = store.New(self.UserID, a.logger)
	a.social = socialservice.New(a.client, self.UserID, a.notices, a.logger)

	a.socket = socket.New(a.cfg.Socket.URL, a.cfg.Auth.Token,
		socket.WithPingPeriod(a.cfg.Socket.PingInterval),
		socket.WithBackoff(a.cfg.Socket.ReconnectMin, a.cfg.Socket.ReconnectMax),
		socket.WithLogger(a.logger),
	)

	a.engine = directsync.New(a.store, a.client, a.socket, self.UserID, a.notices, a.logger,
		directsync.WithPageSize(a.cfg.Sync.PageSize),
		directsync.WithTypingQuiet(a.cfg.Sync.TypingQuiet),
		directsync.WithPeerMessageHook(a.social.AddPeerMessageNotification),
	)
	a.engine.Attach(a.socket)

	return nil
}

// registerRoutes registers all HTTP routes
func (a *App) registerRoutes() {
	// Health check
	a.router.Get("/healthz", a.healthHandler)

	a.router.Route("/api/v1", func(r chi.Router) {
		directHandler := httpcontroller.NewDirectHandler(a.engine, a.store, a.notices)
		directHandler.RegisterRoutes(r)

		socialHandler := httpcontroller.NewSocialHandler(a.social)
		socialHandler.RegisterRoutes(r)
	})
}

// healthHandler handles health check requests
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Run starts the application and blocks until shutdown signal
func (a *App) Run(ctx context.Context) error {
	// Warm the caches before serving; the socket connects concurrently
	// and its events merge into the already-loaded state.
	bootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.engine.Bootstrap(bootCtx); err != nil {
		return fmt.Errorf("bootstrapping conversations: %w", err)
	}
	if err := a.social.Bootstrap(bootCtx); err != nil {
		// Social caches degrade; messaging still works
		a.logger.Warn("social bootstrap incomplete", "error", err)
	}

	if err := a.socket.Connect(ctx); err != nil {
		return fmt.Errorf("connecting socket: %w", err)
	}

	// Channel to receive errors from server
	errCh := make(chan error, 1)

	// Start HTTP server in goroutine
	go func() {
		a.logger.Info("starting bridge server", "addr", a.cfg.Bridge.Address(), "user_id", a.self.UserID)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		a.logger.Info("context cancelled")
	}

	// Graceful shutdown
	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the application
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down...")

	a.socket.Close()
	a.engine.Close()

	// Shutdown HTTP server with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}
