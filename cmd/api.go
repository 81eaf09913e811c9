package main

import (
	"authgateway/internal/auth"
	"authgateway/internal/cache"
	"authgateway/internal/config"
	"authgateway/internal/events"
	"authgateway/internal/handlers/data"
	"authgateway/internal/handlers/user"
	"authgateway/internal/idempotency"
	"authgateway/internal/keycloak"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const shutdownTimeout = 10 * time.Second

type application struct {
	config        config.Config
	cache         *cache.RedisClient // nil when redis is not configured
	authenticator *auth.Authenticator
	loginFlow     *auth.LoginFlow
	tokens        *keycloak.TokenClient
	admin         *keycloak.AdminClient
	eventBus      events.Bus
	logger        *slog.Logger
	closers       []func(context.Context) error
}

// newApplication wires the provider clients. Discovery runs here, so startup fails
// fast when the realm is unreachable.
func newApplication(ctx context.Context, cfg config.Config, rdb *cache.RedisClient, bus events.Bus, logger *slog.Logger) (*application, error) {
	httpClient := keycloak.NewHTTPClient(cfg.Keycloak.Timeout)

	discoveryCtx, cancel := context.WithTimeout(ctx, cfg.Keycloak.Timeout)
	defer cancel()

	authenticator, err := auth.NewAuthenticator(discoveryCtx, httpClient, cfg.Keycloak.Issuer(), cfg.RoleClient())
	if err != nil {
		return nil, err
	}

	return &application{
		config:        cfg,
		cache:         rdb,
		authenticator: authenticator,
		loginFlow:     auth.NewLoginFlow(authenticator, cfg.Keycloak, httpClient),
		tokens:        keycloak.NewTokenClient(cfg.Keycloak, httpClient, logger),
		admin:         keycloak.NewAdminClient(cfg.Keycloak, httpClient, logger),
		eventBus:      bus,
		logger:        logger,
	}, nil
}

func (app *application) mount() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{app.config.HTTP.Frontend},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", idempotency.HeaderKey},
		ExposedHeaders: []string{idempotency.HeaderHit},
		// The refresh token travels in a cookie.
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))
	app.logger.Info("Allowed origins", "origin", app.config.HTTP.Frontend)

	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", app.health)

	eventHandler := events.NewEventHandler(app.eventBus, events.NewEventConfig(app.config.Events), app.logger)
	userService := user.NewUserService(app.tokens, app.admin, eventHandler, app.config.RoleClient(), app.logger)

	secure := app.config.HTTP.TLSEnabled
	var states auth.StateStore = auth.CookieStateStore{Secure: secure}
	if app.cache != nil {
		states = auth.NewRedisStateStore(app.cache, secure)
	}
	userHandler := user.NewUserHandler(userService, app.loginFlow, states, secure)
	dataHandler := data.NewDataHandler()

	r.Route("/api/user", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if app.cache != nil {
				r.Use(idempotency.Idempotency(idempotency.NewStore(app.cache)))
			}
			r.Post("/registration", userHandler.Register)
		})
		r.Get("/registration/check", userHandler.CheckUsername)
		r.Post("/login", userHandler.Login)
		r.Post("/refresh", userHandler.Refresh)
		r.Post("/logout", userHandler.Logout)

		r.Get("/oidc/authorize", userHandler.OIDCAuthorize)
		r.Get("/oidc/callback", userHandler.OIDCCallback)
	})

	r.Group(func(r chi.Router) {
		// Authenticated routes
		r.Use(app.authenticator.Middleware)

		r.With(auth.RequireRole("MANAGER")).Get("/api/manager-data", dataHandler.GetManagerData)
		r.With(auth.RequireRole("USER")).Get("/api/user-data", dataHandler.GetUserData)
	})

	return r
}

// health fails when a configured redis is unreachable, since registration retries and
// browser logins depend on it.
func (app *application) health(w http.ResponseWriter, r *http.Request) {
	if app.cache != nil {
		if err := app.cache.Ping(r.Context()); err != nil {
			app.logger.WarnContext(r.Context(), "Health check failed", "dependency", "redis", "error", err)
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Write([]byte("ok"))
}

func (app *application) run(h http.Handler) error {
	svr := &http.Server{
		Addr:         app.config.HTTP.Addr(),
		Handler:      h,
		ReadTimeout:  app.config.HTTP.ReadTimeout,
		WriteTimeout: app.config.HTTP.WriteTimeout,
		IdleTimeout:  app.config.HTTP.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	app.logger.Info("Starting server", "addr", svr.Addr)
	go func() {
		if err := svr.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for Interrupt Signal (Ctrl+C or Docker Stop)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErr:
		return fmt.Errorf("listen on %s: %w", svr.Addr, err)
	case <-ctx.Done():
	}

	app.logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return app.shutdown(shutdownCtx, svr)
}

// shutdown stops accepting requests, then releases backing services. Every step runs
// even if an earlier one failed.
func (app *application) shutdown(ctx context.Context, svr *http.Server) error {
	var errs []error

	if err := svr.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// Drain lets buffered events reach the server before the connection closes.
	if err := app.eventBus.Drain(); err != nil {
		errs = append(errs, fmt.Errorf("nats drain: %w", err))
	}

	if app.cache != nil {
		if err := app.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}

	for _, closeFn := range app.closers {
		if err := closeFn(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		app.logger.Info("Server exited properly")
	}
	return errors.Join(errs...)
}
