package main

import (
	"authgateway/internal/cache"
	"authgateway/internal/config"
	"authgateway/internal/events"
	"authgateway/internal/telemetry"
	"context"
	"log/slog"
	"os"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Use JSON traced logging
	baseHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(telemetry.NewTraceHandler(baseHandler))
	slog.SetDefault(logger)

	ctx := context.Background()

	var closers []func(context.Context) error
	if cfg.Telemetry.OTLPEndpoint != "" {
		slog.Info("Exporting traces", "endpoint", cfg.Telemetry.OTLPEndpoint)
		shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			slog.Error("Failed to initialize tracer", "error", err)
			os.Exit(1)
		}
		closers = append(closers, shutdownTracer)
	}

	var rdb *cache.RedisClient
	if cfg.Redis.Enabled() {
		slog.Info("Connecting to Redis cache", "addr", cfg.Redis.Addr)
		rdb, err = cache.NewRedisClient(cache.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("REDIS_ADDR not set, idempotent registration disabled and OIDC state kept in cookies")
	}

	var eventBus events.Bus = events.NopBus{}
	if cfg.Events.NATSEndpoint != "" {
		slog.Info("Connecting to event bus", "endpoint", cfg.Events.NATSEndpoint)
		eventBus, err = events.NewNATSBus(cfg.Events.NATSEndpoint, logger)
		if err != nil {
			slog.Error("Failed to initialize event bus", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("Connecting to identity provider", "issuer", cfg.Keycloak.Issuer())
	app, err := newApplication(ctx, cfg, rdb, eventBus, logger)
	if err != nil {
		slog.Error("Failed to initialize authenticator", "error", err)
		os.Exit(1)
	}
	app.closers = closers

	if err := app.run(app.mount()); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
}
