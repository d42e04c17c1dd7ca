package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/fixora/flagsync/application/port/outbound"
	"github.com/fixora/flagsync/application/usecase"
	"github.com/fixora/flagsync/infrastructure/adapter/memory"
	"github.com/fixora/flagsync/infrastructure/adapter/postgres"
	"github.com/fixora/flagsync/infrastructure/config"
	apphttp "github.com/fixora/flagsync/infrastructure/http"
	"github.com/fixora/flagsync/infrastructure/http/handler"
	"github.com/fixora/flagsync/infrastructure/http/middleware"
	"github.com/fixora/flagsync/infrastructure/http/sse"
	"github.com/fixora/flagsync/infrastructure/realtime"
	"github.com/fixora/flagsync/infrastructure/service/authz"
	"github.com/fixora/flagsync/infrastructure/service/broadcast"
	"github.com/fixora/flagsync/infrastructure/service/eventbus"
	"github.com/fixora/flagsync/infrastructure/service/jwt"
	"github.com/fixora/flagsync/infrastructure/service/logger"
	"github.com/fixora/flagsync/infrastructure/service/ratelimit"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logger
	structuredLogger := logger.NewStructuredLogger(logger.LoggerConfig{
		Level:               cfg.LogLevel,
		Format:              cfg.LogFormat,
		CorrelationIDHeader: middleware.CorrelationIDHeader,
		EnableRequestLog:    cfg.LogEnableRequestLog,
		ServiceName:         "flagsync",
	})
	structuredLogger.Info(ctx, "Application starting", map[string]interface{}{
		"env":          cfg.Environment,
		"store_driver": cfg.StoreDriver,
		"authz_mode":   cfg.AuthzMode,
		"event_bus":    cfg.EventBus,
	})

	checks := map[string]handler.HealthCheck{}

	// Connect to database when any component lives in PostgreSQL
	var db *sql.DB
	if cfg.StoreDriver == config.StoreDriverPostgres || cfg.AuthzMode == config.AuthzModePostgres {
		db, err = openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			structuredLogger.Error(ctx, "Failed to connect to database", err, nil)
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		checks["database"] = db.PingContext
		structuredLogger.Info(ctx, "Database connection established", nil)
	}

	// Flag store and audit recorder
	var (
		store outbound.FlagStore
		audit outbound.AuditRecorder
	)
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		store = postgres.NewFlagRepositoryAdapter(db)
		audit = postgres.NewAuditRepositoryAdapter(db)
	default:
		memAudit := memory.NewAuditRecorder()
		store = memory.NewFlagStore(memAudit)
		audit = memAudit
		structuredLogger.Warn(ctx, "Using in-memory flag store; state is lost on restart", nil)
	}

	// Authorizer
	var authorizer outbound.Authorizer
	switch cfg.AuthzMode {
	case config.AuthzModePostgres:
		authorizer = postgres.NewMembershipAuthorizer(db)
	default:
		authorizer = authz.NewClaimsAuthorizer()
	}

	// Initialize services
	tokenService, err := jwt.NewJWTService(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize JWT service: %v", err)
	}

	rateLimitService, err := ratelimit.NewRateLimitService(ctx, ratelimit.RateLimitConfig{
		Enabled:       cfg.RateLimitEnabled,
		RedisURL:      cfg.RedisURL,
		ToggleLimit:   cfg.RateLimitToggleLimit,
		ToggleWindow:  cfg.RateLimitToggleWindow,
		BlockDuration: cfg.RateLimitBlockDuration,
	}, structuredLogger)
	if err != nil {
		structuredLogger.Error(ctx, "Failed to initialize rate limit service, continuing without it", err, map[string]interface{}{
			"redis_url": cfg.RedisURL,
		})
		rateLimitService = ratelimit.NewNoopRateLimitService()
	}

	// Realtime: local registry, optional cross-instance bus, ordered dispatcher
	registry := realtime.NewRegistry(cfg.SubscriberBufferSize, structuredLogger)

	var bus outbound.EventBus
	switch cfg.EventBus {
	case config.EventBusRedis:
		bus, err = eventbus.NewRedisBus(ctx, cfg.RedisURL, cfg.RedisChannelPrefix, structuredLogger)
	case config.EventBusAMQP:
		bus, err = eventbus.NewAMQPBus(eventbus.AMQPConfig{URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange}, structuredLogger)
	}
	if err != nil {
		structuredLogger.Error(ctx, "Failed to connect event bus", err, map[string]interface{}{"event_bus": cfg.EventBus})
		log.Fatalf("Failed to connect event bus: %v", err)
	}

	var sink broadcast.Sink = broadcast.RegistrySink{Registry: registry}
	if bus != nil {
		sink = bus
		defer bus.Close()
	}
	dispatcher := broadcast.NewDispatcher(sink, cfg.BroadcastQueueSize, structuredLogger)

	// Initialize use cases
	coordinator := usecase.NewToggleCoordinator(store, authorizer, dispatcher, structuredLogger, cfg.ToggleTimeout)
	flagUseCase := usecase.NewFeatureFlagUseCase(store, audit, authorizer, registry, dispatcher, coordinator, structuredLogger)

	// HTTP surface
	streamer := sse.NewStreamer(flagUseCase, structuredLogger, cfg.SSEHeartbeatInterval, cfg.SSEMaxConnections)
	router := apphttp.NewRouter(apphttp.RouterDeps{
		Flags: handler.NewFeatureFlagHandler(flagUseCase),
		Health: handler.NewHealthHandler(checks, func() interface{} {
			return map[string]interface{}{
				"open_streams": streamer.ActiveConnections(),
				"registry":     registry.Metrics(),
			}
		}),
		Streamer: streamer,
		Auth:     middleware.NewAuthMiddleware(tokenService),
		RateLimit: middleware.NewRateLimitMiddleware(rateLimitService, structuredLogger,
			cfg.RateLimitToggleLimit, cfg.RateLimitToggleWindow, cfg.RateLimitBlockDuration),
	})

	// Compose middleware: request log, correlation ID, then CORS (if enabled)
	var httpHandler http.Handler = router
	if cfg.LogEnableRequestLog {
		httpHandler = middleware.RequestLogMiddleware(structuredLogger)(httpHandler)
	}
	httpHandler = middleware.CorrelationIDMiddleware(httpHandler)
	if cfg.CORSEnabled && len(cfg.CORSAllowedOrigins) > 0 {
		httpHandler = middleware.CORSMiddleware(httpHandler, cfg.CORSAllowedOrigins, cfg.CORSAllowCredentials)
	}

	// No WriteTimeout: event streams stay open
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           httpHandler,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// The dispatcher outlives the listener so toggles in flight during shutdown still publish
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(dispatchCtx)
	})
	if bus != nil {
		g.Go(func() error {
			err := bus.Consume(gctx, registry.Deliver)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		structuredLogger.Info(ctx, "Starting server", map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		structuredLogger.Info(ctx, "Shutting down server...", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Closing the registry ends every open stream with a resync event.
		registry.Close()
		if err := streamer.Shutdown(shutdownCtx); err != nil {
			structuredLogger.Warn(ctx, "Event streams still open at shutdown", map[string]interface{}{
				"open_streams": streamer.ActiveConnections(),
			})
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			structuredLogger.Error(ctx, "Server forced to shutdown", err, nil)
		}

		stopDispatch()
		<-dispatcher.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		structuredLogger.Error(ctx, "Server exited with error", err, nil)
		os.Exit(1)
	}
	structuredLogger.Info(ctx, "Server exited", nil)
}

func openDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
