package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpAdapter "github.com/lorrc/service-desk-realtime/internal/adapters/primary/http"
	mw "github.com/lorrc/service-desk-realtime/internal/adapters/primary/http/middleware"
	"github.com/lorrc/service-desk-realtime/internal/adapters/primary/realtime"
	"github.com/lorrc/service-desk-realtime/internal/adapters/secondary/assets"
	"github.com/lorrc/service-desk-realtime/internal/adapters/secondary/postgres"
	"github.com/lorrc/service-desk-realtime/internal/auth"
	"github.com/lorrc/service-desk-realtime/internal/config"
	"github.com/lorrc/service-desk-realtime/internal/core/services"
	"github.com/lorrc/service-desk-realtime/internal/infrastructure/logging"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Structured Logger
	logger := logging.NewLogger(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      os.Stdout,
		ServiceName: cfg.App.Name,
		Environment: cfg.App.Environment,
	})

	logger.Info("starting service",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
		"config", cfg.String(),
	)

	// 3. Initialize Database Pool
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Database.MigrateOnStartup {
		if err := postgres.Migrate(cfg.Database.URL, cfg.Database.MigrationsPath, logger); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
	}

	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connection established")

	// 4. Initialize Security & Real-time Components
	tokenManager := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.AccessTokenTTL)
	sessionManager := auth.NewSessionManager(auth.SessionOptions{
		Secret:     cfg.Session.Secret,
		CookieName: cfg.Session.CookieName,
		MaxAge:     cfg.Session.MaxAge,
		Secure:     cfg.Session.Secure,
	})

	accessRepo := postgres.NewAccessRepository(pool)
	authzService := services.NewAuthorizationService(accessRepo)

	namespaces, err := realtime.NewNamespaces(cfg.Stream.Namespaces, realtime.Config{
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		QueueSize:         cfg.Stream.QueueSize,
		StallTimeout:      cfg.Stream.StallTimeout,
		ControlRate:       cfg.Stream.ControlRate,
		ControlBurst:      cfg.Stream.ControlBurst,
	}, authzService, logger)
	if err != nil {
		logger.Error("failed to create namespaces", "error", err)
		os.Exit(1)
	}

	// 5. Initialize Rate Limiters
	var streamRateLimiter *mw.RateLimiter
	var publishRateLimiter *mw.RateLimitByKey
	if cfg.RateLimit.Enabled {
		limits := mw.StreamRateLimiterConfig()
		limits.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		limits.BurstSize = cfg.RateLimit.BurstSize
		streamRateLimiter = mw.NewRateLimiter(limits)

		publishRateLimiter = mw.NewRateLimitByKey(cfg.RateLimit.PublishRPS, cfg.RateLimit.PublishBurst)
	}

	// 6. Dependency Injection (Wiring the Hexagon)
	errorHandler := httpAdapter.NewErrorHandler(logger)

	handlers := httpAdapter.Handlers{
		Stream:  httpAdapter.NewStreamHandler(namespaces, errorHandler, cfg.Stream.WriteWait, logger),
		Control: httpAdapter.NewControlHandler(namespaces, errorHandler, logger),
		WebSocket: httpAdapter.NewWebSocketHandler(namespaces, errorHandler, httpAdapter.WebSocketConfig{
			AllowedOrigins:  cfg.WebSocket.AllowedOrigins,
			ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
			WriteBufferSize: cfg.WebSocket.WriteBufferSize,
			IsDevelopment:   cfg.IsDevelopment(),
			Transport: realtime.WSConfig{
				WriteWait:      cfg.Stream.WriteWait,
				PongWait:       cfg.WebSocket.PongWait,
				MaxMessageSize: cfg.WebSocket.MaxMessageSize,
			},
		}, logger),
		Publish: httpAdapter.NewPublishHandler(namespaces, errorHandler, logger),
		Health:  httpAdapter.NewHealthHandler(pool, namespaces, cfg.App.Version),
	}

	// 7. Setup Router
	router := httpAdapter.NewRouter(httpAdapter.RouterConfig{
		Logger:         logger,
		Sessions:       sessionManager,
		Tokens:         tokenManager,
		CSRFKey:        csrfKey(cfg),
		CSRFSecure:     cfg.Session.Secure,
		TrustedOrigins: cfg.Session.TrustedOrigins,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		RateLimiter:    streamRateLimiter,
		PublishLimiter: publishRateLimiter,
	}, handlers)

	// 8. Watch static assets for live reload
	if cfg.Static.Dir != "" {
		watcher, err := assets.NewWatcher(assets.Config{
			Dir:         cfg.Static.Dir,
			URLPrefix:   cfg.Static.URLPrefix,
			BatchWindow: cfg.Static.BatchWindow,
		}, namespaces, logger)
		if err != nil {
			logger.Error("failed to start asset watcher", "error", err)
			os.Exit(1)
		}
		defer watcher.Close()
		go watcher.Run(ctx)
	}

	// 9. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Streams never finish on their own, so end them before draining requests.
	namespaces.Shutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// csrfKey returns the configured key, or one derived from the session secret
// outside production, where Validate requires CSRF_KEY.
func csrfKey(cfg *config.Config) []byte {
	if cfg.Session.CSRFKey != "" {
		return []byte(cfg.Session.CSRFKey)
	}
	key := make([]byte, 32)
	copy(key, cfg.Session.Secret)
	return key
}
