// cartsyncd keeps shopping carts of UI clients in sync with the cart backend.
// Guest carts live in the local store; logged-in carts are mirrored
// optimistically and confirmed against the backend in the background.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"cartsync/internal/backend"
	"cartsync/internal/config"
	"cartsync/internal/gateway"
	"cartsync/internal/handler"
	"cartsync/internal/kv"
	"cartsync/internal/middleware"
	"cartsync/internal/session"
	"cartsync/internal/telemetry"
)

const (
	serviceName    = "cartsync"
	serviceVersion = "1.0.0"

	// devToken logs in the built-in user of the memory backend.
	devToken = "dev-token"

	// shutdownTimeout bounds each shutdown phase: closing connections, then
	// draining confirmations.
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Initialize structured logger
	logger := initLogger()

	// Load configuration
	ctx := context.Background()
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.String("backend_mode", cfg.Backend.Mode),
		slog.String("backend_url", cfg.Backend.URL),
		slog.String("store", cfg.Store.Type),
		slog.String("merge_policy", cfg.Merge.Policy),
	)

	metrics, err := telemetry.NewMeterProvider(serviceName, serviceVersion)
	if err != nil {
		return fmt.Errorf("creating meter provider: %w", err)
	}

	store, closeStore, err := createStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}
	defer closeStore()

	cartBackend, err := createBackend(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating backend: %w", err)
	}

	registry := session.NewRegistry(store, cartBackend, session.Options{
		MergePolicy:      cfg.MergePolicy(),
		MergeConcurrency: cfg.Merge.Concurrency,
		MutationTimeout:  cfg.Mutation.Timeout.Std(),
		HistorySize:      cfg.Mutation.HistorySize,
		Logger:           logger,
		Meter:            metrics.Meter("cartsync/coordinator"),
		IdleTimeout:      cfg.Session.IdleTimeout.Std(),
		MaxSessions:      cfg.Session.MaxSessions,
	})
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go registry.Run(sweepCtx, min(cfg.Session.IdleTimeout.Std(), time.Minute))

	h := handler.New(registry, handler.Options{
		WaitBudget: cfg.Mutation.WaitBudget.Std(),
		Metrics:    metrics.Handler(),
		Logger:     logger,
	})

	// Setup routes
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	// Apply middleware chain: recovery → request ID → logging → handler
	// Recovery must be outermost to catch panics from logging middleware
	httpHandler := middleware.Chain(
		middleware.Recovery(logger),
		middleware.RequestID(),
		middleware.Logging(logger),
	)(mux)

	server, cancelRequests := newServer(":"+cfg.Port, httpHandler)
	defer cancelRequests()

	// Channel for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Channel for server errors
	serverErr := make(chan error, 1)

	// Start server in goroutine
	go func() {
		logger.Info("server starting",
			slog.String("port", cfg.Port),
			slog.String("addr", server.Addr),
		)
		serverErr <- server.ListenAndServe()
	}()

	// Wait for shutdown signal or server error
	var runErr error
	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
		// Nothing left to serve, but confirmations may still be in flight.
		drainSessions(registry, logger, shutdownTimeout)

	case sig := <-shutdown:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		runErr = stop(server, registry, logger, shutdownTimeout)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.Warn("meter provider shutdown failed", slog.String("error", err.Error()))
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("server stopped")
	return nil
}

// newServer builds the HTTP server. The returned func cancels the context
// of every request in progress; Shutdown calls it too, since it otherwise
// waits for open event streams until its deadline.
func newServer(addr string, h http.Handler) (*http.Server, context.CancelFunc) {
	baseCtx, cancel := context.WithCancel(context.Background())

	// No WriteTimeout: /cart/events streams for as long as the client stays.
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	server.RegisterOnShutdown(cancel)
	return server, cancel
}

// drainer waits for in-flight cart confirmations.
type drainer interface {
	Drain(ctx context.Context) error
}

// stop shuts the server down, then lets background confirmations finish so
// their results are persisted. Sessions are drained even when the shutdown
// itself fails. Each phase gets its own timeout.
func stop(server *http.Server, sessions drainer, logger *slog.Logger, timeout time.Duration) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var err error
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		// Force close if graceful shutdown fails
		server.Close()
		err = fmt.Errorf("shutdown error: %w", serr)
	}

	drainSessions(sessions, logger, timeout)
	return err
}

func drainSessions(sessions drainer, logger *slog.Logger, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := sessions.Drain(ctx); err != nil {
		logger.Warn("mutations still in flight at shutdown", slog.String("error", err.Error()))
	}
}

// createStore opens the configured snapshot store. The returned func
// releases it.
func createStore(ctx context.Context, cfg *config.Config) (kv.Store, func(), error) {
	switch cfg.Store.Type {
	case config.StoreFile:
		store, err := kv.NewFile(cfg.Store.Dir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Store.RedisAddr, err)
		}
		return kv.NewRedis(client, cfg.Store.RedisPrefix, cfg.Store.RedisTTL.Std()), func() { client.Close() }, nil
	default:
		return kv.NewMemory(), func() {}, nil
	}
}

// createBackend creates the cart backend based on configuration.
func createBackend(cfg *config.Config, logger *slog.Logger) (gateway.Backend, error) {
	switch cfg.Backend.Mode {
	case config.BackendHTTP:
		return backend.New(backend.Config{
			BaseURL:    cfg.Backend.URL,
			Timeout:    cfg.Backend.Timeout.Std(),
			TLSProfile: cfg.Backend.TLSProfile,
			Breaker: backend.BreakerConfig{
				ConsecutiveFailures: cfg.Backend.BreakerFailures,
				OpenTimeout:         cfg.Backend.BreakerOpenTimeout.Std(),
				HalfOpenRequests:    cfg.Backend.BreakerHalfOpen,
			},
			Logger: logger,
		})
	case config.BackendMemory:
		b := gateway.NewInMemoryBackend()
		b.AddUser(devToken, gateway.User{ID: "dev", Name: "Developer"})
		logger.Warn("using in-memory cart backend", slog.String("token", devToken))
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported backend mode: %s", cfg.Backend.Mode)
	}
}

// initLogger creates a structured logger configured for the environment.
// Production uses JSON format for GCP Cloud Logging compatibility.
// Development uses text format for readability.
func initLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv("LOG_LEVEL"))); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		// Add source location in debug mode
		AddSource: level == slog.LevelDebug,
	}

	// JSON for production (Cloud Logging compatible), text for development
	if os.Getenv("ENVIRONMENT") == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
