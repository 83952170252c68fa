package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/txquery/service/config"
	"github.com/brojonat/txquery/service/db"
	"github.com/brojonat/txquery/service/metrics"
	natspkg "github.com/brojonat/txquery/service/nats"
	"github.com/brojonat/txquery/service/server"
	"github.com/brojonat/txquery/service/solana"
	"github.com/joho/godotenv"
)

func main() {
	// Optional dotenv file; real environment variables take precedence.
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", envFile, err)
		os.Exit(1)
	}

	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// run wires the dependencies and serves until a signal or a server error.
// Deferred cleanup always runs before it returns.
func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"write_timeout", cfg.HTTPWriteTimeout,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metricsCollector *metrics.Metrics
	if cfg.MetricsEnabled {
		metricsCollector = metrics.NewMetrics(nil) // nil uses default registry
	}

	// Initialize database connection pool
	pool, err := db.NewPool(ctx, db.PoolConfig{
		DatabaseURL:       cfg.DatabaseURL,
		MaxConns:          int32(cfg.DBMaxConns), // bounded by Config.Validate
		AcquireTimeout:    cfg.DBAcquireTimeout,
		HealthCheckPeriod: cfg.DBHealthCheckPeriod,
	}, metricsCollector, logger)
	if err != nil {
		return fmt.Errorf("failed to create database pool: %w", err)
	}
	defer pool.Close()

	// The store must be reachable before we accept requests.
	pingCtx, pingCancel := context.WithTimeout(ctx, cfg.DBAcquireTimeout)
	err = pool.Ping(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("connected to database", "max_conns", cfg.DBMaxConns)

	store := db.NewStore(pool, db.SearchOptions{
		Limit:   cfg.SearchMaxRows,
		OrderBy: cfg.SearchOrderBy,
	}, metricsCollector, logger)

	// Note: For premium RPC endpoints, include API key in the URL
	accounts := solana.NewAccountLookup(solana.NewRPCClient(cfg.SolanaRPCURL), solana.LookupConfig{
		Workers:  cfg.RPCWorkers,
		Timeout:  cfg.RPCTimeout,
		CacheTTL: cfg.AccountCacheTTL,
		Endpoint: cfg.SolanaRPCURL,
	}, metricsCollector, logger)
	defer accounts.Close()
	logger.Info("initialized solana RPC client",
		"url", cfg.SolanaRPCURL,
		"workers", cfg.RPCWorkers,
		"timeout", cfg.RPCTimeout,
	)

	var publisher natspkg.Publisher
	if cfg.NATSURL != "" {
		jsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize NATS publisher: %w", err)
		}
		defer jsPublisher.Close()
		publisher = jsPublisher
	} else {
		logger.Info("NATS_URL not set, query events disabled")
	}

	httpServer := server.New(cfg.ServerAddr, accounts, store, publisher, metricsCollector, logger,
		server.WithWriteTimeout(cfg.HTTPWriteTimeout))

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		return err
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server gracefully: %w", err)
		}

		logger.Info("server shutdown complete")
		return nil
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
