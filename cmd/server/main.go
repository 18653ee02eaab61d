package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pcarleton/cartograph/internal/api"
	"github.com/pcarleton/cartograph/internal/config"
	"github.com/pcarleton/cartograph/internal/domain"
	"github.com/pcarleton/cartograph/internal/source"
	"github.com/pcarleton/cartograph/internal/store"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	if err := config.Load(); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx := context.Background()

	var beliefs domain.BeliefStore
	switch backend := config.StoreBackend(); backend {
	case "memory":
		beliefs = store.NewMemoryStore()
		logger.Info("using in-memory store")
	case "postgres":
		dbURL := config.DatabaseURL()
		if dbURL == "" {
			logger.Fatal("DATABASE_URL is required for the postgres backend")
		}
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("failed to ping database", zap.Error(err))
		}
		beliefs = store.NewPostgresStore(pool)
		logger.Info("connected to database",
			zap.String("migrations", config.MigrationsPath()))
	default:
		logger.Fatal("unknown store backend", zap.String("backend", backend))
	}

	loader := source.NewLoader(config.CorpusDir())
	app := api.NewApp(beliefs, loader, logger)

	if config.CompileOnStart() {
		report, err := app.Compiler.RunAll(ctx)
		if err != nil {
			logger.Fatal("initial compile failed", zap.Error(err))
		}
		logger.Info("initial compile finished",
			zap.Int("paths", len(report.Paths)),
			zap.Int("rounds", report.Rounds))
	}

	addr := config.ServerAddr()
	srv := &http.Server{
		Addr:    addr,
		Handler: app.Router,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
}
