package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"grepr/internal/api"
	"grepr/internal/app"
	"grepr/internal/config"
	internaldb "grepr/internal/db"
	"grepr/internal/middleware"
)

func main() {
	// Load .env file (if present)
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Printf("warning: could not load .env: %v", err)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	for _, warning := range cfg.Warnings {
		logger.Warn(warning)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Job state store: single-connection write pool for serialized writes
	// (WAL + txlock=immediate), wider pool for reads.
	writeDB, readDB, err := internaldb.OpenSQLitePair(cfg.StateDBPath, 4)
	if err != nil {
		return err
	}
	defer writeDB.Close()
	defer readDB.Close()

	logger.Info("running state store migrations", "path", cfg.StateDBPath)
	if err := internaldb.RunMigrations(writeDB); err != nil {
		return err
	}

	backendDB, err := sql.Open(cfg.BackendDriver, cfg.BackendDSN)
	if err != nil {
		return err
	}
	defer backendDB.Close()

	a, err := app.New(ctx, app.Deps{
		Cfg:       cfg,
		WriteDB:   writeDB,
		ReadDB:    readDB,
		BackendDB: backendDB,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	a.Start(ctx)
	defer a.Stop()

	handler := api.NewHandler(a.Service, logger.With("component", "api"))
	router := api.NewRouter(handler, api.RouterConfig{
		Auth: middleware.AuthConfig{
			JWTSecret:      []byte(cfg.JWTSecret),
			AllowDevTokens: cfg.AllowDevTokens(),
		},
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: cfg.HTTPRateLimitRPS,
			Burst:             cfg.HTTPRateLimitBurst,
		},
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			"addr", cfg.ListenAddr,
			"backend", cfg.BackendDriver,
			"workers", cfg.WorkerCount,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
