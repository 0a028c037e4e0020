// Package app provides application-level wiring for the query server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"grepr/internal/config"
	"grepr/internal/db/repository"
	"grepr/internal/domain"
	"grepr/internal/engine"
	"grepr/internal/service/query"
	"grepr/internal/storage"
)

// Deps holds the external dependencies that main() must provide: database
// handles, config, and the logger. Everything else is wired here.
type Deps struct {
	Cfg       *config.Config
	WriteDB   *sql.DB // SQLite state store, single-writer pool
	ReadDB    *sql.DB // SQLite state store, concurrent read pool (optional)
	BackendDB *sql.DB // pgx or duckdb data source
	Logger    *slog.Logger
}

// App holds the fully wired query server core: the admission service the
// HTTP layer talks to, plus the background machinery (worker pool, limiter
// janitor) that Start/Stop manage.
type App struct {
	Service *query.Service
	Repo    *repository.QueryRepo

	pool    *query.Pool
	janitor *cron.Cron
	logger  *slog.Logger
}

// New wires the repository, artifact store, engine, worker pool, and
// admission service from the provided deps. The startup sweep runs here,
// before any submission can be accepted.
func New(ctx context.Context, deps Deps) (*App, error) {
	cfg := deps.Cfg

	repo := repository.NewQueryRepo(deps.WriteDB)
	if deps.ReadDB != nil {
		repo = repository.NewQueryRepoPair(deps.WriteDB, deps.ReadDB)
	}

	// A previous incarnation's RUNNING rows are orphans: their executions
	// died with the process.
	if err := repo.FailRunningOnStartup(ctx, "server restarted while running"); err != nil {
		return nil, fmt.Errorf("fail running queries on startup: %w", err)
	}

	artifacts, err := newArtifactStore(cfg, deps.Logger)
	if err != nil {
		return nil, err
	}

	backend := engine.New(
		deps.BackendDB,
		cfg.BackendDriver,
		cfg.StatementTimeout,
		deps.Logger.With("component", "engine"),
	)

	queue := make(chan domain.JobRef, cfg.QueueSize)
	pool := query.NewPool(queue, repo, backend, artifacts, query.PoolConfig{
		Workers:  cfg.WorkerCount,
		MaxRows:  cfg.MaxRows,
		MaxBytes: cfg.MaxBytes,
	}, deps.Logger.With("component", "worker"))

	limiter := query.NewRateLimiter(cfg.RateLimitPerMinute)

	svc := query.NewService(
		repo,
		query.NewGuard(cfg.MaxSQLChars),
		limiter,
		artifacts,
		pool,
		queue,
		query.Limits{
			MaxPendingPerUser: cfg.MaxPendingPerUser,
			MaxRunningPerUser: cfg.MaxRunningPerUser,
			MaxRunningGlobal:  cfg.MaxRunningGlobal,
		},
		deps.Logger.With("component", "query-service"),
	)

	// Idle rate-limit buckets are reclaimed periodically; a pruned user's
	// next request just starts a fresh full bucket.
	janitor := cron.New()
	if _, err := janitor.AddFunc("@every 5m", func() {
		limiter.Prune(10 * time.Minute)
	}); err != nil {
		return nil, fmt.Errorf("schedule limiter janitor: %w", err)
	}

	return &App{
		Service: svc,
		Repo:    repo,
		pool:    pool,
		janitor: janitor,
		logger:  deps.Logger,
	}, nil
}

// Start launches the worker pool and the background janitor.
func (a *App) Start(ctx context.Context) {
	a.pool.Start(ctx)
	a.janitor.Start()
}

// Stop halts the janitor and drains the worker pool.
func (a *App) Stop() {
	stopCtx := a.janitor.Stop()
	<-stopCtx.Done()
	a.pool.Stop()
}

// newArtifactStore picks S3 when fully configured, local disk otherwise.
func newArtifactStore(cfg *config.Config, logger *slog.Logger) (domain.ArtifactStore, error) {
	if cfg.HasS3Config() {
		logger.Info("using S3 artifact store", "bucket", *cfg.S3Bucket, "endpoint", *cfg.S3Endpoint)
		return storage.NewS3Store(storage.S3Config{
			KeyID:    *cfg.S3KeyID,
			Secret:   *cfg.S3Secret,
			Endpoint: *cfg.S3Endpoint,
			Region:   *cfg.S3Region,
			Bucket:   *cfg.S3Bucket,
			Prefix:   cfg.S3Prefix,
		}), nil
	}

	store, err := storage.NewLocalStore(cfg.ResultsDir)
	if err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	logger.Info("using local artifact store", "dir", cfg.ResultsDir)
	return store, nil
}
