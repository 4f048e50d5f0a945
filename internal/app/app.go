// Package app wires the ranking engine to its store of record, the ranking
// cache and the session layer. The server and the operator CLI share it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/leaderboard-stats/internal/clock"
	"github.com/leaderboard-stats/internal/config"
	"github.com/leaderboard-stats/internal/metrics"
	"github.com/leaderboard-stats/internal/postgres"
	"github.com/leaderboard-stats/internal/redis"
	"github.com/leaderboard-stats/internal/service"
	"github.com/leaderboard-stats/internal/storage"
	"github.com/leaderboard-stats/internal/storage/memory"
	"github.com/leaderboard-stats/internal/worker"
)

// App holds the wired components
type App struct {
	Config  *config.Config
	Store   storage.Store
	Redis   *goredis.Client
	Cache   *redis.RankingCache
	Engine  *service.Engine
	Sync    *worker.SyncWorker
	Metrics metrics.Metrics

	repo   *postgres.Repository
	logger *slog.Logger
}

// New connects every dependency and builds the engine. Migrations run when
// the store of record is PostgreSQL.
func New(ctx context.Context, cfg *config.Config, m metrics.Metrics, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Metrics: m, logger: logger}

	switch cfg.Storage.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory store of record; data is lost on exit")
		a.Store = memory.New()
	default:
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		repo, err := postgres.NewRepository(&cfg.Postgres, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if err := repo.RunMigrations(ctx); err != nil {
			repo.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		a.repo = repo
		a.Store = repo
		logger.Info("connected to PostgreSQL")
	}

	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	client, err := redis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	a.Redis = client
	logger.Info("connected to Redis")

	a.Cache = redis.NewRankingCache(client, cfg.Redis.KeyPrefix, logger)
	session := redis.NewSessionPublisher(client, cfg.Moderation.NoticeChannelPrefix, logger)

	a.Engine = service.NewEngine(a.Store, a.Cache, session, m, clock.New(), cfg, logger)
	a.Sync = worker.NewSyncWorker(a.Store, a.Cache, m, &cfg.Sync, logger)
	return a, nil
}

// Ping checks the store of record
func (a *App) Ping(ctx context.Context) error {
	if a.repo == nil {
		return nil
	}
	return a.repo.Pool().Ping(ctx)
}

// PingCache checks the ranking cache
func (a *App) PingCache(ctx context.Context) error {
	return a.Redis.Ping(ctx).Err()
}

// Close releases every connection
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", "error", err)
		}
	}
	if a.repo != nil {
		a.repo.Close()
	}
}
