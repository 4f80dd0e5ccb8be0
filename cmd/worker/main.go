package main

import (
	"context"
	"database/sql"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quiverhq/insightq/internal/analysis"
	"github.com/quiverhq/insightq/internal/config"
	"github.com/quiverhq/insightq/internal/queue"
	"github.com/quiverhq/insightq/internal/ratelimit"
	"github.com/quiverhq/insightq/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := newLogger(cfg.AppEnv)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store queue.Store
		sink  worker.Sink
	)
	switch cfg.QueueDriver {
	case "memory":
		// Dev-only: nothing survives a restart.
		store = queue.NewMemoryStore()
		sink = analysis.NewMemorySink()
	case "redis":
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		store = queue.NewRedisStore(rdb)
		db := mustOpenPostgres(ctx, cfg, logger)
		defer db.Close()
		sink = analysis.NewPostgresSink(db)
	default:
		db := mustOpenPostgres(ctx, cfg, logger)
		defer db.Close()
		store = queue.NewPostgresStore(db)
		sink = analysis.NewPostgresSink(db)
	}

	assistant := analysis.NewHTTPAssistant(cfg.AssistantURL, cfg.AssistantAPIKey, nil)
	limiter := ratelimit.NewTokenBucket(cfg.RateLimitMax, cfg.RateLimitWindow())

	pool := worker.New(store, limiter, sink, logger,
		worker.WithConcurrency(cfg.WorkerConcurrency),
		worker.WithLeaseDuration(cfg.LeaseDuration()),
		worker.WithHandlerTimeout(cfg.HandlerTimeout()),
		worker.WithRetryPolicy(worker.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay(),
		}),
	)
	if err := analysis.NewHandlers(assistant, logger).Register(pool); err != nil {
		logger.Fatal("register handlers", zap.Error(err))
	}

	go logStats(ctx, store, logger)

	if err := pool.Run(ctx); err != nil {
		logger.Fatal("worker pool", zap.Error(err))
	}
}

func mustOpenPostgres(ctx context.Context, cfg config.Config, logger *zap.Logger) *pgxpool.Pool {
	migrate(cfg, logger)
	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	if err := db.Ping(ctx); err != nil {
		logger.Fatal("ping postgres", zap.Error(err))
	}
	return db
}

func migrate(cfg config.Config, logger *zap.Logger) {
	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("open postgres for migrations", zap.Error(err))
	}
	defer db.Close()
	if err := goose.SetDialect("postgres"); err != nil {
		logger.Fatal("set goose dialect", zap.Error(err))
	}
	if err := goose.Up(db, cfg.MigrationsDir); err != nil {
		logger.Fatal("run migrations", zap.Error(err))
	}
}

func logStats(ctx context.Context, store queue.Store, logger *zap.Logger) {
	tick := time.NewTicker(30 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			stats, err := store.Stats(ctx)
			if err != nil {
				logger.Warn("stats query failed", zap.Error(err))
				continue
			}
			logger.Info("queue stats",
				zap.Int("queued", stats.Queued),
				zap.Int("leased", stats.Leased),
				zap.Int("succeeded", stats.Succeeded),
				zap.Int("failed", stats.Failed),
				zap.Int("dead_lettered", stats.DeadLettered),
			)
		}
	}
}

func newLogger(appEnv string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if appEnv == "prod" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatal(err)
	}
	return logger
}
