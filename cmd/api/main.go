package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quiverhq/insightq/internal/api"
	"github.com/quiverhq/insightq/internal/config"
	"github.com/quiverhq/insightq/internal/queue"
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

	var store queue.Store
	switch cfg.QueueDriver {
	case "memory":
		store = queue.NewMemoryStore()
	case "redis":
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		store = queue.NewRedisStore(rdb)
	default:
		db, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("connect postgres", zap.Error(err))
		}
		defer db.Close()
		store = queue.NewPostgresStore(db)
	}

	svc := api.NewService(store, cfg.MaxAttempts, logger)
	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewRouter(svc, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("api listening", zap.String("addr", cfg.APIAddr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("serve", zap.Error(err))
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
