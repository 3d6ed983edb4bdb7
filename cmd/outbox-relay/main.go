package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-reservations/internal/config"
	"github.com/hackgods/clinic-reservations/internal/db"
	"github.com/hackgods/clinic-reservations/internal/logger"
	"github.com/hackgods/clinic-reservations/internal/metrics"
	"github.com/hackgods/clinic-reservations/internal/notify"
	redisclient "github.com/hackgods/clinic-reservations/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("outbox-relay starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
		zap.String("transport", cfg.Notify.Transport),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.WithMaxConns(4))
	cancelPg()
	if err != nil {
		log.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()

	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		PoolSize: 4,
	})
	if err != nil {
		log.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn("error closing redis", zap.Error(err))
		}
	}()

	publisher, closePublisher, err := notify.NewPublisher(cfg.Notify, rdb, log.Named("publisher"))
	if err != nil {
		log.Fatal("notification publisher", zap.Error(err))
	}
	defer func() { _ = closePublisher() }()

	relay := notify.NewRelay(notify.NewPgOutbox(pgPool), publisher, notify.RelayConfig{
		BatchSize:   cfg.Notify.BatchSize,
		MaxAttempts: cfg.Notify.MaxAttempts,
	}, log.Named("relay"), metrics.NewCollector(prometheus.NewRegistry()))

	// Drain what piled up while nothing was running.
	runOnce(rootCtx, relay, log)

	if err := relay.Run(rootCtx, cfg.WorkerInterval); err != nil {
		log.Error("relay stopped", zap.Error(err))
	}
}

func runOnce(ctx context.Context, relay *notify.Relay, log *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	delivered, err := relay.RunOnce(runCtx)
	if err != nil {
		log.Error("relay run error", zap.Error(err))
		return
	}
	log.Info("relay run complete", zap.Int("delivered", delivered), zap.Duration("took", time.Since(start)))
}
