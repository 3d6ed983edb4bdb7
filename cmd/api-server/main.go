package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-reservations/internal/api"
	"github.com/hackgods/clinic-reservations/internal/booking"
	"github.com/hackgods/clinic-reservations/internal/config"
	"github.com/hackgods/clinic-reservations/internal/db"
	"github.com/hackgods/clinic-reservations/internal/logger"
	"github.com/hackgods/clinic-reservations/internal/metrics"
	"github.com/hackgods/clinic-reservations/internal/notify"
	redisclient "github.com/hackgods/clinic-reservations/internal/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "api-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	log.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("conflict_policy", cfg.ConflictPolicy),
		zap.String("notify_transport", cfg.Notify.Transport),
		zap.String("timezone", cfg.Timezone.String()),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		return fmt.Errorf("postgres connection: %w", err)
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	if err := db.Migrate(rootCtx, pgPool); err != nil {
		return err
	}

	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return fmt.Errorf("redis connection: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn("error closing redis", zap.Error(err))
		}
	}()
	log.Info("connected to Redis")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	var resolver booking.ConflictResolver = booking.OptimisticResolver{}
	if cfg.ConflictPolicy == config.ConflictPolicyRedisLock {
		resolver = redisclient.NewSlotLocker(rdb, cfg.LockTTL, log.Named("lock"))
	}

	store := booking.NewPgStore(pgPool)
	outbox := notify.NewPgOutbox(pgPool)
	sink := notify.NewRetryingSink(outbox, log.Named("notify"), collector)
	defer sink.Shutdown(cfg.ShutdownTimeout)

	publisher, closePublisher, err := notify.NewPublisher(cfg.Notify, rdb, log.Named("publisher"))
	if err != nil {
		return fmt.Errorf("notification publisher: %w", err)
	}
	defer func() { _ = closePublisher() }()

	relay := notify.NewRelay(outbox, publisher, notify.RelayConfig{
		BatchSize:   cfg.Notify.BatchSize,
		MaxAttempts: cfg.Notify.MaxAttempts,
	}, log.Named("relay"), collector)

	manager := booking.NewManager(booking.Dependencies{
		Slots:        store,
		Reservations: store,
		Directory:    store,
		Sink:         sink,
		Resolver:     resolver,
		Log:          log.Named("booking"),
		Metrics:      collector,
		Location:     cfg.Timezone,
		AgendaGrace:  cfg.AgendaGrace,
	})

	router := api.NewRouter(api.RouterConfig{
		Reception: booking.NewReceptionDesk(manager, store, booking.RolePolicy{}),
		Providers: booking.NewProviderDesk(manager, outbox, booking.RolePolicy{}),
		Checks:    []api.DependencyCheck{api.PostgresCheck(pgPool), api.RedisCheck(rdb)},
		Log:       log.Named("http"),
		Metrics:   collector,
		Env:       cfg.Env,
		Version:   cfg.Version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return relay.Run(gctx, cfg.WorkerInterval)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down api-server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
