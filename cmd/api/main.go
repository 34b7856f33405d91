package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"lv-escrow/internal/attachments"
	"lv-escrow/internal/auth"
	"lv-escrow/internal/config"
	"lv-escrow/internal/db"
	"lv-escrow/internal/destinations"
	"lv-escrow/internal/escrow"
	"lv-escrow/internal/events"
	"lv-escrow/internal/health"
	"lv-escrow/internal/httpserver"
	"lv-escrow/internal/ledger"
	"lv-escrow/internal/limits"
	"lv-escrow/internal/logging"
	"lv-escrow/internal/metrics"
	"lv-escrow/internal/outbox"
	"lv-escrow/internal/policy"
	"lv-escrow/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	startedAt := time.Now()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, logCloser, err := logging.New(cfg.Log, "lv-escrow", cfg.Env)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool, logger); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	runner := db.NewRunner(pool, cfg.Tx, m, logger)

	bus := events.NewBus()
	ledgerSvc := ledger.NewService()
	policyStore := policy.NewStore()
	resolver := policy.NewResolver(policyStore)
	tracker := limits.NewTracker(resolver, cfg.Limits.Location)
	destStore := destinations.NewStore()
	fileStore := attachments.NewStore()
	outboxStore := outbox.NewStore()
	engine := escrow.NewEngine(escrow.Deps{
		Runner:       runner,
		Ledger:       ledgerSvc,
		Limits:       tracker,
		Policy:       resolver,
		Destinations: destStore,
		Proofs:       fileStore,
		Outbox:       outboxStore,
		Events:       bus,
		Metrics:      m,
		Logger:       logger,
	}, escrow.Config{
		AllocationTTL:    cfg.Escrow.AllocationTTL,
		ExpiringSoon:     cfg.Escrow.ExpiringSoon,
		ConfirmationMode: cfg.Escrow.ConfirmationMode,
		MaxProofAttempts: cfg.Escrow.MaxProofAttempts,
		SweepBatch:       cfg.Expiry.BatchSize,
	})

	authSvc := auth.NewService(cfg.JWTIssuer, []byte(cfg.JWTSecret), cfg.JWTTTL)
	if cfg.AdminUsername != "" && cfg.AdminPasswordHash != "" {
		authSvc.SetAdminCredentials(cfg.AdminUsername, cfg.AdminPasswordHash)
	}

	var locker scheduler.Locker = scheduler.LocalLocker{}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		locker = scheduler.NewRedisLocker(client)
	}
	jobs := scheduler.New(locker, logger)
	jobs.Add(scheduler.Job{
		Name:     "allocation-expiry",
		Interval: cfg.Expiry.Interval,
		Run: func(ctx context.Context) error {
			_, err := engine.ExpireAllocations(ctx)
			return err
		},
	})
	if len(cfg.Outbox.KafkaBrokers) > 0 {
		relay := outbox.NewRelay(runner, outboxStore, outbox.NewKafkaWriter(cfg.Outbox), cfg.Outbox.MaxAttempts, m, logger)
		defer relay.Close()
		jobs.Add(scheduler.Job{
			Name:     "outbox-relay",
			Interval: cfg.Outbox.PollInterval,
			Run: func(ctx context.Context) error {
				_, err := relay.RelayOnce(ctx)
				return err
			},
		})
	} else {
		logger.Warn("KAFKA_BROKERS not set; outbox events are stored but not relayed")
	}

	limiter := httpserver.NewRateLimiter(20, 60)
	jobs.Add(scheduler.Job{
		Name:     "rate-limiter-prune",
		Interval: time.Minute,
		Run: func(context.Context) error {
			limiter.Prune(3 * time.Minute)
			return nil
		},
	})

	router := httpserver.NewRouter(httpserver.RouterDeps{
		Runner:       runner,
		Engine:       engine,
		Ledger:       ledgerSvc,
		Limits:       tracker,
		Policies:     policyStore,
		Destinations: destStore,
		Attachments:  fileStore,
		Outbox:       outboxStore,
		AuthService:  authSvc,
		AuthHandler:  auth.NewHandler(authSvc),
		Health:       health.NewHandler(pool, startedAt),
		WSHandler:    httpserver.NewEventsWSHandler(bus, authSvc, cfg.WebSocketOrigin, logger),
		RateLimiter:  limiter,
		Metrics:      m,
		Registry:     registry,
		Logger:       logger,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	jobs.Start(ctx)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			stop()
			jobs.Wait()
			return err
		}
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	stop()
	jobs.Wait()
	return err
}
