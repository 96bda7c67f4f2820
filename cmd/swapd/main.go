package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/uhyunpark/swapflow/params"
	"github.com/uhyunpark/swapflow/pkg/api"
	"github.com/uhyunpark/swapflow/pkg/broadcast"
	"github.com/uhyunpark/swapflow/pkg/feeder"
	"github.com/uhyunpark/swapflow/pkg/metrics"
	"github.com/uhyunpark/swapflow/pkg/queue"
	"github.com/uhyunpark/swapflow/pkg/routing"
	"github.com/uhyunpark/swapflow/pkg/store"
	"github.com/uhyunpark/swapflow/pkg/util"
	"github.com/uhyunpark/swapflow/pkg/venue"
	"github.com/uhyunpark/swapflow/pkg/worker"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	// LOG_FILE=- logs to the console only
	var logger *zap.Logger
	var err error
	if cfg.Log.File == "-" {
		logger, err = util.NewLogger()
	} else {
		logger, err = util.NewLoggerWithFile(util.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Fatalw("swapd_failed", "err", err)
	}
}

func openQueueStore(cfg params.Config) (queue.Store, error) {
	keep := queue.Retention{KeepCompleted: cfg.Queue.KeepCompleted, KeepFailed: cfg.Queue.KeepFailed}
	switch cfg.Queue.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return queue.NewRedisStore(client, cfg.Queue.Name, keep), nil
	default:
		return queue.OpenPebbleStore(cfg.Queue.Path, keep)
	}
}

func openOrderStore(ctx context.Context, cfg params.Config) (store.Gateway, error) {
	switch cfg.Store.Backend {
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	default:
		return store.OpenPebbleStore(cfg.Store.Path)
	}
}

func run(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) error {
	clock := util.RealClock{}

	// ---- Persistence ----
	// Deferred closes run queue first, then the order store
	gw, err := openOrderStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("order store: %w", err)
	}
	defer gw.Close()

	qs, err := openQueueStore(cfg)
	if err != nil {
		return fmt.Errorf("queue store: %w", err)
	}
	svc := queue.NewService(qs, queue.Options{
		Policy: queue.RetryPolicy{
			MaxAttempts: cfg.Queue.MaxAttempts,
			Base:        cfg.Queue.BackoffBase,
			Max:         cfg.Queue.BackoffMax,
		},
		PollInterval: cfg.Queue.PollInterval,
		Lease:        cfg.Queue.Lease,
		Clock:        clock,
		Logger:       sugar,
	})
	defer svc.Close()

	if _, err := svc.Recover(ctx); err != nil {
		return fmt.Errorf("queue recover: %w", err)
	}

	sugar.Infow("storage_ready", "queue_backend", cfg.Queue.Backend, "store_backend", cfg.Store.Backend)

	// ---- Routing ----
	sim := venue.DefaultSimConfig()
	sim.BasePrice = cfg.Venue.BasePrice
	sim.QuoteLatencyMin, sim.QuoteLatencyMax = cfg.Venue.QuoteLatencyMin, cfg.Venue.QuoteLatencyMax
	sim.ExecLatencyMin, sim.ExecLatencyMax = cfg.Venue.ExecLatencyMin, cfg.Venue.ExecLatencyMax
	seed := cfg.Venue.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	engine, err := routing.NewEngine(
		venue.NewSimulatedSet(venue.DefaultProfiles(), sim, seed, clock),
		routing.Options{PartialTolerance: cfg.Venue.PartialRouting},
		sugar,
	)
	if err != nil {
		return fmt.Errorf("routing: %w", err)
	}

	// ---- Broadcast ----
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := broadcast.NewHub(broadcast.Options{Clock: clock, Logger: sugar})
	go hub.Run(hubCtx)

	prometheus.MustRegister(metrics.NewQueueCollector(func(ctx context.Context) (map[string]int64, error) {
		c, err := svc.Metrics(ctx)
		return c.Map(), err
	}))

	// ---- Workers ----
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	pool := worker.NewPool(worker.Config{
		Concurrency: cfg.Queue.Concurrency,
		AckDelay:    cfg.Pipeline.AckDelay,
		BuildDelay:  cfg.Pipeline.BuildDelay,
	}, svc, engine, hub, gw, clock, sugar)
	go svc.WatchStalled(workerCtx, cfg.Queue.StalledInterval)
	poolDone := make(chan struct{})
	go func() {
		pool.Run(workerCtx)
		close(poolDone)
	}()

	// ---- API Server ----
	server := api.NewServer(api.Options{
		PublicURL:      cfg.Server.PublicURL,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Clock:          clock,
	}, svc, hub, gw, sugar)

	// ---- Order Feeder (optional) ----
	// Enable with: ENABLE_ORDERGEN=true
	if cfg.Feeder.Enabled {
		cancelFeeder, err := feeder.Start(ctx, server, feeder.Config{
			Interval: cfg.Feeder.Interval,
			Wallets:  cfg.Feeder.Wallets,
			Pairs:    cfg.Feeder.Pairs,
		}, sugar)
		if err != nil {
			return fmt.Errorf("feeder: %w", err)
		}
		defer cancelFeeder()
	}

	sugar.Infow("swapd_starting",
		"addr", cfg.Server.Addr,
		"concurrency", cfg.Queue.Concurrency,
		"max_attempts", cfg.Queue.MaxAttempts,
		"venues", engine.Venues(),
		"partial_routing", cfg.Venue.PartialRouting)

	// Blocks until a signal arrives or the listener fails
	serveErr := server.ListenAndServe(ctx, cfg.Server.Addr)

	// Stop claiming; in-flight orders run to a terminal status or a scheduled retry
	stopWorkers()
	select {
	case <-poolDone:
		sugar.Infow("workers_drained")
	case <-time.After(cfg.Pipeline.DrainTimeout):
		// Stores refuse calls after the deferred Close; leftover claims expire and are requeued.
		sugar.Warnw("workers_drain_timeout", "timeout", cfg.Pipeline.DrainTimeout)
	}
	stopHub()

	sugar.Infow("swapd_stopped")
	return serveErr
}
