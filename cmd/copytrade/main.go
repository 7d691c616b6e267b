package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Spot-Canvas/copytrade/internal/api"
	"github.com/Spot-Canvas/copytrade/internal/cache"
	"github.com/Spot-Canvas/copytrade/internal/config"
	"github.com/Spot-Canvas/copytrade/internal/copytrade"
	"github.com/Spot-Canvas/copytrade/internal/fees"
	"github.com/Spot-Canvas/copytrade/internal/gateway"
	"github.com/Spot-Canvas/copytrade/internal/idempotency"
	"github.com/Spot-Canvas/copytrade/internal/idgen"
	"github.com/Spot-Canvas/copytrade/internal/ingest"
	"github.com/Spot-Canvas/copytrade/internal/monitor"
	"github.com/Spot-Canvas/copytrade/internal/repair"
	"github.com/Spot-Canvas/copytrade/internal/store"
	"github.com/Spot-Canvas/copytrade/internal/tasks"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.HTTPPort).
		Str("environment", cfg.Environment).
		Msg("starting copytrade service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Ledger
	repo, err := store.NewRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer repo.Close()

	if err := repo.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	log.Info().Msg("connected to PostgreSQL")

	if cfg.MigrateOnStart {
		if err := store.RunMigrations(ctx, repo.Pool()); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		log.Info().Msg("migrations complete")
	}

	// Cache
	cacheClient, err := cache.New(ctx, cache.Config{
		Addrs:    cfg.RedisAddrs,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer cacheClient.Close()
	log.Info().Strs("addrs", cfg.RedisAddrs).Msg("connected to Redis")

	// NATS carries both the event stream and gateway requests
	nc, err := ingest.ConnectNATS(cfg.NATSURLs, cfg.NATSCredsFile, cfg.NATSCreds)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer nc.Close()

	var idOpts []idgen.Option
	if cfg.WorkerID >= 0 {
		idOpts = append(idOpts, idgen.WithWorkerID(cfg.WorkerID))
	}
	ids := idgen.New(idOpts...)
	log.Info().Int64("worker_id", ids.WorkerID()).Msg("identifier generator ready")

	queue := tasks.New(cfg.TaskQueueSize, cfg.TaskWorkers)
	queue.Start(ctx)

	guard := idempotency.NewGuard(repo, cfg.IdempotencyTTL)
	settler := fees.NewSettler(repo, cacheClient, ids)
	pipeline := copytrade.NewPipeline(copytrade.Deps{
		Store:   repo,
		Cache:   cacheClient,
		Gateway: gateway.NewClient(nc, cfg.GatewaySubjectPrefix, cfg.GatewayTimeout),
		Fees:    settler,
		Tasks:   queue,
		IDs:     ids,
	}, copytrade.Config{
		Concurrency:         cfg.ReplicationConcurrency,
		DefaultContractSize: cfg.DefaultContractSize,
		DefaultMinLot:       cfg.DefaultMinLot,
		DefaultMaxLot:       cfg.DefaultMaxLot,
	})
	equityMonitor := monitor.New(repo, pipeline.Equity(), pipeline, cacheClient, guard, monitor.Config{
		Interval:   cfg.EquityMonitorInterval,
		PurgeEvery: cfg.PurgeEvery,
	})
	repairer := repair.NewEngine(cacheClient, repo)
	consumer := ingest.NewConsumer(nc, repo, pipeline, guard)

	// Background loops
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Start(gctx) })
	g.Go(func() error { return equityMonitor.Start(gctx) })
	g.Go(func() error { return repairer.Run(gctx, cfg.RepairInterval) })

	srv := api.NewServer(api.Deps{
		Store:    repo,
		Cache:    cacheClient,
		NATS:     nc,
		Pipeline: pipeline,
		Fees:     settler,
		Repair:   repairer,
		Guard:    guard,
	})
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: srv.Router(),
	}

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	select {
	case <-sigChan:
		log.Info().Msg("shutting down...")
	case <-gctx.Done():
		log.Error().Msg("background worker stopped, shutting down...")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("background worker error")
	}
	queue.Close()

	log.Info().Msg("shutdown complete")
}
