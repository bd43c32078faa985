package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/fieldsync/internal/broadcast"
	"github.com/example/fieldsync/internal/changefeed"
	"github.com/example/fieldsync/internal/config"
	"github.com/example/fieldsync/internal/httpapi"
	"github.com/example/fieldsync/internal/observability"
	"github.com/example/fieldsync/internal/schema"
	"github.com/example/fieldsync/internal/snapshot"
	"github.com/example/fieldsync/internal/storage"
	"github.com/example/fieldsync/internal/storage/memory"
	"github.com/example/fieldsync/internal/storage/postgres"
	"github.com/example/fieldsync/internal/upsert"
	"github.com/example/fieldsync/internal/ws"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type syncStore interface {
	storage.Store
	storage.SnapshotStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := observability.NewLogger(cfg.AppName, cfg.LogLevel)
	telemetry := observability.Config{
		ServiceName:  cfg.AppName,
		Version:      version,
		StoreDriver:  cfg.StoreDriver,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}
	if err := observability.RegisterCollectors(prometheus.DefaultRegisterer, telemetry); err != nil {
		logger.Fatal().Err(err).Msg("failed to register collectors")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, telemetry, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	store, err := openStore(ctx, cfg, resources, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}

	registry := schema.Default()
	connections := ws.NewConnectionRegistry()

	var notifier upsert.Notifier = connections
	if resources.Redis != nil {
		broadcaster := broadcast.NewRedisBroadcaster(resources.Redis, connections, logger)
		broadcaster.Start(ctx)
		notifier = broadcaster
	}

	engineOpts := []upsert.Option{
		upsert.WithLogger(logger),
		upsert.WithNotifier(notifier),
		upsert.WithTokenCache(cfg.TokenCacheSize),
	}
	if cfg.StoreDriver == config.DriverPostgres {
		engineOpts = append(engineOpts, upsert.WithRetry(cfg.BatchMaxRetries, cfg.BatchRetryDelay, postgres.IsTransient))
	}
	engine := upsert.NewEngine(store, registry, engineOpts...)
	feed := changefeed.NewProducer(store, registry, logger)

	gateway, err := ws.NewGateway(connections, registry, logger, ws.GatewayConfig{})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build websocket gateway")
	}

	if resources.Object != nil {
		worker := snapshot.NewWorker(store, resources.Object, cfg.ObjectBucket, logger,
			snapshot.WithInterval(cfg.SnapshotInterval),
			snapshot.WithThreshold(cfg.SnapshotThreshold),
		)
		worker.Start(ctx)
	} else {
		logger.Warn().Msg("object storage not configured; ledger snapshots disabled")
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Engine: engine,
		Feed:   feed,
		Health: func(ctx context.Context) error {
			if err := store.Ping(ctx); err != nil {
				return err
			}
			return resources.HealthCheck(ctx)
		},
		Stream: gateway,
		Logger: logger,
	})
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Str("store", cfg.StoreDriver).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	go healthLoop(ctx, resources, cfg.HealthcheckProbe, logger)

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown complete")
}

func openStore(ctx context.Context, cfg config.Config, resources *config.Resources, logger zerolog.Logger) (syncStore, error) {
	if cfg.StoreDriver == config.DriverMemory {
		logger.Warn().Msg("using in-memory store; data is lost on restart")
		return memory.New(), nil
	}
	if cfg.MigrateOnStart {
		if err := postgres.Migrate(ctx, resources.Postgres); err != nil {
			return nil, err
		}
		logger.Info().Msg("schema migrations applied")
	}
	return postgres.New(resources.Postgres,
		postgres.WithMaxRetries(cfg.StoreMaxRetries),
		postgres.WithRetryDelay(cfg.StoreRetryDelay),
	), nil
}

func healthLoop(ctx context.Context, resources *config.Resources, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := resources.HealthCheck(ctx); err != nil {
				logger.Error().Err(err).Msg("dependency healthcheck failed")
			} else {
				logger.Debug().Msg("dependency healthcheck ok")
			}
		case <-ctx.Done():
			return
		}
	}
}
