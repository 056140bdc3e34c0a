package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/navi-crwn/pixelhop-sub000/internal/admission"
	"github.com/navi-crwn/pixelhop-sub000/internal/bootstrap"
	"github.com/navi-crwn/pixelhop-sub000/internal/cache"
	"github.com/navi-crwn/pixelhop-sub000/internal/config"
	"github.com/navi-crwn/pixelhop-sub000/internal/fetch"
	"github.com/navi-crwn/pixelhop-sub000/internal/handlers"
	"github.com/navi-crwn/pixelhop-sub000/internal/ingest"
	"github.com/navi-crwn/pixelhop-sub000/internal/jobs"
	"github.com/navi-crwn/pixelhop-sub000/internal/log"
	"github.com/navi-crwn/pixelhop-sub000/internal/media/derivative"
	"github.com/navi-crwn/pixelhop-sub000/internal/metastore"
	"github.com/navi-crwn/pixelhop-sub000/internal/server"
	"github.com/navi-crwn/pixelhop-sub000/internal/storage"
	"github.com/navi-crwn/pixelhop-sub000/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, cfg.Logging.Level)

	ctx := context.Background()

	store, err := bootstrap.OpenMetastore(ctx, cfg.Metadata, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open metadata store")
	}

	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}

	objects, err := storage.NewClient(cfg.Storage, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init storage client")
	}
	if cfg.Storage.EnsureBucket {
		bucket, err := storage.NewObjectStore(cfg.Storage)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init object store")
		}
		if err := bucket.EnsureBucket(ctx); err != nil {
			logger.Warn().Err(err).Msg("ensure bucket failed")
		}
	}

	pipeline := ingest.New(store, objects, derivative.NewGenerator(), ingest.Options{
		Profiles:     cfg.DerivativeProfiles(),
		AllowedTypes: cfg.Images.AllowedTypes,
		MaxBytes:     cfg.Images.MaxBytes,
	}, logger)

	ret, err := bootstrap.NewRetention(cfg, store, objects, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init retention")
	}

	var checker admission.Checker = admission.AllowAll{}
	if cfg.Admission.Enabled && redisClient != nil {
		checker = admission.NewRedisLimiter(redisClient, cfg.Admission, logger)
	}

	handlerSet := handlers.NewHandlerSet(logger, cfg, handlers.Deps{
		Pipeline:  pipeline,
		Store:     store,
		Fetcher:   fetch.New(cfg.Fetch, cfg.Images.AllowedTypes, logger),
		Admission: checker,
		Sweeper:   ret.Sweeper,
		Cache:     redisClient,
	})
	httpServer := server.NewHTTPServer(cfg, logger, handlerSet)

	// Without redis there is no worker to hand tasks to, so they run here.
	scheduler := jobs.NewScheduler(cfg.Retention, redisClient, cfg.Redis.Stream,
		tasks.NewProcessor(ret.Sweeper, ret.Reconciler, logger), logger)
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("scheduler start failed")
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(logger, httpServer, scheduler, store, redisClient)
}

func waitForShutdown(logger zerolog.Logger, srv *server.HTTPServer, scheduler *jobs.Scheduler, store metastore.Store, redisClient *redis.Client) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	scheduler.Stop(shutdownCtx)

	if err := store.Close(); err != nil {
		logger.Error().Err(err).Msg("metadata store close error")
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("redis close error")
		}
	}

	logger.Info().Msg("server exited cleanly")
}
