package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/navi-crwn/pixelhop-sub000/internal/bootstrap"
	"github.com/navi-crwn/pixelhop-sub000/internal/cache"
	"github.com/navi-crwn/pixelhop-sub000/internal/config"
	"github.com/navi-crwn/pixelhop-sub000/internal/log"
	"github.com/navi-crwn/pixelhop-sub000/internal/queue"
	"github.com/navi-crwn/pixelhop-sub000/internal/storage"
	"github.com/navi-crwn/pixelhop-sub000/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, cfg.Logging.Level).With().Str("app", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	if client == nil {
		logger.Fatal().Msg("worker needs redis.addr")
	}
	defer client.Close()

	store, err := bootstrap.OpenMetastore(ctx, cfg.Metadata, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open metadata store")
	}
	defer store.Close()

	objects, err := storage.NewClient(cfg.Storage, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init storage client")
	}
	ret, err := bootstrap.NewRetention(cfg, store, objects, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init retention")
	}

	processor := tasks.NewProcessor(ret.Sweeper, ret.Reconciler, logger)
	consumer := queue.NewConsumer(
		client,
		cfg.Redis.Stream,
		cfg.Redis.Group,
		cfg.Redis.Consumer,
		cfg.Retention.ClaimInterval,
		logger,
		processor,
	)

	logger.Info().Str("stream", cfg.Redis.Stream).Str("group", cfg.Redis.Group).Msg("worker started")
	if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("consumer stopped unexpectedly")
		return
	}
	logger.Info().Msg("shutdown signal received")
}
