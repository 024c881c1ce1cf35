package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"insightbridge/internal/api"
	"insightbridge/internal/config"
	"insightbridge/internal/logging"
	"insightbridge/internal/pipeline"
	"insightbridge/internal/session"
	"insightbridge/internal/supervisor"
	"insightbridge/internal/validation"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}

	logging.Initialize(cfg.Debug)
	logging.Info("insight bridge starting (session TTL %s, server script %s)", cfg.SessionIdleTTL, cfg.ServerScript)

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  cfg.RedisConnectTimeout,
		ReadTimeout:  cfg.RedisSocketTimeout,
		WriteTimeout: cfg.RedisSocketTimeout,
	})
	defer rdb.Close()

	store, err := session.NewStore(ctx, rdb, cfg.SessionIdleTTL, cfg.SessionKeyPrefix)
	if err != nil {
		log.Fatal("Failed to initialize session store: ", err)
	}
	logging.Info("connected to Redis at %s", cfg.RedisAddr())

	registry := supervisor.NewRegistry()
	reaper := supervisor.NewReaper(store, registry, cfg.SessionCleanupInterval)
	reaper.Start()

	validator := validation.NewValidator(cfg.APIBaseURL, cfg.ValidationTimeout, cfg.TestMode)
	pipe := pipeline.New(store, registry, cfg)
	server := api.New(cfg, store, registry, validator, pipe)

	// Propagate SIGINT/SIGTERM as context cancellation.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logging.Info("received %s, shutting down", sig)
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		logging.Error("API server shutdown error: %v", err)
	}

	// Kill any sub-processes still tracked by this worker before exiting.
	reaper.Shutdown()
	logging.Info("insight bridge stopped")
}
