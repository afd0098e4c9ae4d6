package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/gitpulse/gitpulse/internal/analytics"
	"github.com/gitpulse/gitpulse/internal/fetch"
	"github.com/gitpulse/gitpulse/internal/github"
	"github.com/gitpulse/gitpulse/internal/storage"
)

// openStore builds the configured storage backend and ensures its schema
// exists.
func openStore(ctx context.Context) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "postgres":
		store, err := storage.NewPostgresStore(cfg.Storage.PostgresDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
		return store, nil
	case "sqlite":
		store, err := storage.NewSQLiteStore(cfg.Storage.LocalPath, logger)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite database: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

// openRedis returns a redis client for shared rate-limit state, or nil when
// no address is configured.
func openRedis() *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
}

// buildPipeline wires the GitHub client, analytics engine, and fetch
// orchestrator on top of an open store.
func buildPipeline(store storage.Store) (*analytics.Engine, *fetch.Orchestrator) {
	limits := github.NewRateLimitState(openRedis(), logger)
	source := github.NewClient(cfg.GitHub.Token, cfg.GitHub.RateLimit, cfg.GitHub.PageSize, limits, logger)
	engine := analytics.NewEngine(store, logger)

	backoff := github.BackoffPolicy{
		MaxAttempts: cfg.Fetch.MaxAttempts,
		BaseDelay:   cfg.Fetch.BaseDelay,
		MaxDelay:    cfg.Fetch.MaxDelay,
		Jitter:      cfg.Fetch.Jitter,
	}
	orchestrator := fetch.NewOrchestrator(store, source, engine, backoff, github.RealClock(), logger)
	return engine, orchestrator
}
