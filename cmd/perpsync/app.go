package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/perpsync/internal/bulk"
	"github.com/sawpanic/perpsync/internal/config"
	"github.com/sawpanic/perpsync/internal/exchange"
	"github.com/sawpanic/perpsync/internal/ratelimit"
	"github.com/sawpanic/perpsync/internal/refresh"
	"github.com/sawpanic/perpsync/internal/store"
	"github.com/sawpanic/perpsync/internal/stream"
)

// app bundles the wired collaborators shared by the CLI commands.
type app struct {
	cfg      config.Config
	governor *ratelimit.Governor
	cache    ratelimit.ResponseCache
	client   *exchange.Client
	store    store.AssetStore
	hub      *stream.Hub
	orch     *refresh.Orchestrator
	logClose func() error
}

// buildApp assembles the pipeline from configuration. Callers must Close.
func buildApp(cfg config.Config, logClose func() error) (*app, error) {
	governor := ratelimit.NewGovernor(cfg.Governor)
	governor.Start()

	var cache ratelimit.ResponseCache = ratelimit.NewMemoryCache(cfg.CacheSize)
	if cfg.RedisURL != "" {
		rc, err := ratelimit.NewRedisCacheFromURL(cfg.RedisURL, "")
		if err != nil {
			governor.Stop()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		pingErr := rc.Ping(ctx)
		cancel()
		if pingErr != nil {
			log.Warn().Err(pingErr).Msg("Redis unreachable, using in-memory response cache")
			_ = rc.Close()
		} else {
			cache = rc
			log.Info().Msg("Redis response cache enabled")
		}
	}

	st, err := store.Open(cfg.Store)
	if err != nil {
		governor.Stop()
		return nil, err
	}

	client := exchange.NewClient(cfg.Exchange, governor, cache)
	hub := stream.NewHub(cfg.Stream)
	engine := bulk.NewEngine(st, cfg.Bulk)
	orch := refresh.NewOrchestrator(client, st, engine, hub, cache, cfg.Refresh)

	return &app{
		cfg:      cfg,
		governor: governor,
		cache:    cache,
		client:   client,
		store:    st,
		hub:      hub,
		orch:     orch,
		logClose: logClose,
	}, nil
}

func (a *app) Close() {
	a.hub.Stop()
	a.governor.Stop()
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close store")
	}
	if rc, ok := a.cache.(*ratelimit.RedisCache); ok {
		_ = rc.Close()
	}
	if a.logClose != nil {
		_ = a.logClose()
	}
}
