package main

import (
	"context"
	"os"
	"os/signal"
	"pastebin/cfg"
	"pastebin/pkg/expiry"
	"pastebin/svc/api"
	"pastebin/svc/db"
	"pastebin/svc/lim"
	"pastebin/svc/svc"
	"pastebin/svc/sweep"
	"pastebin/svc/util"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthCheck())
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	defer c.Wipe()
	logCloser := util.InitLog(util.LogOptions{
		Level:      c.LogLevel,
		Dev:        c.Environment == "development",
		File:       c.LogFile,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		Component:  "server",
	})
	defer logCloser.Close()
	util.Info().Msg("starting pastebin")

	policy, err := expiry.New(c.DefaultExpiry)
	if err != nil {
		util.Fatal().Err(err).Msg("invalid default expiry")
	}

	store, err := db.Open(c, db.ServingPool(c))
	if err != nil {
		util.Fatal().Err(err).Str("backend", c.StoreBackend).Msg("failed to open store")
	}
	defer store.Close()
	util.Info().Str("backend", c.StoreBackend).Msg("store initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("redis required in production when REDIS_URL is set")
			}
			util.Warn().Err(err).Msg("redis unavailable, rate limits are per-process")
			rdb = nil
		} else {
			util.Info().Msg("redis connected")
			defer rdb.Close()
		}
	}

	var counter lim.WindowCounter
	if rdb != nil {
		counter = rdb
	}
	limiter, err := lim.New(counter, c.LimiterCache, c.TrustedProxies)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create rate limiter")
	}
	defer limiter.Stop()
	util.Info().
		Int("create_per_window", c.RateLimit.CreatePerWindow).
		Int("view_per_window", c.RateLimit.ViewPerWindow).
		Dur("window", c.RateLimit.Window).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	pasteSvc := svc.NewPaste(store, policy, util.NewNanoID(), c)
	server, err := api.NewServer(c, pasteSvc, policy, limiter, store, rdb)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to build server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		util.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		pasteSvc.Shutdown()
		return server.Shutdown(shutdownCtx)
	})

	walStore := store
	if c.Sweep.Enabled {
		sweepStore := store
		// bbolt holds an exclusive file lock, so the sweeper shares the handle.
		if c.StoreBackend != cfg.BackendBolt {
			sweepStore, err = db.Open(c, db.SweeperPool(c))
			if err != nil {
				util.Fatal().Err(err).Msg("failed to open sweeper store")
			}
			defer sweepStore.Close()
			walStore = sweepStore
		}
		sweeper := sweep.New(sweepStore, sweep.OptionsFrom(c.Sweep))
		g.Go(func() error {
			return sweeper.Run(gctx)
		})
	} else {
		util.Info().Msg("in-process sweeper disabled, run pastesweep separately")
	}
	if s, ok := walStore.(*db.SQLite); ok {
		g.Go(func() error {
			db.StartWALMaintenance(gctx, s, 0)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		util.Error().Err(err).Msg("pastebin stopped with error")
		os.Exit(1)
	}
	util.Info().Msg("shutdown complete")
}

// healthCheck opens the configured store and pings it, for container probes.
func healthCheck() int {
	c, err := cfg.Load()
	if err != nil {
		return 1
	}
	if c.StoreBackend == cfg.BackendBolt {
		// The running server holds the file lock.
		return 0
	}
	store, err := db.Open(c, db.Pool{MaxOpenConns: 1, QueryTimeout: time.Second})
	if err != nil {
		return 1
	}
	defer store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		return 1
	}
	return 0
}
