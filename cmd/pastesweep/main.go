// Command pastesweep deletes expired pastes outside the server process.
// With -once it runs a single drain and exits non-zero on failure, for cron.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"pastebin/cfg"
	"pastebin/svc/db"
	"pastebin/svc/sweep"
	"pastebin/svc/util"
	"syscall"
	"time"
)

func main() {
	once := flag.Bool("once", false, "run one sweep cycle and exit")
	interval := flag.Duration("interval", 0, "time between cycles (overrides CLEANUP_INTERVAL)")
	batch := flag.Int("batch", 0, "rows deleted per batch (overrides SWEEP_BATCH_SIZE)")
	flag.Parse()

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *interval > 0 {
		c.Sweep.Interval = *interval
	}
	if *batch > 0 {
		c.Sweep.BatchSize = *batch
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	logCloser := util.InitLog(util.LogOptions{
		Level:      c.LogLevel,
		Dev:        c.Environment == "development",
		File:       c.LogFile,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		Component:  "sweeper",
	})

	store, err := db.Open(c, db.SweeperPool(c))
	if err != nil {
		util.Error().Err(err).Str("backend", c.StoreBackend).Msg("failed to open store")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, store, c, *once)
	stop()
	store.Close()
	c.Wipe()
	logCloser.Close()
	os.Exit(code)
}

func run(ctx context.Context, store db.Store, c *cfg.Cfg, once bool) int {
	sweeper := sweep.New(store, sweep.OptionsFrom(c.Sweep))
	if once {
		if err := sweeper.RunOnce(ctx); err != nil {
			util.Error().Err(err).Msg("sweep failed")
			return 1
		}
		return 0
	}
	if s, ok := store.(*db.SQLite); ok {
		walCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			db.StartWALMaintenance(walCtx, s, 0)
		}()
		defer func() {
			cancel()
			select {
			case <-done:
			case <-time.After(15 * time.Second):
				util.Warn().Msg("WAL maintenance did not stop in time")
			}
		}()
	}
	if err := sweeper.Run(ctx); err != nil {
		util.Error().Err(err).Msg("sweeper stopped with error")
		return 1
	}
	return 0
}
