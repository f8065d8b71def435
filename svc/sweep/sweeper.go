package sweep

import (
	"context"
	"github.com/pkg/errors"
	"pastebin/cfg"
	"pastebin/metrics"
	"pastebin/svc/db"
	"pastebin/svc/util"
	"sync/atomic"
	"time"
)

var (
	ErrAlreadyRunning = errors.New("sweeper already running")
	ErrBatchLimit     = errors.New("sweep cycle hit batch limit, more expired rows may exist")
)

const (
	DefaultBatchSize  = 500
	DefaultInterval   = 60 * time.Second
	DefaultMaxBatches = 10000
	DefaultStatsEvery = 10
)

type State int32

const (
	Idle State = iota
	Sweeping
)

func (s State) String() string {
	if s == Sweeping {
		return "sweeping"
	}
	return "idle"
}

type Options struct {
	BatchSize  int
	Interval   time.Duration
	MaxBatches int
	// StatsEvery logs store statistics every N cycles. Zero uses the default, negative disables.
	StatsEvery int
	Clock      func() time.Time
}

// Result describes one cycle. Deleted counts rows removed even when the cycle
// ended early with an error.
type Result struct {
	Deleted  int
	Batches  int
	Duration time.Duration
}

// Sweeper deletes expired pastes in bounded batches. It shares nothing with
// the serving path except the store, and each batch is its own transaction.
type Sweeper struct {
	store      db.Store
	batchSize  int
	interval   time.Duration
	maxBatches int
	statsEvery int
	clock      func() time.Time

	state   atomic.Int32
	running atomic.Bool
	cycles  atomic.Int64
	deleted atomic.Int64
	failed  atomic.Int64
}

func OptionsFrom(c cfg.SweepCfg) Options {
	return Options{
		BatchSize:  c.BatchSize,
		Interval:   c.Interval,
		MaxBatches: c.MaxBatches,
		StatsEvery: c.StatsEvery,
	}
}

func New(store db.Store, opts Options) *Sweeper {
	s := &Sweeper{
		store:      store,
		batchSize:  opts.BatchSize,
		interval:   opts.Interval,
		maxBatches: opts.MaxBatches,
		statsEvery: opts.StatsEvery,
		clock:      opts.Clock,
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.maxBatches <= 0 {
		s.maxBatches = DefaultMaxBatches
	}
	if s.statsEvery == 0 {
		s.statsEvery = DefaultStatsEvery
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	return s
}
func (s *Sweeper) State() State {
	return State(s.state.Load())
}

// Totals returns lifetime counters: cycles run, rows deleted, cycles failed.
func (s *Sweeper) Totals() (cycles, deleted, failed int64) {
	return s.cycles.Load(), s.deleted.Load(), s.failed.Load()
}

// Cycle drains every row expired as of the moment the cycle starts. It stops
// after a batch that comes back short, and checks ctx before each batch so a
// shutdown never interrupts a batch halfway.
func (s *Sweeper) Cycle(ctx context.Context) (Result, error) {
	s.state.Store(int32(Sweeping))
	defer s.state.Store(int32(Idle))
	start := time.Now()
	now := s.clock()
	var res Result
	for res.Batches < s.maxBatches {
		if err := ctx.Err(); err != nil {
			res.Duration = time.Since(start)
			return res, err
		}
		n, err := s.store.DeleteExpiredBatch(ctx, now, s.batchSize)
		res.Batches++
		res.Deleted += n
		if err != nil {
			res.Duration = time.Since(start)
			return res, errors.Wrapf(err, "batch %d", res.Batches)
		}
		if n < s.batchSize {
			res.Duration = time.Since(start)
			return res, nil
		}
	}
	res.Duration = time.Since(start)
	return res, ErrBatchLimit
}

// Run sweeps once immediately and then once per interval until ctx is done.
// A failed cycle is logged and counted; the loop keeps going.
func (s *Sweeper) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)
	ctx, runID := util.WithNewRequestID(ctx)
	util.Info().
		Str("request_id", runID).
		Dur("interval", s.interval).
		Int("batch_size", s.batchSize).
		Msg("cleanup sweeper started")
	s.logStats(ctx, "initial store stats")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.sweep(ctx)
		if n := s.cycles.Load(); s.statsEvery > 0 && n%int64(s.statsEvery) == 0 {
			s.logStats(ctx, "store stats")
		}
		select {
		case <-ctx.Done():
			cycles, deleted, failed := s.Totals()
			util.Info().
				Str("request_id", runID).
				Int64("cycles", cycles).
				Int64("deleted", deleted).
				Int64("failed", failed).
				Msg("cleanup sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce runs a single cycle, for external schedulers such as cron.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	ctx, runID := util.WithNewRequestID(ctx)
	util.Info().Str("request_id", runID).Msg("running one-time cleanup")
	_, err := s.sweep(ctx)
	return err
}
func (s *Sweeper) sweep(ctx context.Context) (Result, error) {
	res, err := s.Cycle(ctx)
	cycle := s.cycles.Add(1)
	s.deleted.Add(int64(res.Deleted))
	metrics.SweepDeleted.Add(float64(res.Deleted))
	metrics.SweepDuration.Observe(res.Duration.Seconds())
	requestID := util.GetRequestID(ctx)
	switch {
	case err == nil:
		metrics.SweepCycles.WithLabelValues("ok").Inc()
		ev := util.Debug()
		if res.Deleted > 0 {
			ev = util.Info()
		}
		ev.Str("request_id", requestID).
			Int64("cycle", cycle).
			Int("deleted", res.Deleted).
			Int("batches", res.Batches).
			Dur("duration", res.Duration).
			Msg("cleanup completed")
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		metrics.SweepCycles.WithLabelValues("canceled").Inc()
		util.Info().
			Str("request_id", requestID).
			Int64("cycle", cycle).
			Int("deleted", res.Deleted).
			Msg("cleanup interrupted by shutdown")
	default:
		s.failed.Add(1)
		outcome := "error"
		if errors.Is(err, ErrBatchLimit) {
			outcome = "truncated"
		}
		metrics.SweepCycles.WithLabelValues(outcome).Inc()
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Int64("cycle", cycle).
			Int("deleted", res.Deleted).
			Int("batches", res.Batches).
			Msg("cleanup failed")
	}
	return res, err
}
func (s *Sweeper) logStats(ctx context.Context, msg string) {
	st, err := s.store.Stats(ctx, s.clock())
	if err != nil {
		if ctx.Err() == nil {
			util.Warn().Err(err).Msg("store stats unavailable")
		}
		return
	}
	metrics.StorePastes.WithLabelValues("live").Set(float64(st.Live))
	metrics.StorePastes.WithLabelValues("expired").Set(float64(st.Expired))
	util.Info().
		Str("request_id", util.GetRequestID(ctx)).
		Int64("total", st.Total).
		Int64("live", st.Live).
		Int64("expired", st.Expired).
		Int64("lifetime_deleted", s.deleted.Load()).
		Msg(msg)
}
