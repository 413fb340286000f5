package order

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/ticketmall/internal/lock"
	"github.com/iliyamo/ticketmall/internal/logger"
	"github.com/iliyamo/ticketmall/internal/metrics"
)

// Resyncer heals capacity counters from the durable store.
type Resyncer interface {
	ResyncOpen(ctx context.Context) error
}

// SweeperConfig bounds one sweep.
type SweeperConfig struct {
	Interval time.Duration // time between sweeps; also the sweep lock TTL
	Batch    int           // orders loaded per category and sweep
	Workers  int           // orders processed concurrently
}

// SweepStats counts what one sweep did.
type SweepStats struct {
	Expired   int64
	Released  int64
	Fulfilled int64
	Settled   int64
	Failed    int64
}

// Sweeper periodically drives orders whose progress depends on time or on an
// interrupted effect: unpaid orders past the grace period, canceled orders
// not released, paid orders not fulfilled and finished refunds not settled.
// Only one instance sweeps at a time.
type Sweeper struct {
	m      *Machine
	locks  *lock.Manager
	resync Resyncer
	cfg    SweeperConfig
	log    *zap.Logger
}

// NewSweeper returns a Sweeper.  resync may be nil.
func NewSweeper(m *Machine, locks *lock.Manager, resync Resyncer, cfg SweeperConfig, log *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Sweeper{m: m, locks: locks, resync: resync, cfg: cfg, log: logger.OrNop(log)}
}

// Run sweeps every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// SweepOnce runs one sweep.  It returns zero stats when another instance
// holds the sweep lock.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	start := time.Now()
	var stats SweepStats
	err := s.locks.WithLock(ctx, s.locks.Key("sweep", "orders"), s.cfg.Interval, 0, func(ctx context.Context) error {
		return s.sweep(ctx, &stats)
	})
	if errors.Is(err, lock.ErrBusy) {
		s.log.Debug("sweep skipped, another instance is sweeping")
		return SweepStats{}, nil
	}
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	if err == nil && stats != (SweepStats{}) {
		s.log.Info("sweep done",
			zap.Int64("expired", stats.Expired),
			zap.Int64("released", stats.Released),
			zap.Int64("fulfilled", stats.Fulfilled),
			zap.Int64("settled", stats.Settled),
			zap.Int64("failed", stats.Failed),
			zap.Duration("took", time.Since(start)))
	}
	return stats, err
}

func (s *Sweeper) sweep(ctx context.Context, stats *SweepStats) error {
	m := s.m
	stale, err := m.orders.ListStaleUnpaid(ctx, m.now().Add(-m.grace), s.cfg.Batch)
	if err != nil {
		return err
	}
	unreleased, err := m.orders.ListUnreleased(ctx, s.cfg.Batch)
	if err != nil {
		return err
	}
	unfulfilled, err := m.orders.ListUnfulfilled(ctx, s.cfg.Batch)
	if err != nil {
		return err
	}
	unsettled, err := m.refunds.ListUnsettled(ctx, s.cfg.Batch)
	if err != nil {
		return err
	}

	var expired, released, fulfilled, settled, failed atomic.Int64
	// Failures are counted and logged; one stuck order must not stop the
	// rest of the batch.
	try := func(what string, id uint64, fn func() error, ok *atomic.Int64) func() error {
		return func() error {
			if err := fn(); err != nil {
				failed.Add(1)
				s.log.Warn("sweep step failed", zap.String("step", what), zap.Uint64("id", id), zap.Error(err))
				return nil
			}
			if ok != nil {
				ok.Add(1)
			}
			return nil
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, o := range stale {
		g.Go(try("expire", o.ID, func() error {
			done, err := m.ExpireIfStale(gctx, o.ID)
			if done {
				expired.Add(1)
			}
			return err
		}, nil))
	}
	for _, o := range unreleased {
		g.Go(try("release", o.ID, func() error { return m.Release(gctx, o.ID) }, &released))
	}
	for _, o := range unfulfilled {
		g.Go(try("fulfil", o.ID, func() error { return m.Fulfil(gctx, o.ID) }, &fulfilled))
	}
	for _, r := range unsettled {
		g.Go(try("settle", r.ID, func() error { return m.SettleRefund(gctx, r.ID) }, &settled))
	}
	if err := g.Wait(); err != nil {
		return err
	}
	*stats = SweepStats{
		Expired:   expired.Load(),
		Released:  released.Load(),
		Fulfilled: fulfilled.Load(),
		Settled:   settled.Load(),
		Failed:    failed.Load(),
	}

	if s.resync != nil {
		if err := s.resync.ResyncOpen(ctx); err != nil {
			return err
		}
	}
	return nil
}
