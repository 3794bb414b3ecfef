// Package dispatch implements the dispatcher: a poll loop that refills empty
// worker queues from the shared pool and, once the pool has stayed empty long
// enough, writes the dispatch-complete sentinel exactly once and stops.
//
// The dispatcher is an optimization layer. Workers and dispatcher use the
// same atomic move primitive, so a worker claiming straight from its queue
// while the dispatcher refills it can never double-assign a unit.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cohortworks/segpool/internal/config"
	"github.com/cohortworks/segpool/internal/logging"
	"github.com/cohortworks/segpool/internal/metrics"
	"github.com/cohortworks/segpool/internal/pool"
	"github.com/cohortworks/segpool/internal/sentinel"
)

// Dispatcher feeds worker queues from the pool.
type Dispatcher struct {
	cfg config.Config
	log *slog.Logger

	// workerIDs are the queue owners this dispatcher feeds, in refill order.
	workerIDs []string

	cache *pool.DoneCache
}

// New prepares the dispatcher and the queue directories of every worker it
// feeds. Worker ids are "0".."N-1" unless explicit ids are given.
func New(cfg config.Config, workerIDs []string) (*Dispatcher, error) {
	if len(workerIDs) == 0 {
		for i := 0; i < cfg.Dispatcher.Workers; i++ {
			workerIDs = append(workerIDs, fmt.Sprintf("%d", i))
		}
	}
	if len(workerIDs) == 0 {
		return nil, fmt.Errorf("dispatcher needs at least one worker")
	}

	for _, id := range workerIDs {
		if err := os.MkdirAll(cfg.Paths.QueueDir(id), 0755); err != nil {
			return nil, fmt.Errorf("create queue for worker %s: %w", id, err)
		}
	}
	if err := os.MkdirAll(cfg.Paths.OutputsDir, 0755); err != nil {
		return nil, fmt.Errorf("create outputs dir: %w", err)
	}

	return &Dispatcher{
		cfg:       cfg,
		log:       logging.Component("dispatcher"),
		workerIDs: workerIDs,
		cache:     pool.NewDoneCache(cfg.Paths.DoneDir, cfg.Worker.DoneCacheTTL.Std()),
	}, nil
}

// Run polls until the pool has been empty for more than maxIdlePolls
// consecutive polls, then writes the sentinel and returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started",
		"pool_dir", d.cfg.Paths.PoolDir,
		"workers", len(d.workerIDs),
		"max_idle_polls", d.cfg.Dispatcher.MaxIdlePolls)

	idlePolls := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		remaining := pool.ListUnits(d.cfg.Paths.PoolDir)
		if len(remaining) == 0 {
			idlePolls++
			if idlePolls > d.cfg.Dispatcher.MaxIdlePolls {
				return d.finish()
			}
		} else {
			idlePolls = 0
			d.refill()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.Dispatcher.PollInterval.Std()):
		}
	}
}

// refill tops up each worker whose queue is currently empty. Workers with a
// backlog are skipped so a slow worker does not hoard units.
func (d *Dispatcher) refill() {
	for _, id := range d.workerIDs {
		queueDir := d.cfg.Paths.QueueDir(id)
		if len(pool.ListUnits(queueDir)) > 0 {
			continue
		}

		moved, err := pool.ClaimBatch(d.cfg.Paths.PoolDir, queueDir, id, d.cfg.Dispatcher.SegmentsPerClaim, d.cache, d.log)
		if err != nil {
			d.log.Warn("pool scan failed", "error", err)
			return
		}
		for range moved {
			if m := metrics.Get(); m != nil {
				m.UnitsDispatched.WithLabelValues(id).Inc()
			}
		}
		if len(moved) > 0 {
			d.log.Info("refilled queue", "worker_id", id, "units", len(moved))
		}
	}
}

// finish writes the sentinel once. A sentinel left over from an earlier run
// is respected, not rewritten.
func (d *Dispatcher) finish() error {
	path := d.cfg.Paths.DispatchDonePath()
	if sentinel.Present(path) {
		d.log.Info("dispatch sentinel already present", "path", path)
		return nil
	}
	if err := sentinel.Write(path); err != nil {
		return fmt.Errorf("write dispatch sentinel: %w", err)
	}
	d.log.Info("pool drained, dispatch complete", "sentinel", path)
	return nil
}
