// Package worker implements the worker daemon loop: claim units from the
// local queue, run the external computation one group at a time, and route
// every claimed unit to Done or Failed. The loop only terminates on idle
// timeout or on dispatch-complete with an empty queue; any other fault is
// logged and the loop backs off one poll interval.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cohortworks/segpool/internal/catalog"
	"github.com/cohortworks/segpool/internal/config"
	"github.com/cohortworks/segpool/internal/fsmove"
	"github.com/cohortworks/segpool/internal/ledger"
	"github.com/cohortworks/segpool/internal/logging"
	"github.com/cohortworks/segpool/internal/metrics"
	"github.com/cohortworks/segpool/internal/pool"
	"github.com/cohortworks/segpool/internal/retry"
	"github.com/cohortworks/segpool/internal/runner"
	"github.com/cohortworks/segpool/internal/sentinel"
	"github.com/cohortworks/segpool/internal/unit"
	"github.com/cohortworks/segpool/internal/watch"
)

// Worker is one claimant in the pool.
type Worker struct {
	cfg     config.Config
	id      string
	invoker runner.Invoker
	log     *slog.Logger

	queueDir  string
	activeDir string

	cache  *pool.DoneCache
	led    *ledger.Ledger
	hbPath string

	cat   catalog.Writer
	runID int64

	nudger *watch.Nudger

	idleSince time.Time
}

// New prepares the worker's directory tree, ledger, and done cache. The
// catalog writer may be nil when no catalog is configured.
func New(cfg config.Config, invoker runner.Invoker, cat catalog.Writer) (*Worker, error) {
	id := cfg.Worker.ID
	if id == "" {
		id = uuid.New().String()[:8]
	}

	queueDir := cfg.Paths.QueueDir(id)
	activeDir := cfg.Paths.ActiveDir(id)
	dirs := []string{
		queueDir,
		activeDir,
		cfg.Paths.DoneDir,
		cfg.Paths.FailedDir,
		cfg.Paths.SegmentOutputsDir(),
		cfg.Paths.WorkerLogsDir(),
		cfg.Paths.ReportsDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}

	params := map[string]string{
		"poll_interval":      cfg.Worker.PollInterval.Std().String(),
		"backoff":            cfg.Worker.Backoff.Std().String(),
		"max_idle":           cfg.Worker.MaxIdle.Std().String(),
		"segments_per_claim": strconv.Itoa(cfg.Worker.SegmentsPerClaim),
		"max_retries":        strconv.Itoa(cfg.Worker.MaxRetries),
		"cpus":               strconv.Itoa(cfg.Worker.CPUs),
	}
	led := ledger.New(filepath.Join(cfg.Paths.WorkerLogsDir(), "worker_"+id+".json"), id, params)
	if err := led.Flush(); err != nil {
		return nil, fmt.Errorf("initial ledger flush: %w", err)
	}

	w := &Worker{
		cfg:       cfg,
		id:        id,
		invoker:   invoker,
		log:       logging.WorkerLogger(id),
		queueDir:  queueDir,
		activeDir: activeDir,
		cache:     pool.NewDoneCache(cfg.Paths.DoneDir, cfg.Worker.DoneCacheTTL.Std()),
		led:       led,
		hbPath:    filepath.Join(cfg.Paths.WorkerLogsDir(), "worker_"+id+".heartbeat"),
		cat:       cat,
		idleSince: time.Now(),
	}

	if cfg.Worker.Watch {
		n, err := watch.New(queueDir)
		if err != nil {
			w.log.Warn("queue watch unavailable, polling only", "error", err)
		} else {
			w.nudger = n
		}
	}

	return w, nil
}

// ID returns the worker's identity.
func (w *Worker) ID() string { return w.id }

// Ledger exposes the worker's ledger for the process entrypoint.
func (w *Worker) Ledger() *ledger.Ledger { return w.led }

// Run drives the worker loop until one of the exit conditions holds or ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer func() {
		if w.nudger != nil {
			w.nudger.Close()
		}
		if err := w.led.Flush(); err != nil {
			w.log.Warn("final ledger flush failed", "error", err)
		}
	}()

	if w.cat != nil {
		hostname, _ := os.Hostname()
		runID, err := w.cat.EnsureRun(ctx, catalog.RunInfo{
			Namespace: w.cfg.Catalog.Namespace,
			Role:      "worker",
			WorkerID:  w.id,
			Hostname:  hostname,
			StartedAt: time.Now().UTC(),
		})
		if err != nil {
			w.log.Warn("catalog run registration failed", "error", err)
		} else {
			w.runID = runID
		}
	}

	w.log.Info("worker started",
		"queue_dir", w.queueDir,
		"active_dir", w.activeDir,
		"segments_per_claim", w.cfg.Worker.SegmentsPerClaim)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		claimed, faulted := w.cycle(ctx)

		if claimed > 0 {
			w.idleSince = time.Now()
			// More work may already be queued; poll again immediately.
			continue
		}
		if faulted {
			w.sleep(ctx, w.cfg.Worker.PollInterval.Std())
			continue
		}

		idle := time.Since(w.idleSince)
		if m := metrics.Get(); m != nil {
			m.IdleSeconds.WithLabelValues(w.id).Set(idle.Seconds())
		}

		// Both exit conditions are evaluated against the freshly updated
		// idle timer, in this order.
		if sentinel.Present(w.cfg.Paths.DispatchDonePath()) && len(pool.ListUnits(w.queueDir)) == 0 {
			w.log.Info("dispatch complete and queue empty, exiting", "idle", idle)
			w.led.Message("exit: dispatch complete")
			return nil
		}
		if idle > w.cfg.Worker.MaxIdle.Std() {
			w.log.Info("idle timeout, exiting", "idle", idle, "max_idle", w.cfg.Worker.MaxIdle.Std())
			w.led.Message("exit: idle timeout")
			return nil
		}

		w.sleep(ctx, w.cfg.Worker.PollInterval.Std())
	}
}

// cycle runs one poll iteration: heartbeat, snapshot, claim, process. Panics
// are contained here so a poisoned unit cannot kill the worker.
func (w *Worker) cycle(ctx context.Context) (claimed int, faulted bool) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("poll cycle panic", "panic", r, "stack", string(debug.Stack()))
			w.led.Message(fmt.Sprintf("poll cycle panic: %v", r))
			claimed, faulted = 0, true
		}
	}()

	if err := ledger.WriteHeartbeat(w.hbPath); err != nil {
		w.log.Warn("heartbeat write failed", "error", err)
	}

	queued := pool.ListUnits(w.queueDir)
	w.led.RecordQueueSnapshot(queued)
	if m := metrics.Get(); m != nil {
		m.QueueDepth.WithLabelValues(w.id).Set(float64(len(queued)))
	}

	paths, err := pool.ClaimBatch(w.queueDir, w.activeDir, w.id, w.cfg.Worker.SegmentsPerClaim, w.cache, w.log)
	if err != nil {
		w.log.Warn("queue scan failed", "error", err)
		return 0, true
	}
	for _, p := range paths {
		w.led.RecordClaim(filepath.Base(p), p)
		if m := metrics.Get(); m != nil {
			m.ClaimsTotal.WithLabelValues(w.id).Inc()
		}
	}
	if len(paths) == 0 {
		return 0, false
	}
	if err := w.led.Flush(); err != nil {
		w.log.Warn("ledger flush failed", "error", err)
	}

	w.processBatch(ctx, paths)

	if err := w.led.Flush(); err != nil {
		w.log.Warn("ledger flush failed", "error", err)
	}
	return len(paths), false
}

// processBatch partitions the claimed units by group, runs one invocation per
// group, and routes every unit of the group to Done or Failed according to
// the group outcome.
func (w *Worker) processBatch(ctx context.Context, paths []string) {
	groups := make(map[string][]string)
	for _, p := range paths {
		g := unit.FromPath(p).Group()
		groups[g] = append(groups[g], filepath.Base(p))
	}

	keys := make([]string, 0, len(groups))
	for g := range groups {
		keys = append(keys, g)
	}
	sort.Strings(keys)

	for _, g := range keys {
		files := groups[g]
		sort.Strings(files)
		success, exitCode := w.runGroup(ctx, g, files)
		w.routeGroup(g, files, success, exitCode)
	}
}

// runGroup invokes the computation for one group, retrying failed attempts
// with a linearly growing backoff. Total attempts = maxRetries + 1. The
// returned exit code is that of the final attempt.
func (w *Worker) runGroup(ctx context.Context, group string, files []string) (bool, int) {
	log := logging.BatchLogger(logging.GenerateCorrelationID(), w.id, group, len(files))
	policy := retry.Policy{
		MaxAttempts: w.cfg.Worker.MaxRetries + 1,
		NewBackOff:  retry.Linear(w.cfg.Worker.Backoff.Std()),
	}

	attempt := 0
	exitCode := 0
	err := policy.Do(ctx, func() error {
		attempt++
		if attempt > 1 {
			log.Info("retrying invocation", "attempt", attempt)
			if m := metrics.Get(); m != nil {
				m.RetryAttempts.WithLabelValues(w.id, "invocation").Inc()
			}
		}

		res, invErr := w.invoker.Invoke(ctx, runner.Invocation{
			Group:      group,
			InputDir:   w.activeDir,
			InputFiles: files,
			OutputDir:  w.cfg.Paths.SegmentOutputsDir(),
			CPUs:       w.cfg.Worker.CPUs,
		})
		exitCode = res.ExitCode
		w.led.RecordInvocation(group, files, attempt, res.ExitCode, res.Success(), res.Stdout, res.Stderr)
		if m := metrics.Get(); m != nil {
			outcome := "success"
			if !res.Success() {
				outcome = "failure"
			}
			m.InvocationsTotal.WithLabelValues(w.id, outcome).Inc()
			m.InvocationDuration.WithLabelValues(w.id).Observe(res.Duration.Seconds())
		}

		if invErr != nil {
			log.Warn("invocation did not run", "attempt", attempt, "error", invErr)
			return invErr
		}
		if !res.Success() {
			log.Warn("invocation failed", "attempt", attempt, "exit_code", res.ExitCode)
			return fmt.Errorf("group %s exited %d", group, res.ExitCode)
		}
		log.Info("invocation succeeded", "attempt", attempt, "duration", res.Duration)
		return nil
	})

	if err != nil {
		log.Error("group failed after all attempts", "attempts", attempt, "error", err)
	}
	return err == nil, exitCode
}

// routeGroup moves every unit of the group to its terminal directory. The
// group outcome is all-or-nothing: one invocation covered all its files.
func (w *Worker) routeGroup(group string, files []string, success bool, exitCode int) {
	destDir := w.cfg.Paths.FailedDir
	result := "failed"
	if success {
		destDir = w.cfg.Paths.DoneDir
		result = "done"
	}

	for _, name := range files {
		src := filepath.Join(w.activeDir, name)
		dst := filepath.Join(destDir, name)

		err := fsmove.MoveWithRetry(src, dst)
		switch {
		case err == nil:
			w.led.RecordMove(name, src, dst, ledger.MoveResultMoved)
			if m := metrics.Get(); m != nil {
				m.UnitsRouted.WithLabelValues(w.id, result).Inc()
			}
			w.recordOutcome(name, group, result, exitCode)
		case isSourceGone(err):
			// Another actor (or a previous attempt) already moved it.
			w.log.Warn("unit vanished before terminal move", "unit", name)
			w.led.RecordMove(name, src, dst, ledger.MoveResultNotFound)
		default:
			// The unit stays orphaned in the active dir; the ledger is the
			// breadcrumb an operator needs to find it.
			w.log.Error("terminal move failed, unit left in place", "unit", name, "dest", dst, "error", err)
			w.led.Message(fmt.Sprintf("terminal move failed for %s: %v", name, err))
			if m := metrics.Get(); m != nil {
				m.MovesFailed.WithLabelValues(w.id).Inc()
			}
		}
	}
}

func (w *Worker) recordOutcome(basename, group, result string, exitCode int) {
	if w.cat == nil || w.runID == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := w.cat.RecordUnit(ctx, catalog.UnitRecord{
		RunID:    w.runID,
		Basename: basename,
		Group:    group,
		Result:   result,
		ExitCode: exitCode,
	})
	if err != nil {
		w.log.Warn("catalog unit record failed", "unit", basename, "error", err)
	}
}

// sleep waits out the poll interval, a queue nudge, or cancellation,
// whichever comes first.
func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	var nudge <-chan struct{}
	if w.nudger != nil {
		nudge = w.nudger.C
	}

	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-nudge:
		w.log.Debug("queue nudge")
	}
}

func isSourceGone(err error) bool {
	return errors.Is(err, fsmove.ErrSourceGone)
}
