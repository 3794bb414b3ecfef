package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cohortworks/segpool/internal/catalog"
	"github.com/cohortworks/segpool/internal/config"
	"github.com/cohortworks/segpool/internal/pool"
	"github.com/cohortworks/segpool/internal/runner"
	"github.com/cohortworks/segpool/internal/sentinel"
	"github.com/cohortworks/segpool/internal/unit"
)

// stubInvoker counts invocations per group and fails the groups it is told
// to fail.
type stubInvoker struct {
	mu        sync.Mutex
	calls     map[string]int
	failGroup map[string]bool
}

func newStubInvoker(failGroups ...string) *stubInvoker {
	fail := make(map[string]bool)
	for _, g := range failGroups {
		fail[g] = true
	}
	return &stubInvoker{calls: make(map[string]int), failGroup: fail}
}

func (s *stubInvoker) Invoke(_ context.Context, inv runner.Invocation) (runner.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[inv.Group]++
	if s.failGroup[inv.Group] {
		return runner.Result{ExitCode: 1, Stderr: "stub failure"}, nil
	}
	return runner.Result{ExitCode: 0}, nil
}

func (s *stubInvoker) callCount(group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[group]
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths = config.PathsConfig{
		PoolDir:       filepath.Join(root, "pool"),
		InProgressDir: filepath.Join(root, "in_progress"),
		DoneDir:       filepath.Join(root, "done"),
		FailedDir:     filepath.Join(root, "failed"),
		OutputsDir:    filepath.Join(root, "outputs"),
	}
	cfg.Worker.ID = "t0"
	cfg.Worker.PollInterval = config.Duration(5 * time.Millisecond)
	cfg.Worker.Backoff = config.Duration(time.Millisecond)
	cfg.Worker.MaxIdle = config.Duration(10 * time.Second)
	cfg.Worker.SegmentsPerClaim = 8
	cfg.Worker.MaxRetries = 2
	return cfg
}

func enqueue(t *testing.T, cfg config.Config, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(cfg.Paths.QueueDir(cfg.Worker.ID), n), []byte("seg"), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func markDispatchDone(t *testing.T, cfg config.Config) {
	t.Helper()
	if err := os.MkdirAll(cfg.Paths.OutputsDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := sentinel.Write(cfg.Paths.DispatchDonePath()); err != nil {
		t.Fatal(err)
	}
}

func runToExit(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestSuccessfulGroupRoutesToDone(t *testing.T) {
	cfg := testConfig(t)
	stub := newStubInvoker()
	w, err := New(cfg, stub, nil)
	if err != nil {
		t.Fatal(err)
	}

	a := unit.Basename("T1", "seg1")
	b := unit.Basename("T1", "seg2")
	enqueue(t, cfg, a, b)
	markDispatchDone(t, cfg)

	runToExit(t, w)

	if got := stub.callCount("T1"); got != 1 {
		t.Errorf("invocations = %d, want 1", got)
	}
	done := pool.ListUnits(cfg.Paths.DoneDir)
	if len(done) != 2 {
		t.Errorf("done = %v, want both units", done)
	}
	if failed := pool.ListUnits(cfg.Paths.FailedDir); len(failed) != 0 {
		t.Errorf("failed = %v, want none", failed)
	}
	if active := pool.ListUnits(cfg.Paths.ActiveDir(w.ID())); len(active) != 0 {
		t.Errorf("units stranded in active dir: %v", active)
	}
}

// An always-failing group is invoked exactly maxRetries+1 times, then every
// unit of the group lands in Failed.
func TestFailingGroupRetryBound(t *testing.T) {
	cfg := testConfig(t)
	stub := newStubInvoker("T1")
	w, err := New(cfg, stub, nil)
	if err != nil {
		t.Fatal(err)
	}

	a := unit.Basename("T1", "seg1")
	b := unit.Basename("T1", "seg2")
	enqueue(t, cfg, a, b)
	markDispatchDone(t, cfg)

	runToExit(t, w)

	if got, want := stub.callCount("T1"), cfg.Worker.MaxRetries+1; got != want {
		t.Errorf("invocations = %d, want %d", got, want)
	}
	failed := pool.ListUnits(cfg.Paths.FailedDir)
	if len(failed) != 2 {
		t.Errorf("failed = %v, want both units", failed)
	}
	if done := pool.ListUnits(cfg.Paths.DoneDir); len(done) != 0 {
		t.Errorf("done = %v, want none", done)
	}
}

// Group outcomes are independent: one failing group must not drag a
// succeeding group's units into Failed.
func TestGroupOutcomesAreIndependent(t *testing.T) {
	cfg := testConfig(t)
	stub := newStubInvoker("TB")
	w, err := New(cfg, stub, nil)
	if err != nil {
		t.Fatal(err)
	}

	good := unit.Basename("TA", "seg1")
	bad1 := unit.Basename("TB", "seg1")
	bad2 := unit.Basename("TB", "seg2")
	enqueue(t, cfg, good, bad1, bad2)
	markDispatchDone(t, cfg)

	runToExit(t, w)

	done := pool.ListUnits(cfg.Paths.DoneDir)
	failed := pool.ListUnits(cfg.Paths.FailedDir)
	if len(done) != 1 || done[0] != good {
		t.Errorf("done = %v, want [%s]", done, good)
	}
	if len(failed) != 2 {
		t.Errorf("failed = %v, want TB's two units", failed)
	}
}

func TestExitsOnIdleTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Worker.MaxIdle = config.Duration(30 * time.Millisecond)
	w, err := New(cfg, newStubInvoker(), nil)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	runToExit(t, w)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("idle exit took %v", elapsed)
	}
}

func TestSentinelAloneDoesNotExitWithQueuedWork(t *testing.T) {
	cfg := testConfig(t)
	cfg.Worker.SegmentsPerClaim = 1
	stub := newStubInvoker()
	w, err := New(cfg, stub, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Sentinel is already present, but two units are queued: both must be
	// processed before the worker exits.
	enqueue(t, cfg, unit.Basename("T1", "seg1"), unit.Basename("T2", "seg1"))
	markDispatchDone(t, cfg)

	runToExit(t, w)

	if done := pool.ListUnits(cfg.Paths.DoneDir); len(done) != 2 {
		t.Errorf("done = %v, want both queued units", done)
	}
}

func TestEveryUnitReachesExactlyOneTerminalDir(t *testing.T) {
	cfg := testConfig(t)
	stub := newStubInvoker("TB")
	w, err := New(cfg, stub, nil)
	if err != nil {
		t.Fatal(err)
	}

	var all []string
	for _, g := range []string{"TA", "TB", "TC"} {
		for _, s := range []string{"seg1", "seg2"} {
			all = append(all, unit.Basename(g, s))
		}
	}
	enqueue(t, cfg, all...)
	markDispatchDone(t, cfg)

	runToExit(t, w)

	seen := make(map[string]int)
	for _, n := range pool.ListUnits(cfg.Paths.DoneDir) {
		seen[n]++
	}
	for _, n := range pool.ListUnits(cfg.Paths.FailedDir) {
		seen[n]++
	}
	for _, n := range all {
		if seen[n] != 1 {
			t.Errorf("unit %s appears %d times across terminal dirs, want 1", n, seen[n])
		}
	}
	if len(seen) != len(all) {
		t.Errorf("terminal dirs hold %d units, want %d", len(seen), len(all))
	}
}

// captureCatalog records every unit outcome handed to it.
type captureCatalog struct {
	mu    sync.Mutex
	units []catalog.UnitRecord
}

func (c *captureCatalog) EnsureRun(context.Context, catalog.RunInfo) (int64, error) { return 7, nil }

func (c *captureCatalog) RecordUnit(_ context.Context, rec catalog.UnitRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.units = append(c.units, rec)
	return nil
}

func (c *captureCatalog) RecordValidation(context.Context, catalog.ValidationRecord) error {
	return nil
}

func (c *captureCatalog) Close() error { return nil }

// The catalog record for a unit carries the exit code of the group's final
// invocation attempt.
func TestCatalogRecordsExitCode(t *testing.T) {
	cfg := testConfig(t)
	stub := newStubInvoker("TB")
	cat := &captureCatalog{}
	w, err := New(cfg, stub, cat)
	if err != nil {
		t.Fatal(err)
	}

	good := unit.Basename("TA", "seg1")
	bad := unit.Basename("TB", "seg1")
	enqueue(t, cfg, good, bad)
	markDispatchDone(t, cfg)

	runToExit(t, w)

	cat.mu.Lock()
	defer cat.mu.Unlock()
	if len(cat.units) != 2 {
		t.Fatalf("catalog holds %d unit records, want 2: %+v", len(cat.units), cat.units)
	}
	for _, rec := range cat.units {
		if rec.RunID != 7 {
			t.Errorf("record %s run id = %d, want 7", rec.Basename, rec.RunID)
		}
		switch rec.Basename {
		case good:
			if rec.Result != "done" || rec.ExitCode != 0 {
				t.Errorf("record %s = %s/%d, want done/0", rec.Basename, rec.Result, rec.ExitCode)
			}
		case bad:
			if rec.Result != "failed" || rec.ExitCode != 1 {
				t.Errorf("record %s = %s/%d, want failed/1", rec.Basename, rec.Result, rec.ExitCode)
			}
		default:
			t.Errorf("unexpected unit record %q", rec.Basename)
		}
	}
}

func TestLedgerWrittenOnStartup(t *testing.T) {
	cfg := testConfig(t)
	w, err := New(cfg, newStubInvoker(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(w.Ledger().Path()); err != nil {
		t.Errorf("ledger not flushed at startup: %v", err)
	}
}
