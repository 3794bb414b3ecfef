package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cohortworks/segpool/internal/config"
	"github.com/cohortworks/segpool/internal/pool"
	"github.com/cohortworks/segpool/internal/sentinel"
	"github.com/cohortworks/segpool/internal/unit"
)

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
	cfg.Dispatcher.Workers = 2
	cfg.Dispatcher.PollInterval = config.Duration(2 * time.Millisecond)
	cfg.Dispatcher.MaxIdlePolls = 2
	cfg.Dispatcher.SegmentsPerClaim = 2
	if err := os.MkdirAll(cfg.Paths.PoolDir, 0755); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func seedPool(t *testing.T, cfg config.Config, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(cfg.Paths.PoolDir, n), []byte("seg"), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func runDispatcher(t *testing.T, cfg config.Config) {
	t.Helper()
	d, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestDrainsPoolIntoQueues(t *testing.T) {
	cfg := testConfig(t)
	all := []string{
		unit.Basename("T1", "seg1"),
		unit.Basename("T1", "seg2"),
		unit.Basename("T2", "seg1"),
		unit.Basename("T2", "seg2"),
	}
	seedPool(t, cfg, all...)

	runDispatcher(t, cfg)

	if left := pool.ListUnits(cfg.Paths.PoolDir); len(left) != 0 {
		t.Errorf("pool not drained: %v", left)
	}

	seen := make(map[string]int)
	total := 0
	for _, id := range []string{"0", "1"} {
		for _, n := range pool.ListUnits(cfg.Paths.QueueDir(id)) {
			seen[n]++
			total++
		}
	}
	if total != len(all) {
		t.Errorf("queues hold %d units, want %d", total, len(all))
	}
	for n, c := range seen {
		if c > 1 {
			t.Errorf("unit %s dispatched %d times", n, c)
		}
	}
}

func TestWritesSentinelAfterIdleThreshold(t *testing.T) {
	cfg := testConfig(t)

	runDispatcher(t, cfg)

	if !sentinel.Present(cfg.Paths.DispatchDonePath()) {
		t.Fatal("sentinel not written after idle threshold")
	}
}

// A sentinel from an earlier run is respected, not rewritten.
func TestExistingSentinelNotRewritten(t *testing.T) {
	cfg := testConfig(t)

	runDispatcher(t, cfg)
	first, err := os.Stat(cfg.Paths.DispatchDonePath())
	if err != nil {
		t.Fatal(err)
	}

	runDispatcher(t, cfg)
	second, err := os.Stat(cfg.Paths.DispatchDonePath())
	if err != nil {
		t.Fatal(err)
	}
	if !first.ModTime().Equal(second.ModTime()) {
		t.Error("sentinel rewritten by second dispatcher run")
	}
}

func TestSkipsWorkersWithBacklog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dispatcher.Workers = 1

	d, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Worker 0 already has a queued unit; a refill pass must leave the pool
	// untouched for it.
	backlog := unit.Basename("T1", "old")
	if err := os.WriteFile(filepath.Join(cfg.Paths.QueueDir("0"), backlog), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	seedPool(t, cfg, unit.Basename("T2", "new"))

	d.refill()

	if got := len(pool.ListUnits(cfg.Paths.PoolDir)); got != 1 {
		t.Errorf("pool has %d units after refill, want untouched 1", got)
	}
	if got := len(pool.ListUnits(cfg.Paths.QueueDir("0"))); got != 1 {
		t.Errorf("queue has %d units, want the original 1", got)
	}
}

func TestExplicitWorkerIDs(t *testing.T) {
	cfg := testConfig(t)
	seedPool(t, cfg, unit.Basename("T1", "seg1"))

	d, err := New(cfg, []string{"alpha", "beta"})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatal(err)
	}

	total := len(pool.ListUnits(cfg.Paths.QueueDir("alpha"))) + len(pool.ListUnits(cfg.Paths.QueueDir("beta")))
	if total != 1 {
		t.Errorf("explicit-id queues hold %d units, want 1", total)
	}
}
