// Package pool implements claiming from a shared directory of unclaimed
// units. Claiming a unit means moving it into a claimant-private directory;
// the move's atomicity is what makes the claim at-most-once. "The file's
// current directory is its lock."
package pool

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/cohortworks/segpool/internal/fsmove"
	"github.com/cohortworks/segpool/internal/metrics"
	"github.com/cohortworks/segpool/internal/unit"
)

// Claim scans srcDir for unit files and attempts to move one into destDir.
// Units whose basename the done cache already knows are deleted from srcDir
// instead of claimed (crash recovery: the unit already reached Done once).
// Returns the claimed destination path, or "" when the directory is empty or
// every candidate was won by another claimant. claimant labels metrics; for a
// worker it is the worker's own id, for the dispatcher the refill target.
func Claim(srcDir, destDir, claimant string, cache *DoneCache, log *slog.Logger) (string, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return "", err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !unit.IsUnitFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if cache != nil && cache.Contains(name) {
			// The Done copy wins; the pool entry is a leftover from a
			// crashed or redundant earlier attempt.
			if err := os.Remove(filepath.Join(srcDir, name)); err == nil {
				log.Info("removed already-done unit from pool", "unit", name)
				if m := metrics.Get(); m != nil {
					m.DuplicatesPruned.WithLabelValues(claimant).Inc()
				}
			}
			continue
		}

		src := filepath.Join(srcDir, name)
		dst := filepath.Join(destDir, name)

		err := fsmove.MoveWithRetry(src, dst)
		if errors.Is(err, fsmove.ErrSourceGone) {
			log.Debug("lost claim race", "unit", name)
			if m := metrics.Get(); m != nil {
				m.ClaimRaces.WithLabelValues(claimant).Inc()
			}
			continue
		}
		if err != nil {
			// Transient failure exhausted its retries; leave the unit
			// for the next poll cycle and move on.
			log.Warn("claim move failed", "unit", name, "error", err)
			continue
		}

		return dst, nil
	}

	return "", nil
}

// ClaimBatch claims up to n units from srcDir into destDir.
func ClaimBatch(srcDir, destDir, claimant string, n int, cache *DoneCache, log *slog.Logger) ([]string, error) {
	var claimed []string
	for len(claimed) < n {
		path, err := Claim(srcDir, destDir, claimant, cache, log)
		if err != nil {
			return claimed, err
		}
		if path == "" {
			break
		}
		claimed = append(claimed, path)
	}
	return claimed, nil
}

// ListUnits returns the unit basenames currently present in dir, sorted.
// A missing or unreadable directory counts as empty.
func ListUnits(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !unit.IsUnitFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}
