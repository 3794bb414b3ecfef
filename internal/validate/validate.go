// Package validate implements the completion check: the set difference
// between the expected-units manifest and what actually reached Done. The
// outcome is persisted as a single-word status token at a well-known path so
// downstream automation can poll it without parsing anything.
package validate

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cohortworks/segpool/internal/unit"
)

// Output file names, written into the validation directory.
const (
	MissingFileName  = "missing_segments.txt"
	ObservedFileName = "observed_segments.txt"
	TokenFileName    = "validation_done.token"
)

// Status token values.
const (
	StatusDone   = "done"
	StatusFailed = "failed"
)

// ErrIncomplete reports that at least one expected unit never reached Done.
var ErrIncomplete = errors.New("expected units missing from done")

// Options configures a validation run.
type Options struct {
	// ManifestPath is the expected-units list written at split time.
	ManifestPath string

	// DoneDir is scanned recursively for realized unit basenames.
	DoneDir string

	// OutDir receives the missing list, the observed list, and the token.
	OutDir string
}

// Result summarizes a validation.
type Result struct {
	Expected int
	Observed int
	Missing  []string // normalized identifiers, sorted
	Status   string
}

// Run computes manifest − observed and persists the outcome. It returns
// ErrIncomplete (with a populated Result) when units are missing, so callers
// can exit non-zero while still reporting the counts.
func Run(opts Options, log *slog.Logger) (Result, error) {
	expected, err := readManifest(opts.ManifestPath)
	if err != nil {
		return Result{}, err
	}
	if len(expected) == 0 {
		log.Warn("manifest empty or absent, nothing to validate", "manifest", opts.ManifestPath)
	}

	observed := scanDone(opts.DoneDir)

	missing := make([]string, 0)
	for id := range expected {
		if _, ok := observed[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)

	if err := os.MkdirAll(opts.OutDir, 0755); err != nil {
		return Result{}, fmt.Errorf("create validation out dir: %w", err)
	}

	observedList := make([]string, 0, len(observed))
	for id := range observed {
		observedList = append(observedList, id)
	}
	sort.Strings(observedList)
	if err := writeLines(filepath.Join(opts.OutDir, ObservedFileName), observedList); err != nil {
		return Result{}, err
	}

	res := Result{
		Expected: len(expected),
		Observed: len(observed),
		Missing:  missing,
	}

	if len(missing) > 0 {
		res.Status = StatusFailed
		if err := writeLines(filepath.Join(opts.OutDir, MissingFileName), missing); err != nil {
			return res, err
		}
		if err := writeToken(filepath.Join(opts.OutDir, TokenFileName), StatusFailed); err != nil {
			return res, err
		}
		log.Error("validation failed", "expected", res.Expected, "observed", res.Observed, "missing", len(missing))
		return res, fmt.Errorf("%w: %d of %d", ErrIncomplete, len(missing), res.Expected)
	}

	res.Status = StatusDone
	if err := writeToken(filepath.Join(opts.OutDir, TokenFileName), StatusDone); err != nil {
		return res, err
	}
	log.Info("validation ok", "expected", res.Expected, "observed", res.Observed)
	return res, nil
}

// Normalize reduces either side of the comparison to the bare
// <group>_<segment> identifier: the input-table prefix on the expected side,
// the computation's output prefixes on the observed side, and the extension
// on both.
func Normalize(name string) string {
	name = strings.TrimPrefix(name, unit.FilePrefix)
	name = strings.TrimPrefix(name, "optimal_")
	name = strings.TrimPrefix(name, "all_")
	return strings.TrimSuffix(name, unit.FileSuffix)
}

// readManifest loads and normalizes the expected set. A missing manifest
// yields an empty set, matching a run that produced no units.
func readManifest(path string) (map[string]struct{}, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]struct{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	set := make(map[string]struct{})
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		set[Normalize(line)] = struct{}{}
	}
	return set, nil
}

// scanDone walks the Done tree and collects normalized identifiers. Extra
// entries beyond the manifest are fine; validation only cares about absence.
func scanDone(dir string) map[string]struct{} {
	set := make(map[string]struct{})
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && !strings.HasPrefix(d.Name(), ".") {
			set[Normalize(d.Name())] = struct{}{}
		}
		return nil
	})
	return set
}

func writeLines(path string, lines []string) error {
	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	return writeAtomic(path, content)
}

func writeToken(path, status string) error {
	return writeAtomic(path, status)
}

func writeAtomic(path, content string) error {
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish %s: %w", path, err)
	}
	return nil
}
