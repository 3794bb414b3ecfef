// Package split partitions each group's input table into one CSV per segment
// and populates the shared pool, either with symlinks to the segment files or
// with copies. It also emits the expected-units manifest the completion
// validator later checks against.
//
// Basename uniqueness across the whole run is enforced here, before any unit
// reaches the pool: every later stage identifies units by basename alone.
package split

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cohortworks/segpool/internal/fsmove"
	"github.com/cohortworks/segpool/internal/unit"
)

// Column names expected in every group input table.
const (
	groupColumn   = "group_id"
	segmentColumn = "segment"
)

// inputTableName is the per-group source table basename.
const inputTableName = "input_table.csv"

// Options configures a split run.
type Options struct {
	CohortDir    string
	PoolDir      string
	ManifestPath string

	// Groups optionally restricts the run to these group directory names.
	Groups []string

	// Copy places copies in the pool instead of symlinks. Needed when the
	// pool lives on a filesystem that cannot resolve symlinks across mounts.
	Copy bool
}

// Result summarizes what a split run produced.
type Result struct {
	Groups   int
	Units    []string // pool basenames, sorted
	PoolDir  string
	Manifest string
}

// Run splits every group under the cohort and builds the pool.
func Run(opts Options, log *slog.Logger) (Result, error) {
	inputRoot := filepath.Join(opts.CohortDir, "input")
	if _, err := os.Stat(inputRoot); err != nil {
		// The cohort dir may itself contain the group dirs directly.
		inputRoot = opts.CohortDir
	}

	entries, err := os.ReadDir(inputRoot)
	if err != nil {
		return Result{}, fmt.Errorf("read cohort input root %s: %w", inputRoot, err)
	}

	var filter map[string]struct{}
	if len(opts.Groups) > 0 {
		filter = make(map[string]struct{}, len(opts.Groups))
		for _, g := range opts.Groups {
			filter[strings.TrimSpace(g)] = struct{}{}
		}
	}

	if err := os.MkdirAll(opts.PoolDir, 0755); err != nil {
		return Result{}, fmt.Errorf("create pool dir: %w", err)
	}

	var (
		basenames []string
		sources   = make(map[string]string) // basename -> segment file path
		groups    int
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if filter != nil {
			if _, ok := filter[e.Name()]; !ok {
				continue
			}
		}

		groupDir := filepath.Join(inputRoot, e.Name())
		segPaths, err := splitGroup(groupDir)
		if err != nil {
			return Result{}, fmt.Errorf("split group %s: %w", e.Name(), err)
		}
		groups++
		log.Info("split group", "group_dir", e.Name(), "segments", len(segPaths))

		for _, p := range segPaths {
			name := filepath.Base(p)
			basenames = append(basenames, name)
			sources[name] = p
		}
	}

	if err := unit.CheckCollisions(basenames); err != nil {
		return Result{}, fmt.Errorf("pool would be ambiguous: %w", err)
	}
	sort.Strings(basenames)

	for _, name := range basenames {
		if err := placeInPool(sources[name], filepath.Join(opts.PoolDir, name), opts.Copy); err != nil {
			return Result{}, fmt.Errorf("place %s in pool: %w", name, err)
		}
	}

	manifest := opts.ManifestPath
	if manifest != "" {
		if err := writeManifest(manifest, basenames); err != nil {
			return Result{}, err
		}
	}

	return Result{
		Groups:   groups,
		Units:    basenames,
		PoolDir:  opts.PoolDir,
		Manifest: manifest,
	}, nil
}

// splitGroup reads the group's input table and writes one CSV per segment
// under <groupDir>/segments. Row order within a segment is preserved.
func splitGroup(groupDir string) ([]string, error) {
	tablePath := filepath.Join(groupDir, inputTableName)
	f, err := os.Open(tablePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", tablePath, err)
	}

	groupIdx, segIdx := -1, -1
	for i, col := range header {
		switch strings.TrimSpace(col) {
		case groupColumn:
			groupIdx = i
		case segmentColumn:
			segIdx = i
		}
	}
	if groupIdx < 0 || segIdx < 0 {
		return nil, fmt.Errorf("%s lacks %q or %q column", tablePath, groupColumn, segmentColumn)
	}

	var (
		groupID  string
		segOrder []string
		bySeg    = make(map[string][][]string)
	)
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", tablePath, err)
		}

		g := strings.TrimSpace(row[groupIdx])
		if groupID == "" {
			groupID = g
		} else if g != groupID {
			// One table, one group: mixed ids would scatter this table's
			// segments across foreign invocations.
			return nil, fmt.Errorf("%s mixes group ids %q and %q", tablePath, groupID, g)
		}

		seg := strings.TrimSpace(row[segIdx])
		if _, seen := bySeg[seg]; !seen {
			segOrder = append(segOrder, seg)
		}
		bySeg[seg] = append(bySeg[seg], row)
	}
	if groupID == "" {
		return nil, fmt.Errorf("%s has no data rows", tablePath)
	}

	segmentsDir := filepath.Join(groupDir, "segments")
	if err := os.MkdirAll(segmentsDir, 0755); err != nil {
		return nil, err
	}

	var paths []string
	for _, seg := range segOrder {
		dst := filepath.Join(segmentsDir, unit.Basename(groupID, seg))
		if err := writeSegmentCSV(dst, header, bySeg[seg]); err != nil {
			return nil, err
		}
		paths = append(paths, dst)
	}
	return paths, nil
}

func writeSegmentCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// placeInPool links or copies a segment file into the pool, replacing any
// stale entry from a previous split of the same cohort.
func placeInPool(src, dst string, copyMode bool) error {
	if _, err := os.Lstat(dst); err == nil {
		if err := os.Remove(dst); err != nil {
			return err
		}
	}
	if copyMode {
		return fsmove.CopyFile(src, dst)
	}
	abs, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	return os.Symlink(abs, dst)
}

// writeManifest persists the expected-units list atomically so the validator
// never reads a half-written manifest.
func writeManifest(path string, basenames []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	content := strings.Join(basenames, "\n")
	if len(basenames) > 0 {
		content += "\n"
	}
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}
