// Package merge concatenates the per-segment output CSVs of a finished run
// into one combined table. Files whose name contains "combined" are skipped
// so re-running the merge never consumes its own output.
package merge

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cohortworks/segpool/internal/validate"
)

// Options configures a merge run.
type Options struct {
	// SegmentOutputsDir holds the computation's per-segment CSV outputs.
	SegmentOutputsDir string

	// OutPath is the combined CSV destination.
	OutPath string

	// ManifestPath, when set, is used to report expected outputs that are
	// absent from the segment outputs dir. Absence does not fail the merge;
	// the validator owns completeness.
	ManifestPath string
}

// Result summarizes a merge.
type Result struct {
	Files  int
	Rows   int
	Absent []string // normalized identifiers expected but not merged
}

// Run merges every segment output into opts.OutPath, writing the header once.
// All inputs must share the first file's header.
func Run(opts Options, log *slog.Logger) (Result, error) {
	entries, err := os.ReadDir(opts.SegmentOutputsDir)
	if err != nil {
		return Result{}, fmt.Errorf("read segment outputs dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".csv") {
			continue
		}
		if strings.Contains(name, "combined") || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return Result{}, fmt.Errorf("no segment outputs in %s", opts.SegmentOutputsDir)
	}

	tmp := fmt.Sprintf("%s.tmp.%d", opts.OutPath, os.Getpid())
	out, err := os.Create(tmp)
	if err != nil {
		return Result{}, fmt.Errorf("create combined output: %w", err)
	}
	w := csv.NewWriter(out)

	var (
		res    Result
		header []string
	)
	for _, name := range names {
		path := filepath.Join(opts.SegmentOutputsDir, name)
		rows, err := appendFile(w, path, &header)
		if err != nil {
			out.Close()
			os.Remove(tmp)
			return Result{}, err
		}
		res.Files++
		res.Rows += rows
	}

	w.Flush()
	if err := w.Error(); err != nil {
		out.Close()
		os.Remove(tmp)
		return Result{}, fmt.Errorf("write combined output: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return Result{}, fmt.Errorf("close combined output: %w", err)
	}
	if err := os.Rename(tmp, opts.OutPath); err != nil {
		os.Remove(tmp)
		return Result{}, fmt.Errorf("publish combined output: %w", err)
	}

	if opts.ManifestPath != "" {
		res.Absent = absentFromManifest(opts.ManifestPath, names)
		for _, id := range res.Absent {
			log.Warn("expected output absent from merge", "id", id)
		}
	}

	log.Info("merged segment outputs", "files", res.Files, "rows", res.Rows, "out", opts.OutPath)
	return res, nil
}

// appendFile streams one CSV into the combined writer. The first file sets
// the shared header; later files must match it and have theirs skipped.
func appendFile(w *csv.Writer, path string, header *[]string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	first, err := r.Read()
	if err != nil {
		return 0, fmt.Errorf("read header of %s: %w", path, err)
	}
	if *header == nil {
		*header = first
		if err := w.Write(first); err != nil {
			return 0, err
		}
	} else if !equalHeader(*header, first) {
		return 0, fmt.Errorf("%s header differs from first merged file", path)
	}

	rows := 0
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rows, fmt.Errorf("read %s: %w", path, err)
		}
		if err := w.Write(row); err != nil {
			return rows, err
		}
		rows++
	}
	return rows, nil
}

func equalHeader(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func absentFromManifest(manifestPath string, mergedNames []string) []string {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil
	}

	merged := make(map[string]struct{}, len(mergedNames))
	for _, n := range mergedNames {
		merged[validate.Normalize(n)] = struct{}{}
	}

	var absent []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		id := validate.Normalize(line)
		if _, ok := merged[id]; !ok {
			absent = append(absent, id)
		}
	}
	sort.Strings(absent)
	return absent
}
