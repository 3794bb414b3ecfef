package split

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeGroupTable(t *testing.T, cohortDir, group, table string) {
	t.Helper()
	dir := filepath.Join(cohortDir, "input", group)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, inputTableName), []byte(table), 0644); err != nil {
		t.Fatal(err)
	}
}

const tableT1 = `group_id,segment,value
T1,seg1,10
T1,seg1,11
T1,seg2,20
`

const tableT2 = `group_id,segment,value
T2,seg1,30
`

func TestRunBuildsPoolAndManifest(t *testing.T) {
	root := t.TempDir()
	cohort := filepath.Join(root, "cohort")
	poolDir := filepath.Join(root, "pool")
	manifest := filepath.Join(root, "expected_units.txt")
	writeGroupTable(t, cohort, "t1", tableT1)
	writeGroupTable(t, cohort, "t2", tableT2)

	res, err := Run(Options{
		CohortDir:    cohort,
		PoolDir:      poolDir,
		ManifestPath: manifest,
	}, discard())
	if err != nil {
		t.Fatal(err)
	}

	want := []string{
		"input_table_T1_seg1.csv",
		"input_table_T1_seg2.csv",
		"input_table_T2_seg1.csv",
	}
	if res.Groups != 2 || len(res.Units) != len(want) {
		t.Fatalf("groups=%d units=%v", res.Groups, res.Units)
	}
	for i, w := range want {
		if res.Units[i] != w {
			t.Errorf("unit[%d] = %q, want %q", i, res.Units[i], w)
		}
	}

	// Pool entries resolve to the per-group segment files.
	for _, name := range want {
		target, err := os.Readlink(filepath.Join(poolDir, name))
		if err != nil {
			t.Errorf("pool entry %s is not a symlink: %v", name, err)
			continue
		}
		if _, err := os.Stat(target); err != nil {
			t.Errorf("pool symlink %s points at missing %s", name, target)
		}
	}

	data, err := os.ReadFile(manifest)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != len(want) {
		t.Errorf("manifest has %d lines, want %d", len(lines), len(want))
	}
}

func TestSegmentFilesKeepHeaderAndRows(t *testing.T) {
	root := t.TempDir()
	cohort := filepath.Join(root, "cohort")
	writeGroupTable(t, cohort, "t1", tableT1)

	if _, err := Run(Options{CohortDir: cohort, PoolDir: filepath.Join(root, "pool")}, discard()); err != nil {
		t.Fatal(err)
	}

	seg1 := filepath.Join(cohort, "input", "t1", "segments", "input_table_T1_seg1.csv")
	data, err := os.ReadFile(seg1)
	if err != nil {
		t.Fatal(err)
	}
	got := strings.TrimSpace(string(data))
	want := "group_id,segment,value\nT1,seg1,10\nT1,seg1,11"
	if got != want {
		t.Errorf("segment file:\n%s\nwant:\n%s", got, want)
	}
}

func TestCopyMode(t *testing.T) {
	root := t.TempDir()
	cohort := filepath.Join(root, "cohort")
	poolDir := filepath.Join(root, "pool")
	writeGroupTable(t, cohort, "t2", tableT2)

	if _, err := Run(Options{CohortDir: cohort, PoolDir: poolDir, Copy: true}, discard()); err != nil {
		t.Fatal(err)
	}

	entry := filepath.Join(poolDir, "input_table_T2_seg1.csv")
	info, err := os.Lstat(entry)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		t.Error("copy mode produced a symlink")
	}
}

func TestMixedGroupIDsRejected(t *testing.T) {
	root := t.TempDir()
	cohort := filepath.Join(root, "cohort")
	writeGroupTable(t, cohort, "bad", "group_id,segment,v\nT1,seg1,1\nT2,seg1,2\n")

	_, err := Run(Options{CohortDir: cohort, PoolDir: filepath.Join(root, "pool")}, discard())
	if err == nil {
		t.Fatal("expected error for mixed group ids")
	}
}

func TestBasenameCollisionRejected(t *testing.T) {
	root := t.TempDir()
	cohort := filepath.Join(root, "cohort")
	// Two different group dirs whose tables carry the same group_id collide
	// on every segment basename.
	writeGroupTable(t, cohort, "dirA", tableT2)
	writeGroupTable(t, cohort, "dirB", tableT2)

	_, err := Run(Options{CohortDir: cohort, PoolDir: filepath.Join(root, "pool")}, discard())
	if err == nil {
		t.Fatal("expected collision error")
	}
}

func TestGroupFilter(t *testing.T) {
	root := t.TempDir()
	cohort := filepath.Join(root, "cohort")
	poolDir := filepath.Join(root, "pool")
	writeGroupTable(t, cohort, "t1", tableT1)
	writeGroupTable(t, cohort, "t2", tableT2)

	res, err := Run(Options{CohortDir: cohort, PoolDir: poolDir, Groups: []string{"t2"}}, discard())
	if err != nil {
		t.Fatal(err)
	}
	if res.Groups != 1 || len(res.Units) != 1 {
		t.Errorf("groups=%d units=%v, want just t2", res.Groups, res.Units)
	}
}
