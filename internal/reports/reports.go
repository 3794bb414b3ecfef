// Package reports aggregates the side-channel report files the external
// computation drops next to its outputs into run-level summary tables. Each
// summary is written twice: CSV for humans and parquet for downstream
// analytics. Summaries are written with their canonical header even when no
// report files exist, so downstream consumers always find the table.
package reports

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// Report file patterns, matched by suffix within the reports dir.
const (
	ciSuffix         = "_ci_report.json"
	monoclonalSuffix = "_monoclonal_samples_report.csv"
	elbowSuffix      = "_elbow_increase_report.csv"
)

// Summary output basenames (extension added per format).
const (
	CIOutName         = "ci_modified_report"
	MonoclonalOutName = "monoclonal_samples_report"
	ElbowOutName      = "elbow_increase_report"
)

// Options configures a report aggregation run.
type Options struct {
	ReportsDir string
	OutDir     string

	// Delete removes each consumed report file after its summary is written.
	Delete bool
}

// Result counts what the aggregation produced.
type Result struct {
	CIRows         int
	MonoclonalRows int
	ElbowRows      int
	Files          int
}

// CIRow is one affected sample×allele combination from a CI report.
type CIRow struct {
	GroupID        string   `parquet:"group_id"`
	Segment        string   `parquet:"segment"`
	AffectedSample string   `parquet:"affected_sample"`
	AffectedAllele string   `parquet:"affected_allele"`
	MinCI          *float64 `parquet:"min_ci,optional"`
	Timestamp      string   `parquet:"timestamp"`
	SourceFile     string   `parquet:"source_file"`
}

// MonoclonalRow is one sample flagged as near-integer on both alleles.
type MonoclonalRow struct {
	GroupID            string  `parquet:"group_id"`
	Sample             string  `parquet:"sample"`
	Segment            string  `parquet:"segment"`
	CpnA               float64 `parquet:"cpnA"`
	CpnB               float64 `parquet:"cpnB"`
	DistanceToIntegerA float64 `parquet:"distance_to_integer_A"`
	DistanceToIntegerB float64 `parquet:"distance_to_integer_B"`
}

// ElbowRow is one complexity-selection diagnostic.
type ElbowRow struct {
	Complexity        float64 `parquet:"complexity"`
	DScore            float64 `parquet:"D_score"`
	CIScore           float64 `parquet:"CI_score"`
	AllowedComplexity float64 `parquet:"allowed_complexity"`
	Issue             string  `parquet:"issue"`
	GroupID           string  `parquet:"group_id"`
	Segment           string  `parquet:"segment"`
}

// Run aggregates all three report kinds.
func Run(opts Options, log *slog.Logger) (Result, error) {
	if err := os.MkdirAll(opts.OutDir, 0755); err != nil {
		return Result{}, fmt.Errorf("create reports out dir: %w", err)
	}

	var res Result

	ciFiles := listBySuffix(opts.ReportsDir, ciSuffix)
	ciRows := collectCI(ciFiles, log)
	if err := writeSummary(opts.OutDir, CIOutName, ciHeader, ciCSVRows(ciRows), ciRows); err != nil {
		return res, err
	}
	res.CIRows = len(ciRows)

	monoFiles := listBySuffix(opts.ReportsDir, monoclonalSuffix)
	monoRows := collectMonoclonal(monoFiles, log)
	if err := writeSummary(opts.OutDir, MonoclonalOutName, monoclonalHeader, monoclonalCSVRows(monoRows), monoRows); err != nil {
		return res, err
	}
	res.MonoclonalRows = len(monoRows)

	elbowFiles := listBySuffix(opts.ReportsDir, elbowSuffix)
	elbowRows := collectElbow(elbowFiles, log)
	if err := writeSummary(opts.OutDir, ElbowOutName, elbowHeader, elbowCSVRows(elbowRows), elbowRows); err != nil {
		return res, err
	}
	res.ElbowRows = len(elbowRows)

	consumed := append(append(ciFiles, monoFiles...), elbowFiles...)
	res.Files = len(consumed)
	if opts.Delete {
		for _, fp := range consumed {
			if err := os.Remove(fp); err != nil {
				log.Warn("failed to delete consumed report", "file", fp, "error", err)
			}
		}
	}

	log.Info("reports aggregated",
		"files", res.Files,
		"ci_rows", res.CIRows,
		"monoclonal_rows", res.MonoclonalRows,
		"elbow_rows", res.ElbowRows)
	return res, nil
}

var (
	ciHeader         = []string{"group_id", "segment", "affected_sample", "affected_allele", "min_ci", "timestamp", "source_file"}
	monoclonalHeader = []string{"group_id", "sample", "segment", "cpnA", "cpnB", "distance_to_integer_A", "distance_to_integer_B"}
	elbowHeader      = []string{"complexity", "D_score", "CI_score", "allowed_complexity", "issue", "group_id", "segment"}
)

type ciReport struct {
	GroupID         string   `json:"group_id"`
	Segment         string   `json:"segment"`
	MinCI           *float64 `json:"min_ci"`
	Timestamp       string   `json:"timestamp"`
	AffectedSamples []string `json:"affected_samples"`
	AffectedAlleles []string `json:"affected_alleles"`
}

// collectCI flattens each CI report into one row per affected sample×allele.
// A report naming no samples or alleles still contributes one row, so the
// event itself is never lost from the summary.
func collectCI(files []string, log *slog.Logger) []CIRow {
	var rows []CIRow
	for _, fp := range files {
		data, err := os.ReadFile(fp)
		if err != nil {
			log.Warn("failed to read ci report", "file", fp, "error", err)
			continue
		}
		var rep ciReport
		if err := json.Unmarshal(data, &rep); err != nil {
			log.Warn("failed to parse ci report", "file", fp, "error", err)
			continue
		}

		base := CIRow{
			GroupID:    rep.GroupID,
			Segment:    rep.Segment,
			MinCI:      rep.MinCI,
			Timestamp:  rep.Timestamp,
			SourceFile: filepath.Base(fp),
		}
		if len(rep.AffectedSamples) == 0 && len(rep.AffectedAlleles) == 0 {
			rows = append(rows, base)
			continue
		}
		for _, s := range rep.AffectedSamples {
			if len(rep.AffectedAlleles) == 0 {
				r := base
				r.AffectedSample = s
				rows = append(rows, r)
				continue
			}
			for _, a := range rep.AffectedAlleles {
				r := base
				r.AffectedSample = s
				r.AffectedAllele = a
				rows = append(rows, r)
			}
		}
	}
	return rows
}

func collectMonoclonal(files []string, log *slog.Logger) []MonoclonalRow {
	var rows []MonoclonalRow
	forEachCSVRow(files, log, func(get func(string) string) {
		rows = append(rows, MonoclonalRow{
			GroupID:            get("group_id"),
			Sample:             get("sample"),
			Segment:            get("segment"),
			CpnA:               parseFloat(get("cpnA")),
			CpnB:               parseFloat(get("cpnB")),
			DistanceToIntegerA: parseFloat(get("distance_to_integer_A")),
			DistanceToIntegerB: parseFloat(get("distance_to_integer_B")),
		})
	})
	return rows
}

func collectElbow(files []string, log *slog.Logger) []ElbowRow {
	var rows []ElbowRow
	forEachCSVRow(files, log, func(get func(string) string) {
		rows = append(rows, ElbowRow{
			Complexity:        parseFloat(get("complexity")),
			DScore:            parseFloat(get("D_score")),
			CIScore:           parseFloat(get("CI_score")),
			AllowedComplexity: parseFloat(get("allowed_complexity")),
			Issue:             get("issue"),
			GroupID:           get("group_id"),
			Segment:           get("segment"),
		})
	})
	return rows
}

// forEachCSVRow reads each file's rows by header name; columns may appear in
// any order and missing columns read as "".
func forEachCSVRow(files []string, log *slog.Logger, fn func(get func(string) string)) {
	for _, fp := range files {
		f, err := os.Open(fp)
		if err != nil {
			log.Warn("failed to read report", "file", fp, "error", err)
			continue
		}
		r := csv.NewReader(f)
		r.FieldsPerRecord = -1
		recs, err := r.ReadAll()
		f.Close()
		if err != nil || len(recs) == 0 {
			log.Warn("failed to parse report", "file", fp, "error", err)
			continue
		}

		idx := make(map[string]int, len(recs[0]))
		for i, col := range recs[0] {
			idx[strings.TrimSpace(col)] = i
		}
		for _, rec := range recs[1:] {
			fn(func(col string) string {
				i, ok := idx[col]
				if !ok || i >= len(rec) {
					return ""
				}
				return rec[i]
			})
		}
	}
}

// writeSummary emits one summary as <name>.csv and <name>.parquet.
func writeSummary[T any](outDir, name string, header []string, csvRows [][]string, parquetRows []T) error {
	csvPath := filepath.Join(outDir, name+".csv")
	if err := writeCSV(csvPath, header, csvRows); err != nil {
		return fmt.Errorf("write %s: %w", csvPath, err)
	}
	parquetPath := filepath.Join(outDir, name+".parquet")
	if err := writeParquet(parquetPath, parquetRows); err != nil {
		return fmt.Errorf("write %s: %w", parquetPath, err)
	}
	return nil
}

func writeCSV(path string, header []string, rows [][]string) error {
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

func writeParquet[T any](path string, rows []T) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := parquet.NewGenericWriter[T](f)
	if len(rows) > 0 {
		if _, err := w.Write(rows); err != nil {
			w.Close()
			f.Close()
			return err
		}
	}
	if err := w.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func ciCSVRows(rows []CIRow) [][]string {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		minCI := ""
		if r.MinCI != nil {
			minCI = strconv.FormatFloat(*r.MinCI, 'g', -1, 64)
		}
		out = append(out, []string{r.GroupID, r.Segment, r.AffectedSample, r.AffectedAllele, minCI, r.Timestamp, r.SourceFile})
	}
	return out
}

func monoclonalCSVRows(rows []MonoclonalRow) [][]string {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{
			r.GroupID, r.Sample, r.Segment,
			formatFloat(r.CpnA), formatFloat(r.CpnB),
			formatFloat(r.DistanceToIntegerA), formatFloat(r.DistanceToIntegerB),
		})
	}
	return out
}

func elbowCSVRows(rows []ElbowRow) [][]string {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{
			formatFloat(r.Complexity), formatFloat(r.DScore), formatFloat(r.CIScore),
			formatFloat(r.AllowedComplexity), r.Issue, r.GroupID, r.Segment,
		})
	}
	return out
}

func listBySuffix(dir, suffix string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
