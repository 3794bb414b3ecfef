package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cohortworks/segpool/internal/archive"
	"github.com/cohortworks/segpool/internal/config"
	"github.com/cohortworks/segpool/internal/logging"
	"github.com/cohortworks/segpool/internal/merge"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML config file")
		segmentsDir = flag.String("segments-dir", "", "segment outputs directory (default: <outputs>/segment_outputs)")
		outPath     = flag.String("out", "", "combined CSV path (default: <outputs>/combined_output.csv)")
		manifest    = flag.String("manifest", "", "expected-units manifest for absence reporting (optional)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := logging.Component("segpool-merge")

	dir := *segmentsDir
	if dir == "" && cfg.Paths.OutputsDir != "" {
		dir = cfg.Paths.SegmentOutputsDir()
	}
	out := *outPath
	if out == "" && cfg.Paths.OutputsDir != "" {
		out = filepath.Join(cfg.Paths.OutputsDir, "combined_output.csv")
	}
	if dir == "" || out == "" {
		log.Error("segments dir and output path must be configured")
		os.Exit(2)
	}

	res, err := merge.Run(merge.Options{
		SegmentOutputsDir: dir,
		OutPath:           out,
		ManifestPath:      *manifest,
	}, log)
	if err != nil {
		log.Error("merge failed", "error", err)
		os.Exit(1)
	}
	if len(res.Absent) > 0 {
		log.Warn("combined output is missing expected segments", "absent", len(res.Absent))
	}

	if cfg.Archive.Enabled {
		uploadCombined(cfg, out, log)
	}
}

// uploadCombined pushes the combined table to the archive bucket. Failures
// are logged only; the merge result on local disk is authoritative.
func uploadCombined(cfg config.Config, out string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	a, err := archive.Open(ctx, cfg.Archive.BucketURL, cfg.Archive.Prefix)
	if err != nil {
		log.Warn("archive unavailable", "error", err)
		return
	}
	defer a.Close()

	if err := a.UploadFile(ctx, out, filepath.Base(out)); err != nil {
		log.Warn("archive upload failed", "error", err)
	}
}
