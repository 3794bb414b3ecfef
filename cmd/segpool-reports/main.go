package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cohortworks/segpool/internal/archive"
	"github.com/cohortworks/segpool/internal/config"
	"github.com/cohortworks/segpool/internal/logging"
	"github.com/cohortworks/segpool/internal/reports"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		reportsDir = flag.String("reports-dir", "", "directory of per-segment report files (default: <outputs>/reports)")
		outDir     = flag.String("out-dir", "", "summary output directory (default: same as reports dir)")
		deleteSrc  = flag.Bool("delete", false, "delete consumed report files after aggregation")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := logging.Component("segpool-reports")

	dir := *reportsDir
	if dir == "" && cfg.Paths.OutputsDir != "" {
		dir = cfg.Paths.ReportsDir()
	}
	if dir == "" {
		log.Error("reports dir must be configured")
		os.Exit(2)
	}
	out := *outDir
	if out == "" {
		out = dir
	}

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		log.Error("reports dir is not a directory", "dir", dir)
		os.Exit(2)
	}

	if _, err := reports.Run(reports.Options{
		ReportsDir: dir,
		OutDir:     out,
		Delete:     *deleteSrc,
	}, log); err != nil {
		log.Error("report aggregation failed", "error", err)
		os.Exit(1)
	}

	if cfg.Archive.Enabled {
		uploadSummaries(cfg, out, log)
	}
}

// uploadSummaries pushes the aggregated summary tables to the archive bucket.
func uploadSummaries(cfg config.Config, dir string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	a, err := archive.Open(ctx, cfg.Archive.BucketURL, cfg.Archive.Prefix)
	if err != nil {
		log.Warn("archive unavailable", "error", err)
		return
	}
	defer a.Close()

	if err := a.UploadDir(ctx, dir, "reports"); err != nil {
		log.Warn("archive upload failed", "error", err)
	}
}
