package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cohortworks/segpool/internal/catalog"
	"github.com/cohortworks/segpool/internal/config"
	"github.com/cohortworks/segpool/internal/logging"
	"github.com/cohortworks/segpool/internal/validate"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		manifest   = flag.String("manifest", "", "expected-units manifest path (default: <outputs>/expected_units.txt)")
		doneDir    = flag.String("done-dir", "", "done directory (overrides config)")
		outDir     = flag.String("out-dir", "", "directory for the missing list and status token (default: outputs dir)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *doneDir != "" {
		cfg.Paths.DoneDir = *doneDir
	}

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := logging.Component("segpool-validate")

	if cfg.Paths.DoneDir == "" {
		log.Error("done_dir must be configured")
		os.Exit(2)
	}

	manifestPath := *manifest
	if manifestPath == "" && cfg.Paths.OutputsDir != "" {
		manifestPath = filepath.Join(cfg.Paths.OutputsDir, "expected_units.txt")
	}
	out := *outDir
	if out == "" {
		out = cfg.Paths.OutputsDir
	}
	if manifestPath == "" || out == "" {
		log.Error("manifest path and out dir must be configured")
		os.Exit(2)
	}

	res, runErr := validate.Run(validate.Options{
		ManifestPath: manifestPath,
		DoneDir:      cfg.Paths.DoneDir,
		OutDir:       out,
	}, log)

	recordInCatalog(cfg, res, log)

	if runErr != nil {
		if errors.Is(runErr, validate.ErrIncomplete) {
			// Missing units are the one error that must fail the whole run.
			os.Exit(1)
		}
		log.Error("validation error", "error", runErr)
		os.Exit(1)
	}
}

func recordInCatalog(cfg config.Config, res validate.Result, log *slog.Logger) {
	if cfg.Catalog.DSN == "" || res.Status == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cat, err := catalog.NewWriter(catalog.Config{DSN: cfg.Catalog.DSN, Namespace: cfg.Catalog.Namespace})
	if err != nil {
		log.Warn("catalog unavailable", "error", err)
		return
	}
	defer cat.Close()

	hostname, _ := os.Hostname()
	runID, err := cat.EnsureRun(ctx, catalog.RunInfo{
		Namespace: cfg.Catalog.Namespace,
		Role:      "validator",
		WorkerID:  "validator",
		Hostname:  hostname,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Warn("catalog run registration failed", "error", err)
		return
	}

	err = cat.RecordValidation(ctx, catalog.ValidationRecord{
		RunID:         runID,
		ExpectedCount: res.Expected,
		ObservedCount: res.Observed,
		MissingCount:  len(res.Missing),
		Status:        res.Status,
	})
	if err != nil {
		log.Warn("catalog validation record failed", "error", err)
	}
}
