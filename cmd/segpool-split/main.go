package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cohortworks/segpool/internal/config"
	"github.com/cohortworks/segpool/internal/logging"
	"github.com/cohortworks/segpool/internal/split"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		cohortDir  = flag.String("cohort-dir", "", "cohort directory (overrides config)")
		poolDir    = flag.String("pool-dir", "", "pool directory (overrides config)")
		manifest   = flag.String("manifest", "", "expected-units manifest path (default: <outputs>/expected_units.txt)")
		groups     = flag.String("groups", "", "comma-separated group directory names to include (default: all)")
		copyMode   = flag.Bool("copy", false, "copy segment files into the pool instead of symlinking")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *cohortDir != "" {
		cfg.Paths.CohortDir = *cohortDir
	}
	if *poolDir != "" {
		cfg.Paths.PoolDir = *poolDir
	}

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := logging.Component("segpool-split")

	if cfg.Paths.CohortDir == "" || cfg.Paths.PoolDir == "" {
		log.Error("cohort_dir and pool_dir must be configured")
		os.Exit(2)
	}

	manifestPath := *manifest
	if manifestPath == "" && cfg.Paths.OutputsDir != "" {
		manifestPath = filepath.Join(cfg.Paths.OutputsDir, "expected_units.txt")
	}

	var groupList []string
	if *groups != "" {
		groupList = strings.Split(*groups, ",")
	}

	res, err := split.Run(split.Options{
		CohortDir:    cfg.Paths.CohortDir,
		PoolDir:      cfg.Paths.PoolDir,
		ManifestPath: manifestPath,
		Groups:       groupList,
		Copy:         *copyMode,
	}, log)
	if err != nil {
		log.Error("split failed", "error", err)
		os.Exit(1)
	}

	log.Info("pool built",
		"groups", res.Groups,
		"units", len(res.Units),
		"pool_dir", res.PoolDir,
		"manifest", res.Manifest)
}
