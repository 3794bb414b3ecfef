// Package config loads segpool configuration from an optional YAML file with
// environment-variable overrides. Per-process identity (worker id) and paths
// may additionally be overridden by command-line flags in each binary.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML either as a Go
// duration string ("30s") or as a bare number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			*d = Duration(time.Duration(secs * float64(time.Second)))
			return nil
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Paths      PathsConfig      `yaml:"paths"`
	Worker     WorkerConfig     `yaml:"worker"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Runner     RunnerConfig     `yaml:"runner"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// PathsConfig names the directory tree the run coordinates through.
type PathsConfig struct {
	CohortDir     string `yaml:"cohort_dir"`
	PoolDir       string `yaml:"pool_dir"`
	InProgressDir string `yaml:"in_progress_dir"`
	DoneDir       string `yaml:"done_dir"`
	FailedDir     string `yaml:"failed_dir"`
	OutputsDir    string `yaml:"outputs_dir"`
}

// WorkerDir returns the private subtree of one worker.
func (p PathsConfig) WorkerDir(workerID string) string {
	return filepath.Join(p.InProgressDir, "worker_"+workerID)
}

// QueueDir is the dispatcher-fed staging directory of one worker.
func (p PathsConfig) QueueDir(workerID string) string {
	return filepath.Join(p.WorkerDir(workerID), "queue")
}

// ActiveDir holds the units one worker is currently processing.
func (p PathsConfig) ActiveDir(workerID string) string {
	return filepath.Join(p.WorkerDir(workerID), "in_progress")
}

// SegmentOutputsDir is where the external computation writes its results.
func (p PathsConfig) SegmentOutputsDir() string {
	return filepath.Join(p.OutputsDir, "segment_outputs")
}

// WorkerLogsDir holds ledgers and heartbeat files.
func (p PathsConfig) WorkerLogsDir() string {
	return filepath.Join(p.OutputsDir, "worker_logs")
}

// ReportsDir holds side-channel report files emitted by the computation.
func (p PathsConfig) ReportsDir() string {
	return filepath.Join(p.OutputsDir, "reports")
}

// DispatchDonePath is the well-known location of the dispatch-complete marker.
func (p PathsConfig) DispatchDonePath() string {
	return filepath.Join(p.OutputsDir, "dispatcher.done")
}

type WorkerConfig struct {
	ID               string   `yaml:"id"`
	PollInterval     Duration `yaml:"poll_interval"`
	Backoff          Duration `yaml:"backoff"`
	MaxIdle          Duration `yaml:"max_idle"`
	SegmentsPerClaim int      `yaml:"segments_per_claim"`
	MaxRetries       int      `yaml:"max_retries"`
	DoneCacheTTL     Duration `yaml:"done_cache_ttl"`
	CPUs             int      `yaml:"cpus"`
	Watch            bool     `yaml:"watch"`
}

type DispatcherConfig struct {
	Workers          int      `yaml:"workers"`
	PollInterval     Duration `yaml:"poll_interval"`
	MaxIdlePolls     int      `yaml:"max_idle_polls"`
	SegmentsPerClaim int      `yaml:"segments_per_claim"`
}

// RunnerConfig describes how to invoke the external computation.
type RunnerConfig struct {
	Command   []string `yaml:"command"`
	ExtraArgs []string `yaml:"extra_args"`
}

type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BucketURL string `yaml:"bucket_url"` // e.g. "file:///archive", "gs://bucket", "s3://bucket"
	Prefix    string `yaml:"prefix"`
}

type CatalogConfig struct {
	DSN       string `yaml:"dsn"`
	Namespace string `yaml:"namespace"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Default returns the configuration matching the documented defaults.
func Default() Config {
	return Config{
		Worker: WorkerConfig{
			PollInterval:     Duration(2 * time.Second),
			Backoff:          Duration(2 * time.Second),
			MaxIdle:          Duration(600 * time.Second),
			SegmentsPerClaim: 1,
			MaxRetries:       2,
			DoneCacheTTL:     Duration(30 * time.Second),
			CPUs:             1,
		},
		Dispatcher: DispatcherConfig{
			Workers:          1,
			PollInterval:     Duration(1 * time.Second),
			MaxIdlePolls:     30,
			SegmentsPerClaim: 1,
		},
		Catalog: CatalogConfig{
			Namespace: "default",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load reads the YAML file at path (when non-empty) on top of the defaults,
// then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Paths.CohortDir = getenvDefault("SEGPOOL_COHORT_DIR", cfg.Paths.CohortDir)
	cfg.Paths.PoolDir = getenvDefault("SEGPOOL_POOL_DIR", cfg.Paths.PoolDir)
	cfg.Paths.InProgressDir = getenvDefault("SEGPOOL_IN_PROGRESS_DIR", cfg.Paths.InProgressDir)
	cfg.Paths.DoneDir = getenvDefault("SEGPOOL_DONE_DIR", cfg.Paths.DoneDir)
	cfg.Paths.FailedDir = getenvDefault("SEGPOOL_FAILED_DIR", cfg.Paths.FailedDir)
	cfg.Paths.OutputsDir = getenvDefault("SEGPOOL_OUTPUTS_DIR", cfg.Paths.OutputsDir)

	cfg.Worker.ID = getenvDefault("SEGPOOL_WORKER_ID", cfg.Worker.ID)
	cfg.Catalog.DSN = getenvDefault("SEGPOOL_CATALOG_DSN", cfg.Catalog.DSN)
	cfg.Archive.BucketURL = getenvDefault("SEGPOOL_ARCHIVE_BUCKET", cfg.Archive.BucketURL)
	cfg.Metrics.Address = getenvDefault("SEGPOOL_METRICS_ADDR", cfg.Metrics.Address)
	cfg.Logging.Format = getenvDefault("SEGPOOL_LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Level = getenvDefault("SEGPOOL_LOG_LEVEL", cfg.Logging.Level)

	if v := os.Getenv("SEGPOOL_WORKERS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Dispatcher.Workers = parsed
		}
	}
	if v := os.Getenv("SEGPOOL_SEGMENTS_PER_CLAIM"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Worker.SegmentsPerClaim = parsed
			cfg.Dispatcher.SegmentsPerClaim = parsed
		}
	}
	if os.Getenv("SEGPOOL_ARCHIVE_BUCKET") != "" {
		cfg.Archive.Enabled = true
	}
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
