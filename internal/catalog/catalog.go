// Package catalog optionally records run and unit outcomes in PostgreSQL
// for fleet-level inspection. The catalog is never load-bearing: every
// coordination decision lives in the filesystem, and all catalog failures
// degrade to warnings.
package catalog

import (
	"context"
	"time"
)

// Config configures the catalog connection.
type Config struct {
	DSN       string
	Namespace string
}

// RunInfo identifies one process's participation in a run.
type RunInfo struct {
	Namespace string
	Role      string // "worker" | "dispatcher" | "validator"
	WorkerID  string
	Hostname  string
	StartedAt time.Time
}

// UnitRecord is one unit's terminal outcome.
type UnitRecord struct {
	RunID    int64
	Basename string
	Group    string
	Result   string // "done" | "failed"
	ExitCode int
}

// ValidationRecord is the outcome of a completion validation.
type ValidationRecord struct {
	RunID         int64
	ExpectedCount int
	ObservedCount int
	MissingCount  int
	Status        string // "done" | "failed"
}

// Writer persists catalog records.
type Writer interface {
	EnsureRun(ctx context.Context, info RunInfo) (int64, error)
	RecordUnit(ctx context.Context, rec UnitRecord) error
	RecordValidation(ctx context.Context, rec ValidationRecord) error
	Close() error
}

// NewWriter returns a Postgres-backed writer when a DSN is configured and a
// no-op writer otherwise.
func NewWriter(cfg Config) (Writer, error) {
	if cfg.DSN == "" {
		return noopWriter{}, nil
	}
	return newPostgresWriter(cfg)
}

type noopWriter struct{}

func (noopWriter) EnsureRun(context.Context, RunInfo) (int64, error) { return 0, nil }
func (noopWriter) RecordUnit(context.Context, UnitRecord) error { return nil }
func (noopWriter) RecordValidation(context.Context, ValidationRecord) error { return nil }
func (noopWriter) Close() error { return nil }
