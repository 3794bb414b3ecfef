package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

type postgresWriter struct {
	pool *pgxpool.Pool
}

func newPostgresWriter(cfg Config) (*postgresWriter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect catalog: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply catalog schema: %w", err)
	}
	return &postgresWriter{pool: pool}, nil
}

func (w *postgresWriter) EnsureRun(ctx context.Context, info RunInfo) (int64, error) {
	started := info.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	var id int64
	err := w.pool.QueryRow(ctx, `
		INSERT INTO _seg_runs (namespace, role, worker_id, hostname, started_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		info.Namespace, info.Role, info.WorkerID, info.Hostname, started,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

func (w *postgresWriter) RecordUnit(ctx context.Context, rec UnitRecord) error {
	_, err := w.pool.Exec(ctx, `
		INSERT INTO _seg_units (run_id, basename, group_key, result, exit_code)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.RunID, rec.Basename, rec.Group, rec.Result, rec.ExitCode,
	)
	if err != nil {
		return fmt.Errorf("insert unit record: %w", err)
	}
	return nil
}

func (w *postgresWriter) RecordValidation(ctx context.Context, rec ValidationRecord) error {
	_, err := w.pool.Exec(ctx, `
		INSERT INTO _seg_validations (run_id, expected_count, observed_count, missing_count, status)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.RunID, rec.ExpectedCount, rec.ObservedCount, rec.MissingCount, rec.Status,
	)
	if err != nil {
		return fmt.Errorf("insert validation record: %w", err)
	}
	return nil
}

func (w *postgresWriter) Close() error {
	w.pool.Close()
	return nil
}
