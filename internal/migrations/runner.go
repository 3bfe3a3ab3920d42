// Package migrations applies the embedded SQL schema migrations.
// Files under sql/ are applied in lexical order, one transaction per
// file, and recorded in _ordinaut_migrations so re-runs are no-ops.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed sql/*.sql
var embeddedMigrations embed.FS

// Runner applies migrations from an fs.FS against a pool.
type Runner struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	fsys   fs.FS
}

// NewRunner creates a Runner over the embedded migration files.
func NewRunner(pool *pgxpool.Pool, logger *slog.Logger) *Runner {
	return NewRunnerWithFS(pool, logger, embeddedMigrations)
}

// NewRunnerWithFS creates a Runner over an arbitrary filesystem, which
// tests use to exercise failure paths.
func NewRunnerWithFS(pool *pgxpool.Pool, logger *slog.Logger, fsys fs.FS) *Runner {
	return &Runner{pool: pool, logger: logger, fsys: fsys}
}

// Bootstrap creates the migration bookkeeping table. Idempotent.
func (r *Runner) Bootstrap(ctx context.Context) error {
	_, err := r.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS _ordinaut_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("bootstrapping migrations table: %w", err)
	}
	return nil
}

// Run applies all pending migrations in lexical order and returns how
// many were applied. Each file runs in its own transaction together
// with its bookkeeping row, so a failure leaves no half-applied file.
func (r *Runner) Run(ctx context.Context) (int, error) {
	names, err := r.pending(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, name := range names {
		if err := r.apply(ctx, name); err != nil {
			return applied, fmt.Errorf("applying migration %s: %w", name, err)
		}
		r.logger.Info("applied migration", "name", name)
		applied++
	}
	return applied, nil
}

// Applied is one bookkeeping row.
type Applied struct {
	Name      string
	AppliedAt time.Time
}

// GetApplied returns the applied migrations in application order.
func (r *Runner) GetApplied(ctx context.Context) ([]Applied, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT name, applied_at FROM _ordinaut_migrations ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Name, &a.AppliedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (r *Runner) pending(ctx context.Context) ([]string, error) {
	entries, err := fs.ReadDir(r.fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("reading migration directory: %w", err)
	}

	appliedRows, err := r.GetApplied(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	done := make(map[string]bool, len(appliedRows))
	for _, a := range appliedRows {
		done[a.Name] = true
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		if !done[e.Name()] {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (r *Runner) apply(ctx context.Context, name string) error {
	sql, err := fs.ReadFile(r.fsys, "sql/"+name)
	if err != nil {
		return fmt.Errorf("reading migration file: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, string(sql)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO _ordinaut_migrations (name) VALUES ($1)`, name); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
