package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const runColumns = `id, task_id, due_work_id, lease_owner, started_at,
	finished_at, success, attempt, output, error, created_at`

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	err := row.Scan(
		&r.ID, &r.TaskID, &r.DueWorkID, &r.LeaseOwner, &r.StartedAt,
		&r.FinishedAt, &r.Success, &r.Attempt, &r.Output, &r.Error,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// StartRun records the beginning of an execution attempt.
func (s *Store) StartRun(ctx context.Context, taskID string, dueWorkID int64, leaseOwner string, attempt int) (*Run, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO task_run (task_id, due_work_id, lease_owner, attempt)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+runColumns,
		taskID, dueWorkID, leaseOwner, attempt,
	)
	r, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("starting run for task %s: %w", taskID, err)
	}
	return r, nil
}

// FinishRun closes an open run with its outcome. Finished runs are
// append-only; a second finish is a no-op error.
func (s *Store) FinishRun(ctx context.Context, runID string, success bool, output json.RawMessage, errMsg string) (*Run, error) {
	var errPtr *string
	if errMsg != "" {
		errPtr = &errMsg
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE task_run SET
			finished_at = NOW(),
			success = $2,
			output = $3,
			error = $4
		 WHERE id = $1 AND finished_at IS NULL
		 RETURNING `+runColumns,
		runID, success, output, errPtr,
	)
	r, err := scanRun(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w or already finished", runID, ErrNotFound)
	}
	return r, err
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM task_run WHERE id = $1`, id)
	r, err := scanRun(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return r, err
}

// ListRuns returns runs matching the filter, newest first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM task_run WHERE 1=1`
	args := []any{}
	n := 0
	if f.TaskID != "" {
		n++
		query += fmt.Sprintf(" AND task_id = $%d", n)
		args = append(args, f.TaskID)
	}
	if f.Success != nil {
		n++
		query += fmt.Sprintf(" AND success = $%d", n)
		args = append(args, *f.Success)
	}
	if !f.Since.IsZero() {
		n++
		query += fmt.Sprintf(" AND created_at >= $%d", n)
		args = append(args, f.Since)
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		n++
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		n++
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(
			&r.ID, &r.TaskID, &r.DueWorkID, &r.LeaseOwner, &r.StartedAt,
			&r.FinishedAt, &r.Success, &r.Attempt, &r.Output, &r.Error,
			&r.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// CountUnfinishedRunsByKey counts in-flight runs whose task shares the
// given concurrency key. Workers use this as the admission check before
// starting a run. Only runs whose worker still holds a live lease on
// the firing count: a run orphaned by a crashed worker must not hold
// the key hostage.
func (s *Store) CountUnfinishedRunsByKey(ctx context.Context, key string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM task_run r
		 JOIN task t ON t.id = r.task_id
		 WHERE t.concurrency_key = $1
		   AND r.finished_at IS NULL
		   AND EXISTS (
			SELECT 1 FROM due_work w
			WHERE w.id = r.due_work_id
			  AND w.locked_by = r.lease_owner
			  AND w.locked_until > NOW()
		   )`,
		key,
	).Scan(&count)
	return count, err
}

// ReapOrphanRuns closes open runs whose worker no longer holds the
// lease on their firing. A crash between StartRun and FinishRun leaves
// such rows open forever otherwise. The grace period keeps the reaper
// away from runs that are completing normally, where the firing is
// deleted moments before the run row is closed. Returns the number of
// runs reaped.
func (s *Store) ReapOrphanRuns(ctx context.Context, grace time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE task_run SET
			finished_at = NOW(),
			success = FALSE,
			error = 'abandoned: worker lease lost'
		 WHERE finished_at IS NULL
		   AND started_at < NOW() - $1::interval
		   AND NOT EXISTS (
			SELECT 1 FROM due_work w
			WHERE w.id = task_run.due_work_id
			  AND w.locked_by = task_run.lease_owner
			  AND w.locked_until > NOW()
		   )`,
		intervalSec(grace),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
