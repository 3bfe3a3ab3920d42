package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const taskColumns = `id, title, description, created_by, schedule_kind,
	schedule_expr, timezone, payload, status, priority, dedupe_key,
	dedupe_window_seconds, max_retries, backoff_strategy, concurrency_key,
	created_at, updated_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.CreatedBy, &t.ScheduleKind,
		&t.ScheduleExpr, &t.Timezone, &t.Payload, &t.Status, &t.Priority,
		&t.DedupeKey, &t.DedupeWindowSeconds, &t.MaxRetries,
		&t.BackoffStrategy, &t.ConcurrencyKey, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTasks(rows pgx.Rows) ([]Task, error) {
	var result []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(
			&t.ID, &t.Title, &t.Description, &t.CreatedBy, &t.ScheduleKind,
			&t.ScheduleExpr, &t.Timezone, &t.Payload, &t.Status, &t.Priority,
			&t.DedupeKey, &t.DedupeWindowSeconds, &t.MaxRetries,
			&t.BackoffStrategy, &t.ConcurrencyKey, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// CreateTask inserts a new task in the active state and returns the row.
// Validation belongs to the caller; this is a plain write.
func (s *Store) CreateTask(ctx context.Context, t *Task) (*Task, error) {
	if t.Payload == nil {
		t.Payload = json.RawMessage("{}")
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO task (title, description, created_by, schedule_kind,
			schedule_expr, timezone, payload, priority, dedupe_key,
			dedupe_window_seconds, max_retries, backoff_strategy, concurrency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING `+taskColumns,
		t.Title, t.Description, t.CreatedBy, t.ScheduleKind, t.ScheduleExpr,
		t.Timezone, t.Payload, t.Priority, t.DedupeKey,
		t.DedupeWindowSeconds, t.MaxRetries, t.BackoffStrategy, t.ConcurrencyKey,
	)
	created, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	return created, nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM task WHERE id = $1`, id)
	t, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM task WHERE 1=1`
	args := []any{}
	n := 0
	if f.Status != "" {
		n++
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		n++
		query += fmt.Sprintf(" AND schedule_kind = $%d", n)
		args = append(args, f.Kind)
	}
	if f.CreatedBy != "" {
		n++
		query += fmt.Sprintf(" AND created_by = $%d", n)
		args = append(args, f.CreatedBy)
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
	return scanTasks(rows)
}

// ListEventTasks returns active event tasks subscribed to a topic.
func (s *Store) ListEventTasks(ctx context.Context, topic string) ([]Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM task
		 WHERE schedule_kind = 'event' AND status = 'active' AND schedule_expr = $1
		 ORDER BY created_at, id`,
		topic,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateTask rewrites the mutable fields of an active task. Tasks that
// are paused or canceled reject updates.
func (s *Store) UpdateTask(ctx context.Context, id string, t *Task) (*Task, error) {
	if t.Payload == nil {
		t.Payload = json.RawMessage("{}")
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE task SET
			title = $2,
			description = $3,
			schedule_kind = $4,
			schedule_expr = $5,
			timezone = $6,
			payload = $7,
			priority = $8,
			dedupe_key = $9,
			dedupe_window_seconds = $10,
			max_retries = $11,
			backoff_strategy = $12,
			concurrency_key = $13,
			updated_at = NOW()
		WHERE id = $1 AND status = 'active'
		RETURNING `+taskColumns,
		id, t.Title, t.Description, t.ScheduleKind, t.ScheduleExpr,
		t.Timezone, t.Payload, t.Priority, t.DedupeKey,
		t.DedupeWindowSeconds, t.MaxRetries, t.BackoffStrategy, t.ConcurrencyKey,
	)
	updated, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w or not in active state", id, ErrNotFound)
	}
	return updated, err
}

// SetTaskStatus transitions a task from one of the given states to the
// target state. An invalid source state is an error.
func (s *Store) SetTaskStatus(ctx context.Context, id string, from []TaskStatus, to TaskStatus) (*Task, error) {
	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE task SET status = $3, updated_at = NOW()
		 WHERE id = $1 AND status = ANY($2)
		 RETURNING `+taskColumns,
		id, allowed, string(to),
	)
	t, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w or not in an allowed state", id, ErrNotFound)
	}
	return t, err
}

// DeleteTask removes a task; firings and runs cascade.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM task WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}
