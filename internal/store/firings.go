package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const firingColumns = `id, task_id, run_at, locked_until, locked_by,
	attempts, dedupe_key, created_at`

func scanFiring(row pgx.Row) (*Firing, error) {
	var f Firing
	err := row.Scan(
		&f.ID, &f.TaskID, &f.RunAt, &f.LockedUntil, &f.LockedBy,
		&f.Attempts, &f.DedupeKey, &f.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// Enqueue inserts a firing for a task at the given instant.
//
// When the task carries a dedupe key and window, the firing is keyed by
// the window bucket of run_at and suppressed if an equivalent firing
// already exists within the window. Without an explicit key, the firing
// is keyed by its exact instant, which makes scheduler re-enqueues after
// a restart idempotent. A suppressed duplicate returns (nil, true, nil).
func (s *Store) Enqueue(ctx context.Context, taskID string, runAt time.Time, dedupeKey string, window time.Duration) (*Firing, bool, error) {
	key := fmt.Sprintf("at:%d", runAt.Unix())
	windowSecs := int64(window.Seconds())
	if dedupeKey != "" && windowSecs > 0 {
		key = fmt.Sprintf("%s:%d", dedupeKey, runAt.Unix()/windowSecs)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO due_work (task_id, run_at, dedupe_key)
		 SELECT $1, $2, $3
		 WHERE NOT EXISTS (
			SELECT 1 FROM due_work
			WHERE task_id = $1
			  AND dedupe_key = $3
			  AND run_at BETWEEN $2::timestamptz - $4::interval
			               AND $2::timestamptz + $4::interval
		 )
		 ON CONFLICT (task_id, dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
		 RETURNING `+firingColumns,
		taskID, runAt, key, intervalSec(window),
	)
	f, err := scanFiring(row)
	if err == pgx.ErrNoRows {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("enqueuing firing for task %s: %w", taskID, err)
	}
	return f, false, nil
}

// LeaseNext atomically claims the oldest due, unleased firing using
// FOR UPDATE SKIP LOCKED, stamping the lease and incrementing the
// attempt counter in the same statement. Expired leases count as
// unleased, which is how stalled work gets recovered. Returns nil, nil
// when nothing is due.
func (s *Store) LeaseNext(ctx context.Context, workerID string, leaseDuration time.Duration) (*Firing, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE due_work SET
			locked_until = NOW() + $1::interval,
			locked_by = $2,
			attempts = attempts + 1
		WHERE id = (
			SELECT id FROM due_work
			WHERE run_at <= NOW()
			  AND (locked_until IS NULL OR locked_until < NOW())
			ORDER BY run_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+firingColumns,
		intervalSec(leaseDuration), workerID,
	)
	f, err := scanFiring(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return f, err
}

// GetFiring returns a firing by id.
func (s *Store) GetFiring(ctx context.Context, id int64) (*Firing, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+firingColumns+` FROM due_work WHERE id = $1`, id)
	f, err := scanFiring(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("firing %d: %w", id, ErrNotFound)
	}
	return f, err
}

// ExtendLease pushes the lease of a held firing forward. It fails if
// the caller no longer holds a live lease.
func (s *Store) ExtendLease(ctx context.Context, id int64, workerID string, leaseDuration time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE due_work SET locked_until = NOW() + $3::interval
		 WHERE id = $1 AND locked_by = $2 AND locked_until > NOW()`,
		id, workerID, intervalSec(leaseDuration),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("firing %d: lease not held by %s", id, workerID)
	}
	return nil
}

// CompleteFiring removes a firing after a terminal outcome. The false
// return means the lease had already lapsed and the firing belongs to
// someone else now.
func (s *Store) CompleteFiring(ctx context.Context, id int64, workerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM due_work
		 WHERE id = $1 AND locked_by = $2 AND locked_until > NOW()`,
		id, workerID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RescheduleFiring releases the lease and moves the firing to a future
// instant, keeping its attempt count. Used for retry backoff.
func (s *Store) RescheduleFiring(ctx context.Context, id int64, workerID string, runAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE due_work SET run_at = $3, locked_until = NULL, locked_by = NULL
		 WHERE id = $1 AND locked_by = $2 AND locked_until > NOW()`,
		id, workerID, runAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// DeferFiring releases the lease and nudges the firing into the near
// future without consuming an attempt. Used when another run with the
// same concurrency key is still in flight, or when the task is paused.
func (s *Store) DeferFiring(ctx context.Context, id int64, workerID string, delay time.Duration) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE due_work SET
			run_at = NOW() + $3::interval,
			locked_until = NULL,
			locked_by = NULL,
			attempts = GREATEST(attempts - 1, 0)
		 WHERE id = $1 AND locked_by = $2`,
		id, workerID, intervalSec(delay),
	)
	return err
}

// DeleteUnleased removes a task's firings that no worker holds.
// Leased firings are left to drain.
func (s *Store) DeleteUnleased(ctx context.Context, taskID string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM due_work
		 WHERE task_id = $1
		   AND (locked_until IS NULL OR locked_until < NOW())`,
		taskID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SnoozeUnleased shifts a task's unleased pending firings by delta.
func (s *Store) SnoozeUnleased(ctx context.Context, taskID string, delta time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE due_work SET run_at = run_at + $2::interval
		 WHERE task_id = $1
		   AND (locked_until IS NULL OR locked_until < NOW())`,
		taskID, intervalSec(delta),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PendingFirings lists a task's firings ordered by run_at.
func (s *Store) PendingFirings(ctx context.Context, taskID string) ([]Firing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+firingColumns+` FROM due_work
		 WHERE task_id = $1 ORDER BY run_at, id`,
		taskID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Firing
	for rows.Next() {
		var f Firing
		if err := rows.Scan(
			&f.ID, &f.TaskID, &f.RunAt, &f.LockedUntil, &f.LockedBy,
			&f.Attempts, &f.DedupeKey, &f.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, rows.Err()
}
