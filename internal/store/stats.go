package store

import (
	"context"
	"time"
)

// GetQueueStats returns a snapshot of the due_work table.
func (s *Store) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	var st QueueStats
	err := s.pool.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE locked_until IS NULL OR locked_until < NOW()),
			COUNT(*) FILTER (WHERE locked_until IS NOT NULL AND locked_until >= NOW()),
			EXTRACT(EPOCH FROM (NOW() - MIN(run_at)
				FILTER (WHERE run_at <= NOW()
				        AND (locked_until IS NULL OR locked_until < NOW()))))
		 FROM due_work`,
	).Scan(&st.Pending, &st.Leased, &st.OldestPendingAge)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SchedulerLag returns the age of the oldest due, unleased firing.
// ok=false means the queue has no overdue work.
func (s *Store) SchedulerLag(ctx context.Context) (time.Duration, bool, error) {
	var secs *float64
	err := s.pool.QueryRow(ctx,
		`SELECT EXTRACT(EPOCH FROM (NOW() - MIN(run_at)))
		 FROM due_work
		 WHERE run_at <= NOW()
		   AND (locked_until IS NULL OR locked_until < NOW())`,
	).Scan(&secs)
	if err != nil {
		return 0, false, err
	}
	if secs == nil {
		return 0, false, nil
	}
	return time.Duration(*secs * float64(time.Second)), true, nil
}

// GetTaskStats aggregates run history for a task since the given time.
// A zero since means all history.
func (s *Store) GetTaskStats(ctx context.Context, taskID string, since time.Time) (*TaskStats, error) {
	var st TaskStats
	err := s.pool.QueryRow(ctx,
		`SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE success = TRUE),
			COUNT(*) FILTER (WHERE success = FALSE),
			COUNT(*) FILTER (WHERE finished_at IS NULL),
			AVG(EXTRACT(EPOCH FROM (finished_at - started_at))),
			MAX(started_at)
		 FROM task_run
		 WHERE task_id = $1 AND ($2::timestamptz IS NULL OR created_at >= $2)`,
		taskID, nullableTime(since),
	).Scan(&st.TotalRuns, &st.Succeeded, &st.Failed, &st.Running,
		&st.AvgDurationSeconds, &st.LastRunAt)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
