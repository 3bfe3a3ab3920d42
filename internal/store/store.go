// Package store is the PostgreSQL persistence layer: agents, tasks, the
// due_work queue with its lease primitive, run records, and the audit
// log. All durable coordination between the scheduler and workers goes
// through due_work; nothing here keeps state in memory.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is wrapped by every lookup that comes up empty; callers
// branch with errors.Is instead of matching message text.
var ErrNotFound = errors.New("not found")

// intervalSec formats a time.Duration as a Postgres-compatible interval
// string. Go's Duration.String() produces "5m0s" which Postgres cannot
// parse; this produces "300 seconds" which is unambiguous.
func intervalSec(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}

// Store handles all database operations for the orchestrator.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store on the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}
