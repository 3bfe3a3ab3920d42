package store

import (
	"encoding/json"
	"time"

	"github.com/ordinaut/ordinaut/internal/schedule"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusActive   TaskStatus = "active"
	StatusPaused   TaskStatus = "paused"
	StatusCanceled TaskStatus = "canceled"
)

// Backoff strategy names accepted by the task schema.
const (
	BackoffExponentialJitter = "exponential_jitter"
	BackoffLinear            = "linear"
	BackoffFixed             = "fixed"
)

// SystemAgentID is the seeded system agent; it owns internally created
// records and cannot be deleted.
const SystemAgentID = "00000000-0000-0000-0000-000000000001"

// Agent is a row from agent: an authenticated principal.
type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"createdAt"`
}

// Task is a row from task: a persistent intent to run work on a schedule.
type Task struct {
	ID                  string          `json:"id"`
	Title               string          `json:"title"`
	Description         string          `json:"description"`
	CreatedBy           string          `json:"createdBy"`
	ScheduleKind        schedule.Kind   `json:"scheduleKind"`
	ScheduleExpr        *string         `json:"scheduleExpr,omitempty"`
	Timezone            string          `json:"timezone"`
	Payload             json.RawMessage `json:"payload"`
	Status              TaskStatus      `json:"status"`
	Priority            int             `json:"priority"`
	DedupeKey           *string         `json:"dedupeKey,omitempty"`
	DedupeWindowSeconds int             `json:"dedupeWindowSeconds"`
	MaxRetries          int             `json:"maxRetries"`
	BackoffStrategy     string          `json:"backoffStrategy"`
	ConcurrencyKey      *string         `json:"concurrencyKey,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// Expr returns the schedule expression or "".
func (t *Task) Expr() string {
	if t.ScheduleExpr == nil {
		return ""
	}
	return *t.ScheduleExpr
}

// Firing is a row from due_work: one materialized obligation to run a
// task at an instant. A firing is leased when locked_until is in the
// future; it disappears on terminal completion.
type Firing struct {
	ID          int64      `json:"id"`
	TaskID      string     `json:"taskId"`
	RunAt       time.Time  `json:"runAt"`
	LockedUntil *time.Time `json:"lockedUntil,omitempty"`
	LockedBy    *string    `json:"lockedBy,omitempty"`
	Attempts    int        `json:"attempts"`
	DedupeKey   *string    `json:"dedupeKey,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Run is a row from task_run: the record of a single execution attempt.
// Rows are append-only once finished_at is set.
type Run struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"taskId"`
	DueWorkID  *int64          `json:"dueWorkId,omitempty"`
	LeaseOwner string          `json:"leaseOwner"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Attempt    int             `json:"attempt"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      *string         `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// AuditRecord is a row from audit_log.
type AuditRecord struct {
	ID           int64           `json:"id"`
	ActorAgentID *string         `json:"actorAgentId,omitempty"`
	Action       string          `json:"action"`
	SubjectID    *string         `json:"subjectId,omitempty"`
	Details      json.RawMessage `json:"details"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// TaskFilter narrows ListTasks. Zero values mean "any".
type TaskFilter struct {
	Status    TaskStatus
	Kind      schedule.Kind
	CreatedBy string
	Limit     int
	Offset    int
}

// RunFilter narrows ListRuns. Zero values mean "any".
type RunFilter struct {
	TaskID  string
	Success *bool
	Since   time.Time
	Limit   int
	Offset  int
}

// QueueStats is a point-in-time snapshot of the due_work table.
type QueueStats struct {
	Pending          int64    `json:"pending"`
	Leased           int64    `json:"leased"`
	OldestPendingAge *float64 `json:"oldestPendingAgeSeconds,omitempty"`
}

// TaskStats aggregates run history for one task.
type TaskStats struct {
	TotalRuns          int64      `json:"totalRuns"`
	Succeeded          int64      `json:"succeeded"`
	Failed             int64      `json:"failed"`
	Running            int64      `json:"running"`
	AvgDurationSeconds *float64   `json:"avgDurationSeconds,omitempty"`
	LastRunAt          *time.Time `json:"lastRunAt,omitempty"`
}
