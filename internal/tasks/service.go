// Package tasks implements the task lifecycle: creation, the
// active/paused/canceled state machine, manual triggers, snooze, and
// event publishing. Every mutating operation is scope-checked against
// the acting agent and leaves an audit record.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ordinaut/ordinaut/internal/metrics"
	"github.com/ordinaut/ordinaut/internal/schedule"
	"github.com/ordinaut/ordinaut/internal/scheduler"
	"github.com/ordinaut/ordinaut/internal/store"
)

// ErrForbidden is returned when the actor lacks the required scope.
var ErrForbidden = errors.New("actor lacks required scope")

// Service coordinates the store and the scheduler's timer registry.
type Service struct {
	store   *store.Store
	sched   *scheduler.Scheduler
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates the lifecycle service. sched may be nil when no scheduler
// runs in this process (e.g. a worker-only deployment).
func New(st *store.Store, sched *scheduler.Scheduler, logger *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{store: st, sched: sched, logger: logger, metrics: m}
}

// CreateTaskInput carries the caller-settable task fields.
type CreateTaskInput struct {
	Title               string          `json:"title"`
	Description         string          `json:"description"`
	ScheduleKind        schedule.Kind   `json:"scheduleKind"`
	ScheduleExpr        string          `json:"scheduleExpr"`
	Timezone            string          `json:"timezone"`
	Payload             json.RawMessage `json:"payload"`
	Priority            int             `json:"priority"`
	DedupeKey           string          `json:"dedupeKey"`
	DedupeWindowSeconds int             `json:"dedupeWindowSeconds"`
	MaxRetries          int             `json:"maxRetries"`
	BackoffStrategy     string          `json:"backoffStrategy"`
	ConcurrencyKey      string          `json:"concurrencyKey"`
}

func (in *CreateTaskInput) validate() error {
	if in.Title == "" {
		return fmt.Errorf("title is required")
	}
	if !schedule.ValidKind(in.ScheduleKind) {
		return fmt.Errorf("%w: unknown schedule kind %q", schedule.ErrInvalidExpression, in.ScheduleKind)
	}
	if in.Timezone == "" {
		in.Timezone = "UTC"
	}
	if err := schedule.Validate(in.ScheduleKind, in.ScheduleExpr, in.Timezone); err != nil {
		return err
	}
	if in.ScheduleKind != schedule.KindEvent && in.ScheduleExpr == "" {
		return fmt.Errorf("%w: expression is required for kind %q", schedule.ErrInvalidExpression, in.ScheduleKind)
	}
	if in.Priority == 0 {
		in.Priority = 5
	}
	if in.Priority < 1 || in.Priority > 9 {
		return fmt.Errorf("priority must be between 1 and 9")
	}
	if in.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must be >= 0")
	}
	if in.DedupeWindowSeconds < 0 {
		return fmt.Errorf("dedupeWindowSeconds must be >= 0")
	}
	if in.BackoffStrategy == "" {
		in.BackoffStrategy = store.BackoffExponentialJitter
	}
	switch in.BackoffStrategy {
	case store.BackoffExponentialJitter, store.BackoffLinear, store.BackoffFixed:
	default:
		return fmt.Errorf("unknown backoff strategy %q", in.BackoffStrategy)
	}
	if in.Payload != nil && !json.Valid(in.Payload) {
		return fmt.Errorf("payload must be valid JSON")
	}
	return nil
}

func (in *CreateTaskInput) toTask(actor Actor) *store.Task {
	t := &store.Task{
		Title:               in.Title,
		Description:         in.Description,
		CreatedBy:           actor.AgentID,
		ScheduleKind:        in.ScheduleKind,
		Timezone:            in.Timezone,
		Payload:             in.Payload,
		Priority:            in.Priority,
		DedupeWindowSeconds: in.DedupeWindowSeconds,
		MaxRetries:          in.MaxRetries,
		BackoffStrategy:     in.BackoffStrategy,
	}
	if in.ScheduleExpr != "" {
		t.ScheduleExpr = &in.ScheduleExpr
	}
	if in.DedupeKey != "" {
		t.DedupeKey = &in.DedupeKey
	}
	if in.ConcurrencyKey != "" {
		t.ConcurrencyKey = &in.ConcurrencyKey
	}
	return t
}

// CreateTask validates and persists a new active task and arms its timer.
func (s *Service) CreateTask(ctx context.Context, actor Actor, in CreateTaskInput) (*store.Task, error) {
	if !actor.HasScope(ScopeTaskCreate) {
		return nil, ErrForbidden
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	task, err := s.store.CreateTask(ctx, in.toTask(actor))
	if err != nil {
		return nil, err
	}
	s.taskChanged(task)
	s.audit(ctx, actor, "task.created", task.ID, map[string]any{
		"title": task.Title, "kind": task.ScheduleKind,
	})
	s.logger.Info("task created", "task_id", task.ID, "kind", task.ScheduleKind, "actor", actor.AgentID)
	return task, nil
}

// UpdateTask replaces the mutable fields of an active task. Pending
// unleased firings computed from the old schedule are dropped and the
// timer is re-armed from the new one.
func (s *Service) UpdateTask(ctx context.Context, actor Actor, id string, in CreateTaskInput) (*store.Task, error) {
	if !actor.HasScope(ScopeTaskUpdate) {
		return nil, ErrForbidden
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	task, err := s.store.UpdateTask(ctx, id, in.toTask(actor))
	if err != nil {
		return nil, err
	}
	if _, err := s.store.DeleteUnleased(ctx, id); err != nil {
		s.logger.Error("failed to drop stale firings after update", "task_id", id, "error", err)
	}
	s.taskChanged(task)
	s.audit(ctx, actor, "task.updated", task.ID, nil)
	return task, nil
}

// PauseTask stops future firings; pending ones wait out the pause.
func (s *Service) PauseTask(ctx context.Context, actor Actor, id string) (*store.Task, error) {
	if !actor.HasScope(ScopeTaskControl) {
		return nil, ErrForbidden
	}
	task, err := s.store.SetTaskStatus(ctx, id, []store.TaskStatus{store.StatusActive}, store.StatusPaused)
	if err != nil {
		return nil, err
	}
	s.taskChanged(task)
	s.audit(ctx, actor, "task.paused", task.ID, nil)
	return task, nil
}

// ResumeTask reactivates a paused task and re-arms its timer from now.
func (s *Service) ResumeTask(ctx context.Context, actor Actor, id string) (*store.Task, error) {
	if !actor.HasScope(ScopeTaskControl) {
		return nil, ErrForbidden
	}
	task, err := s.store.SetTaskStatus(ctx, id, []store.TaskStatus{store.StatusPaused}, store.StatusActive)
	if err != nil {
		return nil, err
	}
	s.taskChanged(task)
	s.audit(ctx, actor, "task.resumed", task.ID, nil)
	return task, nil
}

// CancelTask terminally stops a task and drops its unleased firings.
// Leased firings drain: their workers finish and record outcomes.
func (s *Service) CancelTask(ctx context.Context, actor Actor, id string) (*store.Task, error) {
	if !actor.HasScope(ScopeTaskControl) {
		return nil, ErrForbidden
	}
	task, err := s.store.SetTaskStatus(ctx, id,
		[]store.TaskStatus{store.StatusActive, store.StatusPaused}, store.StatusCanceled)
	if err != nil {
		return nil, err
	}
	dropped, err := s.store.DeleteUnleased(ctx, id)
	if err != nil {
		s.logger.Error("failed to drop firings on cancel", "task_id", id, "error", err)
	}
	s.taskChanged(task)
	s.audit(ctx, actor, "task.canceled", task.ID, map[string]any{"dropped_firings": dropped})
	return task, nil
}

// DeleteTask removes a task entirely; firings and runs cascade away,
// the audit trail stays.
func (s *Service) DeleteTask(ctx context.Context, actor Actor, id string) error {
	if !actor.HasScope(ScopeTaskDelete) {
		return ErrForbidden
	}
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	if s.sched != nil {
		s.sched.TaskRemoved(id)
	}
	s.audit(ctx, actor, "task.deleted", id, nil)
	return nil
}

// RunNow enqueues an immediate firing for an active task, independent
// of its schedule. The task's dedupe window still applies.
func (s *Service) RunNow(ctx context.Context, actor Actor, id string) (*store.Firing, error) {
	if !actor.HasScope(ScopeTaskControl) {
		return nil, ErrForbidden
	}
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != store.StatusActive {
		return nil, fmt.Errorf("task %s is not in active state", id)
	}

	firing, duplicate, err := s.enqueueForTask(ctx, task, time.Now())
	if err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "task.run_now", task.ID, map[string]any{"duplicate": duplicate})
	if duplicate {
		return nil, nil
	}
	return firing, nil
}

// Snooze shifts the task's pending unleased firings by delta.
func (s *Service) Snooze(ctx context.Context, actor Actor, id string, delta time.Duration) (int64, error) {
	if !actor.HasScope(ScopeTaskControl) {
		return 0, ErrForbidden
	}
	if delta <= 0 {
		return 0, fmt.Errorf("snooze delta must be positive")
	}
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return 0, err
	}
	if task.Status != store.StatusActive {
		return 0, fmt.Errorf("task %s is not in active state", id)
	}

	moved, err := s.store.SnoozeUnleased(ctx, id, delta)
	if err != nil {
		return 0, err
	}
	s.audit(ctx, actor, "task.snoozed", id, map[string]any{
		"delta_seconds": int64(delta.Seconds()), "moved": moved,
	})
	return moved, nil
}

// PublishEvent fans an event out to every active event task subscribed
// to the topic, enqueuing one immediate firing per subscriber. Dedupe
// windows apply per task. Returns the number of firings enqueued.
func (s *Service) PublishEvent(ctx context.Context, actor Actor, topic string, payload json.RawMessage) (int, error) {
	if !actor.HasScope(ScopeEventPublish) {
		return 0, ErrForbidden
	}
	if topic == "" {
		return 0, fmt.Errorf("topic is required")
	}

	subscribers, err := s.store.ListEventTasks(ctx, topic)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	enqueued := 0
	for i := range subscribers {
		_, duplicate, err := s.enqueueForTask(ctx, &subscribers[i], now)
		if err != nil {
			s.logger.Error("failed to enqueue event firing",
				"task_id", subscribers[i].ID, "topic", topic, "error", err)
			continue
		}
		if !duplicate {
			enqueued++
		}
	}
	s.audit(ctx, actor, "event.published", topic, map[string]any{
		"subscribers": len(subscribers), "enqueued": enqueued,
	})
	s.logger.Info("event published", "topic", topic,
		"subscribers", len(subscribers), "enqueued", enqueued, "actor", actor.AgentID)
	return enqueued, nil
}

// GetTask returns a task by id.
func (s *Service) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return s.store.GetTask(ctx, id)
}

// ListTasks returns tasks matching the filter.
func (s *Service) ListTasks(ctx context.Context, f store.TaskFilter) ([]store.Task, error) {
	return s.store.ListTasks(ctx, f)
}

// GetRun returns a run by id.
func (s *Service) GetRun(ctx context.Context, id string) (*store.Run, error) {
	return s.store.GetRun(ctx, id)
}

// ListRuns returns runs matching the filter.
func (s *Service) ListRuns(ctx context.Context, f store.RunFilter) ([]store.Run, error) {
	return s.store.ListRuns(ctx, f)
}

// GetTaskStats aggregates run history for a task.
func (s *Service) GetTaskStats(ctx context.Context, id string, since time.Time) (*store.TaskStats, error) {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GetTaskStats(ctx, id, since)
}

// GetQueueStats snapshots the due_work queue.
func (s *Service) GetQueueStats(ctx context.Context) (*store.QueueStats, error) {
	return s.store.GetQueueStats(ctx)
}

// ListAudit returns recent audit records.
func (s *Service) ListAudit(ctx context.Context, limit, offset int) ([]store.AuditRecord, error) {
	return s.store.ListAudit(ctx, limit, offset)
}

func (s *Service) enqueueForTask(ctx context.Context, task *store.Task, runAt time.Time) (*store.Firing, bool, error) {
	dedupeKey := ""
	if task.DedupeKey != nil {
		dedupeKey = *task.DedupeKey
	}
	window := time.Duration(task.DedupeWindowSeconds) * time.Second
	firing, duplicate, err := s.store.Enqueue(ctx, task.ID, runAt, dedupeKey, window)
	if err == nil && !duplicate {
		s.metrics.FiringsCreated.Inc()
	}
	return firing, duplicate, err
}

func (s *Service) taskChanged(t *store.Task) {
	if s.sched != nil {
		s.sched.TaskChanged(t)
	}
}

func (s *Service) audit(ctx context.Context, actor Actor, action, subjectID string, details map[string]any) {
	var actorID *string
	if actor.AgentID != "" {
		actorID = &actor.AgentID
	}
	if err := s.store.AppendAudit(ctx, actorID, action, &subjectID, details); err != nil {
		s.logger.Error("failed to append audit record", "action", action, "error", err)
	}
}
