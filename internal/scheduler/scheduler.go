// Package scheduler turns task schedules into due_work rows. It keeps
// one armed in-memory timer per active task, re-arms on fire for
// recurring kinds, and regenerates all timers from the task table on
// startup. Timers are advisory: every durable fact lives in due_work,
// so a crash between fire and enqueue costs nothing but latency.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ordinaut/ordinaut/internal/metrics"
	"github.com/ordinaut/ordinaut/internal/schedule"
	"github.com/ordinaut/ordinaut/internal/store"
)

// Config holds runtime parameters for the scheduler.
type Config struct {
	// SweepInterval is how often the catch-up sweep re-reconciles
	// timers against the task table and samples queue gauges.
	SweepInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{SweepInterval: 30 * time.Second}
}

// Scheduler owns the timer registry.
type Scheduler struct {
	store   *store.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     Config

	mu     sync.Mutex
	timers map[string]*time.Timer
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler.
func New(st *store.Store, logger *slog.Logger, m *metrics.Metrics, cfg Config) *Scheduler {
	return &Scheduler{
		store:   st,
		logger:  logger,
		metrics: m,
		cfg:     cfg,
		timers:  make(map[string]*time.Timer),
	}
}

// Start regenerates timers for every active task and begins the sweep
// loop. Firings that became due while the process was down are enqueued
// immediately by the zero-delay timers this produces.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	tasks, err := s.store.ListTasks(s.ctx, store.TaskFilter{Status: store.StatusActive})
	if err != nil {
		return err
	}
	armed := 0
	for i := range tasks {
		if s.arm(&tasks[i]) {
			armed++
		}
	}

	s.wg.Add(1)
	go s.sweepLoop(s.ctx)

	s.logger.Info("scheduler started", "active_tasks", len(tasks), "armed", armed)
	return nil
}

// Stop cancels all timers and the sweep loop. An in-flight fire sees
// the cancelled context at its next store call and exits.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// TaskChanged re-arms or disarms the timer for a task after a lifecycle
// change. Safe to call concurrently.
func (s *Scheduler) TaskChanged(t *store.Task) {
	if t.Status != store.StatusActive {
		s.disarm(t.ID)
		return
	}
	s.arm(t)
}

// TaskRemoved drops the timer for a deleted task.
func (s *Scheduler) TaskRemoved(taskID string) {
	s.disarm(taskID)
}

// arm computes the next occurrence and plants a timer for it. Returns
// false when the task has none (exhausted, event kind, or an expression
// that no longer evaluates).
func (s *Scheduler) arm(t *store.Task) bool {
	next, ok, err := schedule.Next(t.ScheduleKind, t.Expr(), t.Timezone, t.CreatedAt, time.Now())
	if err != nil {
		// Stored tasks were validated at create/update time; hitting
		// this means the environment changed (e.g. tzdata).
		s.logger.Error("stored schedule failed to evaluate",
			"task_id", t.ID, "kind", t.ScheduleKind, "error", err)
		s.disarm(t.ID)
		return false
	}
	if !ok {
		s.disarm(t.ID)
		return false
	}

	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}
	taskID := t.ID
	timer := time.AfterFunc(delay, func() { s.fire(taskID, next) })

	s.mu.Lock()
	if old, exists := s.timers[taskID]; exists {
		old.Stop()
	}
	s.timers[taskID] = timer
	s.mu.Unlock()
	return true
}

func (s *Scheduler) disarm(taskID string) {
	s.mu.Lock()
	if timer, exists := s.timers[taskID]; exists {
		timer.Stop()
		delete(s.timers, taskID)
	}
	s.mu.Unlock()
}

// fire enqueues one firing and re-arms for the next occurrence. It
// re-reads the task so a pause or cancel that raced the timer wins.
func (s *Scheduler) fire(taskID string, runAt time.Time) {
	if s.ctx.Err() != nil {
		return
	}

	task, err := s.store.GetTask(s.ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.disarm(taskID)
			return
		}
		s.logger.Error("failed to load task on fire", "task_id", taskID, "error", err)
		// Leave re-arming to the sweep.
		s.disarm(taskID)
		return
	}
	if task.Status != store.StatusActive {
		s.disarm(taskID)
		return
	}

	dedupeKey := ""
	if task.DedupeKey != nil {
		dedupeKey = *task.DedupeKey
	}
	window := time.Duration(task.DedupeWindowSeconds) * time.Second

	firing, duplicate, err := s.store.Enqueue(s.ctx, taskID, runAt, dedupeKey, window)
	switch {
	case err != nil:
		s.logger.Error("failed to enqueue firing", "task_id", taskID, "error", err)
	case duplicate:
		s.logger.Debug("suppressed duplicate firing", "task_id", taskID, "run_at", runAt)
	default:
		s.metrics.FiringsCreated.Inc()
		s.logger.Debug("enqueued firing", "task_id", taskID, "firing_id", firing.ID, "run_at", runAt)
	}

	// One-shot kinds are done after a single materialized firing.
	if task.ScheduleKind == schedule.KindOnce {
		s.disarm(taskID)
		return
	}
	s.rearmAfter(task, runAt)
}

// rearmAfter plants the timer for the occurrence following `after`.
func (s *Scheduler) rearmAfter(t *store.Task, after time.Time) {
	next, ok, err := schedule.Next(t.ScheduleKind, t.Expr(), t.Timezone, t.CreatedAt, after)
	if err != nil || !ok {
		if err != nil {
			s.logger.Error("failed to compute next occurrence",
				"task_id", t.ID, "error", err)
		}
		s.disarm(t.ID)
		return
	}

	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}
	taskID := t.ID
	timer := time.AfterFunc(delay, func() { s.fire(taskID, next) })

	s.mu.Lock()
	if old, exists := s.timers[taskID]; exists {
		old.Stop()
	}
	s.timers[taskID] = timer
	s.mu.Unlock()
}

// sweepLoop reconciles timers with the task table and refreshes queue
// gauges. It exists to heal after transient store errors and to pick up
// tasks changed by another process sharing the database.
func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{Status: store.StatusActive})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("sweep failed to list tasks", "error", err)
		}
		return
	}

	active := make(map[string]bool, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		active[t.ID] = true
		s.mu.Lock()
		_, armed := s.timers[t.ID]
		s.mu.Unlock()
		if !armed && t.ScheduleKind != schedule.KindEvent {
			s.arm(t)
		}
	}

	// Drop timers for tasks that are no longer active.
	s.mu.Lock()
	for id, timer := range s.timers {
		if !active[id] {
			timer.Stop()
			delete(s.timers, id)
		}
	}
	s.mu.Unlock()

	if stats, err := s.store.GetQueueStats(ctx); err == nil {
		s.metrics.QueueDepth.Set(float64(stats.Pending))
	}
	if lag, ok, err := s.store.SchedulerLag(ctx); err == nil {
		if ok {
			s.metrics.SchedulerLag.Set(lag.Seconds())
		} else {
			s.metrics.SchedulerLag.Set(0)
		}
	}
}

// Armed reports whether a timer is currently planted for the task.
// Exposed for tests.
func (s *Scheduler) Armed(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[taskID]
	return ok
}
