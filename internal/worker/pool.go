// Package worker runs the lease-based execution side of the
// orchestrator: N goroutines claim due firings, run the task payload
// through an Executor, and translate outcomes into retries, terminal
// records, or abandoned leases.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ordinaut/ordinaut/internal/metrics"
	"github.com/ordinaut/ordinaut/internal/store"
)

// Config holds runtime parameters for the worker pool.
type Config struct {
	Concurrency   int
	PollInterval  time.Duration
	LeaseDuration time.Duration
	// ShutdownTimeout is the drain budget: how long in-flight runs may
	// keep executing after Stop begins before they are cut off. It does
	// not bound runs during normal operation; lease renewal does.
	ShutdownTimeout time.Duration
	WorkerID        string // unique identifier for this instance
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:     4,
		PollInterval:    500 * time.Millisecond,
		LeaseDuration:   60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		WorkerID:        fmt.Sprintf("worker-%d", time.Now().UnixNano()),
	}
}

// Pool claims and executes due firings.
type Pool struct {
	store   *store.Store
	exec    Executor
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a worker Pool.
func New(st *store.Store, exec Executor, logger *slog.Logger, m *metrics.Metrics, cfg Config) *Pool {
	return &Pool{store: st, exec: exec, logger: logger, metrics: m, cfg: cfg}
}

// Start launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}
	p.wg.Add(1)
	go p.reaperLoop(ctx)
	p.logger.Info("worker pool started",
		"workers", p.cfg.Concurrency,
		"poll_interval", p.cfg.PollInterval,
		"lease_duration", p.cfg.LeaseDuration,
	)
}

// Stop signals the workers to stop claiming and waits for in-flight
// runs to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) workerLoop(ctx context.Context, workerNum int) {
	defer p.wg.Done()
	workerID := fmt.Sprintf("%s-%d", p.cfg.WorkerID, workerNum)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain the queue while work is available; back off to the
			// poll interval only when a claim comes up empty.
			for p.claimAndRun(ctx, workerID) {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// claimAndRun processes at most one firing and reports whether it found
// one.
func (p *Pool) claimAndRun(ctx context.Context, workerID string) bool {
	firing, err := p.store.LeaseNext(ctx, workerID, p.cfg.LeaseDuration)
	if err != nil {
		if ctx.Err() != nil {
			return false // shutting down
		}
		p.logger.Error("failed to claim firing", "error", err, "worker", workerID)
		return false
	}
	if firing == nil {
		return false // nothing due
	}

	p.metrics.LeasesAcquired.Inc()
	p.metrics.ActiveLeases.Inc()
	leasedAt := time.Now()
	defer func() {
		p.metrics.ActiveLeases.Dec()
		p.metrics.LeaseDuration.Observe(time.Since(leasedAt).Seconds())
	}()

	// Once a firing is claimed, its bookkeeping runs on a detached
	// context: a graceful stop must never strand the lease state
	// mid-write. The pool context only gates claiming.
	opCtx, opCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer opCancel()

	task, err := p.store.GetTask(opCtx, firing.TaskID)
	if err != nil {
		// The task is gone; the firing has nothing left to do.
		p.logger.Warn("claimed firing for missing task",
			"firing_id", firing.ID, "task_id", firing.TaskID, "error", err)
		if _, err := p.store.CompleteFiring(opCtx, firing.ID, workerID); err != nil {
			p.logger.Error("failed to drop orphaned firing", "firing_id", firing.ID, "error", err)
		}
		return true
	}

	// Pause gates execution: the firing stays queued and is re-checked
	// later without consuming an attempt. Cancel cleans its firings up
	// through the lifecycle path.
	if task.Status != store.StatusActive {
		if err := p.store.DeferFiring(opCtx, firing.ID, workerID, 30*time.Second); err != nil {
			p.logger.Error("failed to defer firing of inactive task",
				"firing_id", firing.ID, "error", err)
		}
		return true
	}

	// Concurrency-key admission: at most one unfinished run per key.
	if task.ConcurrencyKey != nil {
		busy, err := p.store.CountUnfinishedRunsByKey(opCtx, *task.ConcurrencyKey)
		if err != nil {
			p.logger.Error("admission check failed", "firing_id", firing.ID, "error", err)
			return true
		}
		if busy > 0 {
			delay := 2*time.Second + time.Duration(rand.Int63n(int64(3*time.Second)))
			if err := p.store.DeferFiring(opCtx, firing.ID, workerID, delay); err != nil {
				p.logger.Error("failed to defer firing", "firing_id", firing.ID, "error", err)
			}
			p.logger.Debug("deferred firing on busy concurrency key",
				"firing_id", firing.ID, "key", *task.ConcurrencyKey, "delay", delay)
			return true
		}
	}

	p.logger.Info("claimed firing", "firing_id", firing.ID, "task_id", task.ID,
		"attempt", firing.Attempts, "worker", workerID)
	p.runOnce(ctx, workerID, task, firing)
	return true
}

func (p *Pool) runOnce(poolCtx context.Context, workerID string, task *store.Task, firing *store.Firing) {
	startCtx, startCancel := context.WithTimeout(context.Background(), 15*time.Second)
	run, err := p.store.StartRun(startCtx, task.ID, firing.ID, workerID, firing.Attempts)
	startCancel()
	if err != nil {
		p.logger.Error("failed to record run start", "firing_id", firing.ID, "error", err)
		return
	}

	// Execution is bounded by the lease heartbeat, not by a fixed
	// deadline: a run may take longer than the lease as long as the
	// renewals keep succeeding. A renewal that finds the lease gone
	// cancels execution, since the firing belongs to another worker now
	// and finishing it here would violate lease exclusivity.
	var leaseLost atomic.Bool
	execCtx, execCancel := context.WithCancel(context.Background())
	defer execCancel()
	renewCtx, renewCancel := context.WithCancel(context.Background())
	defer renewCancel()
	go p.renewLease(renewCtx, firing.ID, workerID, &leaseLost, execCancel)

	// Once the pool begins stopping, the run gets the drain budget to
	// wrap up before it is cut off.
	execDone := make(chan struct{})
	go func() {
		select {
		case <-execDone:
		case <-poolCtx.Done():
			timer := time.NewTimer(p.cfg.ShutdownTimeout)
			defer timer.Stop()
			select {
			case <-execDone:
			case <-timer.C:
				execCancel()
			}
		}
	}()

	started := time.Now()
	outcome := p.exec.Execute(execCtx, task)
	close(execDone)
	execCancel()
	renewCancel()
	p.metrics.RunDuration.Observe(time.Since(started).Seconds())

	// Outcome bookkeeping gets a fresh bounded context; the executor is
	// done and only row updates remain.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if leaseLost.Load() {
		p.abortRun(ctx, run.ID, firing.ID, "lease expired during execution")
		return
	}

	switch outcome.Status {
	case StatusSuccess:
		p.finishSuccess(ctx, workerID, task, firing, run, outcome)
	case StatusRetryableFailure:
		if firing.Attempts <= task.MaxRetries {
			p.retryLater(ctx, workerID, task, firing, run, outcome)
			return
		}
		p.finishTerminal(ctx, workerID, task, firing, run, outcome, "retries exhausted")
	case StatusTerminalFailure:
		p.finishTerminal(ctx, workerID, task, firing, run, outcome, "terminal failure")
	}
}

func (p *Pool) finishSuccess(ctx context.Context, workerID string, task *store.Task, firing *store.Firing, run *store.Run, outcome Outcome) {
	// The lease gate comes first: success may only be recorded while the
	// lease is still held.
	held, err := p.store.CompleteFiring(ctx, firing.ID, workerID)
	if err != nil {
		p.logger.Error("failed to complete firing", "firing_id", firing.ID, "error", err)
		return
	}
	if !held {
		p.abortRun(ctx, run.ID, firing.ID, "lease expired before completion")
		return
	}

	if _, err := p.store.FinishRun(ctx, run.ID, true, outcome.Output, ""); err != nil {
		p.logger.Error("failed to record run success", "run_id", run.ID, "error", err)
	}
	p.metrics.RunsSucceeded.Inc()
	p.audit(ctx, task, "run.succeeded", map[string]any{
		"run_id": run.ID, "attempt": firing.Attempts, "worker": workerID,
	})
	p.logger.Info("run succeeded", "task_id", task.ID, "run_id", run.ID, "attempt", firing.Attempts)
}

func (p *Pool) retryLater(ctx context.Context, workerID string, task *store.Task, firing *store.Firing, run *store.Run, outcome Outcome) {
	backoff := ComputeBackoff(task.BackoffStrategy, firing.Attempts)
	held, err := p.store.RescheduleFiring(ctx, firing.ID, workerID, time.Now().Add(backoff))
	if err != nil {
		p.logger.Error("failed to reschedule firing", "firing_id", firing.ID, "error", err)
		return
	}
	if !held {
		p.abortRun(ctx, run.ID, firing.ID, "lease expired before retry scheduling")
		return
	}

	if _, err := p.store.FinishRun(ctx, run.ID, false, outcome.Output, outcome.Error); err != nil {
		p.logger.Error("failed to record run failure", "run_id", run.ID, "error", err)
	}
	p.metrics.RunsFailed.Inc()
	p.logger.Warn("run failed, retrying", "task_id", task.ID, "run_id", run.ID,
		"attempt", firing.Attempts, "backoff", backoff, "error", outcome.Error)
}

func (p *Pool) finishTerminal(ctx context.Context, workerID string, task *store.Task, firing *store.Firing, run *store.Run, outcome Outcome, reason string) {
	held, err := p.store.CompleteFiring(ctx, firing.ID, workerID)
	if err != nil {
		p.logger.Error("failed to complete firing", "firing_id", firing.ID, "error", err)
		return
	}
	if !held {
		p.abortRun(ctx, run.ID, firing.ID, "lease expired before completion")
		return
	}

	if _, err := p.store.FinishRun(ctx, run.ID, false, outcome.Output, outcome.Error); err != nil {
		p.logger.Error("failed to record run failure", "run_id", run.ID, "error", err)
	}
	p.metrics.RunsFailed.Inc()
	p.audit(ctx, task, "run.failed", map[string]any{
		"run_id": run.ID, "attempt": firing.Attempts, "worker": workerID,
		"reason": reason, "error": outcome.Error,
	})
	p.logger.Warn("run failed terminally", "task_id", task.ID, "run_id", run.ID,
		"attempt", firing.Attempts, "reason", reason, "error", outcome.Error)
}

// abortRun closes a run as failed without touching the firing, which by
// now belongs to whoever recovered the lease.
func (p *Pool) abortRun(ctx context.Context, runID string, firingID int64, reason string) {
	if _, err := p.store.FinishRun(ctx, runID, false, nil, reason); err != nil {
		p.logger.Error("failed to record aborted run", "run_id", runID, "error", err)
	}
	p.metrics.RunsFailed.Inc()
	p.logger.Warn("abandoned run", "run_id", runID, "firing_id", firingID, "reason", reason)
}

// renewLease extends the lease every half-period until cancelled. On a
// lost lease it flags the run and cancels the executor.
func (p *Pool) renewLease(ctx context.Context, firingID int64, workerID string, lost *atomic.Bool, cancelExec context.CancelFunc) {
	interval := p.cfg.LeaseDuration / 2
	if interval < 1*time.Second {
		interval = 1 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.ExtendLease(ctx, firingID, workerID, p.cfg.LeaseDuration); err != nil {
				if ctx.Err() != nil {
					return // cancelled, expected during completion
				}
				p.logger.Error("lost lease during execution",
					"firing_id", firingID, "worker", workerID, "error", err)
				lost.Store(true)
				cancelExec()
				return
			}
		}
	}
}

// reaperLoop periodically closes runs abandoned by crashed workers.
// Without it an orphaned run row stays open forever and, via the
// concurrency-key admission check, could wedge its key.
func (p *Pool) reaperLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.LeaseDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.ReapOrphanRuns(ctx, p.cfg.LeaseDuration)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("failed to reap orphaned runs", "error", err)
				}
				continue
			}
			if n > 0 {
				p.metrics.RunsFailed.Add(float64(n))
				p.logger.Warn("reaped orphaned runs", "count", n)
			}
		}
	}
}

func (p *Pool) audit(ctx context.Context, task *store.Task, action string, details map[string]any) {
	system := store.SystemAgentID
	if err := p.store.AppendAudit(ctx, &system, action, &task.ID, details); err != nil {
		p.logger.Error("failed to append audit record", "action", action, "error", err)
	}
}
