//go:build integration

package tasks_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/ordinaut/ordinaut/internal/metrics"
	"github.com/ordinaut/ordinaut/internal/migrations"
	"github.com/ordinaut/ordinaut/internal/schedule"
	"github.com/ordinaut/ordinaut/internal/scheduler"
	"github.com/ordinaut/ordinaut/internal/store"
	"github.com/ordinaut/ordinaut/internal/tasks"
	"github.com/ordinaut/ordinaut/internal/testutil"
)

var sharedPG *testutil.PGContainer

func TestMain(m *testing.M) {
	ctx := context.Background()
	pg, cleanup := testutil.StartPostgresForTestMain(ctx)
	sharedPG = pg
	code := m.Run()
	cleanup()
	os.Exit(code)
}

func setupDB(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	_, err := sharedPG.Pool.Exec(ctx, "DROP SCHEMA public CASCADE; CREATE SCHEMA public")
	testutil.NoError(t, err)

	runner := migrations.NewRunner(sharedPG.Pool, testutil.DiscardLogger())
	testutil.NoError(t, runner.Bootstrap(ctx))
	_, err = runner.Run(ctx)
	testutil.NoError(t, err)

	return store.New(sharedPG.Pool)
}

// newService wires a service to a live scheduler so lifecycle calls
// exercise the timer registry too.
func newService(t *testing.T, st *store.Store) (*tasks.Service, *scheduler.Scheduler) {
	t.Helper()
	m := metrics.New()
	sched := scheduler.New(st, testutil.DiscardLogger(), m, scheduler.Config{SweepInterval: time.Hour})
	testutil.NoError(t, sched.Start(context.Background()))
	t.Cleanup(sched.Stop)
	return tasks.New(st, sched, testutil.DiscardLogger(), m), sched
}

func admin() tasks.Actor {
	return tasks.SystemActor(store.SystemAgentID)
}

func cronInput(title string) tasks.CreateTaskInput {
	return tasks.CreateTaskInput{
		Title:        title,
		ScheduleKind: schedule.KindCron,
		ScheduleExpr: "0 3 * * *",
		Timezone:     "UTC",
	}
}

func eventInput(title, topic string) tasks.CreateTaskInput {
	return tasks.CreateTaskInput{
		Title:        title,
		ScheduleKind: schedule.KindEvent,
		ScheduleExpr: topic,
	}
}

func hasAuditAction(t *testing.T, st *store.Store, action string) bool {
	t.Helper()
	records, err := st.ListAudit(context.Background(), 50, 0)
	testutil.NoError(t, err)
	for _, r := range records {
		if r.Action == action {
			return true
		}
	}
	return false
}

func TestCreateTaskArmsAndAudits(t *testing.T) {
	st := setupDB(t)
	svc, sched := newService(t, st)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, admin(), cronInput("nightly export"))
	testutil.NoError(t, err)
	testutil.Equal(t, store.StatusActive, task.Status)
	testutil.Equal(t, 5, task.Priority)
	testutil.Equal(t, store.BackoffExponentialJitter, task.BackoffStrategy)
	testutil.True(t, sched.Armed(task.ID), "created task should be armed")
	testutil.True(t, hasAuditAction(t, st, "task.created"))
}

func TestCreateTaskScopeAndValidation(t *testing.T) {
	st := setupDB(t)
	svc, _ := newService(t, st)
	ctx := context.Background()

	limited := tasks.Actor{AgentID: store.SystemAgentID, Scopes: []string{tasks.ScopeTaskControl}}
	_, err := svc.CreateTask(ctx, limited, cronInput("forbidden"))
	testutil.True(t, errors.Is(err, tasks.ErrForbidden))

	bad := cronInput("bad schedule")
	bad.ScheduleExpr = "99 99 * * *"
	_, err = svc.CreateTask(ctx, admin(), bad)
	testutil.True(t, errors.Is(err, schedule.ErrInvalidExpression), "got %v", err)

	badTZ := cronInput("bad tz")
	badTZ.Timezone = "Mars/Olympus"
	_, err = svc.CreateTask(ctx, admin(), badTZ)
	testutil.True(t, errors.Is(err, schedule.ErrUnknownTimezone), "got %v", err)
}

func TestUpdateTaskDropsStaleFirings(t *testing.T) {
	st := setupDB(t)
	svc, sched := newService(t, st)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, admin(), cronInput("hourly sync"))
	testutil.NoError(t, err)
	_, _, err = st.Enqueue(ctx, task.ID, time.Now().Add(time.Hour), "", 0)
	testutil.NoError(t, err)

	in := cronInput("hourly sync")
	in.ScheduleExpr = "0 */2 * * *"
	updated, err := svc.UpdateTask(ctx, admin(), task.ID, in)
	testutil.NoError(t, err)
	testutil.Equal(t, "0 */2 * * *", *updated.ScheduleExpr)

	pending, err := st.PendingFirings(ctx, task.ID)
	testutil.NoError(t, err)
	testutil.SliceLen(t, pending, 0)
	testutil.True(t, sched.Armed(task.ID))
}

func TestPauseResumeCancel(t *testing.T) {
	st := setupDB(t)
	svc, sched := newService(t, st)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, admin(), cronInput("report"))
	testutil.NoError(t, err)

	paused, err := svc.PauseTask(ctx, admin(), task.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, store.StatusPaused, paused.Status)
	testutil.False(t, sched.Armed(task.ID), "paused task should be disarmed")

	// Pausing again is a state conflict.
	_, err = svc.PauseTask(ctx, admin(), task.ID)
	testutil.ErrorContains(t, err, "state")

	resumed, err := svc.ResumeTask(ctx, admin(), task.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, store.StatusActive, resumed.Status)
	testutil.True(t, sched.Armed(task.ID))

	canceled, err := svc.CancelTask(ctx, admin(), task.ID)
	testutil.NoError(t, err)
	testutil.Equal(t, store.StatusCanceled, canceled.Status)
	testutil.False(t, sched.Armed(task.ID))

	// Canceled is terminal.
	_, err = svc.ResumeTask(ctx, admin(), task.ID)
	testutil.ErrorContains(t, err, "state")
	testutil.True(t, hasAuditAction(t, st, "task.canceled"))
}

func TestCancelSparesLeasedFirings(t *testing.T) {
	st := setupDB(t)
	svc, _ := newService(t, st)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, admin(), cronInput("ingest"))
	testutil.NoError(t, err)
	_, _, err = st.Enqueue(ctx, task.ID, time.Now().Add(-time.Minute), "", 0)
	testutil.NoError(t, err)
	_, _, err = st.Enqueue(ctx, task.ID, time.Now().Add(time.Hour), "", 0)
	testutil.NoError(t, err)

	leased, err := st.LeaseNext(ctx, "worker-1", time.Minute)
	testutil.NoError(t, err)
	testutil.NotNil(t, leased)

	_, err = svc.CancelTask(ctx, admin(), task.ID)
	testutil.NoError(t, err)

	// The leased firing drains with its worker, the unleased one is gone.
	pending, err := st.PendingFirings(ctx, task.ID)
	testutil.NoError(t, err)
	testutil.SliceLen(t, pending, 1)
	testutil.Equal(t, leased.ID, pending[0].ID)
}

func TestRunNow(t *testing.T) {
	st := setupDB(t)
	svc, _ := newService(t, st)
	ctx := context.Background()

	in := cronInput("on demand")
	in.DedupeKey = "on-demand"
	in.DedupeWindowSeconds = 3600
	task, err := svc.CreateTask(ctx, admin(), in)
	testutil.NoError(t, err)

	firing, err := svc.RunNow(ctx, admin(), task.ID)
	testutil.NoError(t, err)
	testutil.NotNil(t, firing)

	// A second trigger inside the dedupe window is suppressed.
	dup, err := svc.RunNow(ctx, admin(), task.ID)
	testutil.NoError(t, err)
	testutil.Nil(t, dup)

	_, err = svc.PauseTask(ctx, admin(), task.ID)
	testutil.NoError(t, err)
	_, err = svc.RunNow(ctx, admin(), task.ID)
	testutil.ErrorContains(t, err, "not in active state")
}

func TestSnooze(t *testing.T) {
	st := setupDB(t)
	svc, _ := newService(t, st)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, admin(), cronInput("digest"))
	testutil.NoError(t, err)
	f, _, err := st.Enqueue(ctx, task.ID, time.Now().Add(-time.Minute), "", 0)
	testutil.NoError(t, err)

	moved, err := svc.Snooze(ctx, admin(), task.ID, time.Hour)
	testutil.NoError(t, err)
	testutil.Equal(t, int64(1), moved)

	got, err := st.GetFiring(ctx, f.ID)
	testutil.NoError(t, err)
	testutil.True(t, got.RunAt.After(time.Now().Add(30*time.Minute)), "firing should be pushed out")

	_, err = svc.Snooze(ctx, admin(), task.ID, -time.Minute)
	testutil.ErrorContains(t, err, "must be positive")
}

func TestPublishEventFansOut(t *testing.T) {
	st := setupDB(t)
	svc, _ := newService(t, st)
	ctx := context.Background()

	sub1, err := svc.CreateTask(ctx, admin(), eventInput("on order 1", "orders.created"))
	testutil.NoError(t, err)
	sub2, err := svc.CreateTask(ctx, admin(), eventInput("on order 2", "orders.created"))
	testutil.NoError(t, err)
	other, err := svc.CreateTask(ctx, admin(), eventInput("on delete", "orders.deleted"))
	testutil.NoError(t, err)
	pausedSub, err := svc.CreateTask(ctx, admin(), eventInput("on order paused", "orders.created"))
	testutil.NoError(t, err)
	_, err = svc.PauseTask(ctx, admin(), pausedSub.ID)
	testutil.NoError(t, err)

	enqueued, err := svc.PublishEvent(ctx, admin(), "orders.created", json.RawMessage(`{"id":7}`))
	testutil.NoError(t, err)
	testutil.Equal(t, 2, enqueued)

	for _, id := range []string{sub1.ID, sub2.ID} {
		pending, err := st.PendingFirings(ctx, id)
		testutil.NoError(t, err)
		testutil.SliceLen(t, pending, 1)
	}
	for _, id := range []string{other.ID, pausedSub.ID} {
		pending, err := st.PendingFirings(ctx, id)
		testutil.NoError(t, err)
		testutil.SliceLen(t, pending, 0)
	}
	testutil.True(t, hasAuditAction(t, st, "event.published"))

	_, err = svc.PublishEvent(ctx, admin(), "", nil)
	testutil.ErrorContains(t, err, "topic is required")

	limited := tasks.Actor{AgentID: store.SystemAgentID, Scopes: []string{tasks.ScopeTaskCreate}}
	_, err = svc.PublishEvent(ctx, limited, "orders.created", nil)
	testutil.True(t, errors.Is(err, tasks.ErrForbidden))
}

func TestDeleteTaskCascades(t *testing.T) {
	st := setupDB(t)
	svc, sched := newService(t, st)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, admin(), cronInput("short lived"))
	testutil.NoError(t, err)
	_, _, err = st.Enqueue(ctx, task.ID, time.Now().Add(time.Hour), "", 0)
	testutil.NoError(t, err)

	testutil.NoError(t, svc.DeleteTask(ctx, admin(), task.ID))
	_, err = svc.GetTask(ctx, task.ID)
	testutil.ErrorContains(t, err, "not found")
	testutil.False(t, sched.Armed(task.ID))
	testutil.True(t, hasAuditAction(t, st, "task.deleted"))
}

func TestGetTaskStatsChecksExistence(t *testing.T) {
	st := setupDB(t)
	svc, _ := newService(t, st)
	_, err := svc.GetTaskStats(context.Background(), "0ac03b9c-48f2-4f70-bd3c-02b85dbb5a34", time.Time{})
	testutil.ErrorContains(t, err, "not found")
}
