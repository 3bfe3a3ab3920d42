package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ordinaut/ordinaut/internal/auth"
	"github.com/ordinaut/ordinaut/internal/httputil"
	"github.com/ordinaut/ordinaut/internal/schedule"
	"github.com/ordinaut/ordinaut/internal/store"
	"github.com/ordinaut/ordinaut/internal/tasks"
)

// taskAdmin is the interface for task lifecycle operations.
// tasks.Service satisfies this interface.
type taskAdmin interface {
	CreateTask(ctx context.Context, actor tasks.Actor, in tasks.CreateTaskInput) (*store.Task, error)
	UpdateTask(ctx context.Context, actor tasks.Actor, id string, in tasks.CreateTaskInput) (*store.Task, error)
	PauseTask(ctx context.Context, actor tasks.Actor, id string) (*store.Task, error)
	ResumeTask(ctx context.Context, actor tasks.Actor, id string) (*store.Task, error)
	CancelTask(ctx context.Context, actor tasks.Actor, id string) (*store.Task, error)
	DeleteTask(ctx context.Context, actor tasks.Actor, id string) error
	RunNow(ctx context.Context, actor tasks.Actor, id string) (*store.Firing, error)
	Snooze(ctx context.Context, actor tasks.Actor, id string, delta time.Duration) (int64, error)
	GetTask(ctx context.Context, id string) (*store.Task, error)
	ListTasks(ctx context.Context, f store.TaskFilter) ([]store.Task, error)
	GetTaskStats(ctx context.Context, id string, since time.Time) (*store.TaskStats, error)
	ListRuns(ctx context.Context, f store.RunFilter) ([]store.Run, error)
}

type taskListResponse struct {
	Items []store.Task `json:"items"`
	Count int          `json:"count"` // number of items returned (page size, not total)
}

// requireActor pulls the authenticated Actor out of the request context.
// The auth middleware always sets it; a miss means a routing mistake.
func requireActor(w http.ResponseWriter, r *http.Request) (tasks.Actor, bool) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "missing authentication")
	}
	return actor, ok
}

// writeServiceError maps service errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, tasks.ErrForbidden):
		httputil.WriteError(w, http.StatusForbidden, "insufficient scope")
	case errors.Is(err, schedule.ErrInvalidExpression),
		errors.Is(err, schedule.ErrUnknownTimezone):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, "task not found")
	case strings.Contains(err.Error(), "required"),
		strings.Contains(err.Error(), "must be"),
		strings.Contains(err.Error(), "invalid"):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		httputil.WriteError(w, http.StatusInternalServerError, fallback)
	}
}

func parsePage(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// handleListTasks returns tasks with optional status/kind filters.
func handleListTasks(svc taskAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		if status != "" {
			switch store.TaskStatus(status) {
			case store.StatusActive, store.StatusPaused, store.StatusCanceled:
			default:
				httputil.WriteError(w, http.StatusBadRequest,
					"invalid status filter; must be one of: active, paused, canceled")
				return
			}
		}
		kind := r.URL.Query().Get("kind")
		if kind != "" && !schedule.ValidKind(schedule.Kind(kind)) {
			httputil.WriteError(w, http.StatusBadRequest,
				"invalid kind filter; must be one of: cron, rrule, once, event")
			return
		}
		limit, offset := parsePage(r)

		items, err := svc.ListTasks(r.Context(), store.TaskFilter{
			Status:    store.TaskStatus(status),
			Kind:      schedule.Kind(kind),
			CreatedBy: r.URL.Query().Get("createdBy"),
			Limit:     limit,
			Offset:    offset,
		})
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to list tasks")
			return
		}

		httputil.WriteJSON(w, http.StatusOK, taskListResponse{Items: items, Count: len(items)})
	}
}

func handleCreateTask(svc taskAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var in tasks.CreateTaskInput
		if !httputil.DecodeJSON(w, r, &in) {
			return
		}

		task, err := svc.CreateTask(r.Context(), actor, in)
		if err != nil {
			writeServiceError(w, err, "failed to create task")
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, task)
	}
}

func handleGetTask(svc taskAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !httputil.IsValidUUID(id) {
			httputil.WriteError(w, http.StatusBadRequest, "invalid task id format")
			return
		}

		task, err := svc.GetTask(r.Context(), id)
		if err != nil {
			writeServiceError(w, err, "failed to get task")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, task)
	}
}

func handleUpdateTask(svc taskAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		if !httputil.IsValidUUID(id) {
			httputil.WriteError(w, http.StatusBadRequest, "invalid task id format")
			return
		}
		var in tasks.CreateTaskInput
		if !httputil.DecodeJSON(w, r, &in) {
			return
		}

		task, err := svc.UpdateTask(r.Context(), actor, id, in)
		if err != nil {
			writeServiceError(w, err, "failed to update task")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, task)
	}
}

func handleDeleteTask(svc taskAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		if !httputil.IsValidUUID(id) {
			httputil.WriteError(w, http.StatusBadRequest, "invalid task id format")
			return
		}

		if err := svc.DeleteTask(r.Context(), actor, id); err != nil {
			writeServiceError(w, err, "failed to delete task")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// transition builds a handler for the pause/resume/cancel family.
func transition(name string, fn func(ctx context.Context, actor tasks.Actor, id string) (*store.Task, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		if !httputil.IsValidUUID(id) {
			httputil.WriteError(w, http.StatusBadRequest, "invalid task id format")
			return
		}

		task, err := fn(r.Context(), actor, id)
		if err != nil {
			if strings.Contains(err.Error(), "state") {
				httputil.WriteError(w, http.StatusConflict, err.Error())
				return
			}
			writeServiceError(w, err, "failed to "+name+" task")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, task)
	}
}

func handlePauseTask(svc taskAdmin) http.HandlerFunc {
	return transition("pause", svc.PauseTask)
}

func handleResumeTask(svc taskAdmin) http.HandlerFunc {
	return transition("resume", svc.ResumeTask)
}

func handleCancelTask(svc taskAdmin) http.HandlerFunc {
	return transition("cancel", svc.CancelTask)
}

type runNowResponse struct {
	Firing    *store.Firing `json:"firing,omitempty"`
	Duplicate bool          `json:"duplicate"`
}

// handleRunNow enqueues an immediate firing. A nil firing with no error
// means the task's dedupe window swallowed the request.
func handleRunNow(svc taskAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		if !httputil.IsValidUUID(id) {
			httputil.WriteError(w, http.StatusBadRequest, "invalid task id format")
			return
		}

		firing, err := svc.RunNow(r.Context(), actor, id)
		if err != nil {
			if strings.Contains(err.Error(), "state") {
				httputil.WriteError(w, http.StatusConflict, err.Error())
				return
			}
			writeServiceError(w, err, "failed to run task")
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, runNowResponse{
			Firing:    firing,
			Duplicate: firing == nil,
		})
	}
}

type snoozeRequest struct {
	DeltaSeconds int `json:"deltaSeconds"`
}

type snoozeResponse struct {
	Postponed int64 `json:"postponed"`
}

func handleSnoozeTask(svc taskAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		if !httputil.IsValidUUID(id) {
			httputil.WriteError(w, http.StatusBadRequest, "invalid task id format")
			return
		}
		var req snoozeRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		if req.DeltaSeconds <= 0 {
			httputil.WriteError(w, http.StatusBadRequest, "deltaSeconds must be positive")
			return
		}

		n, err := svc.Snooze(r.Context(), actor, id, time.Duration(req.DeltaSeconds)*time.Second)
		if err != nil {
			if strings.Contains(err.Error(), "state") {
				httputil.WriteError(w, http.StatusConflict, err.Error())
				return
			}
			writeServiceError(w, err, "failed to snooze task")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, snoozeResponse{Postponed: n})
	}
}

func handleTaskStats(svc taskAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !httputil.IsValidUUID(id) {
			httputil.WriteError(w, http.StatusBadRequest, "invalid task id format")
			return
		}
		var since time.Time
		if v := r.URL.Query().Get("since"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				httputil.WriteError(w, http.StatusBadRequest, "since must be RFC 3339")
				return
			}
			since = t
		}

		stats, err := svc.GetTaskStats(r.Context(), id, since)
		if err != nil {
			writeServiceError(w, err, "failed to get task stats")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, stats)
	}
}

// handleListTaskRuns returns run history for one task, newest first.
func handleListTaskRuns(svc taskAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !httputil.IsValidUUID(id) {
			httputil.WriteError(w, http.StatusBadRequest, "invalid task id format")
			return
		}
		limit, offset := parsePage(r)

		f := store.RunFilter{TaskID: id, Limit: limit, Offset: offset}
		if v := r.URL.Query().Get("success"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				httputil.WriteError(w, http.StatusBadRequest, "success must be true or false")
				return
			}
			f.Success = &b
		}

		runs, err := svc.ListRuns(r.Context(), f)
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to list runs")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, runListResponse{Items: runs, Count: len(runs)})
	}
}
