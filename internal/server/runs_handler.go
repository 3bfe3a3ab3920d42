package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ordinaut/ordinaut/internal/httputil"
	"github.com/ordinaut/ordinaut/internal/store"
)

// runReader is the read-only interface over run history and queue
// introspection. tasks.Service satisfies this interface.
type runReader interface {
	GetRun(ctx context.Context, id string) (*store.Run, error)
	ListRuns(ctx context.Context, f store.RunFilter) ([]store.Run, error)
	GetQueueStats(ctx context.Context) (*store.QueueStats, error)
	ListAudit(ctx context.Context, limit, offset int) ([]store.AuditRecord, error)
}

type runListResponse struct {
	Items []store.Run `json:"items"`
	Count int         `json:"count"` // number of items returned
}

type auditListResponse struct {
	Items []store.AuditRecord `json:"items"`
	Count int                 `json:"count"`
}

// handleListRuns returns run records across all tasks with optional filters.
func handleListRuns(svc runReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := parsePage(r)
		f := store.RunFilter{Limit: limit, Offset: offset}

		if v := r.URL.Query().Get("taskId"); v != "" {
			if !httputil.IsValidUUID(v) {
				httputil.WriteError(w, http.StatusBadRequest, "invalid taskId format")
				return
			}
			f.TaskID = v
		}
		if v := r.URL.Query().Get("success"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				httputil.WriteError(w, http.StatusBadRequest, "success must be true or false")
				return
			}
			f.Success = &b
		}
		if v := r.URL.Query().Get("since"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				httputil.WriteError(w, http.StatusBadRequest, "since must be RFC 3339")
				return
			}
			f.Since = t
		}

		runs, err := svc.ListRuns(r.Context(), f)
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to list runs")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, runListResponse{Items: runs, Count: len(runs)})
	}
}

func handleGetRun(svc runReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !httputil.IsValidUUID(id) {
			httputil.WriteError(w, http.StatusBadRequest, "invalid run id format")
			return
		}

		run, err := svc.GetRun(r.Context(), id)
		if err != nil {
			writeServiceError(w, err, "failed to get run")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, run)
	}
}

func handleQueueStats(svc runReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.GetQueueStats(r.Context())
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to get queue stats")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, stats)
	}
}

func handleListAudit(svc runReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := parsePage(r)
		items, err := svc.ListAudit(r.Context(), limit, offset)
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to list audit records")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, auditListResponse{Items: items, Count: len(items)})
	}
}
