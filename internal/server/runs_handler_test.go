package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/ordinaut/ordinaut/internal/store"
	"github.com/ordinaut/ordinaut/internal/testutil"
)

type fakeRunReader struct {
	runs     []store.Run
	audit    []store.AuditRecord
	stats    store.QueueStats
	statsErr error
}

func (f *fakeRunReader) GetRun(_ context.Context, id string) (*store.Run, error) {
	for _, r := range f.runs {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
}

func (f *fakeRunReader) ListRuns(_ context.Context, filter store.RunFilter) ([]store.Run, error) {
	var out []store.Run
	for _, r := range f.runs {
		if filter.TaskID != "" && r.TaskID != filter.TaskID {
			continue
		}
		if filter.Success != nil && (r.Success == nil || *r.Success != *filter.Success) {
			continue
		}
		out = append(out, r)
	}
	if out == nil {
		out = []store.Run{}
	}
	return out, nil
}

func (f *fakeRunReader) GetQueueStats(_ context.Context) (*store.QueueStats, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return &f.stats, nil
}

func (f *fakeRunReader) ListAudit(_ context.Context, limit, offset int) ([]store.AuditRecord, error) {
	if offset >= len(f.audit) {
		return []store.AuditRecord{}, nil
	}
	end := offset + limit
	if end > len(f.audit) {
		end = len(f.audit)
	}
	return f.audit[offset:end], nil
}

func runRouter(svc runReader) *chi.Mux {
	r := chi.NewRouter()
	r.Get("/runs", handleListRuns(svc))
	r.Get("/runs/{id}", handleGetRun(svc))
	r.Get("/queue/stats", handleQueueStats(svc))
	r.Get("/audit", handleListAudit(svc))
	return r
}

func TestListRunsHandler(t *testing.T) {
	ok, bad := true, false
	fake := &fakeRunReader{runs: []store.Run{
		{ID: testRunID, TaskID: testTaskID, Success: &ok},
		{ID: "26fd2706-8baf-433b-82eb-8c7fada847da", TaskID: testTaskID, Success: &bad},
	}}
	router := runRouter(fake)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	var resp runListResponse
	testutil.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	testutil.Equal(t, 2, resp.Count)

	// Success filter.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs?success=false", nil))
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	testutil.Equal(t, 1, resp.Count)
}

func TestListRunsHandlerBadFilters(t *testing.T) {
	router := runRouter(&fakeRunReader{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs?taskId=nope", nil))
	testutil.StatusCode(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs?success=maybe", nil))
	testutil.StatusCode(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs?since=lastweek", nil))
	testutil.StatusCode(t, http.StatusBadRequest, rec.Code)
}

func TestGetRunHandler(t *testing.T) {
	fake := &fakeRunReader{runs: []store.Run{{ID: testRunID, TaskID: testTaskID, Attempt: 1}}}
	router := runRouter(fake)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/"+testRunID, nil))
	testutil.StatusCode(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/"+testTaskID, nil))
	testutil.StatusCode(t, http.StatusNotFound, rec.Code)
}

func TestQueueStatsHandler(t *testing.T) {
	age := 12.5
	fake := &fakeRunReader{stats: store.QueueStats{Pending: 4, Leased: 1, OldestPendingAge: &age}}
	router := runRouter(fake)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queue/stats", nil))

	testutil.StatusCode(t, http.StatusOK, rec.Code)
	var stats store.QueueStats
	testutil.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	testutil.Equal(t, int64(4), stats.Pending)
	testutil.Equal(t, int64(1), stats.Leased)
}

func TestListAuditHandler(t *testing.T) {
	fake := &fakeRunReader{audit: []store.AuditRecord{
		{ID: 1, Action: "task.created"},
		{ID: 2, Action: "task.paused"},
	}}
	router := runRouter(fake)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit?limit=1", nil))

	testutil.StatusCode(t, http.StatusOK, rec.Code)
	var resp auditListResponse
	testutil.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	testutil.Equal(t, 1, resp.Count)
	testutil.Equal(t, "task.created", resp.Items[0].Action)
}
