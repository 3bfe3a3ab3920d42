package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ordinaut/ordinaut/internal/store"
	"github.com/ordinaut/ordinaut/internal/testutil"
)

func webhookTask() *store.Task {
	return &store.Task{
		ID:      "b6f7d5d2-6c3e-4f3a-9a68-2f0c6c3d1e22",
		Title:   "export report",
		Payload: json.RawMessage(`{"report":"daily"}`),
	}
}

func TestLogExecutorSucceeds(t *testing.T) {
	e := &LogExecutor{Logger: testutil.DiscardLogger()}
	out := e.Execute(context.Background(), webhookTask())
	testutil.Equal(t, StatusSuccess, out.Status)
	testutil.True(t, json.Valid(out.Output), "output should be valid JSON")
}

func TestWebhookExecutorSuccess(t *testing.T) {
	var got webhookRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testutil.Equal(t, "application/json", r.Header.Get("Content-Type"))
		testutil.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"rows":42}`))
	}))
	defer srv.Close()

	e := &WebhookExecutor{URL: srv.URL, Logger: testutil.DiscardLogger()}
	out := e.Execute(context.Background(), webhookTask())

	testutil.Equal(t, StatusSuccess, out.Status)
	testutil.Equal(t, `{"rows":42}`, string(out.Output))
	testutil.Equal(t, "export report", got.Title)
	testutil.Equal(t, `{"report":"daily"}`, string(got.Payload))
}

func TestWebhookExecutorNonJSONBodyBecomesEmptyObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	}))
	defer srv.Close()

	e := &WebhookExecutor{URL: srv.URL, Logger: testutil.DiscardLogger()}
	out := e.Execute(context.Background(), webhookTask())

	testutil.Equal(t, StatusSuccess, out.Status)
	testutil.Equal(t, `{}`, string(out.Output))
}

func TestWebhookExecutorClientErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	e := &WebhookExecutor{URL: srv.URL, Logger: testutil.DiscardLogger()}
	out := e.Execute(context.Background(), webhookTask())

	testutil.Equal(t, StatusTerminalFailure, out.Status)
	testutil.Contains(t, out.Error, "status 422")
	testutil.Contains(t, out.Error, "bad payload")
}

func TestWebhookExecutorServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := &WebhookExecutor{URL: srv.URL, Logger: testutil.DiscardLogger()}
	out := e.Execute(context.Background(), webhookTask())

	testutil.Equal(t, StatusRetryableFailure, out.Status)
	testutil.Contains(t, out.Error, "status 503")
}

func TestWebhookExecutorNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	e := &WebhookExecutor{URL: srv.URL, Logger: testutil.DiscardLogger(), Timeout: 2 * time.Second}
	out := e.Execute(context.Background(), webhookTask())

	testutil.Equal(t, StatusRetryableFailure, out.Status)
	testutil.Contains(t, out.Error, "delivering to executor")
}

func TestWebhookExecutorTruncatesLargeErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer srv.Close()

	e := &WebhookExecutor{URL: srv.URL, Logger: testutil.DiscardLogger()}
	out := e.Execute(context.Background(), webhookTask())

	testutil.Equal(t, StatusTerminalFailure, out.Status)
	testutil.Contains(t, out.Error, "...")
	testutil.True(t, len(out.Error) < 1024, "error message should be truncated")
}

func TestTruncate(t *testing.T) {
	testutil.Equal(t, "abc", truncate([]byte("abc"), 5))
	testutil.Equal(t, "ab...", truncate([]byte("abcdef"), 2))
}
