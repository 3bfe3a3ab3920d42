package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ordinaut/ordinaut/internal/store"
)

// OutcomeStatus classifies how an execution attempt ended.
type OutcomeStatus int

const (
	StatusSuccess OutcomeStatus = iota
	StatusRetryableFailure
	StatusTerminalFailure
)

// Outcome is what an executor reports back for one attempt.
type Outcome struct {
	Status OutcomeStatus
	Output json.RawMessage
	Error  string
}

// Executor runs a task's payload. The orchestrator treats payloads as
// opaque; executors give them meaning.
type Executor interface {
	Execute(ctx context.Context, task *store.Task) Outcome
}

// LogExecutor logs the payload and reports success. It is the default
// for local development, where nothing downstream is wired up yet.
type LogExecutor struct {
	Logger *slog.Logger
}

func (e *LogExecutor) Execute(ctx context.Context, task *store.Task) Outcome {
	e.Logger.Info("executing task",
		"task_id", task.ID, "title", task.Title, "payload_bytes", len(task.Payload))
	return Outcome{Status: StatusSuccess, Output: json.RawMessage(`{"executor":"log"}`)}
}

// WebhookExecutor delivers the payload to an external pipeline runner
// over HTTP. A 2xx response is success, a 4xx is terminal (the payload
// will not get better on retry), anything else is retryable.
type WebhookExecutor struct {
	URL     string
	Client  *http.Client
	Logger  *slog.Logger
	Timeout time.Duration
}

type webhookRequest struct {
	TaskID  string          `json:"task_id"`
	Title   string          `json:"title"`
	Payload json.RawMessage `json:"payload"`
}

func (e *WebhookExecutor) Execute(ctx context.Context, task *store.Task) Outcome {
	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(webhookRequest{
		TaskID:  task.ID,
		Title:   task.Title,
		Payload: task.Payload,
	})
	if err != nil {
		return Outcome{Status: StatusTerminalFailure, Error: fmt.Sprintf("encoding request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return Outcome{Status: StatusTerminalFailure, Error: fmt.Sprintf("building request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Outcome{Status: StatusRetryableFailure, Error: fmt.Sprintf("delivering to executor: %v", err)}
	}
	defer resp.Body.Close()

	// Cap the response we keep; executor output is advisory.
	out, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if len(out) == 0 || !json.Valid(out) {
			out = json.RawMessage(`{}`)
		}
		return Outcome{Status: StatusSuccess, Output: out}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Outcome{
			Status: StatusTerminalFailure,
			Error:  fmt.Sprintf("executor rejected payload: status %d: %s", resp.StatusCode, truncate(out, 512)),
		}
	default:
		return Outcome{
			Status: StatusRetryableFailure,
			Error:  fmt.Sprintf("executor unavailable: status %d", resp.StatusCode),
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
