package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ordinaut/ordinaut/internal/httputil"
	"github.com/ordinaut/ordinaut/internal/tasks"
)

// eventPublisher fans an external event out to its subscribed tasks.
// tasks.Service satisfies this interface.
type eventPublisher interface {
	PublishEvent(ctx context.Context, actor tasks.Actor, topic string, payload json.RawMessage) (int, error)
}

type publishEventRequest struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

type publishEventResponse struct {
	Topic    string `json:"topic"`
	Enqueued int    `json:"enqueued"` // subscribed tasks that got a firing
}

func handlePublishEvent(svc eventPublisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var req publishEventRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		if req.Topic == "" {
			httputil.WriteError(w, http.StatusBadRequest, "topic is required")
			return
		}

		n, err := svc.PublishEvent(r.Context(), actor, req.Topic, req.Payload)
		if err != nil {
			writeServiceError(w, err, "failed to publish event")
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, publishEventResponse{
			Topic:    req.Topic,
			Enqueued: n,
		})
	}
}
