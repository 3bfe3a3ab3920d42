package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ordinaut/ordinaut/internal/httputil"
	"github.com/ordinaut/ordinaut/internal/store"
	"github.com/ordinaut/ordinaut/internal/tasks"
)

// agentAdmin is the interface for agent registry operations.
// store.Store satisfies this interface.
type agentAdmin interface {
	CreateAgent(ctx context.Context, name string, scopes []string) (*store.Agent, error)
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	ListAgents(ctx context.Context) ([]store.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
}

type agentListResponse struct {
	Items []store.Agent `json:"items"`
	Count int           `json:"count"`
}

type createAgentRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

var knownScopes = map[string]struct{}{
	tasks.ScopeAdmin:        {},
	tasks.ScopeTaskCreate:   {},
	tasks.ScopeTaskUpdate:   {},
	tasks.ScopeTaskControl:  {},
	tasks.ScopeTaskDelete:   {},
	tasks.ScopeEventPublish: {},
}

// requireAdmin gates the agent registry behind the admin scope.
func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	actor, ok := requireActor(w, r)
	if !ok {
		return false
	}
	if !actor.HasScope(tasks.ScopeAdmin) {
		httputil.WriteError(w, http.StatusForbidden, "insufficient scope")
		return false
	}
	return true
}

func handleListAgents(st agentAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireAdmin(w, r) {
			return
		}
		items, err := st.ListAgents(r.Context())
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to list agents")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, agentListResponse{Items: items, Count: len(items)})
	}
}

func handleCreateAgent(st agentAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireAdmin(w, r) {
			return
		}
		var req createAgentRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		if req.Name == "" {
			httputil.WriteError(w, http.StatusBadRequest, "name is required")
			return
		}
		for _, scope := range req.Scopes {
			if _, ok := knownScopes[scope]; !ok {
				httputil.WriteError(w, http.StatusBadRequest, "unknown scope "+scope)
				return
			}
		}

		agent, err := st.CreateAgent(r.Context(), req.Name, req.Scopes)
		if err != nil {
			if strings.Contains(err.Error(), "duplicate key") {
				httputil.WriteError(w, http.StatusConflict, "agent name already exists")
				return
			}
			httputil.WriteError(w, http.StatusInternalServerError, "failed to create agent")
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, agent)
	}
}

func handleGetAgent(st agentAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireAdmin(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if !httputil.IsValidUUID(id) {
			httputil.WriteError(w, http.StatusBadRequest, "invalid agent id format")
			return
		}

		agent, err := st.GetAgent(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				httputil.WriteError(w, http.StatusNotFound, "agent not found")
				return
			}
			httputil.WriteError(w, http.StatusInternalServerError, "failed to get agent")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, agent)
	}
}

func handleDeleteAgent(st agentAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireAdmin(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if !httputil.IsValidUUID(id) {
			httputil.WriteError(w, http.StatusBadRequest, "invalid agent id format")
			return
		}

		if err := st.DeleteAgent(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				httputil.WriteError(w, http.StatusNotFound, "agent not found or protected")
				return
			}
			httputil.WriteError(w, http.StatusInternalServerError, "failed to delete agent")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
