package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ordinaut/ordinaut/internal/tasks"
	"github.com/ordinaut/ordinaut/internal/testutil"
)

const testSecret = "test-secret-for-agent-tokens"

func TestSignAndParse(t *testing.T) {
	token, err := SignToken(testSecret, "agent-1", []string{"task.create", "event.publish"}, time.Hour)
	testutil.NoError(t, err)

	v := NewVerifier(testSecret)
	actor, err := v.Parse(token)
	testutil.NoError(t, err)
	testutil.Equal(t, "agent-1", actor.AgentID)
	testutil.SliceLen(t, actor.Scopes, 2)
	testutil.True(t, actor.HasScope("task.create"), "actor should carry task.create")
	testutil.False(t, actor.HasScope("task.delete"))
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := SignToken("other-secret", "agent-1", nil, time.Hour)
	testutil.NoError(t, err)

	_, err = NewVerifier(testSecret).Parse(token)
	testutil.ErrorContains(t, err, "invalid or expired token")
}

func TestParseRejectsExpired(t *testing.T) {
	token, err := SignToken(testSecret, "agent-1", nil, -time.Minute)
	testutil.NoError(t, err)

	_, err = NewVerifier(testSecret).Parse(token)
	testutil.ErrorContains(t, err, "invalid or expired token")
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := NewVerifier(testSecret).Parse("not.a.jwt")
	testutil.ErrorContains(t, err, "invalid or expired token")
}

func TestParseRejectsMissingSubject(t *testing.T) {
	token, err := SignToken(testSecret, "", []string{"admin"}, time.Hour)
	testutil.NoError(t, err)

	_, err = NewVerifier(testSecret).Parse(token)
	testutil.ErrorContains(t, err, "invalid or expired token")
}

func TestAdminScopeGrantsEverything(t *testing.T) {
	actor := tasks.Actor{AgentID: "a", Scopes: []string{"admin"}}
	for _, scope := range []string{"task.create", "task.update", "task.control", "task.delete", "event.publish"} {
		testutil.True(t, actor.HasScope(scope), "admin should grant %s", scope)
	}
}

func TestRequireAuthMiddleware(t *testing.T) {
	v := NewVerifier(testSecret)
	var seen tasks.Actor
	handler := RequireAuth(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		testutil.True(t, ok, "actor should be in context")
		seen = actor
		w.WriteHeader(http.StatusNoContent)
	}))

	// No header.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	testutil.StatusCode(t, http.StatusUnauthorized, rec.Code)

	// Bad token.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	handler.ServeHTTP(rec, req)
	testutil.StatusCode(t, http.StatusUnauthorized, rec.Code)

	// Valid token.
	token, err := SignToken(testSecret, "agent-9", []string{"task.create"}, time.Hour)
	testutil.NoError(t, err)
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	testutil.StatusCode(t, http.StatusNoContent, rec.Code)
	testutil.Equal(t, "agent-9", seen.AgentID)
}

func TestAnonymousSystemMiddleware(t *testing.T) {
	handler := AnonymousSystem("system-id")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		testutil.True(t, ok, "actor should be in context")
		testutil.Equal(t, "system-id", actor.AgentID)
		testutil.True(t, actor.HasScope("task.delete"), "system actor should be admin")
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	testutil.StatusCode(t, http.StatusNoContent, rec.Code)
}
