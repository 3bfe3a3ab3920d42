package tasks

import (
	"testing"

	"github.com/ordinaut/ordinaut/internal/testutil"
)

func TestHasScopeExactMatch(t *testing.T) {
	a := Actor{AgentID: "a1", Scopes: []string{ScopeTaskCreate, ScopeTaskControl}}
	testutil.True(t, a.HasScope(ScopeTaskCreate))
	testutil.True(t, a.HasScope(ScopeTaskControl))
	testutil.False(t, a.HasScope(ScopeTaskDelete))
	testutil.False(t, a.HasScope(ScopeEventPublish))
}

func TestAdminScopeGrantsEverything(t *testing.T) {
	a := Actor{AgentID: "a1", Scopes: []string{ScopeAdmin}}
	for _, scope := range []string{
		ScopeTaskCreate, ScopeTaskUpdate, ScopeTaskControl, ScopeTaskDelete, ScopeEventPublish,
	} {
		testutil.True(t, a.HasScope(scope), "admin should grant %s", scope)
	}
}

func TestEmptyActorHasNoScopes(t *testing.T) {
	var a Actor
	testutil.False(t, a.HasScope(ScopeTaskCreate))
}

func TestSystemActorIsAdmin(t *testing.T) {
	a := SystemActor("agent-1")
	testutil.Equal(t, "agent-1", a.AgentID)
	testutil.True(t, a.HasScope(ScopeTaskDelete))
}
