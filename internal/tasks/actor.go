package tasks

// Actor is the authenticated principal performing an operation.
type Actor struct {
	AgentID string
	Scopes  []string
}

// Scope names checked by the service. The admin scope grants everything.
const (
	ScopeAdmin        = "admin"
	ScopeTaskCreate   = "task.create"
	ScopeTaskUpdate   = "task.update"
	ScopeTaskControl  = "task.control" // pause/resume/cancel/runNow/snooze
	ScopeTaskDelete   = "task.delete"
	ScopeEventPublish = "event.publish"
)

// HasScope reports whether the actor carries the scope or admin.
func (a Actor) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}

// SystemActor is used by in-process callers that bypass the HTTP
// surface, such as the CLI.
func SystemActor(agentID string) Actor {
	return Actor{AgentID: agentID, Scopes: []string{ScopeAdmin}}
}
