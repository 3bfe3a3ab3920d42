package auth

import (
	"context"
	"net/http"

	"github.com/ordinaut/ordinaut/internal/httputil"
	"github.com/ordinaut/ordinaut/internal/tasks"
)

type ctxKey struct{}

// RequireAuth returns middleware that rejects requests without a valid
// bearer token and stores the resulting Actor in the request context.
func RequireAuth(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := httputil.ExtractBearerToken(r)
			if !ok {
				httputil.WriteError(w, http.StatusUnauthorized,
					"missing or invalid authorization header")
				return
			}
			actor, err := v.Parse(token)
			if err != nil {
				httputil.WriteError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			ctx := context.WithValue(r.Context(), ctxKey{}, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AnonymousSystem returns middleware that grants every request the
// system actor. Used when no token secret is configured (local dev).
func AnonymousSystem(agentID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), ctxKey{}, tasks.SystemActor(agentID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorFromContext retrieves the Actor placed by the middleware.
func ActorFromContext(ctx context.Context) (tasks.Actor, bool) {
	actor, ok := ctx.Value(ctxKey{}).(tasks.Actor)
	return actor, ok
}

// ContextWithActor attaches an Actor to a context. Primarily for tests.
func ContextWithActor(ctx context.Context, actor tasks.Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, actor)
}
