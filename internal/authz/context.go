package authz

import "context"

// Actor identifies the authenticated principal performing a mutation.
type Actor struct {
	UserID   string
	TenantID string
}

type actorContextKey struct{}

// ContextWithActor attaches the acting principal to the context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the acting principal, if one was attached.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	a, ok := ctx.Value(actorContextKey{}).(Actor)
	if !ok || a.UserID == "" {
		return Actor{}, false
	}
	return a, true
}
