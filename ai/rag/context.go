// Package rag provides retrieval-augmented context: chunking, embedding and
// per-(user, persona) vector collections.
package rag

import "context"

type turnContextKey struct{}

// TurnContext identifies whose background corpus a retrieval call may touch.
// It travels on the request context so the retrieval tool never takes tenant
// identifiers from model-controlled input.
type TurnContext struct {
	Username  string
	PersonaID int32
}

// WithTurnContext binds the retrieval scope for the current persona call.
func WithTurnContext(ctx context.Context, username string, personaID int32) context.Context {
	return context.WithValue(ctx, turnContextKey{}, TurnContext{Username: username, PersonaID: personaID})
}

// TurnContextFrom reads the retrieval scope. ok is false outside a turn.
func TurnContextFrom(ctx context.Context) (TurnContext, bool) {
	tc, ok := ctx.Value(turnContextKey{}).(TurnContext)
	return tc, ok
}
