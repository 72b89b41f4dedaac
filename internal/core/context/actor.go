// Package context provides request-scoped values extraction.
package context

import (
	"context"
)

type actorKey struct{}

// WithActor stores the acting user id. The ledger never authenticates it;
// it is carried for audit records and log fields only.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// GetActorID returns the actor id from context or empty string.
func GetActorID(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok {
		return v
	}
	return ""
}
