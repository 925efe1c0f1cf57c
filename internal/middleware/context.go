package middleware

import (
	"context"

	"github.com/budgetguard/budgetguard/internal/services/auth"
)

type contextKey string

const identityKey contextKey = "identity"

// WithIdentity attaches the authenticated caller to the context.
func WithIdentity(ctx context.Context, id *auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the caller set by the auth middleware.
func IdentityFrom(ctx context.Context) (*auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(*auth.Identity)
	return id, ok
}
