package auth

import (
	"context"

	domain "github.com/bazaar-market/api/internal/domain"
)

// Identity captures the authenticated principal extracted from a bearer token.
type Identity struct {
	UID   string
	Email string
	Role  domain.Role

	claims map[string]any
}

// Actor converts the identity into the principal services authorise against.
func (i *Identity) Actor() domain.Actor {
	if i == nil {
		return domain.Actor{}
	}
	return domain.Actor{ID: i.UID, Role: i.Role}
}

// HasRole reports whether the identity carries one of the given roles.
func (i *Identity) HasRole(roles ...domain.Role) bool {
	if i == nil {
		return false
	}
	for _, role := range roles {
		if i.Role == role {
			return true
		}
	}
	return false
}

// Claim returns a raw claim from the verified token.
func (i *Identity) Claim(name string) (any, bool) {
	if i == nil || i.claims == nil {
		return nil, false
	}
	value, ok := i.claims[name]
	return value, ok
}

type contextKey string

const identityContextKey contextKey = "github.com/bazaar-market/api/internal/platform/auth/identity"

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
