package auth

import (
	"context"
	"errors"
)

var (
	// ErrTokenExpired signals that the bearer token is past its expiry.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenInvalid signals a malformed or wrongly signed token.
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// Claims is the verifier-neutral view of a validated token.
type Claims struct {
	Subject string
	Values  map[string]any
}

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// TokenVerifierFunc adapts a function into a TokenVerifier.
type TokenVerifierFunc func(ctx context.Context, token string) (Claims, error)

// Verify implements TokenVerifier.
func (f TokenVerifierFunc) Verify(ctx context.Context, token string) (Claims, error) {
	return f(ctx, token)
}
