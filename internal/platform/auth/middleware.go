package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	domain "github.com/bazaar-market/api/internal/domain"
	"github.com/bazaar-market/api/internal/platform/httpx"
	"github.com/bazaar-market/api/internal/platform/requestctx"
)

const (
	defaultRoleClaim     = "role"
	defaultEmailClaim    = "email"
	defaultVerifyTimeout = 5 * time.Second
)

// Authenticator turns bearer tokens into identities for HTTP handlers.
type Authenticator struct {
	verifier TokenVerifier

	roleClaim    string
	emailClaim   string
	fallbackRole domain.Role
	timeout      time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithRoleClaim overrides the claim used for role extraction.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		claim = strings.TrimSpace(claim)
		if claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithFallbackRole assigns a role to tokens that carry none. Without it such
// tokens are rejected.
func WithFallbackRole(role domain.Role) Option {
	return func(a *Authenticator) {
		a.fallbackRole = role
	}
}

// WithVerificationTimeout bounds token verification.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator constructs an Authenticator for middleware composition.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:   verifier,
		roleClaim:  defaultRoleClaim,
		emailClaim: defaultEmailClaim,
		timeout:    defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireAuth verifies the bearer token and, when roles are given, that the
// caller holds one of them. Unauthenticated requests get 401, authenticated
// callers with the wrong role get 403.
func (a *Authenticator) RequireAuth(allowed ...domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				httpx.WriteError(ctx, w, httpx.NewError(http.StatusUnauthorized, "Authentication required"))
				return
			}
			if a == nil || a.verifier == nil {
				httpx.WriteError(ctx, w, httpx.NewError(http.StatusUnauthorized, "Authentication unavailable"))
				return
			}

			identity, err := a.authenticate(ctx, tokenStr)
			if err != nil {
				respondVerificationError(ctx, w, err)
				return
			}
			if len(allowed) > 0 && !identity.HasRole(allowed...) {
				httpx.WriteError(ctx, w, httpx.NewError(http.StatusForbidden, "Insufficient permissions"))
				return
			}

			requestctx.SetPrincipal(ctx, identity.UID)
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func (a *Authenticator) authenticate(ctx context.Context, token string) (*Identity, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	claims, err := a.verifier.Verify(ctx, token)
	if err != nil {
		return nil, err
	}

	role, ok := domain.ParseRole(claimAsString(claims.Values, a.roleClaim))
	if !ok {
		if a.fallbackRole == "" {
			return nil, errors.New("auth: token carries no known role")
		}
		role = a.fallbackRole
	}
	return &Identity{
		UID:    claims.Subject,
		Email:  claimAsString(claims.Values, a.emailClaim),
		Role:   role,
		claims: claims.Values,
	}, nil
}

func claimAsString(claims map[string]any, key string) string {
	if v, ok := claims[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func respondVerificationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired):
		httpx.WriteError(ctx, w, httpx.NewError(http.StatusUnauthorized, "Token expired"))
	default:
		httpx.WriteError(ctx, w, httpx.NewError(http.StatusUnauthorized, "Invalid token"))
	}
}
