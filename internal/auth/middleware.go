package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/datatalk/datatalk/internal/observability"
)

// AnonymousOwner owns sessions created while authentication is disabled and
// no X-Owner-ID header is supplied.
const AnonymousOwner = "anonymous"

const ownerHeader = "X-Owner-ID"

type identityCtxKey struct{}

var ErrMissingRole = errors.New("missing required role")

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityCtxKey{}).(Identity)
	return identity, ok
}

// RequireRole passes when auth is disabled (no identity in ctx) or when the
// identity carries role.
func RequireRole(ctx context.Context, role string) error {
	identity, ok := IdentityFromContext(ctx)
	if !ok || identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("%w %q", ErrMissingRole, role)
}

// OwnerFromRequest picks the owner a request acts for: the authenticated
// identity first, then the X-Owner-ID header, then AnonymousOwner.
func OwnerFromRequest(r *http.Request) string {
	if identity, ok := IdentityFromContext(r.Context()); ok && strings.TrimSpace(identity.OwnerID) != "" {
		return identity.OwnerID
	}
	if owner := strings.TrimSpace(r.Header.Get(ownerHeader)); owner != "" {
		return owner
	}
	return AnonymousOwner
}

// Middleware authenticates every request by API key. A key may only act for
// its own owner; an X-Owner-ID naming someone else is refused unless the key
// holds the admin role.
func Middleware(logger *slog.Logger, validator APIKeyValidator) func(http.Handler) http.Handler {
	logger = observability.LoggerOrDiscard(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := credentialFrom(r)
			if key == "" {
				deny(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing API key")
				return
			}

			identity, ok := validator.Validate(ctx, key)
			if !ok {
				logger.WarnContext(ctx, "rejected api key",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				deny(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid API key")
				return
			}

			claimed := strings.TrimSpace(r.Header.Get(ownerHeader))
			if claimed != "" && claimed != identity.OwnerID && !identity.HasRole(RoleAdmin) {
				logger.WarnContext(ctx, "owner header does not match api key",
					slog.String("owner_id", identity.OwnerID),
					slog.String("claimed_owner_id", claimed),
				)
				deny(w, r, http.StatusForbidden, "OWNER_MISMATCH", "X-Owner-ID does not match the API key owner")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

// credentialFrom accepts X-API-Key or an Authorization bearer token.
func credentialFrom(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	scheme, token, found := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func deny(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  false,
		"trace_id":   observability.TraceIDFromContext(r.Context()),
	})
}
