package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const ctxIdentityKey contextKey = "identity"

// Identity is the verified caller of a request.
type Identity struct {
	UserID uuid.UUID
	Role   string
}

// TokenValidator resolves a bearer token to a user id and role.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

// BearerAuth verifies the Authorization bearer token and stores the resulting
// identity in the request context. Requests without a valid token get 401.
func BearerAuth(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := ExtractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			id, role, err := v.ValidateToken(r.Context(), raw)
			if err != nil || id == uuid.Nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			ctx := WithIdentity(r.Context(), &Identity{UserID: id, Role: role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFromCtx returns the authenticated identity or nil.
func IdentityFromCtx(ctx context.Context) *Identity {
	id, _ := ctx.Value(ctxIdentityKey).(*Identity)
	return id
}

// WithIdentity returns a context carrying the given identity.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxIdentityKey, id)
}

// ExtractBearer returns the token from an "Authorization: Bearer" header, or "".
func ExtractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
