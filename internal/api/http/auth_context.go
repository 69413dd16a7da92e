package httpapi

import (
	"context"
	"net/http"
	"strings"
)

// Identity is the caller identity derived from gateway headers. Token
// verification happens upstream; this service trusts X-User-ID and
// X-User-Role as set by the gateway.
type Identity struct {
	UserID string
	Role   string
}

type contextKey string

const identityContextKey contextKey = "identity"

// requireUser rejects requests without an X-User-ID header and stashes the
// caller identity in the request context.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if userID == "" {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "X-User-ID header required")
			return
		}
		id := &Identity{
			UserID: userID,
			Role:   strings.TrimSpace(r.Header.Get("X-User-Role")),
		}
		ctx := context.WithValue(r.Context(), identityContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// identityFromContext returns the caller identity, or nil.
func identityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey).(*Identity)
	return id
}
