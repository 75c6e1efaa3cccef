package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/af-corp/relay-gateway/internal/httputil"
)

// Middleware returns a chi middleware that authenticates requests via Bearer token.
func Middleware(store SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := w.Header().Get("X-Request-ID")

			// Extract Bearer token
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				httputil.WriteAuthError(w, reqID, "Missing Authorization header. Use: Authorization: Bearer <session-token>")
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")
			if token == authHeader {
				httputil.WriteAuthError(w, reqID, "Invalid Authorization format. Use: Authorization: Bearer <session-token>")
				return
			}
			if token == "" {
				httputil.WriteAuthError(w, reqID, "Empty session token")
				return
			}

			// Hash and lookup
			tokenHash := HashToken(token)
			meta, err := store.Lookup(r.Context(), tokenHash)
			if err != nil {
				slog.Error("session lookup failed", "error", err, "token_prefix", safePrefix(token))
				httputil.WriteInternalError(w, reqID, "Internal error during authentication")
				return
			}
			if meta == nil {
				slog.Warn("auth failed: session not found", "token_prefix", safePrefix(token))
				httputil.WriteAuthError(w, reqID, "Invalid or expired session token")
				return
			}

			// Enrich context
			info := &AuthInfo{
				SessionID:   meta.ID,
				UserID:      meta.UserID,
				DisplayName: meta.DisplayName,
			}

			ctx := ContextWithAuth(r.Context(), info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// safePrefix returns a safe-to-log prefix of a session token (never the full token).
func safePrefix(token string) string {
	if len(token) > 20 {
		return token[:20] + "..."
	}
	return token
}
