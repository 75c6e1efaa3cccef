package auth

import "context"

type contextKey string

const authContextKey contextKey = "relay_auth"

// AuthInfo holds authenticated identity information extracted from a session
// token. Identity itself is owned by the external provider; this is the
// boundary contract.
type AuthInfo struct {
	SessionID   string
	UserID      string
	DisplayName string
}

func ContextWithAuth(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authContextKey, info)
}

func AuthFromContext(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authContextKey).(*AuthInfo)
	return info, ok
}
