package interceptors

import (
	"context"

	"github.com/devtizi/city-cab/internal/security"
)

type contextKey struct{ name string }

var (
	claimsKey   = contextKey{"claims"}
	clientIPKey = contextKey{"client_ip"}
	sessionKey  = contextKey{"session_id"}
)

// WithClaims returns a context carrying the authenticated identity of an HTTP request.
func WithClaims(ctx context.Context, c *security.AuthClaims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// ClaimsFrom returns the identity set by RequireBearer, or nil, false.
func ClaimsFrom(ctx context.Context) (*security.AuthClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*security.AuthClaims)
	return c, ok && c != nil
}

// GetUserID returns the user id of the authenticated identity and true if set; otherwise "", false.
func GetUserID(ctx context.Context) (string, bool) {
	c, ok := ClaimsFrom(ctx)
	if !ok || c.UserID == "" {
		return "", false
	}
	return c.UserID, true
}

// WithClientIP returns a context with the caller's IP, read back by ClientIPFrom (the audit IP extractor).
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// ClientIPFrom returns the IP stored by WithClientIP, or "unknown".
func ClientIPFrom(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey).(string); ok && v != "" {
		return v
	}
	return "unknown"
}

// WithSessionID tags a context with the real-time session it serves.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey, sessionID)
}

// GetSessionID returns the session_id from context and true if set; otherwise "", false.
func GetSessionID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(sessionKey).(string)
	return v, ok
}
