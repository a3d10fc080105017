package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/devtizi/city-cab/internal/platform/httpx"
	"github.com/devtizi/city-cab/internal/security"
)

const bearerPrefix = "bearer "

// TokenDecoder verifies a token and returns its claims.
type TokenDecoder interface {
	Decode(token string) (*security.AuthClaims, error)
}

// StatusChecker reports whether a stored token is still active (not revoked, not expired).
type StatusChecker interface {
	Active(ctx context.Context, token string) (bool, error)
}

// ExtractBearer returns the token from an Authorization value. A "Bearer " prefix is optional
// and matched case-insensitively; a bare token is accepted as is. Returns "" when nothing usable is present.
func ExtractBearer(value string) string {
	v := strings.TrimSpace(value)
	if len(v) >= len(bearerPrefix) && strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		v = strings.TrimSpace(v[len(bearerPrefix):])
	}
	if strings.EqualFold(v, "bearer") {
		return ""
	}
	return v
}

// authenticate decodes token and, when status is set, checks it is still active in the store.
// Refresh tokens never authenticate a request or a connection.
func authenticate(ctx context.Context, tokens TokenDecoder, status StatusChecker, token string) (*security.AuthClaims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing bearer token", security.ErrInvalidToken)
	}
	claims, err := tokens.Decode(token)
	if err != nil {
		return nil, err
	}
	if claims.IsRefresh() {
		return nil, fmt.Errorf("%w: refresh token presented as access token", security.ErrInvalidToken)
	}
	if status != nil {
		active, err := status.Active(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("%w: token status unavailable: %v", security.ErrInvalidToken, err)
		}
		if !active {
			return nil, fmt.Errorf("%w: token revoked or expired", security.ErrInvalidToken)
		}
	}
	return claims, nil
}

// RequireBearer returns HTTP middleware that validates the Authorization bearer (access) token
// and stores the claims in the request context. status may be nil.
func RequireBearer(tokens TokenDecoder, status StatusChecker, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractBearer(r.Header.Get("Authorization"))
			claims, err := authenticate(r.Context(), tokens, status, token)
			if err != nil {
				logger.WarnContext(r.Context(), "bearer authentication failed",
					"path", r.URL.Path, "token_fp", security.ShortFingerprint(token), "error", err)
				httpx.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid authorization")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}
