// Package rbac holds the role checks applied to authenticated HTTP requests.
package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/devtizi/city-cab/internal/platform/httpx"
	"github.com/devtizi/city-cab/internal/security"
	"github.com/devtizi/city-cab/internal/server/interceptors"
)

// RequireAdmin ensures the caller is authenticated and holds an ADMIN or ROOTADMIN authority.
// Returns the caller's claims on success; ErrInvalidToken when no identity is present and ErrAccessDenied otherwise.
func RequireAdmin(ctx context.Context) (*security.AuthClaims, error) {
	c, ok := interceptors.ClaimsFrom(ctx)
	if !ok || c.UserID == "" {
		return nil, fmt.Errorf("%w: authenticated user required", security.ErrInvalidToken)
	}
	if !c.IsAdmin() {
		return nil, fmt.Errorf("%w: administrator required", security.ErrAccessDenied)
	}
	return c, nil
}

// AdminOnly is HTTP middleware that applies RequireAdmin. It must run after interceptors.RequireBearer.
func AdminOnly(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := RequireAdmin(r.Context()); err != nil {
				httpx.WriteMappedError(r.Context(), w, logger, "require_admin", err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
