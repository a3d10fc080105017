// Package server assembles the HTTP router and the gRPC server.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	adminhandler "github.com/devtizi/city-cab/internal/admin/handler"
	audithandler "github.com/devtizi/city-cab/internal/audit/handler"
	healthhandler "github.com/devtizi/city-cab/internal/health/handler"
	identityhandler "github.com/devtizi/city-cab/internal/identity/handler"
	"github.com/devtizi/city-cab/internal/platform/httpx"
	"github.com/devtizi/city-cab/internal/server/interceptors"
)

// RouterDeps are the HTTP surfaces served by NewRouter. Auth, Audit and Realtime are optional.
type RouterDeps struct {
	Health   *healthhandler.Server
	Auth     *identityhandler.Handler
	Admin    *adminhandler.Handler
	Audit    *audithandler.Handler
	Realtime http.Handler

	// Tokens and Status guard the admin routes. Status may be nil.
	Tokens interceptors.TokenDecoder
	Status interceptors.StatusChecker
	Logger *slog.Logger
}

// NewRouter returns the chi router for the public HTTP surface.
func NewRouter(d RouterDeps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(interceptors.ClientIPMiddleware)
	r.Use(httpx.Logging(logger))

	if d.Health != nil {
		d.Health.Routes(r)
	}
	if d.Auth != nil {
		d.Auth.Routes(r)
	}
	if d.Realtime != nil {
		r.Handle("/ws", d.Realtime)
	}
	if d.Admin != nil {
		r.Group(func(r chi.Router) {
			r.Use(interceptors.RequireBearer(d.Tokens, d.Status, logger))
			var extra []func(chi.Router)
			if d.Audit != nil {
				extra = append(extra, d.Audit.Routes)
			}
			d.Admin.Routes(r, extra...)
		})
	}
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	return r
}
