// Package handler exposes the auth service over HTTP.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/devtizi/city-cab/internal/identity/service"
	"github.com/devtizi/city-cab/internal/platform/httpx"
	"github.com/devtizi/city-cab/internal/security"
	"github.com/devtizi/city-cab/internal/server/interceptors"
)

// AuthService is the subset of service.AuthService used by the HTTP handlers.
type AuthService interface {
	Login(ctx context.Context, req service.LoginRequest) (*service.AuthResult, error)
	Refresh(ctx context.Context, authorizationHeader string) (*service.TokenPair, error)
	Logout(ctx context.Context, token string) error
	Validate(token string) (*security.AuthClaims, error)
}

// Handler serves the auth routes and the public JWK set.
type Handler struct {
	auth   AuthService
	jwks   []byte
	logger *slog.Logger
}

// NewHandler returns an auth handler. jwks is the pre-rendered JWK set document.
// With a nil auth only the JWK set is served.
func NewHandler(auth AuthService, jwks []byte, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{auth: auth, jwks: jwks, logger: logger.With("component", "auth_http")}
}

// Routes mounts the auth endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/.well-known/jwks.json", h.jwksDocument)
	if h.auth == nil {
		return
	}
	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Post("/login", h.login)
		r.Post("/refresh", h.refresh)
		r.Post("/logout", h.logout)
		r.Get("/validate", h.validate)
	})
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req service.LoginRequest
	if err := httpx.DecodeBody(r, &req); err != nil {
		httpx.WriteMappedError(r.Context(), w, h.logger, "login", err)
		return
	}
	res, err := h.auth.Login(r.Context(), req)
	if err != nil {
		httpx.WriteMappedError(r.Context(), w, h.logger, "login", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	pair, err := h.auth.Refresh(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		httpx.WriteMappedError(r.Context(), w, h.logger, "refresh", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, pair)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Logout(r.Context(), interceptors.ExtractBearer(r.Header.Get("Authorization"))); err != nil {
		httpx.WriteMappedError(r.Context(), w, h.logger, "logout", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) validate(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		httpx.WriteMappedError(r.Context(), w, h.logger, "validate", fmt.Errorf("%w: token query parameter is required", httpx.ErrBadRequest))
		return
	}
	claims, err := h.auth.Validate(token)
	if err != nil {
		httpx.WriteMappedError(r.Context(), w, h.logger, "validate", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, claims)
}

func (h *Handler) jwksDocument(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write(h.jwks)
}
