// Package handler serves audit log listings.
package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/devtizi/city-cab/internal/audit/domain"
	"github.com/devtizi/city-cab/internal/audit/repository"
	"github.com/devtizi/city-cab/internal/platform/httpx"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Handler lists audit logs. Access control is applied by the router it is mounted on.
type Handler struct {
	repo   repository.Repository
	logger *slog.Logger
}

// NewHandler returns an audit handler backed by repo.
func NewHandler(repo repository.Repository, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{repo: repo, logger: logger.With("component", "audit_http")}
}

// Routes mounts GET /audit and GET /audit/{id} on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/audit", h.list)
	r.Get("/audit/{id}", h.get)
}

// list returns a page of audit logs, newest first, optionally filtered by user_id.
func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), defaultPageSize)
	if err != nil {
		httpx.WriteMappedError(r.Context(), w, h.logger, "list_audit_logs", err)
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		httpx.WriteMappedError(r.Context(), w, h.logger, "list_audit_logs", err)
		return
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	logs, err := h.repo.List(r.Context(), q.Get("user_id"), int32(limit), int32(offset))
	if err != nil {
		httpx.WriteMappedError(r.Context(), w, h.logger, "list_audit_logs", err)
		return
	}
	if logs == nil {
		logs = []*domain.AuditLog{}
	}
	next := -1
	if len(logs) == limit {
		next = offset + limit
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"logs": logs, "nextOffset": next})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	entry, err := h.repo.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteMappedError(r.Context(), w, h.logger, "get_audit_log", err)
		return
	}
	if entry == nil {
		httpx.WriteError(w, http.StatusNotFound, "NOT_FOUND", "audit log not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, entry)
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", httpx.ErrBadRequest, s)
	}
	return n, nil
}
