// Package handler serves the read-only admin view of live real-time sessions.
package handler

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/devtizi/city-cab/internal/platform/httpx"
	"github.com/devtizi/city-cab/internal/platform/rbac"
	"github.com/devtizi/city-cab/internal/session/domain"
)

// Inspector is the read side of the connection registry.
type Inspector interface {
	ActiveConnections() []domain.Connection
	ActiveDriversInCity(cityID string) []domain.Connection
	UsersInCity(cityID string) []string
	SessionsOf(userID string) []string
	Get(sessionID string) (domain.Connection, bool)
	Subscriptions(sessionID string) []string
}

// SessionView is a connection together with its current subscriptions.
type SessionView struct {
	domain.Connection
	Subscriptions []string `json:"subscriptions"`
}

// SystemStats summarises the registry.
type SystemStats struct {
	ActiveConnections int            `json:"activeConnections"`
	ActiveUsers       int            `json:"activeUsers"`
	ByCity            map[string]int `json:"byCity"`
	ByConnectionType  map[string]int `json:"byConnectionType"`
}

// Handler serves the admin inspection routes. Callers must mount it behind interceptors.RequireBearer.
type Handler struct {
	registry Inspector
	logger   *slog.Logger
}

// NewHandler returns an admin handler reading from registry.
func NewHandler(registry Inspector, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{registry: registry, logger: logger.With("component", "admin_http")}
}

// Routes mounts the admin endpoints on r. extra routes (e.g. the audit listing) share the admin guard.
func (h *Handler) Routes(r chi.Router, extra ...func(chi.Router)) {
	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Get("/cities/{cityId}/drivers", h.driversInCity)
		r.Get("/cities/{cityId}/users", h.usersInCity)

		r.Group(func(r chi.Router) {
			r.Use(rbac.AdminOnly(h.logger))
			r.Get("/stats", h.stats)
			r.Get("/connections", h.connections)
			r.Get("/users/{userId}/sessions", h.userSessions)
			for _, fn := range extra {
				fn(r)
			}
		})
	})
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	conns := h.registry.ActiveConnections()
	out := SystemStats{
		ActiveConnections: len(conns),
		ByCity:            make(map[string]int),
		ByConnectionType:  make(map[string]int),
	}
	users := make(map[string]struct{}, len(conns))
	for _, c := range conns {
		users[c.UserID] = struct{}{}
		if c.CityID != "" {
			out.ByCity[c.CityID]++
		}
		out.ByConnectionType[string(c.ConnectionType)]++
	}
	out.ActiveUsers = len(users)
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) connections(w http.ResponseWriter, _ *http.Request) {
	conns := h.registry.ActiveConnections()
	views := make([]SessionView, 0, len(conns))
	for _, c := range conns {
		views = append(views, h.view(c))
	}
	sortViews(views)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"count": len(views), "connections": views})
}

func (h *Handler) driversInCity(w http.ResponseWriter, r *http.Request) {
	cityID := chi.URLParam(r, "cityId")
	if _, err := rbac.RequireCityManager(r.Context(), cityID); err != nil {
		httpx.WriteMappedError(r.Context(), w, h.logger, "drivers_in_city", err)
		return
	}
	drivers := h.registry.ActiveDriversInCity(cityID)
	views := make([]SessionView, 0, len(drivers))
	for _, c := range drivers {
		views = append(views, h.view(c))
	}
	sortViews(views)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"cityId": cityID, "count": len(views), "drivers": views})
}

func (h *Handler) usersInCity(w http.ResponseWriter, r *http.Request) {
	cityID := chi.URLParam(r, "cityId")
	if _, err := rbac.RequireCityManager(r.Context(), cityID); err != nil {
		httpx.WriteMappedError(r.Context(), w, h.logger, "users_in_city", err)
		return
	}
	users := h.registry.UsersInCity(cityID)
	sort.Strings(users)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"cityId": cityID, "count": len(users), "users": users})
}

func (h *Handler) userSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	ids := h.registry.SessionsOf(userID)
	views := make([]SessionView, 0, len(ids))
	for _, id := range ids {
		// the session may have gone away between the two reads
		if c, ok := h.registry.Get(id); ok {
			views = append(views, h.view(c))
		}
	}
	sortViews(views)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"userId": userID, "count": len(views), "sessions": views})
}

func (h *Handler) view(c domain.Connection) SessionView {
	subs := h.registry.Subscriptions(c.SessionID)
	if subs == nil {
		subs = []string{}
	}
	return SessionView{Connection: c, Subscriptions: subs}
}

func sortViews(v []SessionView) {
	sort.Slice(v, func(i, j int) bool {
		if !v[i].ConnectedAt.Equal(v[j].ConnectedAt) {
			return v[i].ConnectedAt.Before(v[j].ConnectedAt)
		}
		return v[i].SessionID < v[j].SessionID
	})
}
