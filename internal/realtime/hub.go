// Package realtime carries STOMP frames over WebSocket connections. Every inbound frame passes
// the StompAuth gate before the hub acts on it.
package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/devtizi/city-cab/internal/security"
	"github.com/devtizi/city-cab/internal/server/interceptors"
	sessiondomain "github.com/devtizi/city-cab/internal/session/domain"
)

// Subprotocols offered during the WebSocket handshake.
var Subprotocols = []string{"v12.stomp", "v11.stomp"}

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 10 * time.Second
	defaultMaxFrame     = 64 << 10
)

// Interceptor gates inbound frames and reports connection lifecycle.
type Interceptor interface {
	Intercept(ctx context.Context, s *interceptors.Session, f *frame.Frame) error
	Closed(ctx context.Context, s *interceptors.Session)
	Swept(ctx context.Context, removed []sessiondomain.Connection)
}

// Subscribers is the part of the connection registry used for fan-out and activity tracking.
type Subscribers interface {
	SessionsSubscribedTo(destination string) []string
	TouchActivity(sessionID string)
}

// AppHandler receives accepted SEND frames addressed to /app/ destinations.
type AppHandler interface {
	HandleApp(ctx context.Context, from *security.AuthClaims, f *frame.Frame) error
}

// Options tune the hub. Zero values select defaults.
type Options struct {
	// AllowedOrigins restricts the Origin header of upgrade requests. Empty allows any origin.
	AllowedOrigins []string
	SendBuffer     int
	WriteTimeout   time.Duration
	MaxFrameBytes  int64
}

// Hub owns the live WebSocket connections of this process.
type Hub struct {
	auth     Interceptor
	registry Subscribers
	app      AppHandler
	upgrader websocket.Upgrader
	opts     Options
	logger   *slog.Logger

	mu    sync.RWMutex
	conns map[string]*conn
}

// NewHub returns a hub. app may be nil, in which case /app/ messages are logged and dropped.
func NewHub(auth Interceptor, registry Subscribers, app AppHandler, opts Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "realtime_hub")
	if app == nil {
		app = LogAppHandler{Logger: logger}
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = defaultMaxFrame
	}
	h := &Hub{
		auth:     auth,
		registry: registry,
		app:      app,
		opts:     opts,
		logger:   logger,
		conns:    make(map[string]*conn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    Subprotocols,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.opts.AllowedOrigins, r.Header.Get("Origin"))
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(h.opts.MaxFrameBytes)

	id := uuid.NewString()
	ctx := interceptors.WithSessionID(r.Context(), id)
	c := newConn(h, ws, interceptors.NewSession(id, r.UserAgent(), interceptors.ClientIP(r)))

	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()
	h.logger.DebugContext(ctx, "websocket opened", "session_id", id, "subprotocol", ws.Subprotocol())

	go c.writeLoop()
	c.readLoop(ctx)

	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
	h.auth.Closed(ctx, c.session)
	c.closeAfterFlush()
	<-c.writerDone
	h.logger.DebugContext(ctx, "websocket closed", "session_id", id)
}

// Publish delivers a MESSAGE for destination to every local session subscribed to it and
// returns how many sessions it was queued for.
func (h *Hub) Publish(ctx context.Context, destination string, headers *frame.Header, body []byte) int {
	delivered := 0
	for _, sid := range h.registry.SessionsSubscribedTo(destination) {
		c := h.lookup(sid)
		if c == nil {
			continue
		}
		if c.deliver(destination, headers, body) {
			delivered++
		} else {
			h.logger.WarnContext(ctx, "dropping message for slow subscriber", "session_id", sid, "destination", destination)
		}
	}
	return delivered
}

// Evict is the sweeper callback: it reports the removed sessions and closes their sockets.
func (h *Hub) Evict(ctx context.Context, removed []sessiondomain.Connection) {
	h.auth.Swept(ctx, removed)
	for _, rc := range removed {
		if c := h.lookup(rc.SessionID); c != nil {
			c.fail(errorFrame("session idle timeout", ""))
		}
	}
}

// Shutdown closes every open connection.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.RLock()
	open := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		open = append(open, c)
	}
	h.mu.RUnlock()
	for _, c := range open {
		c.fail(errorFrame("server shutting down", ""))
	}
	h.logger.InfoContext(ctx, "realtime hub shut down", "connections", len(open))
}

// Len returns the number of open sockets.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) lookup(sessionID string) *conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[sessionID]
}

// broadcastable reports whether SEND to destination is fanned out to subscribers.
func broadcastable(destination string) bool {
	return strings.HasPrefix(destination, "/topic/") ||
		strings.HasPrefix(destination, "/queue/") ||
		strings.HasPrefix(destination, "/user/queue/")
}

// LogAppHandler logs /app/ messages and drops them.
type LogAppHandler struct {
	Logger *slog.Logger
}

// HandleApp implements AppHandler.
func (l LogAppHandler) HandleApp(ctx context.Context, from *security.AuthClaims, f *frame.Frame) error {
	l.Logger.InfoContext(ctx, "application message dropped", "user_id", from.UserID,
		"destination", f.Header.Get(frame.Destination), "bytes", len(f.Body))
	return nil
}
