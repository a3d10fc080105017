package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/go-stomp/stomp/v3/frame"

	"github.com/devtizi/city-cab/internal/audit"
	"github.com/devtizi/city-cab/internal/policy/engine"
	"github.com/devtizi/city-cab/internal/security"
	sessiondomain "github.com/devtizi/city-cab/internal/session/domain"
	"github.com/devtizi/city-cab/internal/session/registry"
	"github.com/devtizi/city-cab/internal/telemetry"
	telemetrydomain "github.com/devtizi/city-cab/internal/telemetry/domain"
)

// State is the authentication state of one real-time connection.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateSubscribed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is the per-connection state threaded through every Intercept call.
// It is owned by the connection's read loop and is not safe for concurrent use.
type Session struct {
	ID         string
	UserAgent  string
	RemoteAddr string

	state    State
	identity *security.AuthClaims
	// subscription id -> destination, for UNSUBSCRIBE
	subs map[string]string
}

// NewSession returns an unauthenticated session. userAgent is the HTTP upgrade User-Agent,
// used when CONNECT carries none.
func NewSession(id, userAgent, remoteAddr string) *Session {
	return &Session{ID: id, UserAgent: userAgent, RemoteAddr: remoteAddr, subs: make(map[string]string)}
}

// State returns the current authentication state.
func (s *Session) State() State { return s.state }

// Identity returns the claims attached on CONNECT, or nil before authentication.
func (s *Session) Identity() *security.AuthClaims { return s.identity }

// Registry is the part of the connection registry the interceptor mutates.
type Registry interface {
	Register(reg registry.Registration) sessiondomain.Connection
	AddSubscription(sessionID, userID, destination string)
	RemoveSubscription(sessionID, destination string)
	Remove(sessionID string) (sessiondomain.Connection, bool)
	TouchActivity(sessionID string)
}

// StompAuthDeps are the collaborators of StompAuth. Tokens, Registry and Policy are required.
type StompAuthDeps struct {
	Tokens   TokenDecoder
	Registry Registry
	Policy   engine.Evaluator
	// Status, when set, requires the CONNECT token to be active in the token store.
	Status   StatusChecker
	Audit    audit.AuditLogger
	Presence telemetry.EventEmitter
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

// StompAuth authenticates CONNECT frames and authorizes SUBSCRIBE and SEND frames.
type StompAuth struct {
	tokens   TokenDecoder
	registry Registry
	policy   engine.Evaluator
	status   StatusChecker
	audit    audit.AuditLogger
	presence telemetry.EventEmitter
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// NewStompAuth returns the frame interceptor.
func NewStompAuth(d StompAuthDeps) *StompAuth {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StompAuth{
		tokens:   d.Tokens,
		registry: d.Registry,
		policy:   d.Policy,
		status:   d.Status,
		audit:    d.Audit,
		presence: d.Presence,
		metrics:  d.Metrics,
		logger:   logger.With("component", "stomp_auth"),
	}
}

// Intercept runs the gate for one inbound frame. A nil error means the frame may be processed.
// A rejected frame leaves the registry untouched; the error wraps one of the security sentinels.
func (a *StompAuth) Intercept(ctx context.Context, s *Session, f *frame.Frame) error {
	err := a.handle(ctx, s, f)
	if err != nil {
		a.reject(ctx, s, f, err)
	}
	return err
}

func (a *StompAuth) handle(ctx context.Context, s *Session, f *frame.Frame) error {
	if s.state == StateDisconnected {
		return fmt.Errorf("%w: session %s is disconnected", security.ErrInvalidArgument, s.ID)
	}
	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		return a.connect(ctx, s, f)
	case frame.SUBSCRIBE:
		return a.subscribe(ctx, s, f)
	case frame.UNSUBSCRIBE:
		return a.unsubscribe(s, f)
	case frame.SEND:
		return a.send(ctx, s, f)
	case frame.DISCONNECT:
		a.disconnect(ctx, s, audit.ActionDisconnect)
		return nil
	default:
		// ACK, NACK, BEGIN, COMMIT, ABORT: authenticated connections only.
		if s.identity == nil {
			return fmt.Errorf("%w: %s before CONNECT", security.ErrInvalidToken, f.Command)
		}
		a.registry.TouchActivity(s.ID)
		return nil
	}
}

func (a *StompAuth) connect(ctx context.Context, s *Session, f *frame.Frame) error {
	if s.state != StateUnauthenticated {
		return fmt.Errorf("%w: session %s already connected", security.ErrInvalidArgument, s.ID)
	}
	token := ExtractBearer(authorizationHeader(f))
	claims, err := authenticate(ctx, a.tokens, a.status, token)
	if err != nil {
		return err
	}
	identity := claims
	if claims.UserType != "" {
		identity = claims.WithSessionRole("ROLE_" + claims.UserType)
	}

	ua := f.Header.Get("User-Agent")
	if ua == "" {
		ua = s.UserAgent
	}
	conn := a.registry.Register(registry.Registration{
		SessionID:      s.ID,
		UserID:         identity.UserID,
		UserType:       identity.UserType,
		CityID:         identity.CityID,
		CountryCode:    identity.CountryCode,
		ConnectionType: sessiondomain.ClassifyUserAgent(ua),
	})
	s.identity = identity
	s.state = StateAuthenticated

	a.logger.InfoContext(ctx, "connection authenticated",
		"session_id", s.ID, "user_id", identity.UserID, "username", identity.Username,
		"user_type", identity.UserType, "city_id", identity.CityID, "connection_type", conn.ConnectionType)
	a.auditEvent(ctx, s, audit.ActionConnect, audit.ResourceConnection, "")
	a.metrics.ConnectionOpened(ctx, string(conn.ConnectionType))
	telemetry.EmitAsync(a.presence, presenceEvent(telemetrydomain.EventConnected, conn))
	return nil
}

func (a *StompAuth) subscribe(ctx context.Context, s *Session, f *frame.Frame) error {
	if s.identity == nil {
		return fmt.Errorf("%w: SUBSCRIBE before CONNECT", security.ErrInvalidToken)
	}
	dest := f.Header.Get(frame.Destination)
	if err := a.policy.Authorize(ctx, engine.Request{Action: engine.ActionSubscribe, Destination: dest, Identity: s.identity}); err != nil {
		return err
	}
	a.registry.AddSubscription(s.ID, s.identity.UserID, dest)
	if id := f.Header.Get(frame.Id); id != "" {
		s.subs[id] = dest
	}
	s.state = StateSubscribed
	a.logger.DebugContext(ctx, "subscription added", "session_id", s.ID, "user_id", s.identity.UserID, "destination", dest)
	return nil
}

func (a *StompAuth) unsubscribe(s *Session, f *frame.Frame) error {
	if s.identity == nil {
		return fmt.Errorf("%w: UNSUBSCRIBE before CONNECT", security.ErrInvalidToken)
	}
	id := f.Header.Get(frame.Id)
	dest, ok := s.subs[id]
	if !ok {
		return fmt.Errorf("%w: unknown subscription id %q", security.ErrInvalidArgument, id)
	}
	delete(s.subs, id)
	stillUsed := false
	for _, d := range s.subs {
		if d == dest {
			stillUsed = true
			break
		}
	}
	if !stillUsed {
		a.registry.RemoveSubscription(s.ID, dest)
	}
	a.registry.TouchActivity(s.ID)
	return nil
}

func (a *StompAuth) send(ctx context.Context, s *Session, f *frame.Frame) error {
	if s.identity == nil {
		return fmt.Errorf("%w: SEND before CONNECT", security.ErrInvalidToken)
	}
	dest := f.Header.Get(frame.Destination)
	if err := a.policy.Authorize(ctx, engine.Request{Action: engine.ActionSend, Destination: dest, Identity: s.identity}); err != nil {
		return err
	}
	a.registry.TouchActivity(s.ID)
	return nil
}

// Closed handles a socket that went away without DISCONNECT.
func (a *StompAuth) Closed(ctx context.Context, s *Session) {
	if s.state == StateDisconnected {
		return
	}
	a.disconnect(ctx, s, audit.ActionDisconnect)
}

func (a *StompAuth) disconnect(ctx context.Context, s *Session, action string) {
	s.state = StateDisconnected
	conn, ok := a.registry.Remove(s.ID)
	if !ok {
		return
	}
	a.logger.DebugContext(ctx, "connection closed", "session_id", s.ID, "user_id", conn.UserID, "city_id", conn.CityID)
	a.auditEvent(ctx, s, action, audit.ResourceConnection, "")
	a.metrics.ConnectionClosed(ctx, string(conn.ConnectionType))
	telemetry.EmitAsync(a.presence, presenceEvent(telemetrydomain.EventDisconnected, conn))
}

// Swept reports connections removed by the idle sweeper. The registry has already dropped them.
func (a *StompAuth) Swept(ctx context.Context, removed []sessiondomain.Connection) {
	a.metrics.SessionsSwept(ctx, len(removed))
	for _, conn := range removed {
		a.metrics.ConnectionClosed(ctx, string(conn.ConnectionType))
		if a.audit != nil {
			a.audit.LogEvent(ctx, audit.Event{UserID: conn.UserID, SessionID: conn.SessionID, Action: audit.ActionSwept, Resource: audit.ResourceConnection})
		}
		telemetry.EmitAsync(a.presence, presenceEvent(telemetrydomain.EventSwept, conn))
	}
}

func (a *StompAuth) reject(ctx context.Context, s *Session, f *frame.Frame, err error) {
	dest := f.Header.Get(frame.Destination)
	reason := RejectReason(err)
	fields := []any{"session_id", s.ID, "command", f.Command, "reason", reason, "error", err}
	if dest != "" {
		fields = append(fields, "destination", dest)
	}
	if s.identity != nil {
		fields = append(fields, "user_id", s.identity.UserID)
	}
	a.logger.WarnContext(ctx, "frame rejected", fields...)
	ar := audit.ParseFrame(f.Command, dest, true)
	a.auditEvent(ctx, s, ar.Action, ar.Resource, rejectMetadata(dest, reason))
	a.metrics.FrameRejected(ctx, f.Command, reason)
}

func (a *StompAuth) auditEvent(ctx context.Context, s *Session, action, resource, metadata string) {
	if a.audit == nil {
		return
	}
	userID := ""
	if s.identity != nil {
		userID = s.identity.UserID
	}
	a.audit.LogEvent(ctx, audit.Event{UserID: userID, SessionID: s.ID, Action: action, Resource: resource, Metadata: metadata})
}

// RejectReason classifies an interceptor error for logs and metrics.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, security.ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, security.ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, security.ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "error"
	}
}

func authorizationHeader(f *frame.Frame) string {
	for _, k := range []string{"Authorization", "authorization"} {
		if v, ok := f.Header.Contains(k); ok {
			return v
		}
	}
	return ""
}

func rejectMetadata(dest, reason string) string {
	if dest == "" {
		return fmt.Sprintf(`{"reason":%q}`, reason)
	}
	return fmt.Sprintf(`{"destination":%q,"reason":%q}`, dest, reason)
}

func presenceEvent(t telemetrydomain.EventType, c sessiondomain.Connection) *telemetrydomain.PresenceEvent {
	at := c.LastActivityAt
	if c.DisconnectedAt != nil {
		at = *c.DisconnectedAt
	}
	if t == telemetrydomain.EventConnected {
		at = c.ConnectedAt
	}
	return &telemetrydomain.PresenceEvent{
		Type:           t,
		SessionID:      c.SessionID,
		UserID:         c.UserID,
		UserType:       c.UserType,
		CityID:         c.CityID,
		ConnectionType: string(c.ConnectionType),
		At:             at,
	}
}

// SubscriptionIDs returns the client subscription ids held by s, sorted.
func (s *Session) SubscriptionIDs() []string {
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
