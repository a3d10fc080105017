package interceptors

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/go-stomp/stomp/v3/frame"

	"github.com/devtizi/city-cab/internal/audit"
	"github.com/devtizi/city-cab/internal/logging"
	"github.com/devtizi/city-cab/internal/policy/engine"
	"github.com/devtizi/city-cab/internal/security"
	sessiondomain "github.com/devtizi/city-cab/internal/session/domain"
	"github.com/devtizi/city-cab/internal/session/registry"
)

type stompFixture struct {
	auth   *StompAuth
	reg    *registry.Registry
	tokens *security.TokenProvider
	audit  *memAudit
}

func newStompFixture(t *testing.T, status StatusChecker) *stompFixture {
	t.Helper()
	tokens := newTokens(t)
	reg := registry.New(logging.Discard())
	aud := &memAudit{}
	auth := NewStompAuth(StompAuthDeps{
		Tokens:   tokens,
		Registry: reg,
		Policy:   engine.NewRuleEvaluator(),
		Status:   status,
		Audit:    aud,
		Logger:   logging.Discard(),
	})
	return &stompFixture{auth: auth, reg: reg, tokens: tokens, audit: aud}
}

func connectFrame(token, userAgent string) *frame.Frame {
	f := frame.New(frame.CONNECT, frame.AcceptVersion, "1.2", frame.Host, "citycab")
	if token != "" {
		f.Header.Add("Authorization", "Bearer "+token)
	}
	if userAgent != "" {
		f.Header.Add("User-Agent", userAgent)
	}
	return f
}

func subscribeFrame(id, dest string) *frame.Frame {
	return frame.New(frame.SUBSCRIBE, frame.Id, id, frame.Destination, dest)
}

func (fx *stompFixture) connect(t *testing.T, s *Session, c security.AuthClaims) {
	t.Helper()
	if err := fx.auth.Intercept(context.Background(), s, connectFrame(issue(t, fx.tokens, c), "okhttp/4.12 Android")); err != nil {
		t.Fatalf("CONNECT: %v", err)
	}
}

func TestStompAuth_ConnectWithoutToken(t *testing.T) {
	fx := newStompFixture(t, nil)
	s := NewSession("s1", "", "")

	err := fx.auth.Intercept(context.Background(), s, connectFrame("", ""))
	if !errors.Is(err, security.ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
	if fx.reg.Count() != 0 {
		t.Errorf("registry count = %d, want 0", fx.reg.Count())
	}
	if s.State() != StateUnauthenticated || s.Identity() != nil {
		t.Errorf("state = %v identity = %v, want unauthenticated", s.State(), s.Identity())
	}
	if got := fx.audit.actions(); !slices.Equal(got, []string{"ws_connect_denied"}) {
		t.Errorf("audit = %v", got)
	}
}

func TestStompAuth_ConnectWithGarbageToken(t *testing.T) {
	fx := newStompFixture(t, nil)
	err := fx.auth.Intercept(context.Background(), NewSession("s1", "", ""), connectFrame("garbage", ""))
	if !errors.Is(err, security.ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
	if fx.reg.Count() != 0 {
		t.Errorf("registry count = %d, want 0", fx.reg.Count())
	}
}

func TestStompAuth_ConnectRejectsRefreshToken(t *testing.T) {
	fx := newStompFixture(t, nil)
	refresh, err := fx.tokens.IssueRefreshToken("d1")
	if err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}
	err = fx.auth.Intercept(context.Background(), NewSession("s1", "", ""), connectFrame(refresh, ""))
	if !errors.Is(err, security.ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestStompAuth_ConnectRejectsRevokedToken(t *testing.T) {
	fx := newStompFixture(t, fakeStatus{active: false})
	tok := issue(t, fx.tokens, driverClaims())
	err := fx.auth.Intercept(context.Background(), NewSession("s1", "", ""), connectFrame(tok, ""))
	if !errors.Is(err, security.ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
	if fx.reg.Count() != 0 {
		t.Errorf("registry count = %d, want 0", fx.reg.Count())
	}
}

func TestStompAuth_DriverScenario(t *testing.T) {
	fx := newStompFixture(t, fakeStatus{active: true})
	ctx := context.Background()
	s := NewSession("s1", "Mozilla/5.0", "10.0.0.1:5555")

	fx.connect(t, s, driverClaims())
	if s.State() != StateAuthenticated {
		t.Fatalf("state = %v, want authenticated", s.State())
	}
	conn, ok := fx.reg.Get("s1")
	if !ok {
		t.Fatal("connection not registered")
	}
	if !conn.IsActive || conn.UserType != "DRIVER" || conn.CityID != "JHB" || conn.UserID != "d1" {
		t.Errorf("connection = %+v", conn)
	}
	if conn.ConnectionType != sessiondomain.ConnectionMobile {
		t.Errorf("connection type = %q, want MOBILE from the CONNECT User-Agent", conn.ConnectionType)
	}
	if !s.Identity().HasSessionRole("ROLE_DRIVER") {
		t.Errorf("session roles = %v, want ROLE_DRIVER added", s.Identity().SessionRoles)
	}
	if !slices.Equal(s.Identity().Authorities, []string{security.RoleDriver}) {
		t.Errorf("authorities = %v, want the token authorities unchanged", s.Identity().Authorities)
	}

	if err := fx.auth.Intercept(ctx, s, subscribeFrame("sub-0", "/topic/city/JHB")); err != nil {
		t.Fatalf("SUBSCRIBE own city: %v", err)
	}
	if s.State() != StateSubscribed {
		t.Errorf("state = %v, want subscribed", s.State())
	}
	err := fx.auth.Intercept(ctx, s, subscribeFrame("sub-1", "/topic/city/CPT"))
	if !errors.Is(err, security.ErrAccessDenied) {
		t.Fatalf("SUBSCRIBE other city: err = %v, want ErrAccessDenied", err)
	}
	if subs := fx.reg.Subscriptions("s1"); !slices.Equal(subs, []string{"/topic/city/JHB"}) {
		t.Errorf("subscriptions = %v, want only the allowed one", subs)
	}
	if s.State() != StateSubscribed {
		t.Errorf("rejection changed state to %v", s.State())
	}

	if err := fx.auth.Intercept(ctx, s, frame.New(frame.SEND, frame.Destination, "/app/driver/location")); err != nil {
		t.Errorf("SEND /app/driver by driver: %v", err)
	}

	if err := fx.auth.Intercept(ctx, s, frame.New(frame.DISCONNECT, frame.Receipt, "77")); err != nil {
		t.Fatalf("DISCONNECT: %v", err)
	}
	if _, ok := fx.reg.Get("s1"); ok {
		t.Error("session still registered after DISCONNECT")
	}
	if len(fx.reg.SessionsOf("d1")) != 0 || len(fx.reg.UsersInCity("JHB")) != 0 {
		t.Error("indices not cleared after DISCONNECT")
	}
	if s.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", s.State())
	}
	want := []string{audit.ActionConnect, "ws_subscribe_denied", audit.ActionDisconnect}
	if got := fx.audit.actions(); !slices.Equal(got, want) {
		t.Errorf("audit = %v, want %v", got, want)
	}
}

func TestStompAuth_UserTypeDoesNotGrantAdmin(t *testing.T) {
	fx := newStompFixture(t, nil)
	s := NewSession("s1", "", "")

	c := driverClaims()
	c.UserID = "u1"
	c.UserType = security.RoleAdmin
	c.Roles = []string{security.RoleUser}
	c.Authorities = []string{security.RoleUser}
	fx.connect(t, s, c)
	if s.Identity().IsAdmin() {
		t.Fatalf("identity with authorities %v treated as admin", s.Identity().Authorities)
	}

	err := fx.auth.Intercept(context.Background(), s, subscribeFrame("sub-0", "/topic/driver/u2"))
	if !errors.Is(err, security.ErrAccessDenied) {
		t.Fatalf("SUBSCRIBE other driver topic: err = %v, want ErrAccessDenied", err)
	}
	if subs := fx.reg.Subscriptions("s1"); len(subs) != 0 {
		t.Errorf("subscriptions = %v, want none", subs)
	}
}

func TestStompAuth_FramesBeforeConnect(t *testing.T) {
	fx := newStompFixture(t, nil)
	ctx := context.Background()
	for _, f := range []*frame.Frame{
		subscribeFrame("sub-0", "/topic/news"),
		frame.New(frame.SEND, frame.Destination, "/app/ride/request"),
		frame.New(frame.UNSUBSCRIBE, frame.Id, "sub-0"),
		frame.New(frame.ACK, frame.Id, "m1"),
	} {
		s := NewSession("s1", "", "")
		if err := fx.auth.Intercept(ctx, s, f); !errors.Is(err, security.ErrInvalidToken) {
			t.Errorf("%s before CONNECT: err = %v, want ErrInvalidToken", f.Command, err)
		}
	}
	if fx.reg.Count() != 0 {
		t.Errorf("registry count = %d, want 0", fx.reg.Count())
	}
}

func TestStompAuth_SendRules(t *testing.T) {
	fx := newStompFixture(t, nil)
	ctx := context.Background()
	s := NewSession("s1", "", "")
	rider := security.AuthClaims{UserID: "u1", Username: "rider", UserType: security.RoleUser, CityID: "JHB", Authorities: []string{security.RoleUser}}
	fx.connect(t, s, rider)

	err := fx.auth.Intercept(ctx, s, frame.New(frame.SEND, frame.Destination, "/app/driver/location"))
	if !errors.Is(err, security.ErrAccessDenied) {
		t.Errorf("rider SEND /app/driver: err = %v, want ErrAccessDenied", err)
	}
	if err := fx.auth.Intercept(ctx, s, frame.New(frame.SEND, frame.Destination, "/app/ride/request")); err != nil {
		t.Errorf("rider SEND /app/ride: %v", err)
	}
	err = fx.auth.Intercept(ctx, s, frame.New(frame.SEND))
	if !errors.Is(err, security.ErrInvalidArgument) {
		t.Errorf("SEND without destination: err = %v, want ErrInvalidArgument", err)
	}
}

func TestStompAuth_UserQueueFormat(t *testing.T) {
	fx := newStompFixture(t, nil)
	ctx := context.Background()
	s := NewSession("s1", "", "")
	fx.connect(t, s, driverClaims())

	if err := fx.auth.Intercept(ctx, s, subscribeFrame("q", "/user/queue/ride-42")); err != nil {
		t.Errorf("valid queue: %v", err)
	}
	err := fx.auth.Intercept(ctx, s, subscribeFrame("q2", "/user/queue/ride_42"))
	if !errors.Is(err, security.ErrInvalidArgument) {
		t.Errorf("invalid queue: err = %v, want ErrInvalidArgument", err)
	}
}

func TestStompAuth_SecondConnectRejected(t *testing.T) {
	fx := newStompFixture(t, nil)
	s := NewSession("s1", "", "")
	fx.connect(t, s, driverClaims())

	other := driverClaims()
	other.UserID = "d2"
	err := fx.auth.Intercept(context.Background(), s, connectFrame(issue(t, fx.tokens, other), ""))
	if !errors.Is(err, security.ErrInvalidArgument) {
		t.Fatalf("second CONNECT: err = %v, want ErrInvalidArgument", err)
	}
	conn, _ := fx.reg.Get("s1")
	if conn.UserID != "d1" {
		t.Errorf("user = %q, want d1 kept", conn.UserID)
	}
}

func TestStompAuth_Unsubscribe(t *testing.T) {
	fx := newStompFixture(t, nil)
	ctx := context.Background()
	s := NewSession("s1", "", "")
	fx.connect(t, s, driverClaims())

	_ = fx.auth.Intercept(ctx, s, subscribeFrame("a", "/topic/news"))
	_ = fx.auth.Intercept(ctx, s, subscribeFrame("b", "/topic/news"))
	if got := s.SubscriptionIDs(); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("subscription ids = %v", got)
	}

	if err := fx.auth.Intercept(ctx, s, frame.New(frame.UNSUBSCRIBE, frame.Id, "a")); err != nil {
		t.Fatalf("UNSUBSCRIBE a: %v", err)
	}
	if subs := fx.reg.Subscriptions("s1"); !slices.Equal(subs, []string{"/topic/news"}) {
		t.Errorf("destination dropped while subscription b still uses it: %v", subs)
	}
	if err := fx.auth.Intercept(ctx, s, frame.New(frame.UNSUBSCRIBE, frame.Id, "b")); err != nil {
		t.Fatalf("UNSUBSCRIBE b: %v", err)
	}
	if subs := fx.reg.Subscriptions("s1"); len(subs) != 0 {
		t.Errorf("subscriptions = %v, want none", subs)
	}
	err := fx.auth.Intercept(ctx, s, frame.New(frame.UNSUBSCRIBE, frame.Id, "zzz"))
	if !errors.Is(err, security.ErrInvalidArgument) {
		t.Errorf("unknown id: err = %v, want ErrInvalidArgument", err)
	}
}

func TestStompAuth_ClosedWithoutDisconnect(t *testing.T) {
	fx := newStompFixture(t, nil)
	s := NewSession("s1", "", "")
	fx.connect(t, s, driverClaims())

	fx.auth.Closed(context.Background(), s)
	if fx.reg.Count() != 0 {
		t.Errorf("registry count = %d, want 0", fx.reg.Count())
	}
	// A second close is a no-op.
	fx.auth.Closed(context.Background(), s)
	if got := fx.audit.actions(); !slices.Equal(got, []string{audit.ActionConnect, audit.ActionDisconnect}) {
		t.Errorf("audit = %v", got)
	}
	err := fx.auth.Intercept(context.Background(), s, subscribeFrame("x", "/topic/news"))
	if !errors.Is(err, security.ErrInvalidArgument) {
		t.Errorf("frame after close: err = %v, want ErrInvalidArgument", err)
	}
}

func TestStompAuth_Swept(t *testing.T) {
	fx := newStompFixture(t, nil)
	fx.auth.Swept(context.Background(), []sessiondomain.Connection{{SessionID: "s9", UserID: "u9"}})
	if got := fx.audit.actions(); !slices.Equal(got, []string{audit.ActionSwept}) {
		t.Errorf("audit = %v", got)
	}
}

func TestRejectReason(t *testing.T) {
	tests := map[error]string{
		security.ErrInvalidToken:    "invalid_token",
		security.ErrAccessDenied:    "access_denied",
		security.ErrInvalidArgument: "invalid_argument",
		errors.New("boom"):          "error",
	}
	for err, want := range tests {
		if got := RejectReason(err); got != want {
			t.Errorf("RejectReason(%v) = %q, want %q", err, got, want)
		}
	}
}
