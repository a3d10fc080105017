package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devtizi/city-cab/internal/audit"
	"github.com/devtizi/city-cab/internal/logging"
	"github.com/devtizi/city-cab/internal/security"
	tokendomain "github.com/devtizi/city-cab/internal/token/domain"
	userdomain "github.com/devtizi/city-cab/internal/user/domain"
)

type memUserRepo struct {
	mu           sync.Mutex
	byID         map[string]*userdomain.User
	byIdentifier map[string]*userdomain.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{byID: make(map[string]*userdomain.User), byIdentifier: make(map[string]*userdomain.User)}
}

func (r *memUserRepo) GetByID(_ context.Context, id string) (*userdomain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id], nil
}

func (r *memUserRepo) GetByIdentifier(_ context.Context, identifier string) (*userdomain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.byIdentifier[identifier]
	if !u.CanAuthenticate() {
		return nil, nil
	}
	return u, nil
}

func (r *memUserRepo) Create(_ context.Context, u *userdomain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byIdentifier[u.Identifier]; ok {
		return userdomain.ErrIdentifierTaken
	}
	r.byID[u.ID] = u
	r.byIdentifier[u.Identifier] = u
	return nil
}

type memTokenRepo struct {
	mu     sync.Mutex
	tokens []*tokendomain.IssuedToken
}

func (r *memTokenRepo) Create(_ context.Context, t *tokendomain.IssuedToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = append(r.tokens, t)
	return nil
}

func (r *memTokenRepo) Revoke(_ context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.Token == token {
			t.Revoked, t.Expired = true, true
		}
	}
	return nil
}

func (r *memTokenRepo) RevokeAllAndCreate(_ context.Context, userID string, nt *tokendomain.IssuedToken) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var revoked []string
	for _, t := range r.tokens {
		if t.UserID == userID && t.Valid() {
			t.Revoked, t.Expired = true, true
			revoked = append(revoked, t.Token)
		}
	}
	r.tokens = append(r.tokens, nt)
	return revoked, nil
}

func (r *memTokenRepo) get(token string) *tokendomain.IssuedToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.Token == token {
			return t
		}
	}
	return nil
}

type fakeRevocations struct {
	mu     sync.Mutex
	marked map[string]time.Time
}

func (f *fakeRevocations) MarkRevoked(_ context.Context, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.marked == nil {
		f.marked = make(map[string]time.Time)
	}
	f.marked[token] = expiresAt
	return nil
}

func (f *fakeRevocations) has(token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.marked[token]
	return ok
}

type fakeForgetter struct {
	mu        sync.Mutex
	forgotten []string
}

func (f *fakeForgetter) Forget(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, token)
}

type memAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memAudit) LogEvent(_ context.Context, ev audit.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *memAudit) has(action string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.Action == action {
			return true
		}
	}
	return false
}

type fixture struct {
	svc      *AuthService
	users    *memUserRepo
	tokens   *memTokenRepo
	revoked  *fakeRevocations
	forgot   *fakeForgetter
	audit    *memAudit
	provider *security.TokenProvider
	hasher   *security.Hasher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	provider, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	f := &fixture{
		users:    newMemUserRepo(),
		tokens:   &memTokenRepo{},
		revoked:  &fakeRevocations{},
		forgot:   &fakeForgetter{},
		audit:    &memAudit{},
		provider: provider,
		hasher:   security.NewHasher(4),
	}
	f.svc = NewAuthService(Deps{
		Users:       f.users,
		Tokens:      f.tokens,
		Hasher:      f.hasher,
		Provider:    provider,
		Revocations: f.revoked,
		Status:      f.forgot,
		Audit:       f.audit,
		Logger:      logging.Discard(),
	})
	return f
}

func (f *fixture) addUser(t *testing.T, id, identifier, password string) *userdomain.User {
	t.Helper()
	hash, err := f.hasher.Hash(password)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	u := &userdomain.User{
		ID:           id,
		Email:        identifier,
		Identifier:   identifier,
		PasswordHash: hash,
		Enabled:      true,
		UserType:     security.RoleDriver,
		CityID:       "JHB",
		City:         "Johannesburg",
		CountryCode:  "ZA",
		Roles:        []userdomain.Role{{Code: security.RoleDriver, Permissions: []string{"trip:accept"}}},
	}
	if err := f.users.Create(context.Background(), u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return u
}

func TestLogin_ExistingUser(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "d1", "driver@citycab.io", "s3cret")

	res, err := f.svc.Login(context.Background(), LoginRequest{Email: "Driver@CityCab.io ", Password: "s3cret"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.User.ID != "d1" || res.User.CityID != "JHB" {
		t.Errorf("user = %+v", res.User)
	}
	claims, err := f.provider.Decode(res.AccessToken)
	if err != nil {
		t.Fatalf("Decode access: %v", err)
	}
	if claims.UserID != "d1" || claims.UserType != security.RoleDriver || claims.CityID != "JHB" {
		t.Errorf("claims = %+v", claims)
	}
	if !claims.HasAuthority("trip:accept") {
		t.Errorf("authorities = %v, want trip:accept", claims.Authorities)
	}
	if sub, err := f.provider.RefreshSubject(res.RefreshToken); err != nil || sub != "d1" {
		t.Errorf("RefreshSubject = %q, %v", sub, err)
	}
	stored := f.tokens.get(res.AccessToken)
	if stored == nil || !stored.Valid() || stored.TokenType != tokendomain.TypeBearer {
		t.Errorf("stored token = %+v, want valid BEARER row", stored)
	}
	if f.tokens.get(res.RefreshToken) != nil {
		t.Error("refresh token should not be persisted")
	}
	if !f.audit.has(audit.ActionLoginSuccess) {
		t.Error("expected login_success audit event")
	}
}

func TestLogin_RegistersUnknownIdentifier(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Login(context.Background(), LoginRequest{Identifier: "+27820000000", Password: "pw"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	u, _ := f.users.GetByIdentifier(context.Background(), "+27820000000")
	if u == nil {
		t.Fatal("user was not created")
	}
	if u.UserType != userdomain.DefaultUserType || u.PasswordHash == "pw" {
		t.Errorf("created user = %+v", u)
	}
	if len(res.User.Roles) != 1 || res.User.Roles[0] != security.RoleUser {
		t.Errorf("roles = %v, want [USER]", res.User.Roles)
	}
	if err := f.hasher.Compare(u.PasswordHash, "pw"); err != nil {
		t.Errorf("stored hash does not match password: %v", err)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "d1", "driver@citycab.io", "s3cret")

	_, err := f.svc.Login(context.Background(), LoginRequest{Identifier: "driver@citycab.io", Password: "nope"})
	if !errors.Is(err, security.ErrSecurity) {
		t.Fatalf("err = %v, want ErrSecurity", err)
	}
	if len(f.tokens.tokens) != 0 {
		t.Error("no token should be stored on failed login")
	}
	if !f.audit.has(audit.ActionLoginFailure) {
		t.Error("expected login_failure audit event")
	}
}

func TestLogin_DisabledAccountCannotBeReclaimed(t *testing.T) {
	f := newFixture(t)
	u := f.addUser(t, "d1", "driver@citycab.io", "s3cret")
	u.Enabled = false

	_, err := f.svc.Login(context.Background(), LoginRequest{Identifier: "driver@citycab.io", Password: "other"})
	if !errors.Is(err, security.ErrSecurity) {
		t.Fatalf("err = %v, want ErrSecurity", err)
	}
}

func TestLogin_MissingFields(t *testing.T) {
	f := newFixture(t)
	for _, req := range []LoginRequest{{Password: "x"}, {Identifier: "a"}} {
		if _, err := f.svc.Login(context.Background(), req); !errors.Is(err, security.ErrInvalidArgument) {
			t.Errorf("Login(%+v) err = %v, want ErrInvalidArgument", req, err)
		}
	}
}

func TestRefresh_RevokesPriorTokens(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "d1", "driver@citycab.io", "s3cret")
	ctx := context.Background()

	first, err := f.svc.Login(ctx, LoginRequest{Identifier: "driver@citycab.io", Password: "s3cret"})
	if err != nil {
		t.Fatalf("Login 1: %v", err)
	}
	second, err := f.svc.Login(ctx, LoginRequest{Identifier: "driver@citycab.io", Password: "s3cret"})
	if err != nil {
		t.Fatalf("Login 2: %v", err)
	}
	t1, t2 := first.AccessToken, second.AccessToken

	pair, err := f.svc.Refresh(ctx, "Bearer "+second.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair.RefreshToken != second.RefreshToken {
		t.Error("refresh token should be returned unchanged")
	}
	for _, tok := range []string{t1, t2} {
		row := f.tokens.get(tok)
		if row == nil || !row.Revoked || !row.Expired {
			t.Errorf("prior token row = %+v, want revoked and expired", row)
		}
		if !f.revoked.has(tok) {
			t.Error("prior token should be marked in the revocation store")
		}
	}
	t3 := f.tokens.get(pair.AccessToken)
	if t3 == nil || !t3.Valid() {
		t.Errorf("new token row = %+v, want valid", t3)
	}
	if len(f.forgot.forgotten) != 2 {
		t.Errorf("forgotten = %d, want 2", len(f.forgot.forgotten))
	}
	if !f.audit.has(audit.ActionRefresh) {
		t.Error("expected token_refresh audit event")
	}
}

func TestRefresh_Rejections(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "d1", "driver@citycab.io", "s3cret")
	res, err := f.svc.Login(context.Background(), LoginRequest{Identifier: "driver@citycab.io", Password: "s3cret"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	orphan, err := f.provider.IssueRefreshToken("ghost")
	if err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"no bearer prefix", res.RefreshToken},
		{"garbage token", "Bearer not-a-jwt"},
		{"access token", "Bearer " + res.AccessToken},
		{"unknown user", "Bearer " + orphan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(f.tokens.tokens)
			_, err := f.svc.Refresh(context.Background(), tt.header)
			if !errors.Is(err, security.ErrSecurity) {
				t.Fatalf("err = %v, want ErrSecurity", err)
			}
			if len(f.tokens.tokens) != before {
				t.Error("no token should be stored on failed refresh")
			}
		})
	}
	if row := f.tokens.get(res.AccessToken); !row.Valid() {
		t.Error("failed refreshes must not revoke existing tokens")
	}
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "d1", "driver@citycab.io", "s3cret")
	res, err := f.svc.Login(context.Background(), LoginRequest{Identifier: "driver@citycab.io", Password: "s3cret"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := f.svc.Logout(context.Background(), res.AccessToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if row := f.tokens.get(res.AccessToken); row.Valid() {
		t.Error("token should be revoked after logout")
	}
	if !f.revoked.has(res.AccessToken) {
		t.Error("token should be marked in the revocation store")
	}
	if len(f.forgot.forgotten) != 1 || f.forgot.forgotten[0] != res.AccessToken {
		t.Errorf("forgotten = %v", f.forgot.forgotten)
	}
	if !f.audit.has(audit.ActionLogout) {
		t.Error("expected logout audit event")
	}

	if err := f.svc.Logout(context.Background(), "  "); !errors.Is(err, security.ErrSecurity) {
		t.Errorf("empty logout err = %v, want ErrSecurity", err)
	}
}

func TestValidate(t *testing.T) {
	f := newFixture(t)
	tok, err := f.provider.IssueAccessToken(security.AuthClaims{UserID: "u1", Username: "rider", UserType: "USER"})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	c, err := f.svc.Validate(tok)
	if err != nil || c.UserID != "u1" {
		t.Fatalf("Validate = %+v, %v", c, err)
	}
	if _, err := f.svc.Validate(strings.Repeat("x", 10)); !errors.Is(err, security.ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}
