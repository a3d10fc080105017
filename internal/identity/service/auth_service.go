// Package service implements login, refresh, logout and token validation.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/devtizi/city-cab/internal/audit"
	"github.com/devtizi/city-cab/internal/security"
	tokendomain "github.com/devtizi/city-cab/internal/token/domain"
	userdomain "github.com/devtizi/city-cab/internal/user/domain"
)

const bearerPrefix = "Bearer "

// UserRepo is the minimal user repository needed by the auth service.
type UserRepo interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
	GetByIdentifier(ctx context.Context, identifier string) (*userdomain.User, error)
	Create(ctx context.Context, u *userdomain.User) error
}

// TokenRepo is the minimal issued-token repository needed by the auth service.
type TokenRepo interface {
	Create(ctx context.Context, t *tokendomain.IssuedToken) error
	Revoke(ctx context.Context, token string) error
	RevokeAllAndCreate(ctx context.Context, userID string, t *tokendomain.IssuedToken) ([]string, error)
}

// RevocationMarker publishes revocations to other processes.
type RevocationMarker interface {
	MarkRevoked(ctx context.Context, token string, expiresAt time.Time) error
}

// TokenForgetter drops cached status answers for a token.
type TokenForgetter interface {
	Forget(token string)
}

// LoginRequest carries credentials. Identifier falls back to Email.
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Email      string `json:"email"`
	Password   string `json:"password"`
}

// UserResponse is the public view of a user returned by Login.
type UserResponse struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Identifier  string    `json:"identifier"`
	UserType    string    `json:"userType"`
	CountryCode string    `json:"countryCode"`
	City        string    `json:"city"`
	CityID      string    `json:"cityId"`
	Roles       []string  `json:"roles"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AuthResult is the outcome of Login.
type AuthResult struct {
	User         UserResponse `json:"user"`
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	ExpiresAt    time.Time    `json:"expiresAt"`
}

// TokenPair is the outcome of Refresh. The refresh token is returned unchanged.
type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Deps are the collaborators of AuthService. Revocations, Status and Audit may be nil.
type Deps struct {
	Users       UserRepo
	Tokens      TokenRepo
	Hasher      *security.Hasher
	Provider    *security.TokenProvider
	Revocations RevocationMarker
	Status      TokenForgetter
	Audit       audit.AuditLogger
	Logger      *slog.Logger
}

// AuthService orchestrates the token lifecycle around the user and token stores.
type AuthService struct {
	users       UserRepo
	tokens      TokenRepo
	hasher      *security.Hasher
	provider    *security.TokenProvider
	revocations RevocationMarker
	status      TokenForgetter
	audit       audit.AuditLogger
	logger      *slog.Logger
	nowF        func() time.Time
}

// NewAuthService returns an AuthService with the given dependencies.
func NewAuthService(d Deps) *AuthService {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{
		users:       d.Users,
		tokens:      d.Tokens,
		hasher:      d.Hasher,
		provider:    d.Provider,
		revocations: d.Revocations,
		status:      d.Status,
		audit:       d.Audit,
		logger:      logger.With("component", "auth_service"),
		nowF:        time.Now,
	}
}

// Login authenticates the credentials and issues an access and a refresh token. An unknown identifier
// registers a new USER account with the given password; a known one must match its password.
// The access token is persisted as valid.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	identifier := strings.TrimSpace(req.Identifier)
	if identifier == "" {
		identifier = email
	}
	if identifier == "" {
		return nil, fmt.Errorf("%w: identifier or email is required", security.ErrInvalidArgument)
	}
	if req.Password == "" {
		return nil, fmt.Errorf("%w: password is required", security.ErrInvalidArgument)
	}

	user, err := s.users.GetByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if user == nil {
		user, err = s.register(ctx, identifier, email, req.Password)
		if err != nil {
			s.logAudit(ctx, "", audit.ActionLoginFailure, identifier)
			return nil, err
		}
	} else if err := s.hasher.Compare(user.PasswordHash, req.Password); err != nil {
		s.logAudit(ctx, user.ID, audit.ActionLoginFailure, identifier)
		return nil, fmt.Errorf("%w: invalid credentials", security.ErrSecurity)
	}

	access, err := s.provider.IssueAccessToken(claimsFor(user))
	if err != nil {
		return nil, err
	}
	refresh, err := s.provider.IssueRefreshToken(user.ID)
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Create(ctx, s.newIssuedToken(user.ID, access)); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "login succeeded", "user_id", user.ID, "token_fp", security.ShortFingerprint(access))
	s.logAudit(ctx, user.ID, audit.ActionLoginSuccess, "")
	return &AuthResult{
		User:         toUserResponse(user),
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    s.nowF().Add(s.provider.AccessTTL()).UTC(),
	}, nil
}

func (s *AuthService) register(ctx context.Context, identifier, email, password string) (*userdomain.User, error) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}
	now := s.nowF().UTC()
	u := &userdomain.User{
		ID:           uuid.New().String(),
		Email:        email,
		Identifier:   identifier,
		PasswordHash: hash,
		Enabled:      true,
		UserType:     userdomain.DefaultUserType,
		Roles:        []userdomain.Role{{Code: security.RoleUser}},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := u.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", security.ErrInvalidArgument, err)
	}
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, userdomain.ErrIdentifierTaken) {
			return nil, fmt.Errorf("%w: account unavailable", security.ErrSecurity)
		}
		return nil, err
	}
	s.logger.InfoContext(ctx, "user registered on first login", "user_id", u.ID)
	return u, nil
}

// Refresh exchanges the refresh token in authorizationHeader ("Bearer <token>") for a new access token.
// Every still-valid token of the user is revoked in the same transaction that stores the new one.
func (s *AuthService) Refresh(ctx context.Context, authorizationHeader string) (*TokenPair, error) {
	if !strings.HasPrefix(authorizationHeader, bearerPrefix) {
		return nil, fmt.Errorf("%w: missing or invalid Authorization header", security.ErrSecurity)
	}
	refresh := strings.TrimSpace(authorizationHeader[len(bearerPrefix):])
	userID, err := s.provider.RefreshSubject(refresh)
	if err != nil {
		s.logAudit(ctx, "", audit.ActionRefreshFailed, security.ShortFingerprint(refresh))
		return nil, fmt.Errorf("%w: invalid or expired refresh token", security.ErrSecurity)
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.CanAuthenticate() {
		s.logAudit(ctx, userID, audit.ActionRefreshFailed, "account unavailable")
		return nil, fmt.Errorf("%w: unauthorized access", security.ErrSecurity)
	}

	access, err := s.provider.IssueAccessToken(claimsFor(user))
	if err != nil {
		return nil, err
	}
	revoked, err := s.tokens.RevokeAllAndCreate(ctx, user.ID, s.newIssuedToken(user.ID, access))
	if err != nil {
		return nil, err
	}
	for _, t := range revoked {
		s.publishRevocation(ctx, t)
	}
	s.logger.InfoContext(ctx, "tokens refreshed", "user_id", user.ID, "revoked", len(revoked))
	s.logAudit(ctx, user.ID, audit.ActionRefresh, "")
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    s.nowF().Add(s.provider.AccessTTL()).UTC(),
	}, nil
}

// Logout revokes the presented access token. Unknown or already expired tokens are still marked
// revoked in the store; the call only fails when no token is given.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: missing bearer token", security.ErrSecurity)
	}
	if err := s.tokens.Revoke(ctx, token); err != nil {
		return err
	}
	s.publishRevocation(ctx, token)
	userID := ""
	if c, err := s.provider.Decode(token); err == nil {
		userID = c.UserID
	}
	s.logger.InfoContext(ctx, "logout", "user_id", userID, "token_fp", security.ShortFingerprint(token))
	s.logAudit(ctx, userID, audit.ActionLogout, "")
	return nil
}

// Validate decodes token and returns its claims without touching any store.
func (s *AuthService) Validate(token string) (*security.AuthClaims, error) {
	return s.provider.Decode(token)
}

// publishRevocation evicts the token from the status cache and flags it in the revocation store
// until it would have expired anyway.
func (s *AuthService) publishRevocation(ctx context.Context, token string) {
	if s.status != nil {
		s.status.Forget(token)
	}
	if s.revocations == nil {
		return
	}
	expiresAt := s.nowF().Add(s.provider.AccessTTL())
	if c, err := s.provider.Decode(token); err == nil && !c.ExpiresAt.IsZero() {
		expiresAt = c.ExpiresAt
	}
	if err := s.revocations.MarkRevoked(ctx, token, expiresAt); err != nil {
		s.logger.WarnContext(ctx, "failed to publish revocation", "token_fp", security.ShortFingerprint(token), "error", err)
	}
}

func (s *AuthService) newIssuedToken(userID, token string) *tokendomain.IssuedToken {
	return &tokendomain.IssuedToken{
		ID:        uuid.New().String(),
		Token:     token,
		TokenType: tokendomain.TypeBearer,
		UserID:    userID,
		CreatedAt: s.nowF().UTC(),
	}
}

func (s *AuthService) logAudit(ctx context.Context, userID, action, metadata string) {
	if s.audit == nil {
		return
	}
	s.audit.LogEvent(ctx, audit.Event{UserID: userID, Action: action, Resource: audit.ResourceAuth, Metadata: metadata})
}

func claimsFor(u *userdomain.User) security.AuthClaims {
	return security.AuthClaims{
		UserID:      u.ID,
		Username:    u.Identifier,
		UserType:    u.UserType,
		Roles:       u.RoleCodes(),
		Authorities: u.Authorities(),
		CityID:      u.CityID,
		City:        u.City,
		CountryCode: u.CountryCode,
	}
}

func toUserResponse(u *userdomain.User) UserResponse {
	return UserResponse{
		ID:          u.ID,
		Email:       u.Email,
		Identifier:  u.Identifier,
		UserType:    u.UserType,
		CountryCode: u.CountryCode,
		City:        u.City,
		CityID:      u.CityID,
		Roles:       u.RoleCodes(),
		CreatedAt:   u.CreatedAt,
	}
}
