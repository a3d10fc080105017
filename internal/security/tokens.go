package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims is the wire form of both token kinds. Refresh tokens only fill the registered claims and TokenType.
type tokenClaims struct {
	jwt.RegisteredClaims
	UserID      string   `json:"userId,omitempty"`
	Username    string   `json:"username,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Authorities []string `json:"authorities,omitempty"`
	UserType    string   `json:"userType,omitempty"`
	CountryCode string   `json:"countryCode,omitempty"`
	CityID      string   `json:"cityId,omitempty"`
	City        string   `json:"city,omitempty"`
	TokenType   string   `json:"tokenType,omitempty"`
}

// TokenProvider issues and validates access and refresh JWTs using RS256 or ES256 (private/public key).
// It holds no mutable state and is safe for concurrent use.
type TokenProvider struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	issuer     string
	audience   []string
	accessTTL  time.Duration
	refreshTTL time.Duration
	nowF       func() time.Time
}

// NewTokenProvider returns a TokenProvider that signs with the given private key (RS256 or ES256).
// audience is stamped on access tokens (e.g. web, mobile).
func NewTokenProvider(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer string, audience []string, accessTTL, refreshTTL time.Duration) *TokenProvider {
	return &TokenProvider{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		nowF:       func() time.Time { return time.Now().UTC() },
	}
}

// PublicKey returns the verification key, e.g. for JWKS publication.
func (p *TokenProvider) PublicKey() crypto.PublicKey { return p.publicKey }

// AccessTTL returns the configured access token lifetime.
func (p *TokenProvider) AccessTTL() time.Duration { return p.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (p *TokenProvider) RefreshTTL() time.Duration { return p.refreshTTL }

// IssueAccessToken signs an access token for the identity in c.
// Subject is the username; issuer, audience, iat and exp are set by the provider.
func (p *TokenProvider) IssueAccessToken(c AuthClaims) (string, error) {
	jti, err := generateJTI()
	if err != nil {
		return "", err
	}
	now := p.nowF()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   c.Username,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings(p.audience),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.accessTTL)),
		},
		UserID:      c.UserID,
		Username:    c.Username,
		Roles:       c.Roles,
		Authorities: c.Authorities,
		UserType:    c.UserType,
		CountryCode: c.CountryCode,
		CityID:      c.CityID,
		City:        c.City,
	}
	return p.sign(claims)
}

// IssueRefreshToken signs a long-lived refresh token whose subject is userID.
func (p *TokenProvider) IssueRefreshToken(userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalidArgument)
	}
	jti, err := generateJTI()
	if err != nil {
		return "", err
	}
	now := p.nowF()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.refreshTTL)),
		},
		TokenType: TokenTypeRefresh,
	}
	return p.sign(claims)
}

func (p *TokenProvider) sign(claims jwt.Claims) (string, error) {
	var method jwt.SigningMethod
	switch p.privateKey.Public().(type) {
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	default:
		return "", ErrInvalidKey
	}
	t := jwt.NewWithClaims(method, claims)
	return t.SignedString(p.privateKey)
}

// Decode verifies signature, expiry and issuer, then extracts the claims.
// Every failure is reported as ErrInvalidToken. Absent optional claims come back empty.
func (p *TokenProvider) Decode(tokenString string) (*AuthClaims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); ok {
			return p.publicKey, nil
		}
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); ok {
			return p.publicKey, nil
		}
		return nil, ErrInvalidToken
	},
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.nowF),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: expired", ErrInvalidToken)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	tc, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	out := &AuthClaims{
		UserID:      tc.UserID,
		Username:    tc.Username,
		UserType:    tc.UserType,
		Roles:       nonNil(tc.Roles),
		Authorities: nonNil(tc.Authorities),
		CityID:      tc.CityID,
		City:        tc.City,
		CountryCode: tc.CountryCode,
		TokenType:   tc.TokenType,
		Issuer:      tc.Issuer,
		Audience:    nonNil([]string(tc.Audience)),
	}
	if out.Username == "" && !out.IsRefresh() {
		out.Username = tc.Subject
	}
	if out.IsRefresh() {
		out.UserID = tc.Subject
	}
	if tc.IssuedAt != nil {
		out.IssuedAt = tc.IssuedAt.Time
	}
	if tc.ExpiresAt != nil {
		out.ExpiresAt = tc.ExpiresAt.Time
	}
	return out, nil
}

// IsValid reports whether Decode would succeed.
func (p *TokenProvider) IsValid(tokenString string) bool {
	_, err := p.Decode(tokenString)
	return err == nil
}

// RefreshSubject decodes a refresh token and returns its subject user id.
// Access tokens are rejected.
func (p *TokenProvider) RefreshSubject(tokenString string) (string, error) {
	c, err := p.Decode(tokenString)
	if err != nil {
		return "", err
	}
	if !c.IsRefresh() || c.UserID == "" {
		return "", fmt.Errorf("%w: not a refresh token", ErrInvalidToken)
	}
	return c.UserID, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
