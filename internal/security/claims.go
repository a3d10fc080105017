package security

import (
	"slices"
	"strings"
	"time"
)

// Role and user-type codes carried in tokens.
const (
	RoleRootAdmin = "ROOTADMIN"
	RoleAdmin     = "ADMIN"
	RoleManager   = "MANAGER"
	RoleDriver    = "DRIVER"
	RoleDeliver   = "DELIVER"
	RoleUser      = "USER"
)

// TokenTypeRefresh marks refresh tokens in the tokenType claim.
const TokenTypeRefresh = "REFRESH"

// AuthClaims is the verified identity extracted from an access token.
type AuthClaims struct {
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	UserType    string    `json:"userType"`
	Roles       []string  `json:"roles"`
	Authorities []string  `json:"authorities"`
	CityID      string    `json:"cityId"`
	City        string    `json:"city"`
	CountryCode string    `json:"countryCode"`
	TokenType   string    `json:"tokenType,omitempty"`
	Issuer      string    `json:"iss"`
	Audience    []string  `json:"aud"`
	IssuedAt    time.Time `json:"iat"`
	ExpiresAt   time.Time `json:"exp"`

	// SessionRoles are granted by the gateway for the lifetime of a connection.
	// They never count towards IsAdmin or HasAuthority.
	SessionRoles []string `json:"-"`
}

// HasAuthority reports whether a is one of the granted authorities.
func (c *AuthClaims) HasAuthority(a string) bool {
	return c != nil && slices.Contains(c.Authorities, a)
}

// IsAdmin reports whether any token authority names an administrative role.
// "ROOTADMIN" contains "ADMIN", so one substring test covers both.
func (c *AuthClaims) IsAdmin() bool {
	if c == nil {
		return false
	}
	for _, a := range c.Authorities {
		if strings.Contains(a, RoleAdmin) {
			return true
		}
	}
	return false
}

// IsRefresh reports whether the claims came from a refresh token.
func (c *AuthClaims) IsRefresh() bool {
	return c != nil && c.TokenType == TokenTypeRefresh
}

// HasSessionRole reports whether r was granted to the connection.
func (c *AuthClaims) HasSessionRole(r string) bool {
	return c != nil && slices.Contains(c.SessionRoles, r)
}

// WithSessionRole returns a copy of c with r added to the session roles, if missing.
// The token authorities are left untouched.
func (c *AuthClaims) WithSessionRole(r string) *AuthClaims {
	out := *c
	out.Roles = slices.Clone(c.Roles)
	out.Authorities = slices.Clone(c.Authorities)
	out.Audience = slices.Clone(c.Audience)
	out.SessionRoles = slices.Clone(c.SessionRoles)
	if !slices.Contains(out.SessionRoles, r) {
		out.SessionRoles = append(out.SessionRoles, r)
	}
	return &out
}
