package domain

import (
	"errors"
	"strings"
	"time"
)

// User is an account that can log in and open real-time sessions.
type User struct {
	ID           string
	Email        string
	Identifier   string // login handle; equals Email for email sign-ups
	PasswordHash string
	Enabled      bool
	Archived     bool
	UserType     string // DRIVER, USER, ADMIN, ...
	CountryCode  string
	City         string
	CityID       string
	Roles        []Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Role is a named role with the permission codes it grants.
type Role struct {
	Code        string
	Name        string
	Permissions []string
}

// ErrIdentifierTaken is returned by Create when the identifier or email already exists,
// including accounts hidden from lookups because they are disabled or archived.
var ErrIdentifierTaken = errors.New("identifier already registered")

// DefaultUserType is assigned when a user is created without one.
const DefaultUserType = "USER"

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if strings.TrimSpace(u.Identifier) == "" {
		return errors.New("identifier is required")
	}
	if u.UserType == "" {
		u.UserType = DefaultUserType
	}
	return nil
}

// CanAuthenticate reports whether the account may log in.
func (u *User) CanAuthenticate() bool {
	return u != nil && u.Enabled && !u.Archived
}

// RoleCodes returns the codes of the user's roles in order.
func (u *User) RoleCodes() []string {
	out := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		out = append(out, r.Code)
	}
	return out
}

// Authorities returns role codes followed by permission codes, without duplicates.
func (u *User) Authorities() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(u.Roles))
	add := func(s string) {
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, r := range u.Roles {
		add(r.Code)
	}
	for _, r := range u.Roles {
		for _, p := range r.Permissions {
			add(p)
		}
	}
	return out
}
