package domain

import "time"

// TypeBearer is the only token type persisted today.
const TypeBearer = "BEARER"

// IssuedToken is a persisted access token. Rows are revoked, never deleted.
type IssuedToken struct {
	ID        string
	Token     string
	TokenType string
	Revoked   bool
	Expired   bool
	UserID    string
	CreatedAt time.Time
}

// Valid reports whether the token has been neither revoked nor expired.
func (t *IssuedToken) Valid() bool {
	return t != nil && !t.Revoked && !t.Expired
}
