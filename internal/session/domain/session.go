package domain

import (
	"strings"
	"time"
)

// ConnectionType is a coarse client classification recorded for observability only.
type ConnectionType string

const (
	ConnectionMobile ConnectionType = "MOBILE"
	ConnectionTest   ConnectionType = "TEST"
	ConnectionWeb    ConnectionType = "WEB"
)

// ClassifyUserAgent maps a client-supplied User-Agent to a ConnectionType.
func ClassifyUserAgent(userAgent string) ConnectionType {
	switch {
	case strings.Contains(userAgent, "Android"), strings.Contains(userAgent, "iOS"):
		return ConnectionMobile
	case strings.Contains(userAgent, "Postman"), strings.Contains(userAgent, "curl"):
		return ConnectionTest
	default:
		return ConnectionWeb
	}
}

// Connection is one live real-time session.
type Connection struct {
	SessionID      string         `json:"sessionId"`
	UserID         string         `json:"userId"`
	UserType       string         `json:"userType"`
	CityID         string         `json:"cityId"`
	CountryCode    string         `json:"countryCode"`
	ConnectionType ConnectionType `json:"connectionType"`
	ConnectedAt    time.Time      `json:"connectedAt"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
	DisconnectedAt *time.Time     `json:"disconnectedAt,omitempty"` // nil while active
	IsActive       bool           `json:"isActive"`
}

// IdleSince reports whether the last activity is strictly before cutoff.
func (c *Connection) IdleSince(cutoff time.Time) bool {
	return c.LastActivityAt.Before(cutoff)
}
