package domain

import "time"

// EventType is the kind of presence change.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventSwept        EventType = "swept"
)

// PresenceEvent records a session joining or leaving the registry.
type PresenceEvent struct {
	Type           EventType `json:"type"`
	SessionID      string    `json:"sessionId"`
	UserID         string    `json:"userId"`
	UserType       string    `json:"userType,omitempty"`
	CityID         string    `json:"cityId,omitempty"`
	ConnectionType string    `json:"connectionType,omitempty"`
	At             time.Time `json:"at"`
}
