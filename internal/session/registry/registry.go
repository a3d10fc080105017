// Package registry tracks live real-time sessions and the user, city and subscription indices derived
// from them. All state is in memory and sharded so that unrelated sessions never contend on one lock.
package registry

import (
	"log/slog"
	"time"

	"github.com/devtizi/city-cab/internal/session/domain"
)

// DriverUserType is the user type counted by ActiveDriversInCity.
const DriverUserType = "DRIVER"

// Registration is the input to Register.
type Registration struct {
	SessionID      string
	UserID         string
	UserType       string
	CityID         string
	CountryCode    string
	ConnectionType domain.ConnectionType
}

// Registry is the in-memory connection registry.
//
// Every mutation that spans indices holds the write locks of all shards it touches for its whole
// duration, so readers see either the state before or after it. Getters return copies.
type Registry struct {
	shards [shardCount]*shard
	nowF   func() time.Time
	logger *slog.Logger
}

// New returns an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		nowF:   func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "connection_registry"),
	}
	for i := range r.shards {
		r.shards[i] = newShard()
	}
	return r
}

// Register records an active connection. A second Register for the same session id replaces the
// first; the previous record is purged from every index before the new one is inserted.
func (r *Registry) Register(reg Registration) domain.Connection {
	now := r.nowF()
	conn := &domain.Connection{
		SessionID:      reg.SessionID,
		UserID:         reg.UserID,
		UserType:       reg.UserType,
		CityID:         reg.CityID,
		CountryCode:    reg.CountryCode,
		ConnectionType: reg.ConnectionType,
		ConnectedAt:    now,
		LastActivityAt: now,
		IsActive:       true,
	}
	si := shardIndex(reg.SessionID)

	for {
		prev := r.peek(si, reg.SessionID)
		idx := []int{si, shardIndex(reg.UserID)}
		if reg.CityID != "" {
			idx = append(idx, shardIndex(reg.CityID))
		}
		if prev != nil {
			idx = append(idx, shardIndex(prev.UserID))
			if prev.CityID != "" {
				idx = append(idx, shardIndex(prev.CityID))
			}
		}
		unlock := r.lockShards(idx...)
		if r.shards[si].connections[reg.SessionID] != prev {
			// Replaced or removed between peek and lock; recompute the shard set.
			unlock()
			continue
		}
		if prev != nil {
			r.unindex(prev)
		}
		r.shards[si].connections[reg.SessionID] = conn
		addToSet(r.shards[shardIndex(reg.UserID)].userSessions, reg.UserID, reg.SessionID)
		if reg.CityID != "" {
			cs := r.shards[shardIndex(reg.CityID)]
			users, ok := cs.cityUsers[reg.CityID]
			if !ok {
				users = make(map[string]int)
				cs.cityUsers[reg.CityID] = users
			}
			users[reg.UserID]++
		}
		out := *conn
		unlock()

		if prev != nil {
			r.logger.Warn("session re-registered, previous record replaced",
				"session_id", reg.SessionID, "user_id", reg.UserID, "previous_user_id", prev.UserID)
		} else {
			r.logger.Info("session registered",
				"session_id", reg.SessionID, "user_id", reg.UserID, "user_type", reg.UserType,
				"city_id", reg.CityID, "connection_type", reg.ConnectionType)
		}
		return out
	}
}

// AddSubscription adds destination to the session's subscription set and bumps its activity.
// A missing connection is tolerated; only the activity bump is skipped.
func (r *Registry) AddSubscription(sessionID, userID, destination string) {
	s := r.shards[shardIndex(sessionID)]
	s.mu.Lock()
	addToSet(s.subscriptions, sessionID, destination)
	if c, ok := s.connections[sessionID]; ok {
		c.LastActivityAt = r.nowF()
	}
	s.mu.Unlock()
	r.logger.Debug("subscription added", "session_id", sessionID, "user_id", userID, "destination", destination)
}

// RemoveSubscription drops destination from the session's subscription set.
func (r *Registry) RemoveSubscription(sessionID, destination string) {
	s := r.shards[shardIndex(sessionID)]
	s.mu.Lock()
	removeFromSet(s.subscriptions, sessionID, destination)
	s.mu.Unlock()
}

// Remove purges the session from every index and returns its final state (inactive, with
// DisconnectedAt set). ok is false when the session was already absent.
func (r *Registry) Remove(sessionID string) (domain.Connection, bool) {
	c, ok := r.removeIf(sessionID, nil)
	if ok {
		r.logger.Info("session removed", "session_id", sessionID, "user_id", c.UserID, "city_id", c.CityID)
	}
	return c, ok
}

// removeIf removes sessionID when pred is nil or returns true for the current record.
func (r *Registry) removeIf(sessionID string, pred func(*domain.Connection) bool) (domain.Connection, bool) {
	si := shardIndex(sessionID)
	for {
		prev := r.peek(si, sessionID)
		if prev == nil {
			// Orphan subscriptions may exist for a session that never registered.
			s := r.shards[si]
			s.mu.Lock()
			if s.connections[sessionID] != nil {
				s.mu.Unlock()
				continue
			}
			delete(s.subscriptions, sessionID)
			s.mu.Unlock()
			return domain.Connection{}, false
		}
		idx := []int{si, shardIndex(prev.UserID)}
		if prev.CityID != "" {
			idx = append(idx, shardIndex(prev.CityID))
		}
		unlock := r.lockShards(idx...)
		if r.shards[si].connections[sessionID] != prev {
			unlock()
			continue
		}
		if pred != nil && !pred(prev) {
			unlock()
			return domain.Connection{}, false
		}
		r.unindex(prev)
		delete(r.shards[si].subscriptions, sessionID)
		now := r.nowF()
		prev.IsActive = false
		prev.DisconnectedAt = &now
		out := *prev
		unlock()
		return out, true
	}
}

// unindex removes c from the connection, user and city indices. Callers hold the relevant shard locks.
func (r *Registry) unindex(c *domain.Connection) {
	delete(r.shards[shardIndex(c.SessionID)].connections, c.SessionID)
	removeFromSet(r.shards[shardIndex(c.UserID)].userSessions, c.UserID, c.SessionID)
	if c.CityID == "" {
		return
	}
	cs := r.shards[shardIndex(c.CityID)]
	users, ok := cs.cityUsers[c.CityID]
	if !ok {
		return
	}
	if users[c.UserID] <= 1 {
		delete(users, c.UserID)
	} else {
		users[c.UserID]--
	}
	if len(users) == 0 {
		delete(cs.cityUsers, c.CityID)
	}
}

func (r *Registry) peek(si int, sessionID string) *domain.Connection {
	s := r.shards[si]
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connections[sessionID]
}

// Get returns a copy of the connection for sessionID.
func (r *Registry) Get(sessionID string) (domain.Connection, bool) {
	s := r.shards[shardIndex(sessionID)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connections[sessionID]
	if !ok {
		return domain.Connection{}, false
	}
	return *c, true
}

// TouchActivity refreshes the session's last activity time. Unknown sessions are ignored.
func (r *Registry) TouchActivity(sessionID string) {
	s := r.shards[shardIndex(sessionID)]
	s.mu.Lock()
	if c, ok := s.connections[sessionID]; ok {
		c.LastActivityAt = r.nowF()
	}
	s.mu.Unlock()
}

// SessionsOf returns the session ids held by userID, sorted.
func (r *Registry) SessionsOf(userID string) []string {
	s := r.shards[shardIndex(userID)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	return setKeys(s.userSessions[userID])
}

// UsersInCity returns the ids of users with at least one session in cityID, sorted.
func (r *Registry) UsersInCity(cityID string) []string {
	s := r.shards[shardIndex(cityID)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	return setKeys(s.cityUsers[cityID])
}

// Subscriptions returns the destinations the session is subscribed to, sorted.
func (r *Registry) Subscriptions(sessionID string) []string {
	s := r.shards[shardIndex(sessionID)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	return setKeys(s.subscriptions[sessionID])
}

// SessionsSubscribedTo scans every session's subscriptions for destination. Intended for fan-out,
// not for the authorization path.
func (r *Registry) SessionsSubscribedTo(destination string) []string {
	var out []string
	for _, s := range r.shards {
		s.mu.RLock()
		for sid, subs := range s.subscriptions {
			if _, ok := subs[destination]; ok {
				out = append(out, sid)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// ActiveConnections returns copies of all active connections.
func (r *Registry) ActiveConnections() []domain.Connection {
	return r.collect(func(c *domain.Connection) bool { return c.IsActive })
}

// ActiveDriversInCity returns active DRIVER connections in cityID.
func (r *Registry) ActiveDriversInCity(cityID string) []domain.Connection {
	return r.collect(func(c *domain.Connection) bool {
		return c.IsActive && c.UserType == DriverUserType && c.CityID == cityID
	})
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.connections)
		s.mu.RUnlock()
	}
	return n
}

func (r *Registry) collect(match func(*domain.Connection) bool) []domain.Connection {
	var out []domain.Connection
	for _, s := range r.shards {
		s.mu.RLock()
		for _, c := range s.connections {
			if match(c) {
				out = append(out, *c)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// SweepIdle removes every active connection whose last activity is strictly older than now-timeout
// and returns the removed records. Candidates are collected shard by shard under read locks, then
// removed one at a time; a session touched in between is kept.
func (r *Registry) SweepIdle(timeout time.Duration) []domain.Connection {
	cutoff := r.nowF().Add(-timeout)
	var candidates []string
	for _, s := range r.shards {
		s.mu.RLock()
		for sid, c := range s.connections {
			if c.IsActive && c.IdleSince(cutoff) {
				candidates = append(candidates, sid)
			}
		}
		s.mu.RUnlock()
	}

	var removed []domain.Connection
	for _, sid := range candidates {
		c, ok := r.removeIf(sid, func(c *domain.Connection) bool { return c.IdleSince(cutoff) })
		if ok {
			removed = append(removed, c)
			r.logger.Info("idle session swept", "session_id", sid, "user_id", c.UserID,
				"last_activity_at", c.LastActivityAt)
		}
	}
	if len(removed) > 0 {
		r.logger.Info("idle sweep finished", "removed", len(removed), "timeout", timeout)
	} else {
		r.logger.Debug("idle sweep finished", "removed", 0, "timeout", timeout)
	}
	return removed
}
