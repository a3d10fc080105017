package interceptors

import (
	"context"
	"sync"
	"testing"

	"github.com/devtizi/city-cab/internal/audit"
	"github.com/devtizi/city-cab/internal/security"
)

func newTokens(t *testing.T) *security.TokenProvider {
	t.Helper()
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	return tokens
}

func issue(t *testing.T, tokens *security.TokenProvider, c security.AuthClaims) string {
	t.Helper()
	tok, err := tokens.IssueAccessToken(c)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	return tok
}

func driverClaims() security.AuthClaims {
	return security.AuthClaims{
		UserID:      "d1",
		Username:    "driver1",
		UserType:    security.RoleDriver,
		CityID:      "JHB",
		CountryCode: "ZA",
		Roles:       []string{security.RoleDriver},
		Authorities: []string{security.RoleDriver},
	}
}

// fakeStatus implements StatusChecker.
type fakeStatus struct {
	active bool
	err    error
}

func (f fakeStatus) Active(context.Context, string) (bool, error) { return f.active, f.err }

// memAudit records audit events.
type memAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memAudit) LogEvent(_ context.Context, ev audit.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *memAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Action
	}
	return out
}
