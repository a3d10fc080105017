package interceptors

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/devtizi/city-cab/internal/logging"
)

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Bearer abc.def", "abc.def"},
		{"bearer abc.def", "abc.def"},
		{"  BEARER   abc.def  ", "abc.def"},
		{"abc.def", "abc.def"},
		{"Bearer ", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExtractBearer(tt.in); got != tt.want {
			t.Errorf("ExtractBearer(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func serveProtected(t *testing.T, mw func(http.Handler) http.Handler, authz string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var seen string
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := GetUserID(r.Context()); ok {
			seen = id
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	r := httptest.NewRequest(http.MethodGet, "/api/v1/admin/connections", nil)
	if authz != "" {
		r.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec, seen
}

func TestRequireBearer_NoToken(t *testing.T) {
	rec, _ := serveProtected(t, RequireBearer(newTokens(t), nil, logging.Discard()), "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRequireBearer_ValidToken(t *testing.T) {
	tokens := newTokens(t)
	tok := issue(t, tokens, driverClaims())
	rec, seen := serveProtected(t, RequireBearer(tokens, nil, logging.Discard()), "Bearer "+tok)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if seen != "d1" {
		t.Errorf("user id in context = %q, want d1", seen)
	}
}

func TestRequireBearer_InvalidToken(t *testing.T) {
	rec, _ := serveProtected(t, RequireBearer(newTokens(t), nil, logging.Discard()), "Bearer not.a.jwt")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRequireBearer_RefreshTokenRejected(t *testing.T) {
	tokens := newTokens(t)
	refresh, err := tokens.IssueRefreshToken("d1")
	if err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}
	rec, _ := serveProtected(t, RequireBearer(tokens, nil, logging.Discard()), "Bearer "+refresh)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRequireBearer_StatusChecker(t *testing.T) {
	tokens := newTokens(t)
	tok := issue(t, tokens, driverClaims())

	rec, _ := serveProtected(t, RequireBearer(tokens, fakeStatus{active: false}, logging.Discard()), "Bearer "+tok)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("revoked: status = %d, want 401", rec.Code)
	}
	rec, _ = serveProtected(t, RequireBearer(tokens, fakeStatus{err: errors.New("db down")}, logging.Discard()), "Bearer "+tok)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status error: status = %d, want 401", rec.Code)
	}
	rec, _ = serveProtected(t, RequireBearer(tokens, fakeStatus{active: true}, logging.Discard()), "Bearer "+tok)
	if rec.Code != http.StatusNoContent {
		t.Errorf("active: status = %d, want 204", rec.Code)
	}
}
