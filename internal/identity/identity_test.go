package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/echo-briefing/internal/domain"
)

type memoryUsers struct {
	mu      sync.Mutex
	users   map[string]*domain.User
	upserts int
	err     error
}

func (m *memoryUsers) GetUser(_ context.Context, userID string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if u, ok := m.users[userID]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *memoryUsers) UpsertUser(_ context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	cp := *user
	m.users[user.UserID] = &cp
	return nil
}

func TestMiddlewareIssuesAnonymousIdentity(t *testing.T) {
	t.Parallel()
	users := &memoryUsers{users: make(map[string]*domain.User)}

	var gotUser, gotSession string
	h := Middleware(users, true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
		gotSession = SessionIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set(SessionHeaderName, "tab-42")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if !validAnonID(gotUser) {
		t.Fatalf("user id %q is not an anonymous id", gotUser)
	}
	if gotSession != "tab-42" {
		t.Errorf("session id = %q, want tab-42", gotSession)
	}
	if u := users.users[gotUser]; u == nil || u.Username != Username(gotUser) {
		t.Errorf("user record = %+v", u)
	}

	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName || cookies[0].Value != gotUser {
		t.Fatalf("cookies = %+v", cookies)
	}

	// The cookie is honoured on the next request.
	req2 := httptest.NewRequest(http.MethodGet, "/api/me?session_id=bad%20id", nil)
	req2.AddCookie(cookies[0])
	first := gotUser
	h.ServeHTTP(httptest.NewRecorder(), req2)
	if gotUser != first {
		t.Errorf("user id changed: %q -> %q", first, gotUser)
	}
	if gotSession != DefaultSessionIDValue {
		t.Errorf("invalid session id not replaced: %q", gotSession)
	}
}

func TestSanitizeSessionID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"", DefaultSessionIDValue},
		{"  tab-1 ", "tab-1"},
		{"a/b", DefaultSessionIDValue},
		{"user:tab.2_x", "user:tab.2_x"},
	}
	for _, tt := range tests {
		if got := SanitizeSessionID(tt.in); got != tt.want {
			t.Errorf("SanitizeSessionID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolverRefreshesReturningBuyer(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	users := &memoryUsers{users: make(map[string]*domain.User)}
	rv := &resolver{users: users, now: func() time.Time { return now }}
	ctx := context.Background()

	id, err := newAnonID()
	if err != nil {
		t.Fatalf("newAnonID() error = %v", err)
	}
	if err := rv.register(ctx, id); err != nil {
		t.Fatalf("register() error = %v", err)
	}
	created := users.users[id].CreatedAt

	now = now.Add(30 * time.Second)
	if err := rv.register(ctx, id); err != nil {
		t.Fatalf("register() error = %v", err)
	}
	if users.upserts != 1 {
		t.Fatalf("upserts = %d after a quick return, want 1", users.upserts)
	}

	now = now.Add(time.Hour)
	if err := rv.register(ctx, id); err != nil {
		t.Fatalf("register() error = %v", err)
	}
	u := users.users[id]
	if !u.LastSeenAt.Equal(now) || !u.CreatedAt.Equal(created) {
		t.Fatalf("user after return = %+v", u)
	}
}

func TestMiddlewareFailsWhenUserStoreFails(t *testing.T) {
	t.Parallel()
	users := &memoryUsers{users: make(map[string]*domain.User), err: errors.New("database is locked")}
	called := false
	h := Middleware(users, false)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	if w.Code != http.StatusInternalServerError || called {
		t.Fatalf("status = %d, handler called = %v", w.Code, called)
	}
}

func TestValidAnonID(t *testing.T) {
	t.Parallel()
	minted, err := newAnonID()
	if err != nil {
		t.Fatalf("newAnonID() error = %v", err)
	}
	tests := []struct {
		id   string
		want bool
	}{
		{minted, true},
		{"anon_0123456789abcdef0123456789abcdef", true},
		{"anon_0123456789ABCDEF0123456789ABCDEF", false},
		{"anon_0123", false},
		{"user_0123456789abcdef0123456789abcdef", false},
		{"anon_0123456789abcdef0123456789abcdeg", false},
	}
	for _, tt := range tests {
		if got := validAnonID(tt.id); got != tt.want {
			t.Errorf("validAnonID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestUsername(t *testing.T) {
	t.Parallel()
	if got := Username("anon_0123456789abcdef0123456789abcdef"); got != "buyer-abcdef" {
		t.Errorf("Username() = %q", got)
	}
	if got := Username(""); got != "buyer" {
		t.Errorf("Username(\"\") = %q", got)
	}
}

func TestFromContextDefaults(t *testing.T) {
	t.Parallel()
	id := FromContext(context.Background())
	if id.UserID != "" || id.SessionID != DefaultSessionIDValue {
		t.Fatalf("FromContext() = %+v", id)
	}

	id = FromContext(WithIdentity(context.Background(), "anon_1", "tab-7"))
	if id.UserID != "anon_1" || id.SessionID != "tab-7" || id.Username != "buyer-1" {
		t.Fatalf("FromContext() = %+v", id)
	}
}
