// Package identity resolves the anonymous buyer and the browser-tab session
// behind each request.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/echo-briefing/internal/domain"
)

const (
	AnonCookieName        = "echo_anon_id"
	SessionHeaderName     = "X-Echo-Session-ID"
	SessionQueryParam     = "session_id"
	DefaultSessionIDValue = "default"

	anonIDPrefix    = "anon_"
	deviceCookieTTL = 30 * 24 * time.Hour
	seenRefresh     = time.Minute
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// UserStore is the slice of the repository the middleware needs.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error
}

// Identity is the buyer and tab session a request acts for.
type Identity struct {
	UserID    string
	Username  string
	SessionID string
}

type ctxKey struct{}

// FromContext returns the identity attached by Middleware. Without one the
// user ID is empty and the session is the default session.
func FromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(ctxKey{}).(Identity)
	if id.SessionID == "" {
		id.SessionID = DefaultSessionIDValue
	}
	return id
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	return FromContext(ctx).UserID
}

// SessionIDFromContext extracts the tab session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	return FromContext(ctx).SessionID
}

// WithIdentity returns a context carrying userID and sessionID, as the
// middleware would set them.
func WithIdentity(ctx context.Context, userID, sessionID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, Identity{
		UserID:    userID,
		Username:  Username(userID),
		SessionID: SanitizeSessionID(sessionID),
	})
}

// Username is the display name of an anonymous buyer.
func Username(userID string) string {
	suffix := strings.TrimPrefix(userID, anonIDPrefix)
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	if suffix == "" {
		return "buyer"
	}
	return "buyer-" + suffix
}

// SanitizeSessionID returns id when it is a valid tab session ID and the
// default session ID otherwise.
func SanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if !sessionIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

func newAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return anonIDPrefix + hex.EncodeToString(buf), nil
}

// validAnonID accepts only IDs newAnonID could have produced.
func validAnonID(id string) bool {
	raw, ok := strings.CutPrefix(id, anonIDPrefix)
	if !ok || len(raw) != 32 || strings.ToLower(raw) != raw {
		return false
	}
	_, err := hex.DecodeString(raw)
	return err == nil
}

// resolver turns a request into an Identity, issuing a device cookie and a
// user record the first time a browser is seen.
type resolver struct {
	users  UserStore
	secure bool
	now    func() time.Time
	logger *slog.Logger
}

func (rv *resolver) resolve(w http.ResponseWriter, r *http.Request) (Identity, error) {
	userID, err := rv.deviceID(w, r)
	if err != nil {
		return Identity{}, err
	}
	if err := rv.register(r.Context(), userID); err != nil {
		return Identity{}, err
	}
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get(SessionQueryParam)
	}
	return Identity{
		UserID:    userID,
		Username:  Username(userID),
		SessionID: SanitizeSessionID(sid),
	}, nil
}

// deviceID returns the buyer ID from the device cookie, minting one when the
// cookie is absent or malformed. The cookie is re-issued on every request so
// its expiry slides.
func (rv *resolver) deviceID(w http.ResponseWriter, r *http.Request) (string, error) {
	var id string
	if c, err := r.Cookie(AnonCookieName); err == nil && validAnonID(c.Value) {
		id = c.Value
	} else {
		if id, err = newAnonID(); err != nil {
			return "", err
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(deviceCookieTTL.Seconds()),
		Expires:  rv.now().Add(deviceCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   rv.secure,
	})
	return id, nil
}

// register creates the user record on first sight and refreshes its
// last-seen time when the buyer returns after seenRefresh.
func (rv *resolver) register(ctx context.Context, userID string) error {
	now := rv.now()
	user, err := rv.users.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	switch {
	case user == nil:
		user = &domain.User{UserID: userID, Username: Username(userID), CreatedAt: now}
	case user.IdleFor(now) < seenRefresh:
		return nil
	}
	user.LastSeenAt = now
	user.UpdatedAt = now
	if err := rv.users.UpsertUser(ctx, user); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// Middleware attaches the anonymous buyer identity and tab session ID to
// every request. Cookies are marked Secure outside development.
func Middleware(users UserStore, isDev bool) func(http.Handler) http.Handler {
	rv := &resolver{users: users, secure: !isDev, now: time.Now, logger: slog.Default()}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := rv.resolve(w, r)
			if err != nil {
				rv.logger.Error("failed to resolve buyer identity", "error", err)
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for rate limiting and request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
