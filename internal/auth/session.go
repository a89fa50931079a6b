package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
)

const sessionUserKey = "user_id"

// ErrNoSession is returned when the request carries no valid session.
var ErrNoSession = errors.New("no authenticated session")

// SessionOptions configures the cookie store.
type SessionOptions struct {
	Secret     string
	CookieName string
	MaxAge     time.Duration
	Secure     bool
}

// SessionManager reads the identity the main application stored in its
// signed session cookie. Issuing sessions is the application's job; SignIn
// exists for tooling and tests.
type SessionManager struct {
	cookie sessions.Store
	name   string
}

// NewSessionManager creates a manager backed by a signed cookie store.
func NewSessionManager(opts SessionOptions) *SessionManager {
	cookieStore := sessions.NewCookieStore([]byte(opts.Secret))
	cookieStore.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(opts.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &SessionManager{
		cookie: cookieStore,
		name:   opts.CookieName,
	}
}

// CookieName returns the session cookie name.
func (m *SessionManager) CookieName() string {
	return m.name
}

// HasCookie reports whether the request presents a session cookie at all.
func (m *SessionManager) HasCookie(r *http.Request) bool {
	_, err := r.Cookie(m.name)
	return err == nil
}

// UserID extracts the signed-in user from the session cookie.
func (m *SessionManager) UserID(r *http.Request) (uuid.UUID, error) {
	session, err := m.cookie.Get(r, m.name)
	if err != nil {
		return uuid.Nil, ErrNoSession
	}
	raw, ok := session.Values[sessionUserKey].(string)
	if !ok {
		return uuid.Nil, ErrNoSession
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, ErrNoSession
	}
	return userID, nil
}

// SignIn stores userID in a new session cookie.
func (m *SessionManager) SignIn(w http.ResponseWriter, r *http.Request, userID uuid.UUID) error {
	session, _ := m.cookie.Get(r, m.name)
	session.Values[sessionUserKey] = userID.String()
	return session.Save(r, w)
}

// SignOut clears the session cookie.
func (m *SessionManager) SignOut(w http.ResponseWriter, r *http.Request) error {
	session, _ := m.cookie.Get(r, m.name)
	session.Options.MaxAge = -1
	return session.Save(r, w)
}
