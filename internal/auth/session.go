package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gorilla/sessions"
)

const (
	sessionCookie = "calsync_session"
	stateCookie   = "calsync_oauth_state"

	sessionMaxAge = 7 * 24 * 60 * 60 // 7 days in seconds
	stateMaxAge   = 600              // consent round-trips expire after 10 minutes

	keyUserID    = "user_id"
	keyEmail     = "email"
	keyName      = "name"
	keyCSRFToken = "csrf_token"
	keyState     = "state"

	tokenLength = 32
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidSession  = errors.New("invalid session data")
	ErrStateMismatch   = errors.New("oauth state mismatch")
)

// SessionData represents the data stored in a user session.
type SessionData struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	CSRFToken string `json:"csrf_token"`
}

// SessionManager manages login sessions and the short-lived state nonces
// shared by the OIDC login and calendar provider consent flows.
type SessionManager struct {
	store  *sessions.CookieStore
	secure bool
}

// NewSessionManager creates a new session manager.
func NewSessionManager(secret string, secure bool) *SessionManager {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}

	return &SessionManager{
		store:  store,
		secure: secure,
	}
}

// Get retrieves the session data from the request.
func (sm *SessionManager) Get(r *http.Request) (*SessionData, error) {
	session, err := sm.store.Get(r, sessionCookie)
	if err != nil {
		return nil, ErrSessionNotFound
	}

	data := &SessionData{
		UserID:    stringValue(session.Values, keyUserID),
		Email:     stringValue(session.Values, keyEmail),
		Name:      stringValue(session.Values, keyName),
		CSRFToken: stringValue(session.Values, keyCSRFToken),
	}
	if data.UserID == "" {
		return nil, ErrSessionNotFound
	}
	return data, nil
}

// Set stores the session data, minting a CSRF token when the caller has none.
func (sm *SessionManager) Set(w http.ResponseWriter, r *http.Request, data *SessionData) error {
	session, err := sm.store.Get(r, sessionCookie)
	if err != nil {
		session, err = sm.store.New(r, sessionCookie)
		if err != nil {
			return err
		}
	}

	if data.CSRFToken == "" {
		token, err := randomToken()
		if err != nil {
			return err
		}
		data.CSRFToken = token
	}

	session.Values[keyUserID] = data.UserID
	session.Values[keyEmail] = data.Email
	session.Values[keyName] = data.Name
	session.Values[keyCSRFToken] = data.CSRFToken

	return session.Save(r, w)
}

// Clear removes the session.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) error {
	session, err := sm.store.Get(r, sessionCookie)
	if err != nil {
		return nil
	}

	session.Options.MaxAge = -1
	return session.Save(r, w)
}

// BeginOAuthFlow mints a state nonce and stashes it in a short-lived cookie.
// Both the login flow and the provider consent flow start here.
func (sm *SessionManager) BeginOAuthFlow(w http.ResponseWriter, r *http.Request) (string, error) {
	state, err := randomToken()
	if err != nil {
		return "", err
	}

	session, err := sm.store.Get(r, stateCookie)
	if err != nil {
		session, err = sm.store.New(r, stateCookie)
		if err != nil {
			return "", err
		}
	}

	session.Values[keyState] = state
	session.Options.MaxAge = stateMaxAge
	if err := session.Save(r, w); err != nil {
		return "", err
	}
	return state, nil
}

// VerifyOAuthState checks the nonce the identity provider echoed back
// against the stashed one, and expires the stash cookie either way.
func (sm *SessionManager) VerifyOAuthState(w http.ResponseWriter, r *http.Request, got string) error {
	session, err := sm.store.Get(r, stateCookie)
	if err != nil {
		return ErrInvalidSession
	}

	want := stringValue(session.Values, keyState)

	session.Options.MaxAge = -1
	if err := session.Save(r, w); err != nil {
		return err
	}

	if want == "" || got == "" || got != want {
		return ErrStateMismatch
	}
	return nil
}

func stringValue(values map[any]any, key string) string {
	s, _ := values[key].(string)
	return s
}

// randomToken returns a URL-safe random token for CSRF and OAuth state.
func randomToken() (string, error) {
	b := make([]byte, tokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
