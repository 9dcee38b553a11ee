package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// withCookies copies the cookies set on a recorder onto a fresh request,
// standing in for the browser between round trips.
func withCookies(t *testing.T, w *httptest.ResponseRecorder, method, path string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for _, ck := range w.Result().Cookies() {
		req.AddCookie(ck)
	}
	return req
}

func TestSessionRoundTrip(t *testing.T) {
	sm := NewSessionManager("test-secret-key", false)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	data := &SessionData{UserID: "user-1", Email: "test@example.com", Name: "Test User"}
	if err := sm.Set(w, req, data); err != nil {
		t.Fatalf("failed to set session: %v", err)
	}
	if data.CSRFToken == "" {
		t.Error("expected a CSRF token to be minted")
	}

	got, err := sm.Get(withCookies(t, w, http.MethodGet, "/"))
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if got.UserID != "user-1" || got.Email != "test@example.com" {
		t.Errorf("unexpected session data: %+v", got)
	}
	if got.CSRFToken != data.CSRFToken {
		t.Error("CSRF token did not survive the round trip")
	}
}

func TestSessionGetWithoutCookie(t *testing.T) {
	sm := NewSessionManager("test-secret-key", false)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := sm.Get(req); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionClear(t *testing.T) {
	sm := NewSessionManager("test-secret-key", false)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if err := sm.Set(w, req, &SessionData{UserID: "user-1"}); err != nil {
		t.Fatalf("failed to set session: %v", err)
	}

	w2 := httptest.NewRecorder()
	if err := sm.Clear(w2, withCookies(t, w, http.MethodPost, "/auth/logout")); err != nil {
		t.Fatalf("failed to clear session: %v", err)
	}

	cleared := false
	for _, ck := range w2.Result().Cookies() {
		if ck.Name == sessionCookie && ck.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("expected the session cookie to be expired")
	}
}

func TestOAuthStateFlow(t *testing.T) {
	sm := NewSessionManager("test-secret-key", false)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	state, err := sm.BeginOAuthFlow(w, req)
	if err != nil {
		t.Fatalf("failed to begin flow: %v", err)
	}
	if state == "" {
		t.Fatal("expected a non-empty state")
	}

	cb := withCookies(t, w, http.MethodGet, "/auth/callback")
	if err := sm.VerifyOAuthState(httptest.NewRecorder(), cb, state); err != nil {
		t.Errorf("expected state to verify, got %v", err)
	}
}

func TestOAuthStateMismatch(t *testing.T) {
	sm := NewSessionManager("test-secret-key", false)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	if _, err := sm.BeginOAuthFlow(w, req); err != nil {
		t.Fatalf("failed to begin flow: %v", err)
	}

	cb := withCookies(t, w, http.MethodGet, "/auth/callback")
	if err := sm.VerifyOAuthState(httptest.NewRecorder(), cb, "forged"); !errors.Is(err, ErrStateMismatch) {
		t.Errorf("expected ErrStateMismatch, got %v", err)
	}

	// No stash cookie at all also fails.
	bare := httptest.NewRequest(http.MethodGet, "/auth/callback", nil)
	if err := sm.VerifyOAuthState(httptest.NewRecorder(), bare, "anything"); !errors.Is(err, ErrStateMismatch) {
		t.Errorf("expected ErrStateMismatch without stash, got %v", err)
	}
}

func TestOAuthStateDistinctPerFlow(t *testing.T) {
	sm := NewSessionManager("test-secret-key", false)

	w1 := httptest.NewRecorder()
	s1, err := sm.BeginOAuthFlow(w1, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	if err != nil {
		t.Fatalf("failed to begin flow: %v", err)
	}
	w2 := httptest.NewRecorder()
	s2, err := sm.BeginOAuthFlow(w2, httptest.NewRequest(http.MethodGet, "/connect/google", nil))
	if err != nil {
		t.Fatalf("failed to begin flow: %v", err)
	}
	if s1 == s2 {
		t.Error("expected a fresh nonce per flow")
	}
}
