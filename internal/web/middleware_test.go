package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func newTestRouter(mw gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw)
	r.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.POST("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestSecurityHeaders(t *testing.T) {
	r := newTestRouter(SecurityHeaders())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	r.ServeHTTP(w, req)

	headers := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}
	for name, want := range headers {
		if got := w.Header().Get(name); got != want {
			t.Errorf("header %s = %q, want %q", name, got, want)
		}
	}
	if csp := w.Header().Get("Content-Security-Policy"); !strings.Contains(csp, "frame-ancestors 'none'") {
		t.Errorf("missing frame-ancestors in CSP: %q", csp)
	}

	// HSTS only on HTTPS
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS should not be set for plain HTTP")
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	r.ServeHTTP(w, req)
	if w.Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS should be set when forwarded proto is https")
	}
}

func TestRateLimiter(t *testing.T) {
	r := newTestRouter(RateLimiter(1, 2)) // 1 rps, burst of 2

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("first two requests should pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third request should be rate limited, got %d", codes[2])
	}
}

func TestRequireJSONContentType(t *testing.T) {
	r := newTestRouter(RequireJSONContentType())

	tests := []struct {
		name        string
		method      string
		contentType string
		wantCode    int
	}{
		{"GET ignores content type", http.MethodGet, "text/html", http.StatusOK},
		{"POST with JSON", http.MethodPost, "application/json", http.StatusOK},
		{"POST with charset", http.MethodPost, "application/json; charset=utf-8", http.StatusOK},
		{"POST with form data", http.MethodPost, "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType},
		{"POST without content type", http.MethodPost, "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, "/test", nil)
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			r.ServeHTTP(w, req)
			if w.Code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, w.Code)
			}
		})
	}
}

func TestValidateOrigin(t *testing.T) {
	r := newTestRouter(ValidateOrigin())

	tests := []struct {
		name     string
		method   string
		origin   string
		wantCode int
	}{
		{"GET skips validation", http.MethodGet, "", http.StatusOK},
		{"POST with allowed origin", http.MethodPost, "http://localhost:8080", http.StatusOK},
		{"POST with unknown origin", http.MethodPost, "https://evil.example.com", http.StatusForbidden},
		{"POST without origin", http.MethodPost, "", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, "/test", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			r.ServeHTTP(w, req)
			if w.Code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, w.Code)
			}
		})
	}
}

func TestIsSafeRedirectURL(t *testing.T) {
	tests := []struct {
		url  string
		safe bool
	}{
		{"/", true},
		{"/dashboard", true},
		{"/connections/abc", true},
		{"", false},
		{"https://evil.com", false},
		{"//evil.com", false},
		{"/path%2F%2Fevil", false},
		{"/path\\evil", false},
		{"relative/path", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := IsSafeRedirectURL(tt.url); got != tt.safe {
				t.Errorf("IsSafeRedirectURL(%q) = %v, want %v", tt.url, got, tt.safe)
			}
		})
	}
}
