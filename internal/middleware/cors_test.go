package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

const testSiteOrigin = "https://venues.example.com"

func TestCORSMiddleware_AllowsGatewayHeaders(t *testing.T) {
	handler := NewCORSMiddleware(testSiteOrigin)(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rest/v1/venues", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	want := map[string]string{
		"Access-Control-Allow-Origin":   testSiteOrigin,
		"Access-Control-Allow-Methods":  "GET, POST, PUT, PATCH, DELETE, OPTIONS",
		"Access-Control-Allow-Headers":  "Authorization, Content-Type, Prefer",
		"Access-Control-Expose-Headers": "Retry-After",
		"Access-Control-Max-Age":        "86400",
		"Vary":                          "Origin",
	}
	for header, v := range want {
		if got := w.Header().Get(header); got != v {
			t.Errorf("%s = %q, want %q", header, got, v)
		}
	}
	// Bearerトークンで認証するためCookieは許可しない
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("Access-Control-Allow-Credentials = %q, want empty", got)
	}
}

// プリフライトは204で終わり、次のハンドラ（認証・レート制限）に到達しないことを検証
func TestCORSMiddleware_PreflightShortCircuits(t *testing.T) {
	reached := false
	handler := NewCORSMiddleware(testSiteOrigin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusUnauthorized)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/rest/v1/favorites", nil)
	req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if reached {
		t.Error("preflight must not reach the next handler")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != testSiteOrigin {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}
