package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/japinait/internal/bus"
	"github.com/hitoshi/japinait/internal/middleware"
	"github.com/hitoshi/japinait/internal/model"
)

// --- モック定義 ---

type mockAuthService struct {
	signUpFn           func(ctx context.Context, email, password string, meta model.UserMetadata) (*model.AuthUser, *model.Session, error)
	signInFn           func(ctx context.Context, email, password string) (*model.Session, error)
	refreshFn          func(ctx context.Context, refreshToken string) (*model.Session, error)
	signOutFn          func(ctx context.Context, p *model.Principal) error
	sendRecoveryFn     func(ctx context.Context, email, redirectTo string) error
	verifyRecoveryFn   func(ctx context.Context, token string) (*model.Session, error)
	updatePasswordFn   func(ctx context.Context, p *model.Principal, pw string) (*model.AuthUser, error)
	getUserFn          func(ctx context.Context, userID string) (*model.AuthUser, error)
	validateRedirectFn func(redirectTo string) error
}

func (m *mockAuthService) SignUp(ctx context.Context, email, password string, meta model.UserMetadata) (*model.AuthUser, *model.Session, error) {
	if m.signUpFn != nil {
		return m.signUpFn(ctx, email, password, meta)
	}
	return nil, nil, nil
}

func (m *mockAuthService) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return nil, nil
}

func (m *mockAuthService) Refresh(ctx context.Context, refreshToken string) (*model.Session, error) {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, refreshToken)
	}
	return nil, nil
}

func (m *mockAuthService) SignOut(ctx context.Context, p *model.Principal) error {
	if m.signOutFn != nil {
		return m.signOutFn(ctx, p)
	}
	return nil
}

func (m *mockAuthService) SendPasswordRecovery(ctx context.Context, email, redirectTo string) error {
	if m.sendRecoveryFn != nil {
		return m.sendRecoveryFn(ctx, email, redirectTo)
	}
	return nil
}

func (m *mockAuthService) VerifyRecovery(ctx context.Context, token string) (*model.Session, error) {
	if m.verifyRecoveryFn != nil {
		return m.verifyRecoveryFn(ctx, token)
	}
	return nil, model.NewInvalidRecoveryTokenError()
}

func (m *mockAuthService) UpdatePassword(ctx context.Context, p *model.Principal, pw string) (*model.AuthUser, error) {
	if m.updatePasswordFn != nil {
		return m.updatePasswordFn(ctx, p, pw)
	}
	return &model.AuthUser{ID: p.UserID}, nil
}

func (m *mockAuthService) GetUser(ctx context.Context, userID string) (*model.AuthUser, error) {
	if m.getUserFn != nil {
		return m.getUserFn(ctx, userID)
	}
	return &model.AuthUser{ID: userID}, nil
}

func (m *mockAuthService) ValidateRedirect(redirectTo string) error {
	if m.validateRedirectFn != nil {
		return m.validateRedirectFn(redirectTo)
	}
	if redirectTo != "" && !strings.HasPrefix(redirectTo, "http://localhost:3000") {
		return model.NewInvalidRequestError("redirect_to is not an allowed origin")
	}
	return nil
}

// --- ヘルパー ---

func testSession() *model.Session {
	return &model.Session{
		ID:           "session-1",
		UserID:       "user-1",
		AccessToken:  "access.jwt",
		RefreshToken: "refresh-opaque",
		TokenType:    "bearer",
		ExpiresAt:    time.Unix(1900000000, 0),
		Claims:       model.SessionClaims{Role: model.RoleUser},
	}
}

func newTestAuthHandler(svc *mockAuthService) *AuthHandler {
	return NewAuthHandler(svc, bus.NewHub(), AuthHandlerConfig{SiteURL: "http://localhost:3000"})
}

func withPrincipal(r *http.Request, p *model.Principal) *http.Request {
	return r.WithContext(middleware.ContextWithPrincipal(r.Context(), p))
}

func decodeAPIError(t *testing.T, body io.Reader) model.APIError {
	t.Helper()
	var apiErr model.APIError
	if err := json.NewDecoder(body).Decode(&apiErr); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return apiErr
}

// --- SignUp ---

func TestAuthHandler_SignUp_ReturnsUserAndSession(t *testing.T) {
	var gotMeta model.UserMetadata
	svc := &mockAuthService{
		signUpFn: func(ctx context.Context, email, password string, meta model.UserMetadata) (*model.AuthUser, *model.Session, error) {
			gotMeta = meta
			return &model.AuthUser{ID: "user-1", Email: email}, testSession(), nil
		},
	}
	h := newTestAuthHandler(svc)

	body := `{"email":"dj@example.com","password":"secret123","data":{"full_name":"DJ","role":"venue_admin"}}`
	req := httptest.NewRequest(http.MethodPost, "/auth/v1/signup", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.SignUp(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp signUpResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.User == nil || resp.User.Email != "dj@example.com" {
		t.Errorf("user = %+v", resp.User)
	}
	if resp.Session == nil || resp.Session.AccessToken != "access.jwt" {
		t.Errorf("session = %+v", resp.Session)
	}
	if gotMeta.FullName != "DJ" || gotMeta.Role != model.RoleVenueAdmin {
		t.Errorf("meta = %+v", gotMeta)
	}
}

func TestAuthHandler_SignUp_EmailTaken(t *testing.T) {
	svc := &mockAuthService{
		signUpFn: func(ctx context.Context, email, password string, meta model.UserMetadata) (*model.AuthUser, *model.Session, error) {
			return nil, nil, model.NewEmailTakenError()
		},
	}
	h := newTestAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/v1/signup", strings.NewReader(`{"email":"a@b.c","password":"secret123"}`))
	w := httptest.NewRecorder()
	h.SignUp(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if got := decodeAPIError(t, w.Body); got.Code != model.ErrCodeEmailTaken {
		t.Errorf("code = %q", got.Code)
	}
}

func TestAuthHandler_SignUp_InvalidJSON(t *testing.T) {
	h := newTestAuthHandler(&mockAuthService{})

	req := httptest.NewRequest(http.MethodPost, "/auth/v1/signup", strings.NewReader(`{"email":`))
	w := httptest.NewRecorder()
	h.SignUp(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// --- Token ---

func TestAuthHandler_Token_PasswordGrant(t *testing.T) {
	svc := &mockAuthService{
		signInFn: func(ctx context.Context, email, password string) (*model.Session, error) {
			if email != "dj@example.com" || password != "secret123" {
				t.Errorf("credentials = %q/%q", email, password)
			}
			return testSession(), nil
		},
	}
	h := newTestAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/v1/token?grant_type=password",
		strings.NewReader(`{"email":"dj@example.com","password":"secret123"}`))
	w := httptest.NewRecorder()
	h.Token(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var session model.Session
	if err := json.NewDecoder(w.Body).Decode(&session); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if session.RefreshToken != "refresh-opaque" {
		t.Errorf("refresh token = %q", session.RefreshToken)
	}
}

func TestAuthHandler_Token_InvalidCredentials(t *testing.T) {
	svc := &mockAuthService{
		signInFn: func(ctx context.Context, email, password string) (*model.Session, error) {
			return nil, model.NewInvalidCredentialsError()
		},
	}
	h := newTestAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/v1/token?grant_type=password",
		strings.NewReader(`{"email":"x@example.com","password":"nope"}`))
	w := httptest.NewRecorder()
	h.Token(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if got := decodeAPIError(t, w.Body); got.Code != model.ErrCodeInvalidCredentials {
		t.Errorf("code = %q", got.Code)
	}
}

func TestAuthHandler_Token_RefreshGrant(t *testing.T) {
	var got string
	svc := &mockAuthService{
		refreshFn: func(ctx context.Context, refreshToken string) (*model.Session, error) {
			got = refreshToken
			return testSession(), nil
		},
	}
	h := newTestAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/v1/token?grant_type=refresh_token",
		strings.NewReader(`{"refresh_token":"old-token"}`))
	w := httptest.NewRecorder()
	h.Token(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got != "old-token" {
		t.Errorf("refresh token = %q", got)
	}
}

func TestAuthHandler_Token_RefreshRejected(t *testing.T) {
	svc := &mockAuthService{
		refreshFn: func(ctx context.Context, refreshToken string) (*model.Session, error) {
			return nil, model.NewInvalidRefreshTokenError()
		},
	}
	h := newTestAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/v1/token?grant_type=refresh_token",
		strings.NewReader(`{"refresh_token":"reused"}`))
	w := httptest.NewRecorder()
	h.Token(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestAuthHandler_Token_UnsupportedGrant(t *testing.T) {
	h := newTestAuthHandler(&mockAuthService{})

	req := httptest.NewRequest(http.MethodPost, "/auth/v1/token?grant_type=magic", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	h.Token(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// --- Logout ---

func TestAuthHandler_Logout(t *testing.T) {
	var got *model.Principal
	svc := &mockAuthService{
		signOutFn: func(ctx context.Context, p *model.Principal) error {
			got = p
			return nil
		},
	}
	h := newTestAuthHandler(svc)

	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/auth/v1/logout", nil),
		&model.Principal{UserID: "user-1", SessionID: "session-1"})
	w := httptest.NewRecorder()
	h.Logout(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if got == nil || got.SessionID != "session-1" {
		t.Errorf("principal = %+v", got)
	}
}

func TestAuthHandler_Logout_NoPrincipal(t *testing.T) {
	h := newTestAuthHandler(&mockAuthService{})

	w := httptest.NewRecorder()
	h.Logout(w, httptest.NewRequest(http.MethodPost, "/auth/v1/logout", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// --- Recover ---

func TestAuthHandler_Recover_AlwaysEmptyObject(t *testing.T) {
	var gotRedirect string
	svc := &mockAuthService{
		sendRecoveryFn: func(ctx context.Context, email, redirectTo string) error {
			gotRedirect = redirectTo
			return nil
		},
	}
	h := newTestAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/v1/recover",
		strings.NewReader(`{"email":"unknown@example.com","redirect_to":"http://localhost:3000/update-password"}`))
	w := httptest.NewRecorder()
	h.Recover(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "{}" {
		t.Errorf("body = %q, want {}", w.Body.String())
	}
	if gotRedirect != "http://localhost:3000/update-password" {
		t.Errorf("redirect = %q", gotRedirect)
	}
}

func TestAuthHandler_Recover_InvalidRedirect(t *testing.T) {
	svc := &mockAuthService{
		sendRecoveryFn: func(ctx context.Context, email, redirectTo string) error {
			return model.NewInvalidRequestError("redirect_to is not an allowed origin")
		},
	}
	h := newTestAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/v1/recover",
		strings.NewReader(`{"email":"a@example.com","redirect_to":"https://evil.example.com"}`))
	w := httptest.NewRecorder()
	h.Recover(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// --- Verify ---

func fragmentOf(t *testing.T, location string) (string, url.Values) {
	t.Helper()
	base, frag, ok := strings.Cut(location, "#")
	if !ok {
		t.Fatalf("location %q has no fragment", location)
	}
	values, err := url.ParseQuery(frag)
	if err != nil {
		t.Fatalf("parse fragment: %v", err)
	}
	return base, values
}

func TestAuthHandler_Verify_RedirectsWithSession(t *testing.T) {
	svc := &mockAuthService{
		verifyRecoveryFn: func(ctx context.Context, token string) (*model.Session, error) {
			if token != "tok" {
				t.Errorf("token = %q", token)
			}
			s := testSession()
			s.Recovery = true
			return s, nil
		},
	}
	h := newTestAuthHandler(svc)

	req := httptest.NewRequest(http.MethodGet,
		"/auth/v1/verify?type=recovery&token=tok&redirect_to="+url.QueryEscape("http://localhost:3000/update-password"), nil)
	w := httptest.NewRecorder()
	h.Verify(w, req)

	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", w.Code)
	}
	base, frag := fragmentOf(t, w.Header().Get("Location"))
	if base != "http://localhost:3000/update-password" {
		t.Errorf("base = %q", base)
	}
	if frag.Get("access_token") != "access.jwt" || frag.Get("refresh_token") != "refresh-opaque" {
		t.Errorf("fragment = %v", frag)
	}
	if frag.Get("type") != "recovery" || frag.Get("expires_at") != "1900000000" {
		t.Errorf("fragment = %v", frag)
	}
}

func TestAuthHandler_Verify_InvalidTokenRedirectsWithError(t *testing.T) {
	h := newTestAuthHandler(&mockAuthService{})

	req := httptest.NewRequest(http.MethodGet,
		"/auth/v1/verify?type=recovery&token=used&redirect_to="+url.QueryEscape("http://localhost:3000/update-password"), nil)
	w := httptest.NewRecorder()
	h.Verify(w, req)

	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", w.Code)
	}
	_, frag := fragmentOf(t, w.Header().Get("Location"))
	if frag.Get("error_code") != model.ErrCodeInvalidRecoveryToken {
		t.Errorf("fragment = %v", frag)
	}
	if frag.Get("access_token") != "" {
		t.Error("error redirect must not carry tokens")
	}
}

func TestAuthHandler_Verify_DisallowedRedirect(t *testing.T) {
	called := false
	svc := &mockAuthService{
		verifyRecoveryFn: func(ctx context.Context, token string) (*model.Session, error) {
			called = true
			return testSession(), nil
		},
	}
	h := newTestAuthHandler(svc)

	req := httptest.NewRequest(http.MethodGet,
		"/auth/v1/verify?type=recovery&token=tok&redirect_to="+url.QueryEscape("https://evil.example.com/"), nil)
	w := httptest.NewRecorder()
	h.Verify(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if called {
		t.Error("token must not be consumed for a disallowed redirect")
	}
}

func TestAuthHandler_Verify_DefaultsToSiteURL(t *testing.T) {
	svc := &mockAuthService{
		verifyRecoveryFn: func(ctx context.Context, token string) (*model.Session, error) {
			return testSession(), nil
		},
	}
	h := newTestAuthHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/auth/v1/verify?type=recovery&token=tok", nil)
	w := httptest.NewRecorder()
	h.Verify(w, req)

	base, _ := fragmentOf(t, w.Header().Get("Location"))
	if base != "http://localhost:3000" {
		t.Errorf("base = %q", base)
	}
}

func TestAuthHandler_Verify_WrongType(t *testing.T) {
	h := newTestAuthHandler(&mockAuthService{})

	w := httptest.NewRecorder()
	h.Verify(w, httptest.NewRequest(http.MethodGet, "/auth/v1/verify?type=signup&token=tok", nil))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// --- User ---

func TestAuthHandler_GetUser(t *testing.T) {
	h := newTestAuthHandler(&mockAuthService{
		getUserFn: func(ctx context.Context, userID string) (*model.AuthUser, error) {
			return &model.AuthUser{ID: userID, Email: "dj@example.com", PasswordHash: "hash"}, nil
		},
	})

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/auth/v1/user", nil), &model.Principal{UserID: "user-1"})
	w := httptest.NewRecorder()
	h.GetUser(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if strings.Contains(w.Body.String(), "hash") {
		t.Error("password hash must not be serialized")
	}
}

func TestAuthHandler_UpdateUser_WeakPassword(t *testing.T) {
	h := newTestAuthHandler(&mockAuthService{
		updatePasswordFn: func(ctx context.Context, p *model.Principal, pw string) (*model.AuthUser, error) {
			return nil, model.NewWeakPasswordError(6)
		},
	})

	req := withPrincipal(httptest.NewRequest(http.MethodPut, "/auth/v1/user", strings.NewReader(`{"password":"123"}`)),
		&model.Principal{UserID: "user-1", SessionID: "s1", Recovery: true})
	w := httptest.NewRecorder()
	h.UpdateUser(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestAuthHandler_UpdateUser_PassesPrincipal(t *testing.T) {
	var got *model.Principal
	var gotPW string
	h := newTestAuthHandler(&mockAuthService{
		updatePasswordFn: func(ctx context.Context, p *model.Principal, pw string) (*model.AuthUser, error) {
			got, gotPW = p, pw
			return &model.AuthUser{ID: p.UserID}, nil
		},
	})

	req := withPrincipal(httptest.NewRequest(http.MethodPut, "/auth/v1/user", strings.NewReader(`{"password":"newsecret"}`)),
		&model.Principal{UserID: "user-1", SessionID: "s1"})
	w := httptest.NewRecorder()
	h.UpdateUser(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got.SessionID != "s1" || gotPW != "newsecret" {
		t.Errorf("principal = %+v, pw = %q", got, gotPW)
	}
}

// --- Events ---

type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestAuthHandler_Events_StreamsUntilOwnSessionSignedOut(t *testing.T) {
	hub := bus.NewHub()
	h := NewAuthHandler(&mockAuthService{}, hub, AuthHandlerConfig{Heartbeat: time.Hour})
	p := &model.Principal{UserID: "user-1", SessionID: "session-1"}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Events(w, withPrincipal(r, p))
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	reader := bufio.NewReader(resp.Body)

	if ev := readSSE(t, reader); ev.name != string(model.EventInitialSession) {
		t.Fatalf("first event = %+v", ev)
	}

	// 別セッションのサインイン通知はトークンを含めずに届く
	ctx := context.Background()
	hub.Publish(ctx, model.SessionEvent{
		Type: model.EventSignedIn, UserID: "user-1", SessionID: "session-2",
		Session: &model.Session{AccessToken: "other-device-token"},
	})
	ev := readSSE(t, reader)
	if ev.name != string(model.EventSignedIn) {
		t.Fatalf("event = %+v", ev)
	}
	if strings.Contains(ev.data, "other-device-token") {
		t.Error("tokens must not be streamed")
	}

	// 他ユーザー宛ての通知は届かない
	hub.Publish(ctx, model.SessionEvent{Type: model.EventSignedOut, UserID: "user-2", SessionID: "x"})

	hub.Publish(ctx, model.SessionEvent{Type: model.EventSignedOut, UserID: "user-1", SessionID: "session-1"})
	ev = readSSE(t, reader)
	var decoded model.SessionEvent
	if err := json.Unmarshal([]byte(ev.data), &decoded); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if decoded.Type != model.EventSignedOut || decoded.SessionID != "session-1" {
		t.Errorf("event = %+v", decoded)
	}

	// 自セッションの失効でストリームは終了する
	done := make(chan struct{})
	go func() {
		io.Copy(io.Discard, reader)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after own session signed out")
	}
}

func TestAuthHandler_Events_RequiresPrincipal(t *testing.T) {
	h := newTestAuthHandler(&mockAuthService{})

	w := httptest.NewRecorder()
	h.Events(w, httptest.NewRequest(http.MethodGet, "/auth/v1/events", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestWithFragment_ReplacesExisting(t *testing.T) {
	got := withFragment("http://localhost:3000/p#old", url.Values{"a": {"1"}})
	if got != "http://localhost:3000/p#a=1" {
		t.Errorf("got %q", got)
	}
}
