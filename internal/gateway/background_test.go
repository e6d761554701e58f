package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/japinait/internal/model"
)

func TestReadEvents_ParsesFramesAndSkipsHeartbeats(t *testing.T) {
	stream := strings.Join([]string{
		"event: INITIAL_SESSION",
		`data: {"type":"INITIAL_SESSION","session_id":"sess-1"}`,
		"",
		": ping",
		"",
		"event: USER_UPDATED",
		`data: {"type":"USER_UPDATED","user_id":"user-1"}`,
		"",
		"data: not-json",
		"",
		"event: SIGNED_OUT",
		`data: {"type":"SIGNED_OUT","session_id":"sess-1"}`,
		"",
		"event: SIGNED_IN",
		`data: {"type":"SIGNED_IN"}`,
		"",
	}, "\n")

	var got []model.SessionEventType
	err := readEvents(strings.NewReader(stream), func(ev model.SessionEvent) bool {
		got = append(got, ev.Type)
		return ev.Type != model.EventSignedOut
	})

	if !errors.Is(err, errSessionEnded) {
		t.Fatalf("expected errSessionEnded, got %v", err)
	}
	want := []model.SessionEventType{model.EventInitialSession, model.EventUserUpdated, model.EventSignedOut}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestReadEvents_StreamClosed_ReturnsError(t *testing.T) {
	err := readEvents(strings.NewReader(": ping\n\n"), func(model.SessionEvent) bool { return true })
	if err == nil || errors.Is(err, errSessionEnded) {
		t.Errorf("expected stream closed error, got %v", err)
	}
}

func TestWatch_ServerSignOut_ClearsSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/v1/events", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer access-sess-1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "event: INITIAL_SESSION\ndata: {\"type\":\"INITIAL_SESSION\",\"session_id\":\"sess-1\"}\n\n")
		// 他のセッションの SIGNED_OUT は無視される
		fmt.Fprint(w, "event: SIGNED_OUT\ndata: {\"type\":\"SIGNED_OUT\",\"session_id\":\"sess-other\"}\n\n")
		fmt.Fprint(w, "event: SIGNED_OUT\ndata: {\"type\":\"SIGNED_OUT\",\"session_id\":\"sess-1\"}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	})
	store := &MemoryStore{}
	_ = store.Save(testSession("sess-1", time.Now().Add(time.Hour)))
	c := newTestClient(t, mux, store)
	events := recordEvents(c)

	if s, _ := c.GetSession(context.Background()); s == nil {
		t.Fatal("expected restored session")
	}

	ev := events.wait(t, model.EventSignedOut)
	if ev.Session != nil {
		t.Errorf("SIGNED_OUT must not carry a session")
	}
	if s, _ := c.GetSession(context.Background()); s != nil {
		t.Errorf("expected session to be cleared, got %+v", s)
	}
	if stored, _ := store.Load(); stored != nil {
		t.Errorf("expected store to be cleared, got %+v", stored)
	}
}

func TestRefreshLoop_RefreshesBeforeExpiry(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("grant_type") {
		case "password":
			// 更新マージン（1分）をわずかに超える有効期限
			respondJSON(w, http.StatusOK, testSession("sess-1", time.Now().Add(time.Minute+100*time.Millisecond)))
		case "refresh_token":
			respondJSON(w, http.StatusOK, testSession("sess-2", time.Now().Add(time.Hour)))
		}
	})
	c := newTestClient(t, mux, nil)
	events := recordEvents(c)

	if _, err := c.SignInWithPassword(context.Background(), "a@example.com", "secret123"); err != nil {
		t.Fatalf("SignInWithPassword: %v", err)
	}

	ev := events.wait(t, model.EventTokenRefreshed)
	if ev.SessionID != "sess-2" {
		t.Errorf("refreshed session = %q, want sess-2", ev.SessionID)
	}
}

func TestRefreshLoop_Rejected_SignsOut(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("grant_type") == "password" {
			respondJSON(w, http.StatusOK, testSession("sess-1", time.Now().Add(time.Minute+50*time.Millisecond)))
			return
		}
		respondJSON(w, http.StatusUnauthorized, model.NewInvalidRefreshTokenError())
	})
	c := newTestClient(t, mux, nil)
	events := recordEvents(c)

	if _, err := c.SignInWithPassword(context.Background(), "a@example.com", "secret123"); err != nil {
		t.Fatalf("SignInWithPassword: %v", err)
	}
	events.wait(t, model.EventSignedOut)
}

func TestClose_StopsBackgroundWork(t *testing.T) {
	store := &MemoryStore{}
	_ = store.Save(testSession("sess-1", time.Now().Add(time.Hour)))
	c := newTestClient(t, http.NewServeMux(), store)
	_, _ = c.GetSession(context.Background())

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not stop background goroutines")
	}
}

// --- パスワード再設定リンク ---

func signedRecoveryToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := recoveryClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "japinait",
			IssuedAt:  jwt.NewNumericDate(exp.Add(-time.Hour)),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		SessionID: "sess-r",
		Role:      model.RoleUser,
		Recovery:  true,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestSessionFromRedirect_EstablishesRecoverySession(t *testing.T) {
	c := newTestClient(t, http.NewServeMux(), nil)
	events := recordEvents(c)

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	frag := url.Values{
		"access_token":  {signedRecoveryToken(t, exp)},
		"refresh_token": {"refresh-r"},
		"token_type":    {"bearer"},
		"expires_at":    {fmt.Sprint(exp.Unix())},
		"type":          {"recovery"},
	}

	s, err := c.SessionFromRedirect("http://localhost:3000/update-password#" + frag.Encode())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if s.ID != "sess-r" || s.UserID != "user-1" || !s.Recovery {
		t.Errorf("session = %+v", s)
	}
	if !s.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", s.ExpiresAt, exp)
	}
	events.wait(t, model.EventPasswordRecovery)

	got, _ := c.GetSession(context.Background())
	if got == nil || got.RefreshToken != "refresh-r" {
		t.Errorf("GetSession = %+v", got)
	}
}

func TestSessionFromRedirect_ErrorFragment(t *testing.T) {
	c := newTestClient(t, http.NewServeMux(), nil)

	frag := url.Values{
		"error":             {"access_denied"},
		"error_code":        {model.ErrCodeInvalidRecoveryToken},
		"error_description": {"link expired"},
	}
	_, err := c.SessionFromRedirect("http://localhost:3000/update-password#" + frag.Encode())
	if !IsCode(err, model.ErrCodeInvalidRecoveryToken) {
		t.Errorf("expected INVALID_RECOVERY_TOKEN, got %v", err)
	}
}

func TestSessionFromRedirect_MissingTokens(t *testing.T) {
	c := newTestClient(t, http.NewServeMux(), nil)

	_, err := c.SessionFromRedirect("http://localhost:3000/update-password")
	if !IsCode(err, model.ErrCodeInvalidRecoveryToken) {
		t.Errorf("expected INVALID_RECOVERY_TOKEN, got %v", err)
	}
}
