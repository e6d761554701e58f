package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/japinait/internal/model"
)

// --- テストヘルパー ---

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func testSession(id string, expiresAt time.Time) *model.Session {
	return &model.Session{
		ID:           id,
		UserID:       "user-1",
		AccessToken:  "access-" + id,
		RefreshToken: "refresh-" + id,
		TokenType:    "bearer",
		ExpiresAt:    expiresAt,
		IssuedAt:     time.Now(),
		Claims:       model.SessionClaims{Role: model.RoleUser},
	}
}

func newTestClient(t *testing.T, mux *http.ServeMux, store SessionStore) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewHTTPClient(Options{
		BaseURL:       srv.URL,
		Store:         store,
		RetryInterval: 20 * time.Millisecond,
	})
	t.Cleanup(c.Close)
	return c
}

// eventRecorder はセッション変更通知を記録する。
type eventRecorder struct {
	ch chan model.SessionEvent
}

func recordEvents(c *HTTPClient) *eventRecorder {
	r := &eventRecorder{ch: make(chan model.SessionEvent, 32)}
	c.OnSessionChange(func(ev model.SessionEvent) {
		select {
		case r.ch <- ev:
		default:
		}
	})
	return r
}

func (r *eventRecorder) wait(t *testing.T, typ model.SessionEventType) model.SessionEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", typ)
			return model.SessionEvent{}
		}
	}
}

// --- 認証 ---

func TestSignInWithPassword_StoresSessionAndNotifies(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("grant_type"); got != "password" {
			t.Errorf("grant_type = %q, want password", got)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["email"] != "a@example.com" || body["password"] != "secret123" {
			t.Errorf("unexpected body: %v", body)
		}
		respondJSON(w, http.StatusOK, testSession("sess-1", time.Now().Add(time.Hour)))
	})
	store := &MemoryStore{}
	c := newTestClient(t, mux, store)
	events := recordEvents(c)

	s, err := c.SignInWithPassword(context.Background(), "a@example.com", "secret123")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if s.ID != "sess-1" {
		t.Errorf("session ID = %q", s.ID)
	}

	ev := events.wait(t, model.EventSignedIn)
	if ev.SessionID != "sess-1" || ev.UserID != "user-1" {
		t.Errorf("event = %+v", ev)
	}
	if stored, _ := store.Load(); stored == nil || stored.ID != "sess-1" {
		t.Errorf("stored session = %+v", stored)
	}

	got, err := c.GetSession(context.Background())
	if err != nil || got == nil || got.AccessToken != "access-sess-1" {
		t.Errorf("GetSession = %+v, %v", got, err)
	}
}

func TestSignInWithPassword_InvalidCredentials_ReturnsAPIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusBadRequest, model.NewInvalidCredentialsError())
	})
	c := newTestClient(t, mux, nil)

	s, err := c.SignInWithPassword(context.Background(), "a@example.com", "wrong")
	if s != nil {
		t.Errorf("expected nil session, got %+v", s)
	}
	if !IsCode(err, model.ErrCodeInvalidCredentials) {
		t.Fatalf("expected INVALID_CREDENTIALS, got %v", err)
	}
	apiErr, _ := model.AsAPIError(err)
	if apiErr.Category != model.CategoryAuth {
		t.Errorf("Category = %q, want auth", apiErr.Category)
	}
}

func TestSignUp_EstablishesSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/signup", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Email string             `json:"email"`
			Data  model.UserMetadata `json:"data"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Data.FullName != "Taro" || body.Data.Role != model.RoleVenueAdmin {
			t.Errorf("metadata = %+v", body.Data)
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"user":    model.AuthUser{ID: "user-1", Email: body.Email},
			"session": testSession("sess-1", time.Now().Add(time.Hour)),
		})
	})
	c := newTestClient(t, mux, nil)
	events := recordEvents(c)

	user, s, err := c.SignUp(context.Background(), "a@example.com", "secret123",
		model.UserMetadata{FullName: "Taro", Role: model.RoleVenueAdmin})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if user.ID != "user-1" || s == nil {
		t.Errorf("user = %+v, session = %+v", user, s)
	}
	events.wait(t, model.EventSignedIn)
}

func TestGetSession_RestoresFromStore(t *testing.T) {
	store := &MemoryStore{}
	_ = store.Save(testSession("sess-1", time.Now().Add(time.Hour)))
	c := newTestClient(t, http.NewServeMux(), store)

	s, err := c.GetSession(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if s == nil || s.ID != "sess-1" {
		t.Errorf("GetSession = %+v", s)
	}
}

func TestGetSession_NoSession_ReturnsNil(t *testing.T) {
	c := newTestClient(t, http.NewServeMux(), nil)

	s, err := c.GetSession(context.Background())
	if err != nil || s != nil {
		t.Errorf("GetSession = %+v, %v; want nil, nil", s, err)
	}
}

func TestGetSession_NearExpiry_Refreshes(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", got)
		}
		calls.Add(1)
		respondJSON(w, http.StatusOK, testSession("sess-2", time.Now().Add(time.Hour)))
	})
	store := &MemoryStore{}
	_ = store.Save(testSession("sess-1", time.Now().Add(30*time.Second)))
	c := newTestClient(t, mux, store)
	events := recordEvents(c)

	s, err := c.GetSession(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if s == nil || s.ID != "sess-2" {
		t.Fatalf("GetSession = %+v, want refreshed session", s)
	}
	events.wait(t, model.EventTokenRefreshed)
	if calls.Load() == 0 {
		t.Error("expected refresh request")
	}
	if stored, _ := store.Load(); stored == nil || stored.ID != "sess-2" {
		t.Errorf("stored session = %+v", stored)
	}
}

func TestGetSession_RefreshRejected_SignsOut(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusUnauthorized, model.NewInvalidRefreshTokenError())
	})
	store := &MemoryStore{}
	_ = store.Save(testSession("sess-1", time.Now().Add(-time.Minute)))
	c := newTestClient(t, mux, store)
	events := recordEvents(c)

	s, err := c.GetSession(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if s != nil {
		t.Errorf("expected nil session, got %+v", s)
	}
	events.wait(t, model.EventSignedOut)
	if stored, _ := store.Load(); stored != nil {
		t.Errorf("expected store to be cleared, got %+v", stored)
	}
}

func TestSignOut_ServerAlreadyRevoked_ClearsSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/logout", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusUnauthorized, model.NewUnauthorizedError())
	})
	store := &MemoryStore{}
	_ = store.Save(testSession("sess-1", time.Now().Add(time.Hour)))
	c := newTestClient(t, mux, store)
	events := recordEvents(c)

	if err := c.SignOut(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	events.wait(t, model.EventSignedOut)
	if s, _ := c.GetSession(context.Background()); s != nil {
		t.Errorf("expected no session after sign out, got %+v", s)
	}
}

func TestSignOut_ServerError_KeepsSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/logout", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer access-sess-1" {
			t.Errorf("Authorization = %q", got)
		}
		respondJSON(w, http.StatusInternalServerError, model.NewInternalError())
	})
	store := &MemoryStore{}
	_ = store.Save(testSession("sess-1", time.Now().Add(time.Hour)))
	c := newTestClient(t, mux, store)

	if err := c.SignOut(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if s, _ := c.GetSession(context.Background()); s == nil {
		t.Error("expected session to be kept")
	}
}

// signInOutMux はサインインとサインアウトだけを受け付けるゲートウェイ。
func signInOutMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, testSession("sess-1", time.Now().Add(time.Hour)))
	})
	mux.HandleFunc("POST /auth/v1/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// 購読者がSIGNED_INを処理している間にサインアウトしても、
// 通知は反映順に届き、購読者の最終状態はクライアントのセッションと一致する
func TestSessionEvents_DeliveredInApplyOrder(t *testing.T) {
	store := &MemoryStore{}
	c := newTestClient(t, signInOutMux(), store)

	entered := make(chan struct{})
	release := make(chan struct{})
	var (
		mu   sync.Mutex
		seen []model.SessionEventType
		last *model.Session
	)
	c.OnSessionChange(func(ev model.SessionEvent) {
		mu.Lock()
		seen = append(seen, ev.Type)
		last = ev.Session
		mu.Unlock()
		if ev.Type == model.EventSignedIn {
			close(entered)
			<-release
		}
	})

	signedIn := make(chan error, 1)
	go func() {
		_, err := c.SignInWithPassword(context.Background(), "a@example.com", "secret123")
		signedIn <- err
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SIGNED_IN delivery")
	}

	if err := c.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	if s, _ := c.GetSession(context.Background()); s != nil {
		t.Fatalf("expected no session after sign out, got %+v", s)
	}

	close(release)
	select {
	case err := <-signedIn:
		if err != nil {
			t.Fatalf("SignInWithPassword() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sign in to return")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != model.EventSignedIn || seen[1] != model.EventSignedOut {
		t.Fatalf("events = %v, want [SIGNED_IN SIGNED_OUT]", seen)
	}
	if last != nil {
		t.Errorf("listener kept session %+v after sign out", last)
	}
	if stored, _ := store.Load(); stored != nil {
		t.Errorf("store should be cleared last, got %+v", stored)
	}
}

// 購読者の中からクライアントを呼んでも行き詰まらない
func TestSessionEvents_ListenerMayCallBack(t *testing.T) {
	c := newTestClient(t, signInOutMux(), nil)

	var (
		mu   sync.Mutex
		seen []model.SessionEventType
	)
	c.OnSessionChange(func(ev model.SessionEvent) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
		if ev.Type == model.EventSignedIn {
			if err := c.SignOut(context.Background()); err != nil {
				t.Errorf("SignOut() from listener error = %v", err)
			}
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := c.SignInWithPassword(context.Background(), "a@example.com", "secret123"); err != nil {
			t.Errorf("SignInWithPassword() error = %v", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sign in did not return; listener callback deadlocked")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[1] != model.EventSignedOut {
		t.Errorf("events = %v, want [SIGNED_IN SIGNED_OUT]", seen)
	}
}

func TestSignOut_NoSession_IsNoop(t *testing.T) {
	c := newTestClient(t, http.NewServeMux(), nil)
	if err := c.SignOut(context.Background()); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestUpdateUser_WithoutSession_ReturnsUnauthorized(t *testing.T) {
	c := newTestClient(t, http.NewServeMux(), nil)

	_, err := c.UpdateUser(context.Background(), "newpassword")
	if !IsCode(err, model.ErrCodeUnauthorized) {
		t.Errorf("expected UNAUTHORIZED, got %v", err)
	}
}

func TestUpdateUser_NotifiesUserUpdated(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "newpassword" {
			t.Errorf("password = %q", body["password"])
		}
		respondJSON(w, http.StatusOK, model.AuthUser{ID: "user-1", Email: "a@example.com"})
	})
	store := &MemoryStore{}
	_ = store.Save(testSession("sess-1", time.Now().Add(time.Hour)))
	c := newTestClient(t, mux, store)
	events := recordEvents(c)

	user, err := c.UpdateUser(context.Background(), "newpassword")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if user.ID != "user-1" {
		t.Errorf("user = %+v", user)
	}
	events.wait(t, model.EventUserUpdated)
}

func TestSendPasswordRecovery_SendsRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/recover", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["redirect_to"] != "http://localhost:3000/update-password" {
			t.Errorf("redirect_to = %q", body["redirect_to"])
		}
		respondJSON(w, http.StatusOK, map[string]any{})
	})
	c := newTestClient(t, mux, nil)

	if err := c.SendPasswordRecovery(context.Background(), "a@example.com", "http://localhost:3000/update-password"); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

// --- 汎用テーブル ---

func TestSelect_BuildsQueryAndAuthorization(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/v1/venues", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("status"); got != "eq.approved" {
			t.Errorf("status = %q", got)
		}
		if got := q.Get("venue_type_id"); got != "is.null" {
			t.Errorf("venue_type_id = %q", got)
		}
		if got := q.Get("order"); got != "created_at.desc,name.asc" {
			t.Errorf("order = %q", got)
		}
		if got := q.Get("limit"); got != "10" {
			t.Errorf("limit = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer access-sess-1" {
			t.Errorf("Authorization = %q", got)
		}
		respondJSON(w, http.StatusOK, []Row{{"id": "v1", "name": "Blue Note"}})
	})
	store := &MemoryStore{}
	_ = store.Save(testSession("sess-1", time.Now().Add(time.Hour)))
	c := newTestClient(t, mux, store)

	rows, err := c.Select(context.Background(), "venues",
		[]Filter{Eq("status", "approved"), Eq("venue_type_id", nil)},
		&SelectOptions{Order: []Order{{Column: "created_at", Desc: true}, {Column: "name"}}, Limit: 10},
	)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(rows) != 1 || rows[0]["name"] != "Blue Note" {
		t.Errorf("rows = %v", rows)
	}
}

func TestSelect_Anonymous_SendsNoToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/v1/venue_types", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("Authorization = %q, want empty", got)
		}
		respondJSON(w, http.StatusOK, []Row{})
	})
	c := newTestClient(t, mux, nil)

	rows, err := c.Select(context.Background(), "venue_types", nil, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("rows = %v", rows)
	}
}

func TestUpsert_SendsConflictTarget(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rest/v1/reviews", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("on_conflict"); got != "user_id,venue_id" {
			t.Errorf("on_conflict = %q", got)
		}
		if got := r.Header.Get("Prefer"); got != "resolution=merge-duplicates" {
			t.Errorf("Prefer = %q", got)
		}
		var rows []Row
		_ = json.NewDecoder(r.Body).Decode(&rows)
		respondJSON(w, http.StatusCreated, rows)
	})
	c := newTestClient(t, mux, nil)

	rows, err := c.Upsert(context.Background(), "reviews", []string{"user_id", "venue_id"},
		Row{"venue_id": "v1", "rating": 5})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("rows = %v", rows)
	}
}

func TestInsert_Duplicate_ReturnsAPIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rest/v1/favorites", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Prefer") != "" {
			t.Errorf("plain insert must not send Prefer")
		}
		respondJSON(w, http.StatusConflict, model.NewDuplicateError("favorites"))
	})
	c := newTestClient(t, mux, nil)

	_, err := c.Insert(context.Background(), "favorites", Row{"venue_id": "v1"})
	if !IsCode(err, model.ErrCodeDuplicate) {
		t.Errorf("expected DUPLICATE, got %v", err)
	}
}

func TestDelete_SendsFilters(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /rest/v1/favorites", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("id"); got != "eq.f1" {
			t.Errorf("id = %q", got)
		}
		respondJSON(w, http.StatusOK, []Row{{"id": "f1"}})
	})
	c := newTestClient(t, mux, nil)

	rows, err := c.Delete(context.Background(), "favorites", []Filter{Eq("id", "f1")})
	if err != nil || len(rows) != 1 {
		t.Errorf("Delete = %v, %v", rows, err)
	}
}

func TestDo_Unreachable_ReturnsErrUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux())
	base := srv.URL
	srv.Close()

	c := NewHTTPClient(Options{BaseURL: base, Timeout: time.Second})
	defer c.Close()

	_, err := c.Select(context.Background(), "venues", nil, nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestDecodeError(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
	}{
		{"api error body", http.StatusForbidden, `{"code":"NOT_PERMITTED","message":"no","category":"policy"}`, model.ErrCodeNotPermitted},
		{"rate limited without body", http.StatusTooManyRequests, "", model.ErrCodeRateLimited},
		{"html body", http.StatusBadGateway, "<html>bad gateway</html>", model.ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := decodeError(tt.status, []byte(tt.body))
			if !IsCode(err, tt.wantCode) {
				t.Errorf("decodeError = %v, want code %s", err, tt.wantCode)
			}
		})
	}
}

// --- 管理・ストレージ ---

func TestAdminStats_DecodesResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/admin/stats", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, model.AdminStats{Users: 3, Venues: 2, Events: 5, PendingVenues: 1})
	})
	store := &MemoryStore{}
	_ = store.Save(testSession("sess-1", time.Now().Add(time.Hour)))
	c := newTestClient(t, mux, store)

	stats, err := c.AdminStats(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if stats.Users != 3 || stats.PendingVenues != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSetVenueStatus_SendsStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /api/admin/venues/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		respondJSON(w, http.StatusOK, model.Venue{ID: r.PathValue("id"), Status: model.VenueStatus(body["status"])})
	})
	store := &MemoryStore{}
	_ = store.Save(testSession("sess-1", time.Now().Add(time.Hour)))
	c := newTestClient(t, mux, store)

	venue, err := c.SetVenueStatus(context.Background(), "v1", model.VenueStatusApproved)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if venue.ID != "v1" || venue.Status != model.VenueStatusApproved {
		t.Errorf("venue = %+v", venue)
	}
}

func TestAdminVenues_SendsStatusFilter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/admin/venues", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, []model.Venue{{ID: "v1", Status: model.VenueStatus(r.URL.Query().Get("status"))}})
	})
	store := &MemoryStore{}
	_ = store.Save(testSession("sess-1", time.Now().Add(time.Hour)))
	c := newTestClient(t, mux, store)

	venues, err := c.AdminVenues(context.Background(), model.VenueStatusPending)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(venues) != 1 || venues[0].Status != model.VenueStatusPending {
		t.Errorf("venues = %+v", venues)
	}
}

func TestDeleteVenue_NoContent(t *testing.T) {
	var deleted string
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/admin/venues/{id}", func(w http.ResponseWriter, r *http.Request) {
		deleted = r.PathValue("id")
		w.WriteHeader(http.StatusNoContent)
	})
	store := &MemoryStore{}
	_ = store.Save(testSession("sess-1", time.Now().Add(time.Hour)))
	c := newTestClient(t, mux, store)

	if err := c.DeleteVenue(context.Background(), "v7"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if deleted != "v7" {
		t.Errorf("deleted = %q", deleted)
	}
}

// 管理者によるアカウント作成は呼び出し元のセッションを変えない
func TestCreateUser_KeepsCallerSession(t *testing.T) {
	var body map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/admin/users", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		respondJSON(w, http.StatusCreated, model.Profile{ID: "u9", Email: body["email"], Role: model.Role(body["role"])})
	})
	store := &MemoryStore{}
	_ = store.Save(testSession("sess-1", time.Now().Add(time.Hour)))
	c := newTestClient(t, mux, store)

	profile, err := c.CreateUser(context.Background(), "staff@example.com", "secret123",
		model.UserMetadata{FullName: "Staff", Role: model.RoleVenueAdmin})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if profile.ID != "u9" || profile.Role != model.RoleVenueAdmin {
		t.Errorf("profile = %+v", profile)
	}
	if body["full_name"] != "Staff" || body["password"] != "secret123" {
		t.Errorf("body = %v", body)
	}
	if s, _ := c.GetSession(context.Background()); s == nil || s.ID != "sess-1" {
		t.Errorf("caller session = %+v, want sess-1", s)
	}
}

func TestImportPhoto_WithoutSession_ReturnsUnauthorized(t *testing.T) {
	c := newTestClient(t, http.NewServeMux(), nil)

	_, err := c.ImportPhoto(context.Background(), "v1", "https://example.com/a.jpg")
	if !IsCode(err, model.ErrCodeUnauthorized) {
		t.Errorf("expected UNAUTHORIZED, got %v", err)
	}
}
