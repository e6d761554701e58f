package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/japinait/internal/model"
	"github.com/hitoshi/japinait/internal/storage"
)

func adminRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", "v1")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	return withPrincipal(req, &model.Principal{UserID: "admin-1", Role: model.RoleVenueAdmin})
}

func TestAdminHandler_SetVenueStatus_InvalidBody(t *testing.T) {
	h := NewAdminHandler(&mockAdminService{})

	w := httptest.NewRecorder()
	h.SetVenueStatus(w, adminRequest(http.MethodPut, "/api/admin/venues/v1/status", "{"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if got := decodeAPIError(t, w.Body); got.Code != "INVALID_REQUEST" {
		t.Errorf("code = %q", got.Code)
	}
}

func TestAdminHandler_SetVenueStatus_NoPrincipal(t *testing.T) {
	h := NewAdminHandler(&mockAdminService{})

	req := httptest.NewRequest(http.MethodPut, "/api/admin/venues/v1/status", strings.NewReader(`{"status":"approved"}`))
	w := httptest.NewRecorder()
	h.SetVenueStatus(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestAdminHandler_Stats_InternalError(t *testing.T) {
	h := NewAdminHandler(&mockAdminService{
		statsFn: func(ctx context.Context) (*model.AdminStats, error) {
			return nil, errors.New("db down")
		},
	})

	w := httptest.NewRecorder()
	h.Stats(w, adminRequest(http.MethodGet, "/api/admin/stats", ""))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if got := decodeAPIError(t, w.Body); got.Category != model.CategorySystem {
		t.Errorf("category = %q, want system", got.Category)
	}
}

func TestStorageHandler_Disabled(t *testing.T) {
	h := NewStorageHandler(&mockStorageService{
		uploadFn: func(ctx context.Context, p *model.Principal, venueID, contentType string) (*storage.UploadURL, error) {
			return nil, model.NewStorageDisabledError()
		},
	})

	w := httptest.NewRecorder()
	h.CreateUploadURL(w, adminRequest(http.MethodPost, "/api/storage/venues/v1/photos/upload-url", `{"content_type":"image/png"}`))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestStorageHandler_ImportPhoto_PassesVenueAndURL(t *testing.T) {
	var gotVenue, gotURL string
	h := NewStorageHandler(&mockStorageService{
		importFn: func(ctx context.Context, p *model.Principal, venueID, rawURL string) (*model.VenuePhoto, error) {
			gotVenue, gotURL = venueID, rawURL
			return &model.VenuePhoto{ID: "ph1", VenueID: venueID, PhotoURL: "https://cdn/x.png"}, nil
		},
	})

	w := httptest.NewRecorder()
	h.ImportPhoto(w, adminRequest(http.MethodPost, "/api/storage/venues/v1/photos/import", `{"url":"https://example.com/x.png"}`))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	if gotVenue != "v1" || gotURL != "https://example.com/x.png" {
		t.Errorf("got venue=%q url=%q", gotVenue, gotURL)
	}
}

func TestStorageHandler_ImportPhoto_FetchFailed(t *testing.T) {
	h := NewStorageHandler(&mockStorageService{
		importFn: func(ctx context.Context, p *model.Principal, venueID, rawURL string) (*model.VenuePhoto, error) {
			return nil, model.NewFetchFailedError("upstream returned 404")
		},
	})

	w := httptest.NewRecorder()
	h.ImportPhoto(w, adminRequest(http.MethodPost, "/api/storage/venues/v1/photos/import", `{"url":"https://example.com/missing.png"}`))

	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}
