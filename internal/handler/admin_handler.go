package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/japinait/internal/middleware"
	"github.com/hitoshi/japinait/internal/model"
)

// AdminServiceInterface は管理ハンドラーが必要とするサービスインターフェース。
type AdminServiceInterface interface {
	// SetVenueStatus は会場の審査状態を更新する。
	SetVenueStatus(ctx context.Context, p *model.Principal, venueID string, status model.VenueStatus) (*model.Venue, error)
	// Stats は管理画面の集計値を返す。
	Stats(ctx context.Context) (*model.AdminStats, error)
	// ListVenues は審査状態を問わず会場を返す。
	ListVenues(ctx context.Context, status model.VenueStatus) ([]model.Venue, error)
	// DeleteVenue は会場を削除する。
	DeleteVenue(ctx context.Context, p *model.Principal, venueID string) error
	// ListUsers はユーザーのプロフィール一覧を返す。
	ListUsers(ctx context.Context) ([]model.Profile, error)
	// CreateUser はアカウントとプロフィールを作成する。
	CreateUser(ctx context.Context, p *model.Principal, email, password string, meta model.UserMetadata) (*model.Profile, error)
}

// AdminHandler は会場審査と集計のHTTPハンドラー。
// ルーターで RequireRole(venue_admin) の後に配置する。
type AdminHandler struct {
	service AdminServiceInterface
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(service AdminServiceInterface) *AdminHandler {
	return &AdminHandler{service: service}
}

type venueStatusRequest struct {
	Status model.VenueStatus `json:"status"`
}

type createUserRequest struct {
	Email    string     `json:"email"`
	Password string     `json:"password"`
	FullName string     `json:"full_name"`
	Role     model.Role `json:"role"`
}

// SetVenueStatus は会場を承認または却下する。
// PUT /api/admin/venues/{id}/status
func (h *AdminHandler) SetVenueStatus(w http.ResponseWriter, r *http.Request) {
	p, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req venueStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	venue, err := h.service.SetVenueStatus(r.Context(), p, chi.URLParam(r, "id"), req.Status)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, venue)
}

// Stats は管理画面の集計値を返す。
// GET /api/admin/stats
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListVenues は全オーナーの会場を返す。statusクエリで絞り込む。
// GET /api/admin/venues?status=pending
func (h *AdminHandler) ListVenues(w http.ResponseWriter, r *http.Request) {
	venues, err := h.service.ListVenues(r.Context(), model.VenueStatus(r.URL.Query().Get("status")))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, venues)
}

// DeleteVenue は会場を削除する。
// DELETE /api/admin/venues/{id}
func (h *AdminHandler) DeleteVenue(w http.ResponseWriter, r *http.Request) {
	p, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	if err := h.service.DeleteVenue(r.Context(), p, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListUsers はユーザー一覧を返す。
// GET /api/admin/users
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.ListUsers(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// CreateUser はアカウントを作成する。
// POST /api/admin/users
func (h *AdminHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	p, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req createUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	profile, err := h.service.CreateUser(r.Context(), p, req.Email, req.Password, model.UserMetadata{FullName: req.FullName, Role: req.Role})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}
