package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/japinait/internal/middleware"
	"github.com/hitoshi/japinait/internal/model"
	"github.com/hitoshi/japinait/internal/storage"
)

// StorageServiceInterface は写真ストレージハンドラーが必要とするサービスインターフェース。
type StorageServiceInterface interface {
	CreateUploadURL(ctx context.Context, p *model.Principal, venueID, contentType string) (*storage.UploadURL, error)
	ImportFromURL(ctx context.Context, p *model.Principal, venueID, rawURL string) (*model.VenuePhoto, error)
}

// StorageHandler は会場写真のHTTPハンドラー。
type StorageHandler struct {
	service StorageServiceInterface
}

// NewStorageHandler はStorageHandlerを生成する。
func NewStorageHandler(service StorageServiceInterface) *StorageHandler {
	return &StorageHandler{service: service}
}

type uploadURLRequest struct {
	ContentType string `json:"content_type"`
}

type importPhotoRequest struct {
	URL string `json:"url"`
}

// CreateUploadURL は署名付きアップロードURLを発行する。
// POST /api/storage/venues/{id}/photos/upload-url
func (h *StorageHandler) CreateUploadURL(w http.ResponseWriter, r *http.Request) {
	p, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req uploadURLRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	out, err := h.service.CreateUploadURL(r.Context(), p, chi.URLParam(r, "id"), req.ContentType)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ImportPhoto は外部URLの画像を取り込んで会場写真として登録する。
// POST /api/storage/venues/{id}/photos/import
func (h *StorageHandler) ImportPhoto(w http.ResponseWriter, r *http.Request) {
	p, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req importPhotoRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("url is required"))
		return
	}

	photo, err := h.service.ImportFromURL(r.Context(), p, chi.URLParam(r, "id"), req.URL)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, photo)
}
