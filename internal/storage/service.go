package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/japinait/internal/metrics"
	"github.com/hitoshi/japinait/internal/model"
	"github.com/hitoshi/japinait/internal/repository"
	"github.com/hitoshi/japinait/internal/security"
)

const (
	// uploadURLTTL は署名付きアップロードURLの有効期間。
	uploadURLTTL = 15 * time.Minute
	// importTimeout は写真取り込み時の外部取得タイムアウト。
	importTimeout = 10 * time.Second
	// DefaultMaxSize は写真の既定の最大サイズ（5MB）。
	DefaultMaxSize = 5 * 1024 * 1024
)

// OwnershipChecker は会場の所有者確認のインターフェース。
type OwnershipChecker interface {
	IsOwner(ctx context.Context, venueID, userID string) (bool, error)
}

// UploadURL は署名付きアップロードURLの発行結果。
type UploadURL struct {
	UploadURL string    `json:"upload_url"`
	PublicURL string    `json:"public_url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service は会場写真のアップロードURL発行と外部URLからの取り込みを行う。
type Service struct {
	store   ObjectStore
	photos  repository.PhotoRepository
	owners  OwnershipChecker
	guard   security.URLGuard
	metrics metrics.MetricsCollector
	maxSize int64
	now     func() time.Time
}

// NewService はServiceを生成する。storeがnilの場合、全操作が STORAGE_DISABLED になる。
func NewService(
	store ObjectStore,
	photos repository.PhotoRepository,
	owners OwnershipChecker,
	guard security.URLGuard,
	mc metrics.MetricsCollector,
	maxSize int64,
) *Service {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Service{
		store:   store,
		photos:  photos,
		owners:  owners,
		guard:   guard,
		metrics: mc,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// CreateUploadURL は会場オーナー向けに署名付きアップロードURLを発行する。
func (s *Service) CreateUploadURL(ctx context.Context, p *model.Principal, venueID, contentType string) (*UploadURL, error) {
	if s.store == nil {
		return nil, model.NewStorageDisabledError()
	}
	contentType = mediaType(contentType)
	if !isImageMime(contentType) {
		return nil, model.NewInvalidRequestError("content_type must be an image type")
	}
	if err := s.requireOwner(ctx, p, venueID); err != nil {
		return nil, err
	}

	key := objectKey(venueID, contentType)
	url, err := s.store.PresignPut(ctx, key, contentType, uploadURLTTL)
	if err != nil {
		return nil, err
	}

	return &UploadURL{
		UploadURL: url,
		PublicURL: s.store.PublicURL(key),
		Key:       key,
		ExpiresAt: s.now().UTC().Add(uploadURLTTL),
	}, nil
}

// ImportFromURL は外部URLの画像を取得してバケットに保存し、会場写真として登録する。
func (s *Service) ImportFromURL(ctx context.Context, p *model.Principal, venueID, rawURL string) (*model.VenuePhoto, error) {
	if s.store == nil {
		return nil, model.NewStorageDisabledError()
	}
	if err := s.requireOwner(ctx, p, venueID); err != nil {
		return nil, err
	}

	// 1. 静的なSSRF検証
	if err := s.guard.Check(rawURL); err != nil {
		slog.Warn("photo import blocked", slog.String("url", rawURL), slog.String("error", err.Error()))
		return nil, model.NewSSRFBlockedError()
	}

	// 2. 画像を取得（接続先IPもsafeurlで検証）
	data, contentType, err := s.fetchImage(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	// 3. バケットに保存
	key := objectKey(venueID, contentType)
	if err := s.store.PutObject(ctx, key, contentType, data); err != nil {
		return nil, err
	}

	// 4. 写真行を登録
	photo := &model.VenuePhoto{
		ID:       uuid.New().String(),
		VenueID:  venueID,
		PhotoURL: s.store.PublicURL(key),
	}
	if err := s.photos.Create(ctx, photo); err != nil {
		return nil, fmt.Errorf("failed to record photo: %w", err)
	}

	slog.Info("venue photo imported",
		slog.String("venue_id", venueID),
		slog.String("photo_id", photo.ID),
		slog.Int("size", len(data)),
	)
	return photo, nil
}

func (s *Service) fetchImage(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", model.NewInvalidRequestError("invalid url")
	}
	req.Header.Set("User-Agent", "japinait/1.0 photo importer")

	resp, err := s.guard.Client(importTimeout).Do(req)
	if err != nil {
		if errors.Is(err, security.ErrBlockedURL) || strings.Contains(err.Error(), "safeurl") {
			return nil, "", model.NewSSRFBlockedError()
		}
		slog.Warn("photo import request failed", slog.String("url", rawURL), slog.String("error", err.Error()))
		return nil, "", model.NewFetchFailedError("request failed")
	}
	defer resp.Body.Close()

	if s.metrics != nil {
		s.metrics.RecordHTTPStatus(resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", model.NewFetchFailedError(fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxSize+1))
	if err != nil {
		return nil, "", model.NewFetchFailedError("failed to read body")
	}
	if int64(len(data)) > s.maxSize {
		return nil, "", model.NewInvalidRequestError(fmt.Sprintf("image exceeds %d bytes", s.maxSize))
	}

	contentType := mediaType(resp.Header.Get("Content-Type"))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mediaType(http.DetectContentType(data))
	}
	if !isImageMime(contentType) {
		return nil, "", model.NewInvalidRequestError("url does not point to an image")
	}
	return data, contentType, nil
}

func (s *Service) requireOwner(ctx context.Context, p *model.Principal, venueID string) error {
	if p == nil {
		return model.NewUnauthorizedError()
	}
	ok, err := s.owners.IsOwner(ctx, venueID, p.UserID)
	if err != nil {
		return fmt.Errorf("failed to check venue owner: %w", err)
	}
	if !ok {
		return model.NewNotPermittedError()
	}
	return nil
}

// objectKey は venues/{venue_id}/{uuid}.{ext} 形式のキーを返す。
func objectKey(venueID, contentType string) string {
	return fmt.Sprintf("venues/%s/%s%s", venueID, uuid.New().String(), extensionFor(contentType))
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	return ""
}

// mediaType はContent-Typeヘッダーからパラメータを除いたメディアタイプを返す。
func mediaType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.TrimSpace(strings.ToLower(mt))
}

func isImageMime(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/") && mimeType != "image/svg+xml"
}
