package gateway

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/japinait/internal/model"
)

// PhotoUploadURL は署名付きアップロードURLの発行結果。
type PhotoUploadURL struct {
	UploadURL string    `json:"upload_url"`
	PublicURL string    `json:"public_url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// authorized はサインイン中のアクセストークンを付けてリクエストする。
func (c *HTTPClient) authorized(ctx context.Context, method, path string, q url.Values, body, out any) error {
	token, err := c.currentToken(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		return model.NewUnauthorizedError()
	}
	return c.do(ctx, method, path, q, body, token, nil, out)
}

// SetVenueStatus は会場の審査状態を変更する。venue_admin のみ。
func (c *HTTPClient) SetVenueStatus(ctx context.Context, venueID string, status model.VenueStatus) (*model.Venue, error) {
	var venue model.Venue
	path := "/api/admin/venues/" + url.PathEscape(venueID) + "/status"
	if err := c.authorized(ctx, http.MethodPut, path, nil, map[string]model.VenueStatus{"status": status}, &venue); err != nil {
		return nil, err
	}
	return &venue, nil
}

// AdminStats は管理者向けの集計を返す。
func (c *HTTPClient) AdminStats(ctx context.Context) (*model.AdminStats, error) {
	var stats model.AdminStats
	if err := c.authorized(ctx, http.MethodGet, "/api/admin/stats", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// AdminVenues は審査状態を問わず全オーナーの会場を返す。statusが空なら全件。
func (c *HTTPClient) AdminVenues(ctx context.Context, status model.VenueStatus) ([]model.Venue, error) {
	var q url.Values
	if status != "" {
		q = url.Values{"status": {string(status)}}
	}
	var venues []model.Venue
	if err := c.authorized(ctx, http.MethodGet, "/api/admin/venues", q, nil, &venues); err != nil {
		return nil, err
	}
	return venues, nil
}

// DeleteVenue は会場を削除する。
func (c *HTTPClient) DeleteVenue(ctx context.Context, venueID string) error {
	return c.authorized(ctx, http.MethodDelete, "/api/admin/venues/"+url.PathEscape(venueID), nil, nil, nil)
}

// AdminUsers はユーザーのプロフィール一覧を返す。
func (c *HTTPClient) AdminUsers(ctx context.Context) ([]model.Profile, error) {
	var users []model.Profile
	if err := c.authorized(ctx, http.MethodGet, "/api/admin/users", nil, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// CreateUser はアカウントとプロフィールを作成する。作成者のセッションは変わらない。
func (c *HTTPClient) CreateUser(ctx context.Context, email, password string, meta model.UserMetadata) (*model.Profile, error) {
	body := map[string]string{
		"email":     email,
		"password":  password,
		"full_name": meta.FullName,
		"role":      string(meta.Role),
	}
	var profile model.Profile
	if err := c.authorized(ctx, http.MethodPost, "/api/admin/users", nil, body, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// CreatePhotoUploadURL は会場写真の署名付きアップロードURLを発行する。
func (c *HTTPClient) CreatePhotoUploadURL(ctx context.Context, venueID, contentType string) (*PhotoUploadURL, error) {
	var out PhotoUploadURL
	path := "/api/storage/venues/" + url.PathEscape(venueID) + "/photos/upload-url"
	if err := c.authorized(ctx, http.MethodPost, path, nil, map[string]string{"content_type": contentType}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ImportPhoto は外部URLの画像を会場写真として取り込む。
func (c *HTTPClient) ImportPhoto(ctx context.Context, venueID, rawURL string) (*model.VenuePhoto, error) {
	var photo model.VenuePhoto
	path := "/api/storage/venues/" + url.PathEscape(venueID) + "/photos/import"
	if err := c.authorized(ctx, http.MethodPost, path, nil, map[string]string{"url": rawURL}, &photo); err != nil {
		return nil, err
	}
	return &photo, nil
}
