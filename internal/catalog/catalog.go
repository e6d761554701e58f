// Package catalog はゲートウェイの汎用テーブル操作を会場・イベント・レビュー・プロフィールの型付きAPIにまとめる。
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hitoshi/japinait/internal/gateway"
	"github.com/hitoshi/japinait/internal/model"
)

// テーブル名
const (
	tableProfiles   = "profiles"
	tableVenues     = "venues"
	tableVenueTypes = "venue_types"
	tableEvents     = "events"
	tableFavorites  = "favorites"
	tableReviews    = "reviews"
)

// TableGateway はCatalogが利用するゲートウェイのテーブル操作。
type TableGateway interface {
	Select(ctx context.Context, table string, filters []gateway.Filter, opts *gateway.SelectOptions) ([]gateway.Row, error)
	Upsert(ctx context.Context, table string, onConflict []string, rows ...gateway.Row) ([]gateway.Row, error)
}

// Catalog は会場一覧やレビュー投稿などの読み書きを提供する。
type Catalog struct {
	gw TableGateway
}

// New はCatalogを生成する。
func New(gw TableGateway) *Catalog {
	return &Catalog{gw: gw}
}

// FetchProfile はユーザーのプロフィールを返す。行が見えない場合は nil を返す。
func (c *Catalog) FetchProfile(ctx context.Context, userID string) (*model.Profile, error) {
	rows, err := c.gw.Select(ctx, tableProfiles,
		[]gateway.Filter{gateway.Eq("id", userID)},
		&gateway.SelectOptions{Limit: 1},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	profiles, err := decodeRows[model.Profile](rows)
	if err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		return nil, nil
	}
	p := profiles[0]
	p.Role = model.ParseRole(string(p.Role))
	return &p, nil
}

// VenueFilter は会場一覧の絞り込み条件。
type VenueFilter struct {
	VenueTypeID string
	OwnerID     string
	Status      model.VenueStatus
	Limit       int
}

// ListVenues は会場を新しい順に返す。見える範囲はゲートウェイの行ポリシーに従う。
func (c *Catalog) ListVenues(ctx context.Context, f VenueFilter) ([]model.Venue, error) {
	var filters []gateway.Filter
	if f.VenueTypeID != "" {
		filters = append(filters, gateway.Eq("venue_type_id", f.VenueTypeID))
	}
	if f.OwnerID != "" {
		filters = append(filters, gateway.Eq("owner_id", f.OwnerID))
	}
	if f.Status != "" {
		filters = append(filters, gateway.Eq("status", string(f.Status)))
	}
	rows, err := c.gw.Select(ctx, tableVenues, filters, &gateway.SelectOptions{
		Order: []gateway.Order{{Column: "created_at", Desc: true}},
		Limit: f.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list venues: %w", err)
	}
	return decodeRows[model.Venue](rows)
}

// GetVenue は会場を1件返す。見えない場合は nil。
func (c *Catalog) GetVenue(ctx context.Context, venueID string) (*model.Venue, error) {
	rows, err := c.gw.Select(ctx, tableVenues,
		[]gateway.Filter{gateway.Eq("id", venueID)},
		&gateway.SelectOptions{Limit: 1},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get venue: %w", err)
	}
	venues, err := decodeRows[model.Venue](rows)
	if err != nil || len(venues) == 0 {
		return nil, err
	}
	return &venues[0], nil
}

// ListVenueTypes は会場タイプを名前順に返す。
func (c *Catalog) ListVenueTypes(ctx context.Context) ([]model.VenueType, error) {
	rows, err := c.gw.Select(ctx, tableVenueTypes, nil, &gateway.SelectOptions{
		Order: []gateway.Order{{Column: "name"}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list venue types: %w", err)
	}
	return decodeRows[model.VenueType](rows)
}

// ListEvents はイベントを開催日順に返す。venueID が空なら全会場。
func (c *Catalog) ListEvents(ctx context.Context, venueID string) ([]model.Event, error) {
	var filters []gateway.Filter
	if venueID != "" {
		filters = append(filters, gateway.Eq("venue_id", venueID))
	}
	rows, err := c.gw.Select(ctx, tableEvents, filters, &gateway.SelectOptions{
		Order: []gateway.Order{{Column: "event_date"}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return decodeRows[model.Event](rows)
}

// ListFavorites はユーザーのお気に入り会場を、お気に入りにした新しい順に返す。
// 承認が取り消されるなどして見えなくなった会場は含めない。
func (c *Catalog) ListFavorites(ctx context.Context, userID string) ([]model.Venue, error) {
	rows, err := c.gw.Select(ctx, tableFavorites,
		[]gateway.Filter{gateway.Eq("user_id", userID)},
		&gateway.SelectOptions{Order: []gateway.Order{{Column: "created_at", Desc: true}}},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list favorites: %w", err)
	}
	favorites, err := decodeRows[model.Favorite](rows)
	if err != nil {
		return nil, err
	}

	venues := make([]model.Venue, 0, len(favorites))
	for _, f := range favorites {
		v, err := c.GetVenue(ctx, f.VenueID)
		if err != nil {
			return nil, err
		}
		if v != nil {
			venues = append(venues, *v)
		}
	}
	return venues, nil
}

// ListReviews は会場のレビューを新しい順に返す。
func (c *Catalog) ListReviews(ctx context.Context, venueID string) ([]model.Review, error) {
	rows, err := c.gw.Select(ctx, tableReviews,
		[]gateway.Filter{gateway.Eq("venue_id", venueID)},
		&gateway.SelectOptions{Order: []gateway.Order{{Column: "created_at", Desc: true}}},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	return decodeRows[model.Review](rows)
}

// SubmitReview はユーザーの会場レビューを書き込む。1ユーザー1会場につき1件で、再投稿は上書きになる。
func (c *Catalog) SubmitReview(ctx context.Context, userID, venueID string, rating int, comment string) (*model.Review, error) {
	if !model.ReviewRatingValid(rating) {
		return nil, model.NewInvalidRequestError("rating must be between 1 and 5")
	}
	row := gateway.Row{
		"user_id":  userID,
		"venue_id": venueID,
		"rating":   rating,
		"comment":  strings.TrimSpace(comment),
	}
	rows, err := c.gw.Upsert(ctx, tableReviews, []string{"user_id", "venue_id"}, row)
	if err != nil {
		return nil, fmt.Errorf("failed to submit review: %w", err)
	}
	reviews, err := decodeRows[model.Review](rows)
	if err != nil {
		return nil, err
	}
	if len(reviews) == 0 {
		return nil, model.NewNotPermittedError()
	}
	return &reviews[0], nil
}

// decodeRows はゲートウェイの行をJSON経由で型付きの値に変換する。
func decodeRows[T any](rows []gateway.Row) ([]T, error) {
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rows: %w", err)
	}
	out := []T{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode rows: %w", err)
	}
	return out, nil
}
