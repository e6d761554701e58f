// Package table は /rest/v1 の汎用テーブル操作を提供する。
// 公開テーブルとカラムの許可リスト、入力検証、行レベルポリシーの適用を担う。
package table

import (
	"fmt"
	"math"

	"github.com/hitoshi/japinait/internal/model"
	"github.com/hitoshi/japinait/internal/repository"
)

// Definition は公開テーブルの定義。
type Definition struct {
	Name     string
	Columns  []string
	Conflict []string // Upsertの競合対象。nilの場合Upsertは受け付けない
	Text     []string // 保存前に無害化する自由記述カラム
	Validate func(row repository.Row) error
	Touch    bool // 更新時にupdated_atを設定する
}

// HasColumn はカラムが公開されているかを返す。
func (d *Definition) HasColumn(c string) bool {
	for _, col := range d.Columns {
		if col == c {
			return true
		}
	}
	return false
}

// DefaultTables は公開テーブルの一覧。
func DefaultTables() []*Definition {
	return []*Definition{
		{
			Name:     "profiles",
			Columns:  []string{"id", "email", "full_name", "role", "avatar_url", "created_at", "updated_at"},
			Conflict: []string{"id"},
			Touch:    true,
		},
		{
			Name: "venues",
			Columns: []string{
				"id", "owner_id", "venue_type_id", "name", "description", "address", "latitude", "longitude",
				"phone", "email", "website", "music_type", "price_range", "opening_hours", "status",
				"average_rating", "total_reviews", "total_favorites", "view_count", "created_at", "updated_at",
			},
			Text:     []string{"description"},
			Validate: validateVenue,
			Touch:    true,
		},
		{
			Name:    "venue_types",
			Columns: []string{"id", "name", "slug", "created_at"},
		},
		{
			Name:    "venue_photos",
			Columns: []string{"id", "venue_id", "photo_url", "is_primary", "order_index", "created_at"},
		},
		{
			Name:     "events",
			Columns:  []string{"id", "venue_id", "name", "description", "event_date", "image_url", "status", "created_at", "updated_at"},
			Text:     []string{"description"},
			Validate: validateEvent,
			Touch:    true,
		},
		{
			Name:     "favorites",
			Columns:  []string{"id", "user_id", "venue_id", "created_at"},
			Conflict: []string{"user_id", "venue_id"},
		},
		{
			Name:     "reviews",
			Columns:  []string{"id", "user_id", "venue_id", "rating", "comment", "created_at", "updated_at"},
			Conflict: []string{"user_id", "venue_id"},
			Text:     []string{"comment"},
			Validate: validateReview,
			Touch:    true,
		},
	}
}

func validateReview(row repository.Row) error {
	v, ok := row["rating"]
	if !ok {
		return nil
	}
	n, ok := asInt(v)
	if !ok || !model.ReviewRatingValid(n) {
		return model.NewInvalidRequestError("rating must be an integer between 1 and 5")
	}
	return nil
}

func validateEvent(row repository.Row) error {
	v, ok := row["status"]
	if !ok {
		return nil
	}
	s, _ := v.(string)
	switch model.EventStatus(s) {
	case model.EventStatusUpcoming, model.EventStatusOngoing, model.EventStatusCompleted:
		return nil
	}
	return model.NewInvalidRequestError(fmt.Sprintf("invalid event status: %v", v))
}

func validateVenue(row repository.Row) error {
	for _, c := range []string{"latitude", "longitude"} {
		v, ok := row[c]
		if !ok || v == nil {
			continue
		}
		f, isNum := v.(float64)
		limit := 90.0
		if c == "longitude" {
			limit = 180.0
		}
		if !isNum || math.Abs(f) > limit {
			return model.NewInvalidRequestError(c + " is out of range")
		}
	}
	if v, ok := row["opening_hours"]; ok && v != nil {
		if _, isObj := v.(map[string]any); !isObj {
			return model.NewInvalidRequestError("opening_hours must be an object")
		}
	}
	return nil
}

// asInt はJSONデコード由来の数値を整数に変換する。小数部がある場合はfalse。
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}
