package model

import "time"

// VenueStatus は会場の審査状態を表す。
type VenueStatus string

const (
	VenueStatusPending  VenueStatus = "pending"
	VenueStatusApproved VenueStatus = "approved"
	VenueStatusRejected VenueStatus = "rejected"
)

// Valid は定義済みのステータスかどうかを返す。
func (s VenueStatus) Valid() bool {
	switch s {
	case VenueStatusPending, VenueStatusApproved, VenueStatusRejected:
		return true
	}
	return false
}

// CanTransitionTo は審査遷移が許されるかを返す。
// pending→approved と pending→rejected のみ。逆方向には戻らない。
func (s VenueStatus) CanTransitionTo(next VenueStatus) bool {
	return s == VenueStatusPending && (next == VenueStatusApproved || next == VenueStatusRejected)
}

// DayHours は1曜日分の営業時間。
type DayHours struct {
	Open   string `json:"open"`
	Close  string `json:"close"`
	Closed bool   `json:"closed"`
}

// OpeningHours は曜日名（monday..sunday）をキーとする営業時間。
type OpeningHours map[string]DayHours

// Venue は会場を表す。
type Venue struct {
	ID             string       `json:"id"`
	OwnerID        string       `json:"owner_id"`
	VenueTypeID    string       `json:"venue_type_id,omitempty"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	Address        string       `json:"address"`
	Latitude       *float64     `json:"latitude,omitempty"`
	Longitude      *float64     `json:"longitude,omitempty"`
	Phone          string       `json:"phone,omitempty"`
	Email          string       `json:"email,omitempty"`
	Website        string       `json:"website,omitempty"`
	MusicType      string       `json:"music_type,omitempty"`
	PriceRange     string       `json:"price_range,omitempty"`
	OpeningHours   OpeningHours `json:"opening_hours,omitempty"`
	Status         VenueStatus  `json:"status"`
	AverageRating  float64      `json:"average_rating"`
	TotalReviews   int          `json:"total_reviews"`
	TotalFavorites int          `json:"total_favorites"`
	ViewCount      int          `json:"view_count"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// VenueType は会場種別。
type VenueType struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// VenuePhoto は会場写真。
type VenuePhoto struct {
	ID         string    `json:"id"`
	VenueID    string    `json:"venue_id"`
	PhotoURL   string    `json:"photo_url"`
	IsPrimary  bool      `json:"is_primary"`
	OrderIndex int       `json:"order_index"`
	CreatedAt  time.Time `json:"created_at"`
}

// EventStatus はイベントの開催状態。
type EventStatus string

const (
	EventStatusUpcoming  EventStatus = "upcoming"
	EventStatusOngoing   EventStatus = "ongoing"
	EventStatusCompleted EventStatus = "completed"
)

// Event は会場で開催されるイベント。
type Event struct {
	ID          string      `json:"id"`
	VenueID     string      `json:"venue_id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	EventDate   time.Time   `json:"event_date"`
	ImageURL    string      `json:"image_url,omitempty"`
	Status      EventStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Favorite はユーザーと会場のお気に入り関係。(UserID, VenueID) で一意。
type Favorite struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	VenueID   string    `json:"venue_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Review はユーザーによる会場レビュー。(UserID, VenueID) で一意。
type Review struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	VenueID   string    `json:"venue_id"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReviewRatingValid は評価値が1〜5の範囲かを返す。
func ReviewRatingValid(rating int) bool {
	return rating >= 1 && rating <= 5
}

// AdminStats は管理画面の集計値。
type AdminStats struct {
	Users         int `json:"users"`
	Venues        int `json:"venues"`
	Events        int `json:"events"`
	PendingVenues int `json:"pending_venues"`
}
