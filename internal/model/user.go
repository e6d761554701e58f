// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Role はプロフィールのロールを表す。
type Role string

const (
	// RoleUser は一般利用者。
	RoleUser Role = "user"
	// RoleVenueAdmin は会場オーナー兼管理者。
	RoleVenueAdmin Role = "venue_admin"
)

// ParseRole は文字列をRoleに変換する。
// 未知の値は最小権限のRoleUserとして扱う。
func ParseRole(s string) Role {
	if Role(strings.TrimSpace(s)) == RoleVenueAdmin {
		return RoleVenueAdmin
	}
	return RoleUser
}

// IsAdmin はvenue_adminかどうかを返す。
func (r Role) IsAdmin() bool {
	return r == RoleVenueAdmin
}

// UserMetadata はサインアップ時に渡される付随情報。
type UserMetadata struct {
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// AuthUser はゲートウェイの認証レコードを表す。
// パスワードハッシュはJSONに出さない。
type AuthUser struct {
	ID           string       `json:"id"`
	Email        string       `json:"email"`
	PasswordHash string       `json:"-"`
	Metadata     UserMetadata `json:"user_metadata"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Profile は認証レコードとは別に永続化される利用者情報。ロールの正はこちら。
type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	Role      Role      `json:"role"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionClaims はアクセストークンに含まれる主張のうちクライアントが参照するもの。
type SessionClaims struct {
	Role Role `json:"role"`
}

// Session はクライアントが保持する認証の証明。
type Session struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	TokenType    string        `json:"token_type"`
	ExpiresAt    time.Time     `json:"expires_at"`
	IssuedAt     time.Time     `json:"issued_at"`
	Claims       SessionClaims `json:"claims"`
	Recovery     bool          `json:"recovery,omitempty"`
	User         *AuthUser     `json:"user,omitempty"`
}

// Expired は指定時刻の時点で失効しているかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// StoredSession はサーバー側に保存されるセッション行。
// リフレッシュトークンはSHA-256ハッシュのみを保持する。
type StoredSession struct {
	ID               string
	UserID           string
	RefreshTokenHash string
	Recovery         bool
	ExpiresAt        time.Time
	RevokedAt        *time.Time
	CreatedAt        time.Time
}

// RecoveryToken はパスワード再設定リンクのトークン行。
type RecoveryToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// SessionEventType はセッション変更通知の種類。
type SessionEventType string

const (
	EventInitialSession   SessionEventType = "INITIAL_SESSION"
	EventSignedIn         SessionEventType = "SIGNED_IN"
	EventSignedOut        SessionEventType = "SIGNED_OUT"
	EventTokenRefreshed   SessionEventType = "TOKEN_REFRESHED"
	EventUserUpdated      SessionEventType = "USER_UPDATED"
	EventPasswordRecovery SessionEventType = "PASSWORD_RECOVERY"
)

// SessionEvent はセッション変更通知。SIGNED_OUTではSessionはnil。
type SessionEvent struct {
	Type      SessionEventType `json:"type"`
	UserID    string           `json:"user_id,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Session   *Session         `json:"session,omitempty"`
	At        time.Time        `json:"at"`
}

// Principal はリクエストを行った認証済み主体。
// Role はプロフィールから解決した現在のロール。
// PendingRole はプロフィールが未作成の間だけ設定され、サインアップ時に選んだロールを持つ。
type Principal struct {
	UserID      string
	SessionID   string
	Email       string
	Role        Role
	PendingRole Role
	Recovery    bool
}
