// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/japinait/internal/model"
)

var (
	// ErrDuplicate は一意制約違反を表す。
	ErrDuplicate = errors.New("duplicate key")
	// ErrInvalidValue は型不一致・CHECK制約・外部キー違反など、値が受け付けられないことを表す。
	ErrInvalidValue = errors.New("invalid value")
)

// UserRepository は認証ユーザーの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.AuthUser, error)

	// FindByEmail はメールアドレス（小文字正規化済み）でユーザーを検索する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.AuthUser, error)

	// Create はユーザーを作成する。メールアドレス重複時はErrDuplicateを返す。
	Create(ctx context.Context, user *model.AuthUser) error

	// UpdatePassword はパスワードハッシュを更新する。
	UpdatePassword(ctx context.Context, id, passwordHash string, at time.Time) error

	// Delete はユーザーを削除する。プロフィールとセッションも連鎖削除される。
	Delete(ctx context.Context, id string) error
}

// ProfileRepository はプロフィールの永続化インターフェース。
type ProfileRepository interface {
	// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Profile, error)

	// Upsert はプロフィールを冪等に書き込む。同じIDの行があれば上書きする。
	Upsert(ctx context.Context, profile *model.Profile) error

	// List は新しい順にプロフィールを返す。
	List(ctx context.Context, limit int) ([]model.Profile, error)
}

// SessionRepository はサーバー側セッションの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.StoredSession) error

	// FindActiveByID は失効・期限切れでないセッションを取得する。見つからない場合はnilを返す。
	FindActiveByID(ctx context.Context, id string) (*model.StoredSession, error)

	// FindActiveByRefreshHash はリフレッシュトークンハッシュで有効なセッションを取得する。
	// 見つからない場合はnilを返す。
	FindActiveByRefreshHash(ctx context.Context, hash string) (*model.StoredSession, error)

	// Rotate はリフレッシュトークンを差し替え、有効期限を延長する。
	// oldHashが一致しない場合（既にローテーション済み）はfalseを返す。
	Rotate(ctx context.Context, id, oldHash, newHash string, expiresAt time.Time) (bool, error)

	// Revoke は指定セッションを失効させる。
	Revoke(ctx context.Context, id string) error

	// RevokeOthers は keepID 以外のユーザーの有効セッションを失効させ、失効したIDを返す。
	RevokeOthers(ctx context.Context, userID, keepID string) ([]string, error)
}

// RecoveryTokenRepository はパスワード再設定トークンの永続化インターフェース。
type RecoveryTokenRepository interface {
	// Create はトークンを保存する。
	Create(ctx context.Context, token *model.RecoveryToken) error

	// Consume は未使用かつ有効期限内のトークンを使用済みにして返す。
	// 該当がない場合はnilを返す。
	Consume(ctx context.Context, hash string) (*model.RecoveryToken, error)
}

// VenueRepository は会場の審査・集計・所有者確認の永続化インターフェース。
type VenueRepository interface {
	// FindByID は指定IDの会場を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Venue, error)

	// List は新しい順に会場を返す。statusが空なら全状態を対象にする。
	List(ctx context.Context, status model.VenueStatus, limit int) ([]model.Venue, error)

	// Delete は会場を削除する。存在しなかった場合はfalseを返す。
	Delete(ctx context.Context, id string) (bool, error)

	// TransitionStatus は現在のステータスがfromの場合に限りtoへ更新する。
	// 更新できた場合はtrueを返す。
	TransitionStatus(ctx context.Context, id string, from, to model.VenueStatus) (bool, error)

	// IsOwner は会場の所有者がuserIDかどうかを返す。
	IsOwner(ctx context.Context, venueID, userID string) (bool, error)

	// Stats は管理画面向けの集計値を返す。
	Stats(ctx context.Context) (*model.AdminStats, error)

	// RecomputeCounters はレビュー・お気に入りから集計カラムを再計算し、更新件数を返す。
	RecomputeCounters(ctx context.Context) (int64, error)
}

// PhotoRepository は会場写真の永続化インターフェース。
type PhotoRepository interface {
	// Create は写真を末尾に追加する。最初の1枚はis_primaryになる。
	Create(ctx context.Context, photo *model.VenuePhoto) error
}

// TableStore は名前付きテーブルに対する汎用CRUD。
// テーブル名・カラム名は呼び出し側で検証済みであること。
type TableStore interface {
	Select(ctx context.Context, table string, q Query) ([]Row, error)
	Insert(ctx context.Context, table string, rows []Row) ([]Row, error)
	Upsert(ctx context.Context, table string, rows []Row, conflict []string) ([]Row, error)
	Update(ctx context.Context, table string, q Query, values Row) ([]Row, error)
	Delete(ctx context.Context, table string, q Query) ([]Row, error)
}
