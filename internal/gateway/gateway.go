// Package gateway はバックエンドゲートウェイのクライアントを提供する。
// 認証、セッション変更通知、名前付きテーブルに対する汎用CRUDを扱う。
package gateway

import (
	"context"
	"errors"

	"github.com/hitoshi/japinait/internal/model"
)

// ErrUnavailable はゲートウェイに到達できなかった（タイムアウトを含む）ことを表す。
// 呼び出し元は再試行してよい。
var ErrUnavailable = errors.New("gateway unavailable")

// Row はテーブルの1行。
type Row map[string]any

// Filter は等値条件。Value が nil の場合は IS NULL を表す。
type Filter struct {
	Column string
	Value  any
}

// Eq は等値条件を生成する。
func Eq(column string, value any) Filter {
	return Filter{Column: column, Value: value}
}

// Order は並び順。
type Order struct {
	Column string
	Desc   bool
}

// SelectOptions は Select の並び順と件数上限。
type SelectOptions struct {
	Order []Order
	Limit int
}

// SessionListener はセッション変更通知を受け取るコールバック。
type SessionListener func(event model.SessionEvent)

// Gateway はクライアントが利用するバックエンドゲートウェイの契約。
type Gateway interface {
	// GetSession は現在の永続化済みセッションを返す。ない場合は nil。
	GetSession(ctx context.Context) (*model.Session, error)
	// OnSessionChange はセッション変更通知を購読し、解除関数を返す。
	OnSessionChange(listener SessionListener) (unsubscribe func())

	SignUp(ctx context.Context, email, password string, meta model.UserMetadata) (*model.AuthUser, *model.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error)
	SignOut(ctx context.Context) error
	SendPasswordRecovery(ctx context.Context, email, redirectTo string) error
	UpdateUser(ctx context.Context, password string) (*model.AuthUser, error)

	Select(ctx context.Context, table string, filters []Filter, opts *SelectOptions) ([]Row, error)
	Insert(ctx context.Context, table string, rows ...Row) ([]Row, error)
	Update(ctx context.Context, table string, filters []Filter, values Row) ([]Row, error)
	Delete(ctx context.Context, table string, filters []Filter) ([]Row, error)
	Upsert(ctx context.Context, table string, onConflict []string, rows ...Row) ([]Row, error)
}

// IsCode はerrが指定コードの *model.APIError かどうかを返す。
func IsCode(err error, code string) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
