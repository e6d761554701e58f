// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
// ゲートウェイとクライアントの間でJSONとして往復する。
type APIError struct {
	Code     string `json:"code"`     // エラーコード
	Message  string `json:"message"`  // エラーメッセージ
	Category string `json:"category"` // カテゴリ: auth, policy, validation, system
	Action   string `json:"action"`   // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// エラーカテゴリ
const (
	CategoryAuth       = "auth"
	CategoryPolicy     = "policy"
	CategoryValidation = "validation"
	CategorySystem     = "system"
)

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials      = "INVALID_CREDENTIALS"
	ErrCodeEmailTaken              = "EMAIL_TAKEN"
	ErrCodeWeakPassword            = "WEAK_PASSWORD"
	ErrCodeInvalidEmail            = "INVALID_EMAIL"
	ErrCodeUnauthorized            = "UNAUTHORIZED"
	ErrCodeInvalidRefreshToken     = "INVALID_REFRESH_TOKEN"
	ErrCodeInvalidRecoveryToken    = "INVALID_RECOVERY_TOKEN"
	ErrCodeUserNotFound            = "USER_NOT_FOUND"
	ErrCodeNotPermitted            = "NOT_PERMITTED"
	ErrCodeInvalidRequest          = "INVALID_REQUEST"
	ErrCodeDuplicate               = "DUPLICATE"
	ErrCodeInvalidStatusTransition = "INVALID_STATUS_TRANSITION"
	ErrCodeSSRFBlocked             = "SSRF_BLOCKED"
	ErrCodeFetchFailed             = "FETCH_FAILED"
	ErrCodeStorageDisabled         = "STORAGE_DISABLED"
	ErrCodeRateLimited             = "RATE_LIMITED"
	ErrCodeInternal                = "INTERNAL_ERROR"
)

// AsAPIError はerrチェーンから*APIErrorを取り出す。
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// HasCode はerrが指定コードのAPIErrorかどうかを返す。
func HasCode(err error, code string) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Code == code
}

// NewInvalidCredentialsError は認証失敗エラーを生成する。
// メール未登録とパスワード不一致を区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: CategoryAuth,
		Action:   "入力内容を確認して再度ログインしてください。",
	}
}

// NewEmailTakenError はメールアドレス重複エラーを生成する。
func NewEmailTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailTaken,
		Message:  "このメールアドレスは既に登録されています。",
		Category: CategoryAuth,
		Action:   "ログインするか、パスワードの再設定を行ってください。",
	}
}

// NewWeakPasswordError はパスワード強度不足エラーを生成する。
func NewWeakPasswordError(minLength int) *APIError {
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Message:  fmt.Sprintf("パスワードは%d文字以上で指定してください。", minLength),
		Category: CategoryValidation,
		Action:   "より長いパスワードを入力してください。",
	}
}

// NewInvalidEmailError は無効なメールアドレスエラーを生成する。
func NewInvalidEmailError(email string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEmail,
		Message:  fmt.Sprintf("無効なメールアドレスです: %s", email),
		Category: CategoryValidation,
		Action:   "正しいメールアドレスを入力してください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: CategoryAuth,
		Action:   "ログインしてください。",
	}
}

// NewInvalidRefreshTokenError はリフレッシュトークン無効エラーを生成する。
func NewInvalidRefreshTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRefreshToken,
		Message:  "セッションの有効期限が切れています。",
		Category: CategoryAuth,
		Action:   "再度ログインしてください。",
	}
}

// NewInvalidRecoveryTokenError はパスワード再設定リンク無効エラーを生成する。
func NewInvalidRecoveryTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRecoveryToken,
		Message:  "パスワード再設定リンクが無効か、有効期限が切れています。",
		Category: CategoryAuth,
		Action:   "パスワード再設定をもう一度リクエストしてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: CategoryAuth,
		Action:   "ログインし直してください。",
	}
}

// NewNotPermittedError はポリシー拒否エラーを生成する。
// 対象行が存在しない場合も同じエラーを返し、どちらであるかを明かさない。
func NewNotPermittedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotPermitted,
		Message:  "この操作は許可されていません。",
		Category: CategoryPolicy,
		Action:   "権限を確認してください。",
	}
}

// NewInvalidRequestError は不正なリクエストエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("不正なリクエストです: %s", reason),
		Category: CategoryValidation,
		Action:   "入力内容を確認してください。",
	}
}

// NewDuplicateError は一意制約違反エラーを生成する。
func NewDuplicateError(table string) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicate,
		Message:  fmt.Sprintf("同じレコードが既に存在します: %s", table),
		Category: CategoryValidation,
		Action:   "最新の状態を再取得してください。",
	}
}

// NewInvalidStatusTransitionError は会場ステータスの不正な遷移エラーを生成する。
func NewInvalidStatusTransitionError(from, to VenueStatus) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidStatusTransition,
		Message:  fmt.Sprintf("ステータスを %s から %s に変更できません。", from, to),
		Category: CategoryValidation,
		Action:   "審査待ちの会場のみ承認または却下できます。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: CategoryValidation,
		Action:   "公開されているWebサイトの画像URLを入力してください。",
	}
}

// NewFetchFailedError は画像取得失敗エラーを生成する。
func NewFetchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFetchFailed,
		Message:  fmt.Sprintf("URLの取得に失敗しました: %s", reason),
		Category: CategoryValidation,
		Action:   "URLが正しいか確認し、しばらく待ってから再度お試しください。",
	}
}

// NewStorageDisabledError はストレージ未設定エラーを生成する。
func NewStorageDisabledError() *APIError {
	return &APIError{
		Code:     ErrCodeStorageDisabled,
		Message:  "写真ストレージが設定されていません。",
		Category: CategorySystem,
		Action:   "管理者に連絡してください。",
	}
}

// NewRateLimitedError はレート制限エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエスト数が上限を超えました。",
		Category: CategorySystem,
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ残す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: CategorySystem,
		Action:   "しばらく待ってから再度お試しください。",
	}
}
