package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/japinait/internal/model"
)

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// 本文は {code, message, category, action}。クライアントは同じ形で *model.APIError に復元する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErr)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
