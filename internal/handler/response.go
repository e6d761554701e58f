package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/japinait/internal/model"
)

// maxBodyBytes はJSONリクエストボディの上限。
const maxBodyBytes = 1 << 20

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをvにデコードする。失敗時は400を書き込んでfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("request body must be valid JSON"))
		return false
	}
	return true
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	writeJSON(w, statusCode, apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	if apiErr, ok := model.AsAPIError(err); ok {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidCredentials, model.ErrCodeInvalidEmail, model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized, model.ErrCodeInvalidRefreshToken, model.ErrCodeInvalidRecoveryToken:
		return http.StatusUnauthorized
	case model.ErrCodeNotPermitted, model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeEmailTaken, model.ErrCodeDuplicate, model.ErrCodeInvalidStatusTransition:
		return http.StatusConflict
	case model.ErrCodeWeakPassword:
		return http.StatusUnprocessableEntity
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeFetchFailed:
		return http.StatusBadGateway
	case model.ErrCodeStorageDisabled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
