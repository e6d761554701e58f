// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/japinait/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// principalContextKey はリクエストコンテキストに認証済み主体を格納するためのキー。
var principalContextKey = contextKey("principal")

// Authenticator はアクセストークンを検証して主体を返す。
// auth.Service が実装する。
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*model.Principal, error)
}

// NewBearerAuthMiddleware は Authorization: Bearer ヘッダーのアクセストークンを検証し、
// 主体をリクエストコンテキストに注入するミドルウェアを返す。
// 未認証リクエストには401を返す。
func NewBearerAuthMiddleware(auth Authenticator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. ヘッダーからトークンを取得
			token := bearerToken(r)
			if token == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			// 2. トークンとセッションの有効性を検証
			p, ok := authenticate(w, r, auth, token)
			if !ok {
				return
			}

			// 3. 主体をコンテキストに注入
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
		})
	}
}

// NewOptionalAuthMiddleware はトークンがあれば検証し、なければ匿名として通す。
// トークンが付いていて無効な場合は401を返す。
func NewOptionalAuthMiddleware(auth Authenticator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			p, ok := authenticate(w, r, auth, token)
			if !ok {
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole は主体のロールが一致しない場合に403を返す。
// NewBearerAuthMiddleware の後に配置する。
func RequireRole(role model.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := PrincipalFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if p.Role != role {
				slog.Warn("role check failed",
					slog.String("user_id", p.UserID),
					slog.String("role", string(p.Role)),
					slog.String("required", string(role)),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewNotPermittedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func authenticate(w http.ResponseWriter, r *http.Request, auth Authenticator, token string) (*model.Principal, bool) {
	p, err := auth.Authenticate(r.Context(), token)
	if err != nil {
		if _, isAPI := model.AsAPIError(err); !isAPI {
			slog.Error("failed to authenticate request",
				slog.String("error", err.Error()),
			)
			WriteInternalServerError(w)
			return nil, false
		}
		WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return nil, false
	}
	return p, true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// PrincipalFromContext はリクエストコンテキストから認証済み主体を取得する。
func PrincipalFromContext(ctx context.Context) (*model.Principal, error) {
	p, ok := ctx.Value(principalContextKey).(*model.Principal)
	if !ok || p == nil {
		return nil, fmt.Errorf("principal not found in context")
	}
	return p, nil
}

// OptionalPrincipal は主体があれば返し、匿名ならnilを返す。
func OptionalPrincipal(ctx context.Context) *model.Principal {
	p, _ := PrincipalFromContext(ctx)
	return p
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	p, err := PrincipalFromContext(ctx)
	if err != nil || p.UserID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return p.UserID, nil
}

// ContextWithPrincipal はコンテキストに主体を注入する。
// 外側にロギングミドルウェアがあれば、アクセスログ用にユーザーIDも通知する。
func ContextWithPrincipal(ctx context.Context, p *model.Principal) context.Context {
	if h, ok := ctx.Value(principalHolderKey).(*principalHolder); ok && p != nil {
		h.userID = p.UserID
	}
	return context.WithValue(ctx, principalContextKey, p)
}
