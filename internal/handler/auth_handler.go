// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/japinait/internal/middleware"
	"github.com/hitoshi/japinait/internal/model"
)

// defaultHeartbeat はイベントストリームのキープアライブ間隔。
const defaultHeartbeat = 25 * time.Second

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	SignUp(ctx context.Context, email, password string, meta model.UserMetadata) (*model.AuthUser, *model.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*model.Session, error)
	SignOut(ctx context.Context, p *model.Principal) error
	SendPasswordRecovery(ctx context.Context, email, redirectTo string) error
	VerifyRecovery(ctx context.Context, token string) (*model.Session, error)
	UpdatePassword(ctx context.Context, p *model.Principal, newPassword string) (*model.AuthUser, error)
	GetUser(ctx context.Context, userID string) (*model.AuthUser, error)
	ValidateRedirect(redirectTo string) error
}

// EventSubscriber はユーザー宛てのセッション通知を購読する。bus.Hub が実装する。
type EventSubscriber interface {
	Subscribe(userID string) (<-chan model.SessionEvent, func())
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// SiteURL は redirect_to 未指定時の再設定リンクの遷移先。
	SiteURL string
	// Heartbeat はイベントストリームのキープアライブ間隔。0なら既定値。
	Heartbeat time.Duration
}

// AuthHandler はセッション発行・パスワード再設定・セッション通知のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	events  EventSubscriber
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, events EventSubscriber, config AuthHandlerConfig) *AuthHandler {
	if config.Heartbeat <= 0 {
		config.Heartbeat = defaultHeartbeat
	}
	return &AuthHandler{
		service: service,
		events:  events,
		config:  config,
	}
}

type signUpRequest struct {
	Email    string             `json:"email"`
	Password string             `json:"password"`
	Data     model.UserMetadata `json:"data"`
}

type signUpResponse struct {
	User    *model.AuthUser `json:"user"`
	Session *model.Session  `json:"session"`
}

type tokenRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token"`
}

type recoverRequest struct {
	Email      string `json:"email"`
	RedirectTo string `json:"redirect_to"`
}

type updateUserRequest struct {
	Password string `json:"password"`
}

// SignUp はユーザーを登録し、セッションを発行する。
// POST /auth/v1/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, session, err := h.service.SignUp(r.Context(), req.Email, req.Password, req.Data)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, signUpResponse{User: user, Session: session})
}

// Token はgrant_typeに応じてパスワード認証またはリフレッシュでセッションを発行する。
// POST /auth/v1/token?grant_type=password|refresh_token
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var (
		session *model.Session
		err     error
	)
	switch grant := r.URL.Query().Get("grant_type"); grant {
	case "password":
		session, err = h.service.SignInWithPassword(r.Context(), req.Email, req.Password)
	case "refresh_token":
		session, err = h.service.Refresh(r.Context(), req.RefreshToken)
	default:
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError(fmt.Sprintf("unsupported grant_type %q", grant)))
		return
	}
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// Logout は呼び出し元のセッションを失効させる。
// POST /auth/v1/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	p, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	if err := h.service.SignOut(r.Context(), p); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Recover はパスワード再設定メールを送信する。
// 登録有無に関わらず同じ応答を返す。
// POST /auth/v1/recover
func (h *AuthHandler) Recover(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.SendPasswordRecovery(r.Context(), req.Email, req.RedirectTo); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct{}{})
}

// Verify は再設定リンクのトークンを検証し、セッションをフラグメントに載せて redirect_to へ遷移させる。
// GET /auth/v1/verify?type=recovery&token=...&redirect_to=...
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// 1. 遷移先の検証（オープンリダイレクト対策）
	redirectTo := q.Get("redirect_to")
	if err := h.service.ValidateRedirect(redirectTo); err != nil {
		handleServiceError(w, err)
		return
	}
	if redirectTo == "" {
		redirectTo = h.config.SiteURL
	}

	if q.Get("type") != "recovery" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("type must be recovery"))
		return
	}

	// 2. トークンを消費して再設定用セッションを発行
	session, err := h.service.VerifyRecovery(r.Context(), q.Get("token"))
	if err != nil {
		apiErr, ok := model.AsAPIError(err)
		if !ok {
			handleServiceError(w, err)
			return
		}
		fragment := url.Values{
			"error":             {"access_denied"},
			"error_code":        {apiErr.Code},
			"error_description": {apiErr.Message},
		}
		http.Redirect(w, r, withFragment(redirectTo, fragment), http.StatusSeeOther)
		return
	}

	// 3. セッションをフラグメントに載せて遷移
	fragment := url.Values{
		"access_token":  {session.AccessToken},
		"refresh_token": {session.RefreshToken},
		"token_type":    {session.TokenType},
		"expires_at":    {strconv.FormatInt(session.ExpiresAt.Unix(), 10)},
		"type":          {"recovery"},
	}
	http.Redirect(w, r, withFragment(redirectTo, fragment), http.StatusSeeOther)
}

// GetUser は呼び出し元の認証ユーザーを返す。
// GET /auth/v1/user
func (h *AuthHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	p, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	user, err := h.service.GetUser(r.Context(), p.UserID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// UpdateUser は呼び出し元のパスワードを変更する。
// PUT /auth/v1/user
func (h *AuthHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	p, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req updateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.service.UpdatePassword(r.Context(), p, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// Events は呼び出し元ユーザーのセッション通知をServer-Sent Eventsで配信する。
// 呼び出し元のセッション自体が失効した場合はSIGNED_OUTを送って終了する。
// GET /auth/v1/events
func (h *AuthHandler) Events(w http.ResponseWriter, r *http.Request) {
	p, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
		return
	}

	ch, cancel := h.events.Subscribe(p.UserID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, model.SessionEvent{
		Type:      model.EventInitialSession,
		UserID:    p.UserID,
		SessionID: p.SessionID,
		At:        time.Now().UTC(),
	}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				slog.Debug("event stream closed", slog.String("user_id", p.UserID), slog.String("error", err.Error()))
				return
			}
			flusher.Flush()
			if ev.Type == model.EventSignedOut && ev.SessionID == p.SessionID {
				return
			}
		}
	}
}

// writeEvent は通知を1件書き込む。トークンを含むSessionは配信しない。
func writeEvent(w http.ResponseWriter, ev model.SessionEvent) error {
	ev.Session = nil
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// withFragment は遷移先URLのフラグメントを置き換える。
func withFragment(target string, fragment url.Values) string {
	if i := strings.IndexByte(target, '#'); i >= 0 {
		target = target[:i]
	}
	return target + "#" + fragment.Encode()
}
