package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/japinait/internal/model"
)

// errSessionEnded は購読中のセッションがサーバー側で終了したことを表す。
var errSessionEnded = errors.New("session ended")

// isAuthRejection はサーバーがトークンを受け付けなかったことを表すエラーかを返す。
func isAuthRejection(err error) bool {
	return IsCode(err, model.ErrCodeInvalidRefreshToken) || IsCode(err, model.ErrCodeUnauthorized)
}

// startBackgroundLocked はセッションごとの自動更新と通知購読を開始する。c.mu を保持して呼ぶこと。
func (c *HTTPClient) startBackgroundLocked(s *model.Session) {
	if c.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.stopBg = cancel

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.refreshLoop(ctx, s)
	}()
	go func() {
		defer c.wg.Done()
		c.watchLoop(ctx, s)
	}()
}

// refreshLoop は有効期限の refreshMargin 前にトークンを更新する。
// 更新を拒否された場合はセッションを破棄して SIGNED_OUT を通知する。
func (c *HTTPClient) refreshLoop(ctx context.Context, s *model.Session) {
	wait := s.ExpiresAt.Add(-c.refreshMargin).Sub(c.now())
	for {
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		refreshed, err := c.refresh(ctx, s.RefreshToken)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err == nil:
			c.replaceSession(s, refreshed, model.EventTokenRefreshed)
			return
		case isAuthRejection(err):
			c.logger.Info("session expired", slog.String("session_id", s.ID))
			c.replaceSession(s, nil, model.EventSignedOut)
			return
		default:
			c.logger.Warn("token refresh failed; retrying",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()),
			)
			wait = c.retryInterval
		}
	}
}

// watchLoop はサーバーのセッション通知ストリームを購読し、切断されたら再接続する。
func (c *HTTPClient) watchLoop(ctx context.Context, s *model.Session) {
	for {
		err := c.watch(ctx, s)
		if ctx.Err() != nil || errors.Is(err, errSessionEnded) {
			return
		}
		if err != nil {
			c.logger.Debug("session event stream disconnected", slog.String("error", err.Error()))
		}

		timer := time.NewTimer(c.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// watch は1回分のストリームを読み、このセッションの SIGNED_OUT を受けたら errSessionEnded を返す。
func (c *HTTPClient) watch(ctx context.Context, s *model.Session) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/v1/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+s.AccessToken)

	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	return readEvents(resp.Body, func(ev model.SessionEvent) bool {
		return c.handleServerEvent(s, ev)
	})
}

// handleServerEvent はサーバーからの通知を反映する。購読を終えるべき場合はfalseを返す。
func (c *HTTPClient) handleServerEvent(s *model.Session, ev model.SessionEvent) bool {
	switch ev.Type {
	case model.EventSignedOut:
		if ev.SessionID != "" && ev.SessionID != s.ID {
			return true
		}
		c.logger.Info("session revoked by server", slog.String("session_id", s.ID))
		c.replaceSession(s, nil, model.EventSignedOut)
		return false
	case model.EventUserUpdated:
		c.mu.Lock()
		drain := false
		if c.session != nil && c.session.ID == s.ID {
			drain = c.enqueueLocked(c.session, model.EventUserUpdated, false)
		}
		c.mu.Unlock()
		if drain {
			c.dispatch()
		}
	}
	return true
}

// readEvents はServer-Sent Eventsを読み、data行をSessionEventとしてfnへ渡す。
// fnがfalseを返すと errSessionEnded で終了する。
func readEvents(r io.Reader, fn func(model.SessionEvent) bool) error {
	scanner := bufio.NewScanner(r)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev model.SessionEvent
			err := json.Unmarshal([]byte(data.String()), &ev)
			data.Reset()
			if err != nil {
				continue
			}
			if !fn(ev) {
				return errSessionEnded
			}
		case strings.HasPrefix(line, ":"):
			// コメント（ハートビート）
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("event stream closed")
}

// recoveryClaims はクライアントが参照するアクセストークンのクレーム。
type recoveryClaims struct {
	jwt.RegisteredClaims
	SessionID string     `json:"session_id"`
	Role      model.Role `json:"role"`
	Recovery  bool       `json:"recovery"`
}

// SessionFromRedirect はパスワード再設定リンクのリダイレクト先URLのフラグメントから
// セッションを確立し、PASSWORD_RECOVERY を通知する。
// 署名の検証はゲートウェイが行うため、ここではクレームを読むだけにとどめる。
func (c *HTTPClient) SessionFromRedirect(rawURL string) (*model.Session, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, model.NewInvalidRequestError("invalid redirect URL")
	}
	frag, err := url.ParseQuery(u.Fragment)
	if err != nil {
		return nil, model.NewInvalidRequestError("invalid redirect fragment")
	}
	if code := frag.Get("error_code"); code != "" {
		return nil, &model.APIError{
			Code:     code,
			Message:  frag.Get("error_description"),
			Category: model.CategoryAuth,
		}
	}

	access := frag.Get("access_token")
	if access == "" || frag.Get("refresh_token") == "" {
		return nil, model.NewInvalidRecoveryTokenError()
	}

	var claims recoveryClaims
	if _, _, err := jwt.NewParser().ParseUnverified(access, &claims); err != nil {
		return nil, model.NewInvalidRecoveryTokenError()
	}

	s := &model.Session{
		ID:           claims.SessionID,
		UserID:       claims.Subject,
		AccessToken:  access,
		RefreshToken: frag.Get("refresh_token"),
		TokenType:    frag.Get("token_type"),
		Claims:       model.SessionClaims{Role: claims.Role},
		Recovery:     true,
	}
	if exp, err := strconv.ParseInt(frag.Get("expires_at"), 10, 64); err == nil {
		s.ExpiresAt = time.Unix(exp, 0)
	} else if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.IssuedAt != nil {
		s.IssuedAt = claims.IssuedAt.Time
	}

	c.setSession(s, model.EventPasswordRecovery)
	return s, nil
}
