// Package auth はパスワード認証、セッション発行、パスワード再設定を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/japinait/internal/metrics"
	"github.com/hitoshi/japinait/internal/model"
	"github.com/hitoshi/japinait/internal/repository"
)

// Mailer はパスワード再設定メールの送信インターフェース。
type Mailer interface {
	SendRecovery(ctx context.Context, to, link string) error
}

// EventPublisher はセッション変更通知の配信インターフェース。
type EventPublisher interface {
	Publish(ctx context.Context, event model.SessionEvent) error
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	RefreshTokenTTL        time.Duration
	RecoveryTokenTTL       time.Duration
	PublicURL              string   // 再設定リンクに使うゲートウェイの公開URL
	AllowedRedirectOrigins []string // redirect_to に許可するオリジン
	MinPasswordLength      int
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	users     repository.UserRepository
	profiles  repository.ProfileRepository
	sessions  repository.SessionRepository
	recovery  repository.RecoveryTokenRepository
	tokens    *TokenIssuer
	hasher    PasswordHasher
	mailer    Mailer
	publisher EventPublisher
	metrics   metrics.MetricsCollector
	config    ServiceConfig
	dummyHash string
	now       func() time.Time
	pending   sync.WaitGroup
}

// recoveryDeliveryTimeout は再設定メール1件の照会・保存・送信にかける上限。
const recoveryDeliveryTimeout = 30 * time.Second

// Deps は Service の依存をまとめる。
type Deps struct {
	Users     repository.UserRepository
	Profiles  repository.ProfileRepository
	Sessions  repository.SessionRepository
	Recovery  repository.RecoveryTokenRepository
	Tokens    *TokenIssuer
	Hasher    PasswordHasher
	Mailer    Mailer
	Publisher EventPublisher
	Metrics   metrics.MetricsCollector
}

// NewService はServiceを生成する。
func NewService(deps Deps, config ServiceConfig) *Service {
	if config.MinPasswordLength == 0 {
		config.MinPasswordLength = 6
	}
	s := &Service{
		users:     deps.Users,
		profiles:  deps.Profiles,
		sessions:  deps.Sessions,
		recovery:  deps.Recovery,
		tokens:    deps.Tokens,
		hasher:    deps.Hasher,
		mailer:    deps.Mailer,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		config:    config,
		now:       time.Now,
	}
	// 未登録メールでも照合コストを揃えるためのダミーハッシュ
	if h, err := s.hasher.Hash("japinait-timing-equalizer"); err == nil {
		s.dummyHash = h
	}
	return s
}

// SignUp はユーザーを作成し、プロフィールを書き込み、セッションを発行する。
// プロフィール書き込みの失敗はログとメトリクスに残すだけで、ユーザー作成は巻き戻さない。
func (s *Service) SignUp(ctx context.Context, email, password string, meta model.UserMetadata) (*model.AuthUser, *model.Session, error) {
	// 1. 入力検証
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, nil, err
	}
	if len(password) < s.config.MinPasswordLength {
		return nil, nil, model.NewWeakPasswordError(s.config.MinPasswordLength)
	}
	meta.Role = model.ParseRole(string(meta.Role))
	meta.FullName = strings.TrimSpace(meta.FullName)

	// 2. 重複確認
	existing, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if existing != nil {
		return nil, nil, model.NewEmailTakenError()
	}

	// 3. 認証レコード作成
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash password: %w", err)
	}
	now := s.now().UTC()
	user := &model.AuthUser{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		Metadata:     meta,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, nil, model.NewEmailTakenError()
		}
		return nil, nil, fmt.Errorf("failed to create user: %w", err)
	}

	// 4. プロフィール書き込み（冪等UPSERT、失敗しても続行）
	profile := &model.Profile{
		ID:        user.ID,
		Email:     user.Email,
		FullName:  meta.FullName,
		Role:      meta.Role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.profiles.Upsert(ctx, profile); err != nil {
		slog.Error("profile write failed after sign up",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		if s.metrics != nil {
			s.metrics.RecordProfileWriteFailure()
		}
	}

	// 5. セッション発行
	session, err := s.createSession(ctx, user, meta.Role, false)
	if err != nil {
		return nil, nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordSignUp()
	}
	slog.Info("user signed up",
		slog.String("user_id", user.ID),
		slog.String("role", string(meta.Role)),
	)
	s.publish(ctx, model.SessionEvent{Type: model.EventSignedIn, UserID: user.ID, SessionID: session.ID})

	return user, session, nil
}

// CreateUser は管理者によるアカウント作成。セッションは発行しない。
// サインアップと異なり、プロフィールを書き込めなかった場合は認証ユーザーを削除して失敗を返す。
func (s *Service) CreateUser(ctx context.Context, email, password string, meta model.UserMetadata) (*model.Profile, error) {
	// 1. 入力検証
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < s.config.MinPasswordLength {
		return nil, model.NewWeakPasswordError(s.config.MinPasswordLength)
	}
	meta.Role = model.ParseRole(string(meta.Role))
	meta.FullName = strings.TrimSpace(meta.FullName)

	// 2. 認証レコード作成
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	now := s.now().UTC()
	user := &model.AuthUser{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		Metadata:     meta,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewEmailTakenError()
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	// 3. プロフィール書き込み。失敗時は認証ユーザーを巻き戻す
	profile := &model.Profile{
		ID:        user.ID,
		Email:     user.Email,
		FullName:  meta.FullName,
		Role:      meta.Role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.profiles.Upsert(ctx, profile); err != nil {
		if s.metrics != nil {
			s.metrics.RecordProfileWriteFailure()
		}
		if derr := s.users.Delete(ctx, user.ID); derr != nil {
			slog.Error("failed to remove user after profile write failure",
				slog.String("user_id", user.ID),
				slog.String("error", derr.Error()),
			)
		}
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}

	slog.Info("user created by admin",
		slog.String("user_id", user.ID),
		slog.String("role", string(meta.Role)),
	)
	return profile, nil
}

// SignInWithPassword はメールアドレスとパスワードを検証してセッションを発行する。
// 未登録メールとパスワード不一致は同じエラーを返す。
func (s *Service) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		s.recordSignIn(metrics.SignInError)
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if user == nil {
		s.hasher.Verify(s.dummyHash, password)
		s.recordSignIn(metrics.SignInInvalidCredentials)
		return nil, model.NewInvalidCredentialsError()
	}
	if !s.hasher.Verify(user.PasswordHash, password) {
		s.recordSignIn(metrics.SignInInvalidCredentials)
		return nil, model.NewInvalidCredentialsError()
	}

	session, err := s.createSession(ctx, user, s.resolveRole(ctx, user.ID), false)
	if err != nil {
		s.recordSignIn(metrics.SignInError)
		return nil, err
	}

	s.recordSignIn(metrics.SignInSuccess)
	slog.Info("user signed in", slog.String("user_id", user.ID), slog.String("session_id", session.ID))
	s.publish(ctx, model.SessionEvent{Type: model.EventSignedIn, UserID: user.ID, SessionID: session.ID})

	return session, nil
}

// Refresh はリフレッシュトークンをローテーションし、新しいアクセストークンを発行する。
// 使用済みのリフレッシュトークンは無効になる。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*model.Session, error) {
	if refreshToken == "" {
		return nil, model.NewInvalidRefreshTokenError()
	}

	oldHash := hashToken(refreshToken)
	stored, err := s.sessions.FindActiveByRefreshHash(ctx, oldHash)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if stored == nil {
		return nil, model.NewInvalidRefreshTokenError()
	}

	user, err := s.users.FindByID(ctx, stored.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewInvalidRefreshTokenError()
	}

	newToken, err := generateOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	expiresAt := s.now().Add(s.config.RefreshTokenTTL)
	rotated, err := s.sessions.Rotate(ctx, stored.ID, oldHash, hashToken(newToken), expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	if !rotated {
		return nil, model.NewInvalidRefreshTokenError()
	}

	session, err := s.buildSession(user, stored.ID, newToken, s.resolveRole(ctx, user.ID), stored.Recovery)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, model.SessionEvent{Type: model.EventTokenRefreshed, UserID: user.ID, SessionID: stored.ID})
	return session, nil
}

// SignOut は呼び出し元のセッションを失効させ、SIGNED_OUTを配信する。
func (s *Service) SignOut(ctx context.Context, p *model.Principal) error {
	if p == nil || p.SessionID == "" {
		return model.NewUnauthorizedError()
	}
	if err := s.sessions.Revoke(ctx, p.SessionID); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}

	slog.Info("user signed out", slog.String("user_id", p.UserID), slog.String("session_id", p.SessionID))
	s.publish(ctx, model.SessionEvent{Type: model.EventSignedOut, UserID: p.UserID, SessionID: p.SessionID})
	return nil
}

// SendPasswordRecovery は再設定リンクをメール送信する。
// メールアドレスの登録有無にかかわらず同じ結果を同じ早さで返す。
// 照会・トークン保存・送信はリクエストから切り離して非同期に行う。
// redirectTo が許可オリジン外の場合のみエラーにする（メールアドレスとは無関係な検証）。
func (s *Service) SendPasswordRecovery(ctx context.Context, email, redirectTo string) error {
	if err := s.ValidateRedirect(redirectTo); err != nil {
		return err
	}

	email = strings.ToLower(strings.TrimSpace(email))
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recoveryDeliveryTimeout)
		defer cancel()
		s.deliverRecovery(ctx, email, redirectTo)
	}()
	return nil
}

// Wait は送信中の再設定メールがすべて終わるまで待つ。
func (s *Service) Wait() {
	s.pending.Wait()
}

func (s *Service) deliverRecovery(ctx context.Context, email, redirectTo string) {
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		slog.Error("failed to look up recovery email", slog.String("error", err.Error()))
		return
	}
	if user == nil {
		slog.Debug("password recovery requested for unknown email")
		return
	}

	token, err := generateOpaqueToken()
	if err != nil {
		slog.Error("failed to generate recovery token", slog.String("error", err.Error()))
		return
	}
	now := s.now().UTC()
	if err := s.recovery.Create(ctx, &model.RecoveryToken{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		TokenHash: hashToken(token),
		ExpiresAt: now.Add(s.config.RecoveryTokenTTL),
		CreatedAt: now,
	}); err != nil {
		slog.Error("failed to store recovery token",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	link := s.recoveryLink(token, redirectTo)
	if err := s.mailer.SendRecovery(ctx, user.Email, link); err != nil {
		slog.Error("failed to send recovery mail",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	slog.Info("recovery mail sent", slog.String("user_id", user.ID))
}

// VerifyRecovery は再設定トークンを消費し、再設定用のセッションを発行する。
func (s *Service) VerifyRecovery(ctx context.Context, token string) (*model.Session, error) {
	if token == "" {
		return nil, model.NewInvalidRecoveryTokenError()
	}
	rt, err := s.recovery.Consume(ctx, hashToken(token))
	if err != nil {
		return nil, fmt.Errorf("failed to consume recovery token: %w", err)
	}
	if rt == nil {
		return nil, model.NewInvalidRecoveryTokenError()
	}

	user, err := s.users.FindByID(ctx, rt.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewInvalidRecoveryTokenError()
	}

	session, err := s.createSession(ctx, user, s.resolveRole(ctx, user.ID), true)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, model.SessionEvent{Type: model.EventPasswordRecovery, UserID: user.ID, SessionID: session.ID})
	return session, nil
}

// UpdatePassword は呼び出し元のパスワードを変更する。
// 再設定セッションでも通常セッションでも実行でき、他のセッションはすべて失効させる。
func (s *Service) UpdatePassword(ctx context.Context, p *model.Principal, newPassword string) (*model.AuthUser, error) {
	if p == nil {
		return nil, model.NewUnauthorizedError()
	}
	if len(newPassword) < s.config.MinPasswordLength {
		return nil, model.NewWeakPasswordError(s.config.MinPasswordLength)
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, p.UserID, hash, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to update password: %w", err)
	}

	revoked, err := s.sessions.RevokeOthers(ctx, p.UserID, p.SessionID)
	if err != nil {
		// パスワードは変更済みなので失効漏れはログに残して続行する
		slog.Error("failed to revoke other sessions",
			slog.String("user_id", p.UserID),
			slog.String("error", err.Error()),
		)
	}
	for _, id := range revoked {
		s.publish(ctx, model.SessionEvent{Type: model.EventSignedOut, UserID: p.UserID, SessionID: id})
	}
	if s.metrics != nil && len(revoked) > 0 {
		s.metrics.RecordSessionsRevoked(len(revoked))
	}

	slog.Info("password updated",
		slog.String("user_id", p.UserID),
		slog.Int("revoked_sessions", len(revoked)),
	)
	s.publish(ctx, model.SessionEvent{Type: model.EventUserUpdated, UserID: p.UserID, SessionID: p.SessionID})

	return s.GetUser(ctx, p.UserID)
}

// GetUser は認証ユーザーを取得する。
func (s *Service) GetUser(ctx context.Context, userID string) (*model.AuthUser, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// Authenticate はアクセストークンを検証し、セッションが有効であれば主体を返す。
// ロールはプロフィールから解決する。取得できない場合はuserとして扱う。
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*model.Principal, error) {
	claims, err := s.tokens.Parse(accessToken)
	if err != nil {
		return nil, model.NewUnauthorizedError()
	}

	stored, err := s.sessions.FindActiveByID(ctx, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if stored == nil || stored.UserID != claims.Subject {
		return nil, model.NewUnauthorizedError()
	}

	p := &model.Principal{
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
		Email:     claims.Email,
		Role:      model.RoleUser,
		Recovery:  claims.Recovery,
	}
	profile, err := s.profiles.FindByID(ctx, claims.Subject)
	switch {
	case err != nil:
		slog.Warn("failed to resolve profile role",
			slog.String("user_id", claims.Subject),
			slog.String("error", err.Error()),
		)
	case profile != nil:
		p.Role = profile.Role
	default:
		// サインアップ時のプロフィール書き込みが失敗した利用者は、
		// 選んだロールで一度だけプロフィールを作り直せる
		p.PendingRole = s.signUpRole(ctx, claims.Subject)
	}
	return p, nil
}

// signUpRole はサインアップ時のメタデータにあるロールを返す。
func (s *Service) signUpRole(ctx context.Context, userID string) model.Role {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil || user == nil {
		return model.RoleUser
	}
	return model.ParseRole(string(user.Metadata.Role))
}

// ValidateRedirect は redirect_to が許可されたオリジン配下かを検証する。空は許可する。
func (s *Service) ValidateRedirect(redirectTo string) error {
	if redirectTo == "" {
		return nil
	}
	u, err := url.Parse(redirectTo)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return model.NewInvalidRequestError("redirect_to must be an absolute URL")
	}
	origin := u.Scheme + "://" + u.Host
	for _, allowed := range s.config.AllowedRedirectOrigins {
		if strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return nil
		}
	}
	return model.NewInvalidRequestError("redirect_to is not an allowed origin")
}

// resolveRole はプロフィールのロールを返す。取得失敗時は最小権限にする。
func (s *Service) resolveRole(ctx context.Context, userID string) model.Role {
	profile, err := s.profiles.FindByID(ctx, userID)
	if err != nil {
		slog.Warn("failed to resolve profile role",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return model.RoleUser
	}
	if profile == nil {
		return model.RoleUser
	}
	return profile.Role
}

// createSession はセッション行を保存し、トークンを発行する。
func (s *Service) createSession(ctx context.Context, user *model.AuthUser, role model.Role, recovery bool) (*model.Session, error) {
	refreshToken, err := generateOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	now := s.now().UTC()
	stored := &model.StoredSession{
		ID:               uuid.New().String(),
		UserID:           user.ID,
		RefreshTokenHash: hashToken(refreshToken),
		Recovery:         recovery,
		ExpiresAt:        now.Add(s.config.RefreshTokenTTL),
		CreatedAt:        now,
	}
	if err := s.sessions.Create(ctx, stored); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return s.buildSession(user, stored.ID, refreshToken, role, recovery)
}

func (s *Service) buildSession(user *model.AuthUser, sessionID, refreshToken string, role model.Role, recovery bool) (*model.Session, error) {
	access, expiresAt, err := s.tokens.Issue(user.ID, user.Email, sessionID, role, recovery)
	if err != nil {
		return nil, err
	}
	return &model.Session{
		ID:           sessionID,
		UserID:       user.ID,
		AccessToken:  access,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresAt:    expiresAt,
		IssuedAt:     s.now().UTC(),
		Claims:       model.SessionClaims{Role: role},
		Recovery:     recovery,
		User:         user,
	}, nil
}

func (s *Service) recoveryLink(token, redirectTo string) string {
	q := url.Values{}
	q.Set("type", "recovery")
	q.Set("token", token)
	if redirectTo != "" {
		q.Set("redirect_to", redirectTo)
	}
	return strings.TrimRight(s.config.PublicURL, "/") + "/auth/v1/verify?" + q.Encode()
}

func (s *Service) publish(ctx context.Context, event model.SessionEvent) {
	if s.publisher == nil {
		return
	}
	if event.At.IsZero() {
		event.At = s.now().UTC()
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		slog.Warn("failed to publish session event",
			slog.String("type", string(event.Type)),
			slog.String("user_id", event.UserID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) recordSignIn(result string) {
	if s.metrics != nil {
		s.metrics.RecordSignIn(result)
	}
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", model.NewInvalidEmailError(email)
	}
	return email, nil
}
