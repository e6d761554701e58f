// Package session はクライアントプロセスの現在のセッションを管理する。
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/hitoshi/japinait/internal/gateway"
	"github.com/hitoshi/japinait/internal/model"
)

// updatePasswordPath はパスワード再設定リンクの遷移先パス。
const updatePasswordPath = "/update-password"

// ErrNotInitialized は Initialize 前に操作が呼ばれたことを表す。
var ErrNotInitialized = errors.New("session controller is not initialized")

// AuthGateway はControllerが利用するゲートウェイ操作。
type AuthGateway interface {
	GetSession(ctx context.Context) (*model.Session, error)
	OnSessionChange(listener gateway.SessionListener) (unsubscribe func())
	SignUp(ctx context.Context, email, password string, meta model.UserMetadata) (*model.AuthUser, *model.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error)
	SignOut(ctx context.Context) error
	SendPasswordRecovery(ctx context.Context, email, redirectTo string) error
	UpdateUser(ctx context.Context, password string) (*model.AuthUser, error)
	Upsert(ctx context.Context, table string, onConflict []string, rows ...gateway.Row) ([]gateway.Row, error)
}

// Change はControllerの状態変化通知。
type Change struct {
	Type    model.SessionEventType
	Session *model.Session
	Loading bool
}

// Options はControllerの設定。
type Options struct {
	// SiteURL はパスワード再設定リンクの遷移先オリジン。
	SiteURL string
	Logger  *slog.Logger
}

// Controller はプロセス内で唯一の現在セッションを保持し、ゲートウェイの通知と同期する。
// 現在セッションを書き換えるのはゲートウェイからの通知だけで、各操作の戻り値は表示用の情報にとどまる。
type Controller struct {
	gw      AuthGateway
	siteURL string
	logger  *slog.Logger

	mu          sync.RWMutex
	session     *model.Session
	loading     bool
	initialized bool
	seq         uint64
	subscribers map[int]func(Change)
	nextID      int
}

// NewController はControllerを生成する。Initialize を呼ぶまでは loading 状態。
func NewController(gw AuthGateway, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{
		gw:          gw,
		siteURL:     strings.TrimRight(opts.SiteURL, "/"),
		logger:      opts.Logger,
		loading:     true,
		subscribers: make(map[int]func(Change)),
	}
}

// Initialize はゲートウェイの通知を購読し、永続化済みセッションを一度だけ取得する。
// 取得が終わると loading を false にする。戻り値の teardown はプロセス終了時に必ず呼ぶこと。
// セッション取得に失敗した場合も購読は有効なまま、未サインインとして初期化し、エラーを返す。
func (c *Controller) Initialize(ctx context.Context) (teardown func(), err error) {
	// 1. 取得中に届いた通知を取りこぼさないよう先に購読する
	unsubscribe := c.gw.OnSessionChange(c.handleEvent)
	var once sync.Once
	teardown = func() { once.Do(unsubscribe) }

	c.mu.Lock()
	c.initialized = true
	startSeq := c.seq
	c.mu.Unlock()

	// 2. 永続化済みセッションを取得する
	s, getErr := c.gw.GetSession(ctx)
	if getErr != nil {
		c.logger.Warn("failed to restore session", slog.String("error", getErr.Error()))
		s = nil
	}

	// 3. 取得中に通知が届いていればそちらを優先する
	c.mu.Lock()
	if c.seq == startSeq {
		c.session = s
	}
	c.loading = false
	change := Change{Type: model.EventInitialSession, Session: c.session}
	subs := c.snapshotLocked()
	c.mu.Unlock()

	notify(subs, change)
	return teardown, getErr
}

// handleEvent はゲートウェイの通知で現在セッションを置き換える。
func (c *Controller) handleEvent(ev model.SessionEvent) {
	c.mu.Lock()
	c.seq++
	switch {
	case ev.Type == model.EventSignedOut:
		c.session = nil
	case ev.Session != nil:
		c.session = ev.Session
	}
	change := Change{Type: ev.Type, Session: c.session, Loading: c.loading}
	subs := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Debug("session changed",
		slog.String("event", string(ev.Type)),
		slog.Bool("signed_in", change.Session != nil),
	)
	notify(subs, change)
}

// Session は現在のセッションを返す。未サインインなら nil。
func (c *Controller) Session() *model.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Loading は初期セッションの取得が終わっていないかを返す。
func (c *Controller) Loading() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loading
}

// Subscribe は状態変化通知を購読し、解除関数を返す。
func (c *Controller) Subscribe(fn func(Change)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subscribers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

func (c *Controller) snapshotLocked() []func(Change) {
	out := make([]func(Change), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		out = append(out, fn)
	}
	return out
}

func notify(subs []func(Change), change Change) {
	for _, fn := range subs {
		fn(change)
	}
}

func (c *Controller) ready() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		return ErrNotInitialized
	}
	return nil
}

// SignUp はアカウントを作成し、同じIDのプロフィールを冪等に書き込む。
// プロフィールの書き込み失敗はログに残すだけで、作成済みのアカウントは取り消さない。
// セッションとエラーが同時に返ることはない。
func (c *Controller) SignUp(ctx context.Context, email, password, fullName string, role model.Role) (*model.Session, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	role = model.ParseRole(string(role))

	user, s, err := c.gw.SignUp(ctx, email, password, model.UserMetadata{FullName: fullName, Role: role})
	if err != nil {
		return nil, err
	}
	if user == nil {
		return s, nil
	}

	// サーバー側でも同じ書き込みが行われるため、既存行は上書きする
	profile := gateway.Row{
		"id":        user.ID,
		"email":     user.Email,
		"full_name": fullName,
		"role":      string(role),
	}
	if _, err := c.gw.Upsert(ctx, "profiles", []string{"id"}, profile); err != nil {
		c.logger.Warn("profile write failed after sign-up",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}
	return s, nil
}

// SignIn はメールアドレスとパスワードでサインインする。
func (c *Controller) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	s, err := c.gw.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SignOut はセッションの無効化を依頼する。ローカル状態の消去は購読側の通知で行われる。
func (c *Controller) SignOut(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.gw.SignOut(ctx)
}

// ResetPassword はパスワード再設定リンクの送信を依頼する。
// ゲートウェイは登録の有無にかかわらず成功を返す。
func (c *Controller) ResetPassword(ctx context.Context, email string) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.gw.SendPasswordRecovery(ctx, email, c.siteURL+updatePasswordPath)
}

// UpdatePassword はパスワードを変更する。再設定リンクのセッションまたは通常のセッションが必要。
func (c *Controller) UpdatePassword(ctx context.Context, newPassword string) error {
	if err := c.ready(); err != nil {
		return err
	}
	if c.Session() == nil {
		return model.NewUnauthorizedError()
	}
	_, err := c.gw.UpdateUser(ctx, newPassword)
	return err
}
