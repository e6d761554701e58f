package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/japinait/internal/model"
	"github.com/hitoshi/japinait/internal/telemetry"
)

const (
	// defaultTimeout は通常リクエストのタイムアウト。
	defaultTimeout = 10 * time.Second
	// defaultRefreshMargin は有効期限のどれだけ前にトークンを更新するか。
	defaultRefreshMargin = time.Minute
	// defaultRetryInterval は更新・通知購読が一時的に失敗した場合の再試行間隔。
	defaultRetryInterval = 5 * time.Second
	// maxResponseBytes はレスポンスボディの最大読み取りサイズ。
	maxResponseBytes = 4 << 20
)

// Options はHTTPClientの設定。
type Options struct {
	BaseURL       string
	Timeout       time.Duration
	Store         SessionStore
	HTTPClient    *http.Client // 通常リクエスト用。nilなら Timeout 付きで生成する
	RefreshMargin time.Duration
	RetryInterval time.Duration
	Logger        *slog.Logger
}

// HTTPClient はHTTP経由でゲートウェイを呼び出すGatewayの実装。
// セッションを SessionStore に保存し、有効期限前の自動更新と
// サーバーからのセッション通知の購読をバックグラウンドで行う。
type HTTPClient struct {
	baseURL       string
	http          *http.Client
	stream        *http.Client
	store         SessionStore
	logger        *slog.Logger
	refreshMargin time.Duration
	retryInterval time.Duration
	now           func() time.Time

	mu        sync.Mutex
	session   *model.Session
	loaded    bool
	listeners map[int]SessionListener
	nextID    int
	stopBg    context.CancelFunc
	wg        sync.WaitGroup
	closed    bool

	// 反映順に並んだ未配信の通知。配信中のゴルーチンが1つだけ取り出す
	pending     []sessionChange
	dispatching bool
}

// sessionChange は反映済みのセッション変更1件分の保存・通知内容。
type sessionChange struct {
	listeners []SessionListener
	event     model.SessionEvent
	persist   bool
}

// NewHTTPClient はHTTPClientを生成する。
func NewHTTPClient(opts Options) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Store == nil {
		opts.Store = &MemoryStore{}
	}
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = defaultRefreshMargin
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout, Transport: telemetry.Transport(nil)}
	}
	// 通知ストリームは長時間接続のためタイムアウトを設けない
	stream := &http.Client{Transport: httpClient.Transport}

	return &HTTPClient{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		http:          httpClient,
		stream:        stream,
		store:         opts.Store,
		logger:        opts.Logger,
		refreshMargin: opts.RefreshMargin,
		retryInterval: opts.RetryInterval,
		now:           time.Now,
		listeners:     make(map[int]SessionListener),
	}
}

// Close はバックグラウンド処理を停止する。保存済みセッションは残す。
func (c *HTTPClient) Close() {
	c.mu.Lock()
	c.closed = true
	if c.stopBg != nil {
		c.stopBg()
		c.stopBg = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// --- セッション ---

// GetSession は現在のセッションを返す。初回は SessionStore から復元する。
// アクセストークンが失効間近なら更新してから返す。
func (c *HTTPClient) GetSession(ctx context.Context) (*model.Session, error) {
	c.mu.Lock()
	if !c.loaded {
		s, err := c.store.Load()
		if err != nil {
			c.logger.Warn("failed to restore session", slog.String("error", err.Error()))
		}
		c.session = s
		c.loaded = true
		if s != nil {
			c.startBackgroundLocked(s)
		}
	}
	s := c.session
	c.mu.Unlock()

	if s == nil {
		return nil, nil
	}
	if c.now().Before(s.ExpiresAt.Add(-c.refreshMargin)) {
		return s, nil
	}

	// バックグラウンドの更新と競合した場合は先に反映された方を返す
	refreshed, err := c.refresh(ctx, s.RefreshToken)
	if err != nil {
		if !isAuthRejection(err) {
			return nil, err
		}
		refreshed = nil
	}
	eventType := model.EventTokenRefreshed
	if refreshed == nil {
		eventType = model.EventSignedOut
	}
	if c.replaceSession(s, refreshed, eventType) {
		return refreshed, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, nil
}

// OnSessionChange はセッション変更通知を購読する。
func (c *HTTPClient) OnSessionChange(listener SessionListener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = listener
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// setSession はセッションを置き換えて保存し、購読者に通知する。
func (c *HTTPClient) setSession(s *model.Session, eventType model.SessionEventType) {
	c.mu.Lock()
	c.applyLocked(s)
	drain := c.enqueueLocked(s, eventType, true)
	c.mu.Unlock()

	if drain {
		c.dispatch()
	}
}

// replaceSession は現在のセッションが expect と同じ場合に限り置き換える。
// 古いセッションに対する更新結果や通知が後から届いた場合は無視する。
func (c *HTTPClient) replaceSession(expect, s *model.Session, eventType model.SessionEventType) bool {
	c.mu.Lock()
	if c.session == nil || c.session.ID != expect.ID || c.session.AccessToken != expect.AccessToken {
		c.mu.Unlock()
		return false
	}
	c.applyLocked(s)
	drain := c.enqueueLocked(s, eventType, true)
	c.mu.Unlock()

	if drain {
		c.dispatch()
	}
	return true
}

func (c *HTTPClient) applyLocked(s *model.Session) {
	c.session = s
	c.loaded = true
	if c.stopBg != nil {
		c.stopBg()
		c.stopBg = nil
	}
	if s != nil {
		c.startBackgroundLocked(s)
	}
}

func (c *HTTPClient) snapshotListenersLocked() []SessionListener {
	out := make([]SessionListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		out = append(out, l)
	}
	return out
}

func (c *HTTPClient) persist(s *model.Session) {
	var err error
	if s == nil {
		err = c.store.Clear()
	} else {
		err = c.store.Save(s)
	}
	if err != nil {
		c.logger.Warn("failed to persist session", slog.String("error", err.Error()))
	}
}

// enqueueLocked は反映した変更を通知待ちに積む。c.mu を保持して呼ぶこと。
// 配信中のゴルーチンがいなければtrueを返し、呼び出し側が dispatch する。
func (c *HTTPClient) enqueueLocked(s *model.Session, eventType model.SessionEventType, persist bool) bool {
	ev := model.SessionEvent{Type: eventType, Session: s, At: c.now().UTC()}
	if s != nil {
		ev.UserID = s.UserID
		ev.SessionID = s.ID
	}
	c.pending = append(c.pending, sessionChange{
		listeners: c.snapshotListenersLocked(),
		event:     ev,
		persist:   persist,
	})
	if c.dispatching {
		return false
	}
	c.dispatching = true
	return true
}

// dispatch は通知待ちを積まれた順に保存・配信する。
// 購読者の中から積まれた通知も同じループで後から配信される。
func (c *HTTPClient) dispatch() {
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.dispatching = false
			c.mu.Unlock()
			return
		}
		ch := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()

		if ch.persist {
			c.persist(ch.event.Session)
		}
		for _, l := range ch.listeners {
			l(ch.event)
		}
	}
}

// currentToken はリクエストに付けるアクセストークンを返す。セッションがなければ空。
func (c *HTTPClient) currentToken(ctx context.Context) (string, error) {
	s, err := c.GetSession(ctx)
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", nil
	}
	return s.AccessToken, nil
}

// --- 認証 ---

type signUpResponse struct {
	User    *model.AuthUser `json:"user"`
	Session *model.Session  `json:"session"`
}

// SignUp はアカウントを作成する。成功するとセッションが確立され SIGNED_IN を通知する。
func (c *HTTPClient) SignUp(ctx context.Context, email, password string, meta model.UserMetadata) (*model.AuthUser, *model.Session, error) {
	var out signUpResponse
	body := map[string]any{"email": email, "password": password, "data": meta}
	if err := c.do(ctx, http.MethodPost, "/auth/v1/signup", nil, body, "", nil, &out); err != nil {
		return nil, nil, err
	}
	if out.Session != nil {
		c.setSession(out.Session, model.EventSignedIn)
	}
	return out.User, out.Session, nil
}

// SignInWithPassword はメールアドレスとパスワードでサインインする。
func (c *HTTPClient) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	var s model.Session
	q := url.Values{"grant_type": {"password"}}
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token", q, body, "", nil, &s); err != nil {
		return nil, err
	}
	c.setSession(&s, model.EventSignedIn)
	return &s, nil
}

func (c *HTTPClient) refresh(ctx context.Context, refreshToken string) (*model.Session, error) {
	var s model.Session
	q := url.Values{"grant_type": {"refresh_token"}}
	body := map[string]string{"refresh_token": refreshToken}
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token", q, body, "", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SignOut はサーバー側のセッションを失効させる。
// サーバーがセッションをすでに無効とみなしている場合もローカルのセッションを破棄する。
func (c *HTTPClient) SignOut(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		if _, err := c.GetSession(ctx); err != nil {
			return err
		}
		c.mu.Lock()
		s = c.session
		c.mu.Unlock()
		if s == nil {
			return nil
		}
	}

	err := c.do(ctx, http.MethodPost, "/auth/v1/logout", nil, nil, s.AccessToken, nil, nil)
	if err != nil && !IsCode(err, model.ErrCodeUnauthorized) {
		return err
	}
	c.replaceSession(s, nil, model.EventSignedOut)
	return nil
}

// SendPasswordRecovery はパスワード再設定メールの送信を依頼する。
// 登録の有無にかかわらず成功を返す。
func (c *HTTPClient) SendPasswordRecovery(ctx context.Context, email, redirectTo string) error {
	body := map[string]string{"email": email, "redirect_to": redirectTo}
	return c.do(ctx, http.MethodPost, "/auth/v1/recover", nil, body, "", nil, nil)
}

// UpdateUser はパスワードを変更し USER_UPDATED を通知する。
func (c *HTTPClient) UpdateUser(ctx context.Context, password string) (*model.AuthUser, error) {
	var user model.AuthUser
	if err := c.authorized(ctx, http.MethodPut, "/auth/v1/user", nil, map[string]string{"password": password}, &user); err != nil {
		return nil, err
	}

	c.mu.Lock()
	drain := c.enqueueLocked(c.session, model.EventUserUpdated, false)
	c.mu.Unlock()
	if drain {
		c.dispatch()
	}
	return &user, nil
}

// GetUser はサインイン中のユーザーの認証レコードを返す。
func (c *HTTPClient) GetUser(ctx context.Context) (*model.AuthUser, error) {
	var user model.AuthUser
	if err := c.authorized(ctx, http.MethodGet, "/auth/v1/user", nil, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// --- 汎用テーブル ---

// Select は条件に一致する行を返す。
func (c *HTTPClient) Select(ctx context.Context, table string, filters []Filter, opts *SelectOptions) ([]Row, error) {
	q := filterQuery(filters)
	if opts != nil {
		if len(opts.Order) > 0 {
			parts := make([]string, len(opts.Order))
			for i, o := range opts.Order {
				dir := "asc"
				if o.Desc {
					dir = "desc"
				}
				parts[i] = o.Column + "." + dir
			}
			q.Set("order", strings.Join(parts, ","))
		}
		if opts.Limit > 0 {
			q.Set("limit", fmt.Sprint(opts.Limit))
		}
	}
	return c.table(ctx, http.MethodGet, table, q, nil, nil)
}

// Insert は行を追加し、追加された行を返す。
func (c *HTTPClient) Insert(ctx context.Context, table string, rows ...Row) ([]Row, error) {
	return c.table(ctx, http.MethodPost, table, nil, rows, nil)
}

// Update は条件に一致する行を更新する。
func (c *HTTPClient) Update(ctx context.Context, table string, filters []Filter, values Row) ([]Row, error) {
	return c.table(ctx, http.MethodPatch, table, filterQuery(filters), values, nil)
}

// Delete は条件に一致する行を削除する。
func (c *HTTPClient) Delete(ctx context.Context, table string, filters []Filter) ([]Row, error) {
	return c.table(ctx, http.MethodDelete, table, filterQuery(filters), nil, nil)
}

// Upsert は onConflict の一意制約で行を追加または上書きする。
func (c *HTTPClient) Upsert(ctx context.Context, table string, onConflict []string, rows ...Row) ([]Row, error) {
	q := url.Values{}
	if len(onConflict) > 0 {
		q.Set("on_conflict", strings.Join(onConflict, ","))
	}
	headers := map[string]string{"Prefer": "resolution=merge-duplicates"}
	return c.table(ctx, http.MethodPost, table, q, rows, headers)
}

func (c *HTTPClient) table(ctx context.Context, method, table string, q url.Values, body any, headers map[string]string) ([]Row, error) {
	token, err := c.currentToken(ctx)
	if err != nil {
		return nil, err
	}
	var rows []Row
	path := "/rest/v1/" + url.PathEscape(table)
	if err := c.do(ctx, method, path, q, body, token, headers, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// filterQuery は等値条件を eq.値 / is.null のクエリパラメータにする。
func filterQuery(filters []Filter) url.Values {
	q := url.Values{}
	for _, f := range filters {
		if f.Value == nil {
			q.Add(f.Column, "is.null")
			continue
		}
		q.Add(f.Column, "eq."+fmt.Sprint(f.Value))
	}
	return q
}

// --- HTTP ---

// do はJSONリクエストを送り、2xxならoutへデコードする。
// それ以外は *model.APIError、通信失敗は ErrUnavailable を包んだエラーを返す。
func (c *HTTPClient) do(ctx context.Context, method, path string, q url.Values, body any, token string, headers map[string]string, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeError はエラーボディを *model.APIError に戻す。
func decodeError(status int, data []byte) error {
	var apiErr model.APIError
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Code != "" {
		return &apiErr
	}
	fallback := model.NewInternalError()
	fallback.Message = fmt.Sprintf("gateway returned status %d", status)
	if status == http.StatusTooManyRequests {
		fallback = model.NewRateLimitedError()
	}
	return fallback
}

// compile-time interface check
var _ Gateway = (*HTTPClient)(nil)
