// Package guard はセッションとプロフィールのロールからルートの表示可否とナビゲーションを決める。
package guard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/japinait/internal/model"
	"github.com/hitoshi/japinait/internal/session"
)

// defaultFetchTimeout はプロフィール取得のタイムアウト。
const defaultFetchTimeout = 10 * time.Second

// State は認可の状態。
type State int

const (
	StateUnknown State = iota
	StateAnonymous
	StateAuthenticatedUser
	StateAuthenticatedAdmin
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticatedUser:
		return "authenticated_user"
	case StateAuthenticatedAdmin:
		return "authenticated_admin"
	default:
		return "unknown"
	}
}

// Authenticated はサインイン済みの状態かを返す。
func (s State) Authenticated() bool {
	return s == StateAuthenticatedUser || s == StateAuthenticatedAdmin
}

// SessionSource は現在セッションと変更通知の提供元。
type SessionSource interface {
	Session() *model.Session
	Loading() bool
	Subscribe(fn func(session.Change)) (unsubscribe func())
}

// ProfileFetcher はユーザーのプロフィールを取得する。見えない場合は nil を返す。
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, userID string) (*model.Profile, error)
}

// Options はGuardの設定。
type Options struct {
	FetchTimeout time.Duration
	Logger       *slog.Logger
}

// Guard は認可の状態機械。状態はセッションの変化とプロフィール取得の結果だけで遷移する。
// ロールの正はプロフィールで、トークンのロールは参照しない。
type Guard struct {
	src      SessionSource
	profiles ProfileFetcher
	timeout  time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	userID    string
	profile   *model.Profile
	pending   bool
	gen       uint64
	settled   chan struct{}
	isSettled bool
	listeners map[int]func(State)
	nextID    int
}

// New はGuardを生成する。Start を呼ぶまで状態は Unknown。
func New(src SessionSource, profiles ProfileFetcher, opts Options) *Guard {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Guard{
		src:       src,
		profiles:  profiles,
		timeout:   opts.FetchTimeout,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateUnknown,
		settled:   make(chan struct{}),
		listeners: make(map[int]func(State)),
	}
}

// Start はセッションの変更通知を購読し、現在の状態を評価する。
// 戻り値の stop は購読を解除し、実行中のプロフィール取得を打ち切る。
func (g *Guard) Start() (stop func()) {
	unsubscribe := g.src.Subscribe(func(ch session.Change) {
		g.apply(ch.Type, ch.Session, ch.Loading)
	})
	g.apply(model.EventInitialSession, g.src.Session(), g.src.Loading())

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			g.cancel()
			g.wg.Wait()
		})
	}
}

// apply はセッションの変化を状態に反映する。
func (g *Guard) apply(eventType model.SessionEventType, s *model.Session, loading bool) {
	g.mu.Lock()

	switch {
	case loading:
		g.gen++
		g.pending = false
		g.unsettleLocked()
		g.setStateLocked(StateUnknown)

	case s == nil:
		g.gen++
		g.userID = ""
		g.profile = nil
		g.pending = false
		g.setStateLocked(StateAnonymous)
		g.settleLocked()

	case s.UserID == g.userID && !needsRefetch(eventType) && (g.pending || g.state.Authenticated()):
		// トークン更新などロールに影響しない変化

	default:
		if s.UserID != g.userID && g.state.Authenticated() {
			// 別ユーザーの権限を引き継がない
			g.profile = nil
			g.setStateLocked(StateAnonymous)
		}
		g.gen++
		g.userID = s.UserID
		g.pending = true
		g.unsettleLocked()
		gen := g.gen
		userID := s.UserID
		g.wg.Add(1)
		go g.fetch(gen, userID)
	}

	listeners, state := g.snapshotLocked()
	g.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

func needsRefetch(eventType model.SessionEventType) bool {
	return eventType == model.EventSignedIn || eventType == model.EventInitialSession
}

// fetch はプロフィールを取得して状態を確定する。
// 取得に失敗した場合は AuthenticatedUser とし、管理者権限は与えない。
func (g *Guard) fetch(gen uint64, userID string) {
	defer g.wg.Done()

	ctx, cancel := context.WithTimeout(g.ctx, g.timeout)
	defer cancel()
	profile, err := g.profiles.FetchProfile(ctx, userID)

	g.mu.Lock()
	if gen != g.gen {
		// 取得中にセッションが変わった
		g.mu.Unlock()
		return
	}
	g.pending = false
	switch {
	case err != nil:
		g.logger.Warn("profile fetch failed; treating as user role",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		g.profile = nil
		g.setStateLocked(StateAuthenticatedUser)
	case profile != nil && profile.Role.IsAdmin():
		g.profile = profile
		g.setStateLocked(StateAuthenticatedAdmin)
	default:
		g.profile = profile
		g.setStateLocked(StateAuthenticatedUser)
	}
	g.settleLocked()
	listeners, state := g.snapshotLocked()
	g.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

func (g *Guard) setStateLocked(s State) {
	if g.state != s {
		g.logger.Debug("authorization state changed",
			slog.String("from", g.state.String()),
			slog.String("to", s.String()),
		)
	}
	g.state = s
}

func (g *Guard) settleLocked() {
	if !g.isSettled {
		close(g.settled)
		g.isSettled = true
	}
}

func (g *Guard) unsettleLocked() {
	if g.isSettled {
		g.settled = make(chan struct{})
		g.isSettled = false
	}
}

func (g *Guard) snapshotLocked() ([]func(State), State) {
	out := make([]func(State), 0, len(g.listeners))
	for _, fn := range g.listeners {
		out = append(out, fn)
	}
	return out, g.state
}

// State は現在の状態を返す。
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Profile は最後に取得できたプロフィールを返す。取得前や失敗時は nil。
func (g *Guard) Profile() *model.Profile {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.profile
}

// Settled はプロフィール取得が終わり状態が確定するまで待つ。
func (g *Guard) Settled(ctx context.Context) (State, error) {
	g.mu.Lock()
	ch := g.settled
	g.mu.Unlock()

	select {
	case <-ch:
		return g.State(), nil
	case <-ctx.Done():
		return g.State(), ctx.Err()
	}
}

// OnChange は状態変化の通知を購読し、解除関数を返す。
func (g *Guard) OnChange(fn func(State)) func() {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.listeners[id] = fn
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		delete(g.listeners, id)
		g.mu.Unlock()
	}
}

// Navigation は現在の状態のナビゲーション項目を返す。
func (g *Guard) Navigation() []NavEntry {
	return Navigation(g.State())
}
