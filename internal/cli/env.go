// Package cli は japictl のコマンドを提供する。
// 画面の代わりに、セッション・認可・お気に入りの状態を端末に表示する。
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hitoshi/japinait/internal/catalog"
	"github.com/hitoshi/japinait/internal/gateway"
	"github.com/hitoshi/japinait/internal/guard"
	"github.com/hitoshi/japinait/internal/model"
	"github.com/hitoshi/japinait/internal/session"
	"github.com/hitoshi/japinait/internal/toggle"
)

// settleTimeout は認可状態の確定を待つ上限。
const settleTimeout = 15 * time.Second

// defaultTimeout はEnv.Timeoutが未設定の場合のストレージ通信の上限。
const defaultTimeout = 10 * time.Second

var (
	// ErrSignInRequired はサインインが必要なコマンドを未サインインで実行したことを表す。
	ErrSignInRequired = errors.New("sign in required")
	// ErrForbidden はロールが足りないことを表す。
	ErrForbidden = errors.New("this command requires the venue_admin role")
)

// Client はCLIが使うゲートウェイクライアント。
type Client interface {
	session.AuthGateway
	catalog.TableGateway
	toggle.TableGateway

	SessionFromRedirect(rawURL string) (*model.Session, error)
	SetVenueStatus(ctx context.Context, venueID string, status model.VenueStatus) (*model.Venue, error)
	AdminStats(ctx context.Context) (*model.AdminStats, error)
	AdminVenues(ctx context.Context, status model.VenueStatus) ([]model.Venue, error)
	AdminUsers(ctx context.Context) ([]model.Profile, error)
	DeleteVenue(ctx context.Context, venueID string) error
	CreateUser(ctx context.Context, email, password string, meta model.UserMetadata) (*model.Profile, error)
	CreatePhotoUploadURL(ctx context.Context, venueID, contentType string) (*gateway.PhotoUploadURL, error)
	ImportPhoto(ctx context.Context, venueID, rawURL string) (*model.VenuePhoto, error)
	Close()
}

// Env はコマンド実行中に共有するコンポーネント。
type Env struct {
	Client    Client
	Session   *session.Controller
	Guard     *guard.Guard
	Catalog   *catalog.Catalog
	Favorites *toggle.Toggle
	Out       io.Writer
	Logger    *slog.Logger
	Timeout   time.Duration // 署名付きURLへの直接アップロードの上限

	closers []func()
}

// OpenFunc はコマンド実行前にEnvを用意する。
type OpenFunc func(ctx context.Context) (*Env, error)

// Open はクライアントからEnvを組み立て、セッションを初期化する。
// 初期セッションの取得に失敗した場合は未サインインとして続行する。
func Open(ctx context.Context, client Client, siteURL string, out io.Writer, logger *slog.Logger) (*Env, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env := &Env{
		Client:    client,
		Catalog:   catalog.New(client),
		Favorites: toggle.NewFavorites(client),
		Out:       out,
		Logger:    logger,
	}
	env.closers = append(env.closers, client.Close)

	// 1. セッションを初期化
	env.Session = session.NewController(client, session.Options{SiteURL: siteURL, Logger: logger})
	teardown, err := env.Session.Initialize(ctx)
	env.closers = append(env.closers, teardown)
	if err != nil {
		logger.Warn("continuing without a session", slog.String("error", err.Error()))
	}

	// 2. 認可の状態機械を開始
	env.Guard = guard.New(env.Session, env.Catalog, guard.Options{Logger: logger})
	env.closers = append(env.closers, env.Guard.Start())

	return env, nil
}

// Close は購読とバックグラウンド処理を止める。
func (e *Env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// settle は認可状態が確定するまで待つ。
func (e *Env) settle(ctx context.Context) guard.State {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	state, err := e.Guard.Settled(ctx)
	if err != nil {
		e.Logger.Warn("authorization state did not settle", slog.String("error", err.Error()))
	}
	return state
}

// require はルートの表示判定に従ってコマンドの実行可否を決める。
func (e *Env) require(ctx context.Context, path string) error {
	e.settle(ctx)
	d := e.Guard.Decide(path)
	switch d.Kind {
	case guard.Render:
		return nil
	case guard.Redirect:
		fmt.Fprintf(e.Out, "redirect: %s (from %s)\n", d.To, d.From)
		return ErrSignInRequired
	case guard.Forbidden:
		return ErrForbidden
	default:
		return fmt.Errorf("route %s is not available (%s)", path, d.Kind)
	}
}

// userID は現在のセッションのユーザーIDを返す。
func (e *Env) userID() (string, error) {
	s := e.Session.Session()
	if s == nil {
		return "", ErrSignInRequired
	}
	return s.UserID, nil
}
