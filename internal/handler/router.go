package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/japinait/internal/middleware"
	"github.com/hitoshi/japinait/internal/model"
)

// HealthChecker はヘルスチェックで疎通を確認する依存先。*sql.DB が実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Authenticator     middleware.Authenticator
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	AuthRateLimit     int // /auth/v1 のIPあたり req/min。0で無効

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 認証
	AuthService AuthServiceInterface
	Events      EventSubscriber
	AuthConfig  AuthHandlerConfig

	// 汎用テーブル
	TableService TableServiceInterface

	// 管理
	AdminService AdminServiceInterface

	// 写真ストレージ
	StorageService StorageServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → (ルートごと) Auth → RateLimit
//
// /auth/v1 はIP単位、それ以外のAPIはユーザー単位でレート制限する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.Events, deps.AuthConfig)
	tableHandler := NewTableHandler(deps.TableService)
	adminHandler := NewAdminHandler(deps.AdminService)
	storageHandler := NewStorageHandler(deps.StorageService)

	bearer := middleware.NewBearerAuthMiddleware(deps.Authenticator)
	perUser := func(next http.Handler) http.Handler { return next }
	if deps.RateLimiter != nil {
		perUser = deps.RateLimiter.Middleware()
	}

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- 認証 ---
	r.Route("/auth/v1", func(r chi.Router) {
		if deps.AuthRateLimit > 0 {
			r.Use(middleware.NewAuthRateLimit(deps.AuthRateLimit))
		}

		r.Post("/signup", authHandler.SignUp)
		r.Post("/token", authHandler.Token)
		r.Post("/recover", authHandler.Recover)
		r.Get("/verify", authHandler.Verify)

		r.Group(func(r chi.Router) {
			r.Use(bearer)
			r.Post("/logout", authHandler.Logout)
			r.Get("/user", authHandler.GetUser)
			r.Put("/user", authHandler.UpdateUser)
			r.Get("/events", authHandler.Events)
		})
	})

	// --- 汎用テーブル（匿名アクセスはポリシーで判定） ---
	r.Route("/rest/v1/{table}", func(r chi.Router) {
		r.Use(middleware.NewOptionalAuthMiddleware(deps.Authenticator))
		r.Use(perUser)

		r.Get("/", tableHandler.Select)
		r.Post("/", tableHandler.Insert)
		r.Patch("/", tableHandler.Update)
		r.Delete("/", tableHandler.Delete)
	})

	// --- 認証が必要なAPI ---
	r.Route("/api", func(r chi.Router) {
		r.Use(bearer)
		r.Use(perUser)

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(model.RoleVenueAdmin))
			r.Get("/venues", adminHandler.ListVenues)
			r.Delete("/venues/{id}", adminHandler.DeleteVenue)
			r.Put("/venues/{id}/status", adminHandler.SetVenueStatus)
			r.Get("/users", adminHandler.ListUsers)
			r.Post("/users", adminHandler.CreateUser)
			r.Get("/stats", adminHandler.Stats)
		})

		r.Route("/storage/venues/{id}/photos", func(r chi.Router) {
			r.Post("/upload-url", storageHandler.CreateUploadURL)
			r.Post("/import", storageHandler.ImportPhoto)
		})
	})

	return r
}

// healthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
