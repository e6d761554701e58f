package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/japinait/internal/admin"
	"github.com/hitoshi/japinait/internal/auth"
	"github.com/hitoshi/japinait/internal/bus"
	"github.com/hitoshi/japinait/internal/config"
	"github.com/hitoshi/japinait/internal/database"
	"github.com/hitoshi/japinait/internal/handler"
	"github.com/hitoshi/japinait/internal/logger"
	"github.com/hitoshi/japinait/internal/mail"
	"github.com/hitoshi/japinait/internal/metrics"
	"github.com/hitoshi/japinait/internal/middleware"
	"github.com/hitoshi/japinait/internal/policy"
	"github.com/hitoshi/japinait/internal/repository"
	"github.com/hitoshi/japinait/internal/security"
	"github.com/hitoshi/japinait/internal/storage"
	"github.com/hitoshi/japinait/internal/table"
	"github.com/hitoshi/japinait/internal/telemetry"
	"github.com/hitoshi/japinait/internal/worker/cleanup"
	"github.com/hitoshi/japinait/internal/worker/stats"
)

const serviceName = "japinait"

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("initialization failed: failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	root := newRootCommand(w)
	root.SetArgs(args)
	root.SetOut(w)
	return root.ExecuteContext(context.Background())
}

// openDatabase はDB接続を開き疎通を確認する。
func openDatabase(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, err
	}

	if err := database.Ping(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

// newMetrics はプロセス用のレジストリとコレクターを生成する。
func newMetrics() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// newEventBus はセッション通知のハブと配信先を返す。
// NATS_URL が設定されていればインスタンス間でNATS経由で配信する。
func newEventBus(cfg *config.Config) (*bus.Hub, auth.EventPublisher, func(), error) {
	hub := bus.NewHub()
	if cfg.NATSURL == "" {
		return hub, hub, hub.Close, nil
	}

	nb, err := bus.NewNATS(cfg.NATSURL, hub)
	if err != nil {
		hub.Close()
		return nil, nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	closeFn := func() {
		nb.Close()
		hub.Close()
	}
	return hub, nb, closeFn, nil
}

// newMailer は再設定メールの送信手段を返す。APIキーがなければログ出力のみ。
func newMailer(cfg *config.Config) auth.Mailer {
	if cfg.SendGridAPIKey == "" {
		slog.Warn("SENDGRID_API_KEY is not set; recovery mail is logged only")
		return mail.LogMailer{}
	}
	return mail.NewSendGridMailer(cfg.SendGridAPIKey, cfg.MailFrom)
}

// newObjectStore はS3が設定されていればオブジェクトストアを返す。未設定ならnil。
func newObjectStore(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	if !cfg.StorageEnabled() {
		slog.Warn("S3 storage is not configured; photo endpoints are disabled")
		return nil, nil
	}
	store, err := storage.NewS3Store(ctx, storage.S3Options{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		PublicURL: cfg.S3PublicURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 store: %w", err)
	}
	return store, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. トレーシング
	shutdownTracing, tracing, err := telemetry.Setup(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("failed to flush traces", slog.String("error", err.Error()))
		}
	}()

	// 2. DB接続
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	// 3. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	profileRepo := repository.NewPostgresProfileRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	recoveryRepo := repository.NewPostgresRecoveryTokenRepo(db)
	venueRepo := repository.NewPostgresVenueRepo(db)
	photoRepo := repository.NewPostgresPhotoRepo(db)
	tableRepo := repository.NewPostgresTableRepo(db)

	// 4. メトリクス・通知・メール
	reg, collector := newMetrics()

	hub, publisher, closeEvents, err := newEventBus(cfg)
	if err != nil {
		return err
	}
	var closeOnce sync.Once
	closeBus := func() { closeOnce.Do(closeEvents) }
	defer closeBus()

	// 5. ドメインサービスの初期化
	authService := auth.NewService(auth.Deps{
		Users:     userRepo,
		Profiles:  profileRepo,
		Sessions:  sessionRepo,
		Recovery:  recoveryRepo,
		Tokens:    auth.NewTokenIssuer(cfg.JWTSecret, cfg.AccessTokenTTL),
		Hasher:    auth.BcryptHasher{},
		Mailer:    newMailer(cfg),
		Publisher: publisher,
		Metrics:   collector,
	}, auth.ServiceConfig{
		RefreshTokenTTL:        cfg.RefreshTokenTTL,
		RecoveryTokenTTL:       cfg.RecoveryTokenTTL,
		PublicURL:              cfg.PublicURL,
		AllowedRedirectOrigins: cfg.AllowedRedirectOrigins,
	})

	tableService := table.NewService(
		tableRepo,
		policy.NewEngine(venueRepo),
		security.NewTextSanitizer(),
		collector,
		table.DefaultTables(),
	)
	adminService := admin.NewService(venueRepo, profileRepo, authService)

	store, err := newObjectStore(ctx, cfg)
	if err != nil {
		return err
	}
	storageService := storage.NewService(store, photoRepo, venueRepo, security.NewURLGuard(), collector, cfg.PhotoMaxSize)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.PerMinute(cfg.RateLimitGeneral))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		Authenticator:     authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		AuthRateLimit:     cfg.RateLimitAuth,

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(reg),

		AuthService: authService,
		Events:      hub,
		AuthConfig:  handler.AuthHandlerConfig{SiteURL: cfg.SiteURL},

		TableService:   tableService,
		AdminService:   adminService,
		StorageService: storageService,
	})

	// 7. HTTPサーバーの起動
	// /auth/v1/events は長時間のストリームのため WriteTimeout は設定しない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           tracing(router),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// SSE購読を先に閉じてストリームを終了させる
	closeBus()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	// 受付済みの再設定メールを送り切る
	authService.Wait()

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 会場集計バッチとクリーンアップジョブを起動し、ctxがキャンセルされるまで実行する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. リポジトリ・メトリクスの初期化
	venueRepo := repository.NewPostgresVenueRepo(db)
	_, collector := newMetrics()

	// 3. ジョブの初期化
	statsBatch := stats.NewBatchJob(venueRepo, collector, slog.Default(), stats.BatchConfig{
		Interval: cfg.StatsInterval,
		Timeout:  time.Minute,
	})

	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())
	cleanupJob.EventRetention = cfg.EventRetention

	slog.Info("worker starting",
		slog.Duration("stats_interval", cfg.StatsInterval),
		slog.Duration("event_retention", cfg.EventRetention),
	)

	// 集計バッチをバックグラウンドで起動
	done := make(chan struct{})
	go func() {
		defer close(done)
		statsBatch.Start(ctx)
	}()

	// クリーンアップジョブを日次でメインgoroutineで実行（ブロッキング）
	cleanupJob.Start(ctx, 24*time.Hour)
	<-done

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	slog.Info("database migrations completed", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	return nil
}

// runMigrateDown は直近のマイグレーションを steps 件だけ戻す。
func runMigrateDown(cfg *config.Config, steps int) error {
	if steps <= 0 {
		return fmt.Errorf("steps must be positive, got %d", steps)
	}
	slog.Warn("rolling back database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Int("steps", steps),
	)
	if err := database.RollbackMigrations(cfg.DatabaseURL, steps); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
