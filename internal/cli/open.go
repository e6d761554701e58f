package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/hitoshi/japinait/internal/config"
	"github.com/hitoshi/japinait/internal/gateway"
)

// OpenFromEnv は環境変数の設定でゲートウェイへ接続するEnvを生成する。
// セッションは JAPINAIT_SESSION_FILE に保存され、コマンド間で引き継がれる。
func OpenFromEnv(ctx context.Context) (*Env, error) {
	cfg := config.LoadClient()
	logger := slog.Default()

	var store gateway.SessionStore = &gateway.MemoryStore{}
	if cfg.SessionFile != "" {
		store = gateway.NewFileStore(cfg.SessionFile)
	}

	client := gateway.NewHTTPClient(gateway.Options{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
		Store:   store,
		Logger:  logger,
	})
	env, err := Open(ctx, client, cfg.SiteURL, os.Stdout, logger)
	if env != nil {
		env.Timeout = cfg.Timeout
	}
	return env, err
}

// compile-time interface check
var _ Client = (*gateway.HTTPClient)(nil)
