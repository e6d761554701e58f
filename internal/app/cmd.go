package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hitoshi/japinait/internal/config"
)

// newRootCommand は japinait のコマンドツリーを生成する。
// サブコマンドなしで起動した場合は serve として動作する。
func newRootCommand(w io.Writer) *cobra.Command {
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(cmd, "serve", w, runServe)
		},
	}

	root := &cobra.Command{
		Use:           "japinait",
		Short:         "Venue discovery gateway",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}

	root.AddCommand(
		serve,
		&cobra.Command{
			Use:   "worker",
			Short: "Run periodic maintenance jobs",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withConfig(cmd, "worker", w, runWorker)
			},
		},
		newMigrateCommand(w),
		&cobra.Command{
			Use:   "healthcheck",
			Short: "Check the local /health endpoint",
			Args:  cobra.NoArgs,
			// フル初期化を行わず、SERVER_PORT だけを参照する
			RunE: func(cmd *cobra.Command, args []string) error {
				port := os.Getenv("SERVER_PORT")
				if port == "" {
					port = "8080"
				}
				return runHealthcheck(port)
			},
		},
	)
	return root
}

func newMigrateCommand(w io.Writer) *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(cmd, "migrate", w, func(ctx context.Context, cfg *config.Config) error {
				return runMigrate(cfg)
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(cmd, "migrate down", w, func(ctx context.Context, cfg *config.Config) error {
				return runMigrateDown(cfg, steps)
			})
		},
	})
	cmd.PersistentFlags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")
	return cmd
}

// withConfig は設定を読み込み、シグナルで止まるコンテキストでfnを実行する。
func withConfig(cmd *cobra.Command, name string, w io.Writer, fn func(ctx context.Context, cfg *config.Config) error) error {
	cfg, err := Init(w)
	if err != nil {
		return err
	}

	slog.Info("starting application",
		slog.String("command", name),
		slog.String("port", cfg.ServerPort),
		slog.String("public_url", cfg.PublicURL),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, cfg)
}
