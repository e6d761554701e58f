package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hitoshi/japinait/internal/gateway"
	"github.com/hitoshi/japinait/internal/model"
)

type envKey struct{}

// NewRootCommand は japictl のルートコマンドを生成する。
// 各サブコマンドの実行前に open でEnvを用意する。
func NewRootCommand(open OpenFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "japictl",
		Short:         "Terminal client for the japinait venue gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			env, err := open(commandContext(cmd))
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(commandContext(cmd), envKey{}, env))
			return nil
		},
	}

	cmd.AddCommand(
		newSignUpCommand(),
		newSignInCommand(),
		newSignOutCommand(),
		newResetPasswordCommand(),
		newUpdatePasswordCommand(),
		newWhoAmICommand(),
		newNavCommand(),
		newOpenCommand(),
		newVenuesCommand(),
		newEventsCommand(),
		newFavoriteCommand(),
		newFavoritesCommand(),
		newReviewCommand(),
		newAdminCommand(),
		newPhotoCommand(),
	)
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// envFrom はPersistentPreRunEで用意したEnvを取り出す。
func envFrom(cmd *cobra.Command) (*Env, error) {
	env, ok := commandContext(cmd).Value(envKey{}).(*Env)
	if !ok {
		return nil, errors.New("command environment is not initialized")
	}
	return env, nil
}

// run はEnvを受け取るRunEを生成する。Envは実行後に閉じる。
func run(fn func(ctx context.Context, env *Env, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		env, err := envFrom(cmd)
		if err != nil {
			return err
		}
		defer env.Close()
		if err := fn(commandContext(cmd), env, args); err != nil {
			return describe(err)
		}
		return nil
	}
}

// describe はゲートウェイのエラーに対処方法を添える。
func describe(err error) error {
	if apiErr, ok := model.AsAPIError(err); ok && apiErr.Action != "" {
		return fmt.Errorf("%w (%s)", err, apiErr.Action)
	}
	if errors.Is(err, gateway.ErrUnavailable) {
		return fmt.Errorf("%w; try again later", err)
	}
	return err
}
