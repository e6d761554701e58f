package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hitoshi/japinait/internal/guard"
	"github.com/hitoshi/japinait/internal/model"
)

func newSignUpCommand() *cobra.Command {
	var email, password, fullName, role string

	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and sign in",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, env *Env, args []string) error {
			s, err := env.Session.SignUp(ctx, email, password, fullName, model.Role(role))
			if err != nil {
				return err
			}
			if s == nil {
				fmt.Fprintln(env.Out, "account created; sign in to continue")
				return nil
			}
			return printState(ctx, env)
		}),
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&password, "password", "", "Password (at least 8 characters)")
	cmd.Flags().StringVar(&fullName, "name", "", "Full name")
	cmd.Flags().StringVar(&role, "role", string(model.RoleUser), "Role: user or venue_admin")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newSignInCommand() *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in with email and password",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, env *Env, args []string) error {
			if _, err := env.Session.SignIn(ctx, email, password); err != nil {
				return err
			}
			return printState(ctx, env)
		}),
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&password, "password", "", "Password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newSignOutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Sign out of the current session",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, env *Env, args []string) error {
			if err := env.Session.SignOut(ctx); err != nil {
				return err
			}
			fmt.Fprintln(env.Out, "signed out")
			return nil
		}),
	}
}

func newResetPasswordCommand() *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Request a password reset link",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, env *Env, args []string) error {
			if err := env.Session.ResetPassword(ctx, email); err != nil {
				return err
			}
			fmt.Fprintln(env.Out, "if the address is registered, a reset link has been sent")
			return nil
		}),
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newUpdatePasswordCommand() *cobra.Command {
	var password, link string

	cmd := &cobra.Command{
		Use:   "update-password",
		Short: "Set a new password, optionally from a reset link",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, env *Env, args []string) error {
			// 再設定リンクのリダイレクト先URLからセッションを確立する
			if link != "" {
				if _, err := env.Client.SessionFromRedirect(link); err != nil {
					return err
				}
			}
			if err := env.Session.UpdatePassword(ctx, password); err != nil {
				return err
			}
			fmt.Fprintln(env.Out, "password updated")
			return nil
		}),
	}

	cmd.Flags().StringVar(&password, "password", "", "New password")
	cmd.Flags().StringVar(&link, "link", "", "URL the reset email redirected to (with #access_token=...)")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newWhoAmICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current session and authorization state",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, env *Env, args []string) error {
			return printState(ctx, env)
		}),
	}
}

func newNavCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "nav",
		Short: "List the navigation entries for the current role",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, env *Env, args []string) error {
			for _, e := range guard.Navigation(env.settle(ctx)) {
				fmt.Fprintf(env.Out, "%-16s %s\n", e.Label, e.Path)
			}
			return nil
		}),
	}
}

func newOpenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "open <route>",
		Short: "Show how a route would be handled in the current state",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, env *Env, args []string) error {
			err := env.require(ctx, args[0])
			switch {
			case err == nil:
				fmt.Fprintf(env.Out, "render: %s\n", args[0])
				return nil
			case errors.Is(err, ErrSignInRequired):
				// require がリダイレクト先を表示済み
				return nil
			default:
				return err
			}
		}),
	}
}

// printState は認可状態とセッションの概要を表示する。
func printState(ctx context.Context, env *Env) error {
	state := env.settle(ctx)
	fmt.Fprintf(env.Out, "state: %s\n", state)

	s := env.Session.Session()
	if s == nil {
		return nil
	}
	fmt.Fprintf(env.Out, "user: %s\n", s.UserID)
	if p := env.Guard.Profile(); p != nil {
		fmt.Fprintf(env.Out, "email: %s\nname: %s\nrole: %s\n", p.Email, p.FullName, p.Role)
	}
	fmt.Fprintf(env.Out, "expires: %s\n", s.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
	if s.Recovery {
		fmt.Fprintln(env.Out, "recovery session: update your password")
	}
	return nil
}
