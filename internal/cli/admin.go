package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitoshi/japinait/internal/model"
)

func newAdminCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Venue administration (venue_admin only)",
	}
	cmd.AddCommand(
		newVenueStatusCommand("approve", model.VenueStatusApproved),
		newVenueStatusCommand("reject", model.VenueStatusRejected),
		newStatsCommand(),
		newAdminVenuesCommand(),
		newAdminDeleteCommand(),
		newAdminUsersCommand(),
		newAdminCreateUserCommand(),
	)
	return cmd
}

func newAdminVenuesCommand() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "venues",
		Short: "List venues of every owner, optionally filtered by status",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, env *Env, args []string) error {
			if err := env.require(ctx, "/admin"); err != nil {
				return err
			}
			venues, err := env.Client.AdminVenues(ctx, model.VenueStatus(status))
			if err != nil {
				return err
			}
			printVenues(env, venues)
			return nil
		}),
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, approved, rejected)")
	return cmd
}

func newAdminDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <venue-id>",
		Short: "Delete a venue and everything attached to it",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, env *Env, args []string) error {
			if err := env.require(ctx, "/admin"); err != nil {
				return err
			}
			if err := env.Client.DeleteVenue(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "deleted: %s\n", args[0])
			return nil
		}),
	}
}

func newAdminUsersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List user profiles",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, env *Env, args []string) error {
			if err := env.require(ctx, "/admin"); err != nil {
				return err
			}
			users, err := env.Client.AdminUsers(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEMAIL\tNAME\tROLE")
			for _, u := range users {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.ID, u.Email, u.FullName, u.Role)
			}
			return w.Flush()
		}),
	}
}

func newAdminCreateUserCommand() *cobra.Command {
	var (
		email    string
		password string
		name     string
		role     string
	)

	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create an account with a profile without signing in as it",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, env *Env, args []string) error {
			if err := env.require(ctx, "/admin"); err != nil {
				return err
			}
			p, err := env.Client.CreateUser(ctx, email, password, model.UserMetadata{FullName: name, Role: model.Role(role)})
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "created: %s (%s) %s\n", p.Email, p.Role, p.ID)
			return nil
		}),
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address of the new account")
	cmd.Flags().StringVar(&password, "password", "", "Initial password")
	cmd.Flags().StringVar(&name, "name", "", "Full name")
	cmd.Flags().StringVar(&role, "role", string(model.RoleUser), "Role (user or venue_admin)")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newVenueStatusCommand(use string, status model.VenueStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <venue-id>",
		Short: fmt.Sprintf("Mark a pending venue as %s", status),
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, env *Env, args []string) error {
			if err := env.require(ctx, "/admin"); err != nil {
				return err
			}
			v, err := env.Client.SetVenueStatus(ctx, args[0], status)
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "%s: %s\n", v.Name, v.Status)
			return nil
		}),
	}
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show platform totals",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, env *Env, args []string) error {
			if err := env.require(ctx, "/stats"); err != nil {
				return err
			}
			s, err := env.Client.AdminStats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "users: %d\nvenues: %d (pending %d)\nevents: %d\n", s.Users, s.Venues, s.PendingVenues, s.Events)
			return nil
		}),
	}
}

func newPhotoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "photo",
		Short: "Manage venue photos (venue_admin only)",
	}
	cmd.AddCommand(newPhotoUploadCommand(), newPhotoImportCommand())
	return cmd
}

func newPhotoUploadCommand() *cobra.Command {
	var contentType string

	cmd := &cobra.Command{
		Use:   "upload <venue-id> [file]",
		Short: "Issue a signed upload URL and optionally upload a file to it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: run(func(ctx context.Context, env *Env, args []string) error {
			if err := env.require(ctx, "/dashboard"); err != nil {
				return err
			}

			// 1. ファイル指定があれば先に読み込み、Content-Typeを判定
			var data []byte
			if len(args) == 2 {
				var err error
				data, err = os.ReadFile(args[1])
				if err != nil {
					return fmt.Errorf("read photo: %w", err)
				}
				if contentType == "" {
					contentType = http.DetectContentType(data)
				}
			}
			if contentType == "" {
				contentType = "image/jpeg"
			}

			// 2. 署名付きURLを発行
			u, err := env.Client.CreatePhotoUploadURL(ctx, args[0], contentType)
			if err != nil {
				return err
			}
			if data == nil {
				fmt.Fprintf(env.Out, "upload: %s\npublic: %s\nexpires: %s\n", u.UploadURL, u.PublicURL, u.ExpiresAt.Local().Format("15:04:05"))
				return nil
			}

			// 3. ストレージへ直接アップロード
			if err := putObject(ctx, env.Timeout, u.UploadURL, contentType, data); err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "uploaded: %s\n", u.PublicURL)
			return nil
		}),
	}

	cmd.Flags().StringVar(&contentType, "content-type", "", "Content type of the photo (detected from the file when omitted)")
	return cmd
}

func newPhotoImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <venue-id> <url>",
		Short: "Import a photo from an external URL",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(ctx context.Context, env *Env, args []string) error {
			if err := env.require(ctx, "/dashboard"); err != nil {
				return err
			}
			p, err := env.Client.ImportPhoto(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "imported: %s\n", p.PhotoURL)
			return nil
		}),
	}
}

// putObject は署名付きURLへオブジェクトをPUTする。timeoutが0の場合はdefaultTimeoutを使う。
func putObject(ctx context.Context, timeout time.Duration, uploadURL, contentType string, data []byte) error {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload photo: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload photo: storage returned status %d", resp.StatusCode)
	}
	return nil
}
