package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hitoshi/japinait/internal/catalog"
	"github.com/hitoshi/japinait/internal/model"
)

func newVenuesCommand() *cobra.Command {
	var venueType, status string
	var mine bool
	var limit int

	cmd := &cobra.Command{
		Use:   "venues",
		Short: "List venues",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, env *Env, args []string) error {
			f := catalogFilter(venueType, status, limit)
			if mine {
				if err := env.require(ctx, "/dashboard"); err != nil {
					return err
				}
				uid, err := env.userID()
				if err != nil {
					return err
				}
				f.OwnerID = uid
			}
			venues, err := env.Catalog.ListVenues(ctx, f)
			if err != nil {
				return err
			}
			printVenues(env, venues)
			return nil
		}),
	}

	cmd.Flags().StringVar(&venueType, "type", "", "Filter by venue type id")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, approved, rejected)")
	cmd.Flags().BoolVar(&mine, "mine", false, "Only venues you own")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of venues")
	return cmd
}

func newEventsCommand() *cobra.Command {
	var venueID string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List events by date",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, env *Env, args []string) error {
			events, err := env.Catalog.ListEvents(ctx, venueID)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DATE\tNAME\tVENUE\tSTATUS")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.EventDate.Local().Format("2006-01-02 15:04"), e.Name, e.VenueID, e.Status)
			}
			return w.Flush()
		}),
	}

	cmd.Flags().StringVar(&venueID, "venue", "", "Only events of this venue")
	return cmd
}

func newFavoriteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "favorite <venue-id>",
		Short: "Toggle a venue in your favorites",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, env *Env, args []string) error {
			if err := env.require(ctx, "/favorites"); err != nil {
				return err
			}
			uid, err := env.userID()
			if err != nil {
				return err
			}
			state, err := env.Favorites.Toggle(ctx, uid, args[0])
			if err != nil {
				return err
			}
			if state.Active {
				fmt.Fprintf(env.Out, "added %s to favorites\n", args[0])
			} else {
				fmt.Fprintf(env.Out, "removed %s from favorites\n", args[0])
			}
			return nil
		}),
	}
}

func newFavoritesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "favorites",
		Short: "List your favorite venues",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, env *Env, args []string) error {
			if err := env.require(ctx, "/favorites"); err != nil {
				return err
			}
			uid, err := env.userID()
			if err != nil {
				return err
			}
			venues, err := env.Catalog.ListFavorites(ctx, uid)
			if err != nil {
				return err
			}
			printVenues(env, venues)
			return nil
		}),
	}
}

func newReviewCommand() *cobra.Command {
	var rating int
	var comment string

	cmd := &cobra.Command{
		Use:   "review <venue-id>",
		Short: "Rate a venue (re-submitting replaces your review)",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, env *Env, args []string) error {
			if err := env.require(ctx, "/favorites"); err != nil {
				return err
			}
			uid, err := env.userID()
			if err != nil {
				return err
			}
			r, err := env.Catalog.SubmitReview(ctx, uid, args[0], rating, comment)
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "review saved: %d/5 for %s\n", r.Rating, r.VenueID)
			return nil
		}),
	}

	cmd.Flags().IntVar(&rating, "rating", 0, "Rating from 1 to 5")
	cmd.Flags().StringVar(&comment, "comment", "", "Optional comment")
	_ = cmd.MarkFlagRequired("rating")
	return cmd
}

func catalogFilter(venueType, status string, limit int) catalog.VenueFilter {
	return catalog.VenueFilter{VenueTypeID: venueType, Status: model.VenueStatus(status), Limit: limit}
}

func printVenues(env *Env, venues []model.Venue) {
	w := tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tRATING\tADDRESS")
	for _, v := range venues {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f (%d)\t%s\n", v.ID, v.Name, v.Status, v.AverageRating, v.TotalReviews, v.Address)
	}
	_ = w.Flush()
}
