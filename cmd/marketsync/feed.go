package main

import (
	"errors"
	"fmt"

	marketsync "github.com/Prismer-AI/marketsync"
	"github.com/spf13/cobra"
)

var (
	feedJSON    bool
	feedRefresh bool
	feedPages   int

	likeJSON    bool
	commentJSON bool
)

func init() {
	feedCmd.Flags().BoolVar(&feedJSON, "json", false, "Output raw JSON")
	feedCmd.Flags().BoolVar(&feedRefresh, "refresh", false, "Ignore the cache and refetch")
	feedCmd.Flags().IntVar(&feedPages, "pages", 1, "Number of pages to load")
	likeCmd.Flags().BoolVar(&likeJSON, "json", false, "Output raw JSON")
	commentCmd.Flags().BoolVar(&commentJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(feedCmd)
	rootCmd.AddCommand(likeCmd)
	rootCmd.AddCommand(commentCmd)
}

// ============================================================================
// feed
// ============================================================================

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "List publications",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _, err := getEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		ctx, cancel := requestContext()
		defer cancel()

		data, err := engine.Load(ctx, marketsync.KindPublications, feedRefresh)
		if err != nil {
			return fmt.Errorf("load feed: %w", err)
		}
		for i := 1; i < feedPages; i++ {
			if data, err = engine.LoadMore(ctx, marketsync.KindPublications); err != nil {
				return fmt.Errorf("load feed page %d: %w", i+1, err)
			}
		}

		pubs := marketsync.Items[marketsync.Publication](data)
		out := cmd.OutOrStdout()
		if feedJSON {
			return printJSON(out, pubs)
		}
		if len(pubs) == 0 {
			fmt.Fprintln(out, "No publications.")
			return nil
		}
		for _, p := range pubs {
			heart := " "
			if p.IsLiked {
				heart = "♥"
			}
			fmt.Fprintf(out, "%-10s %s %-40s %10.2f %-3s  likes:%-4d comments:%d\n",
				p.ID, heart, truncate(p.Title, 40), p.Price, p.Currency, p.LikesCount, p.CommentsCount)
		}
		return nil
	},
}

// ============================================================================
// like
// ============================================================================

var likeCmd = &cobra.Command{
	Use:   "like <publication-id>",
	Short: "Toggle the like on a publication",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _, err := getEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		ctx, cancel := requestContext()
		defer cancel()

		if _, err := engine.Load(ctx, marketsync.KindPublications, false); err != nil {
			return fmt.Errorf("load feed: %w", err)
		}
		pub, err := engine.LikeToggle(ctx, args[0])
		if err != nil {
			if errors.Is(err, marketsync.ErrNotCached) {
				return fmt.Errorf("publication %s is not on the first page of the feed", args[0])
			}
			return err
		}

		out := cmd.OutOrStdout()
		if likeJSON {
			return printJSON(out, pub)
		}
		state := "Unliked"
		if pub.IsLiked {
			state = "Liked"
		}
		fmt.Fprintf(out, "%s %s (%d likes)\n", state, pub.ID, pub.LikesCount)
		return nil
	},
}

// ============================================================================
// comment
// ============================================================================

var commentCmd = &cobra.Command{
	Use:   "comment <publication-id> <text>",
	Short: "Comment on a publication",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _, err := getEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		ctx, cancel := requestContext()
		defer cancel()

		rec, err := engine.PostComment(ctx, args[0], args[1])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if commentJSON {
			return printJSON(out, rec.Payload)
		}
		fmt.Fprintf(out, "Comment %s posted on %s\n", rec.RealID, args[0])
		return nil
	},
}
