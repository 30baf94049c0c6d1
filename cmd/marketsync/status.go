package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	marketsync "github.com/Prismer-AI/marketsync"
	"github.com/spf13/cobra"
)

var statusWaitVerified bool

func init() {
	statusCmd.Flags().BoolVar(&statusWaitVerified, "wait-verified", false, "Poll the profile until the account is verified")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration and, if a token is set, fetch the live profile.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		engine, cfg, err := getEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, marketsync.DefaultBaseURL))
		if cfg.Default.Token != "" {
			fmt.Fprintf(out, "  Token:     %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Fprintln(out, "  Token:     (not set)")
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Cache TTLs:")
		for _, kind := range []marketsync.ResourceKind{
			marketsync.KindPublications, marketsync.KindFavorites, marketsync.KindChats, marketsync.KindProfile,
		} {
			fmt.Fprintf(out, "  %-13s %s\n", kind+":", engine.Store().Get(kind).TTL)
		}

		if cfg.Default.Token == "" {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		ctx, cancel := requestContext()
		defer cancel()

		data, err := engine.Load(ctx, marketsync.KindProfile, false)
		if err != nil {
			if marketsync.IsUnauthorized(err) {
				fmt.Fprintln(out, "  Token rejected; run 'marketsync init <token>' again.")
				return nil
			}
			fmt.Fprintf(out, "  Error fetching profile: %v\n", err)
			return nil
		}
		profiles := marketsync.Items[marketsync.Profile](data)
		if len(profiles) == 0 {
			fmt.Fprintln(out, "  (no profile returned)")
			return nil
		}
		p := profiles[0]
		fmt.Fprintf(out, "  Username:  %s\n", p.Username)
		fmt.Fprintf(out, "  Name:      %s\n", valueOrDefault(p.FullName, "(not set)"))
		fmt.Fprintf(out, "  City:      %s\n", valueOrDefault(p.City, "(not set)"))
		fmt.Fprintf(out, "  Verified:  %t\n", p.IsVerified)

		if statusWaitVerified && !p.IsVerified {
			return waitVerified(cmd, engine, cfg)
		}
		return nil
	},
}

// waitVerified polls the profile until it reports verified or the user
// interrupts.
func waitVerified(cmd *cobra.Command, engine *marketsync.Engine, cfg *Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	verified := make(chan struct{})
	var once bool
	task, err := engine.Poll(ctx, marketsync.PollOptions{
		Key:      "verification",
		Interval: cfg.verificationInterval(),
		Fetch: func(ctx context.Context) (func(), error) {
			data, err := engine.Refresh(ctx, marketsync.KindProfile)
			if err != nil {
				return nil, err
			}
			return func() {
				for _, p := range marketsync.Items[marketsync.Profile](data) {
					if p.IsVerified && !once {
						once = true
						close(verified)
					}
				}
			}, nil
		},
	})
	if err != nil {
		return err
	}
	defer task.Stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Waiting for verification (every %s)...\n", cfg.verificationInterval())
	select {
	case <-verified:
		fmt.Fprintln(cmd.OutOrStdout(), "Account verified.")
		return nil
	case <-task.Done():
		return task.StopReason()
	case <-ctx.Done():
		return nil
	}
}
