package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var (
	initBaseURL  string
	initUserID   string
	initUsername string
)

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "API base URL")
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "Your user id, shown as sender of optimistic messages")
	initCmd.Flags().StringVar(&initUsername, "username", "", "Your username")
	rootCmd.AddCommand(initCmd)
}

func checkBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base URL %q must be an absolute http(s) URL", raw)
	}
	return nil
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Sign the CLI in with a bearer token",
	Long: "Store the bearer token, and optionally who you are, in the local\n" +
		"configuration. Settings already in the file are kept.",
	Example: "  marketsync init eyJhbGciOi... --base-url https://market.example.com --user-id 17 --username ana",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if initBaseURL != "" {
			if err := checkBaseURL(initBaseURL); err != nil {
				return err
			}
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Default.Token = args[0]
		for _, f := range []struct {
			dst *string
			val string
		}{
			{&cfg.Default.BaseURL, initBaseURL},
			{&cfg.Default.UserID, initUserID},
			{&cfg.Default.Username, initUsername},
		} {
			if f.val != "" {
				*f.dst = f.val
			}
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		out := cmd.OutOrStdout()
		path, _ := configPath()
		fmt.Fprintf(out, "Signed in; settings saved to %s\n\n", path)
		writeSettings(out, cfg)
		return nil
	},
}
