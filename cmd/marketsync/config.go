package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	marketsync "github.com/Prismer-AI/marketsync"
	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file as stored")
	configCmd.AddCommand(configShowCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}

// setting is one settable key with the value the engine actually uses.
type setting struct {
	key       string
	help      string
	value     func(*Config) string
	effective func(*Config) string
}

func ttlSetting(kind marketsync.ResourceKind, field func(*Config) string) setting {
	return setting{
		key:   "cache." + string(kind),
		help:  "freshness window for " + string(kind),
		value: field,
		effective: func(c *Config) string {
			if d, err := time.ParseDuration(field(c)); err == nil {
				return d.String()
			}
			return marketsync.DefaultTTLs[kind].String()
		},
	}
}

func plain(key, help, def string, field func(*Config) string) setting {
	return setting{
		key:       key,
		help:      help,
		value:     field,
		effective: func(c *Config) string { return valueOrDefault(field(c), def) },
	}
}

var settings = []setting{
	plain("default.base_url", "API base URL", marketsync.DefaultBaseURL, func(c *Config) string { return c.Default.BaseURL }),
	{
		key:   "default.token",
		help:  "bearer token",
		value: func(c *Config) string { return c.Default.Token },
		effective: func(c *Config) string {
			if c.Default.Token == "" {
				return "(not set)"
			}
			return maskKey(c.Default.Token)
		},
	},
	plain("default.user_id", "your user id, stamped on sent messages", "", func(c *Config) string { return c.Default.UserID }),
	plain("default.username", "your username", "", func(c *Config) string { return c.Default.Username }),
	plain("default.log_level", "debug, info, warn or error", "warn", func(c *Config) string { return c.Default.LogLevel }),
	ttlSetting(marketsync.KindPublications, func(c *Config) string { return c.Cache.Publications }),
	ttlSetting(marketsync.KindFavorites, func(c *Config) string { return c.Cache.Favorites }),
	ttlSetting(marketsync.KindChats, func(c *Config) string { return c.Cache.Chats }),
	ttlSetting(marketsync.KindProfile, func(c *Config) string { return c.Cache.Profile }),
	{
		key:       "polling.chat",
		help:      "how often 'chat watch' polls",
		value:     func(c *Config) string { return c.Polling.Chat },
		effective: func(c *Config) string { return c.chatInterval().String() },
	},
	{
		key:       "polling.verification",
		help:      "how often 'status --wait-verified' polls",
		value:     func(c *Config) string { return c.Polling.Verification },
		effective: func(c *Config) string { return c.verificationInterval().String() },
	},
}

func lookupSetting(key string) (setting, bool) {
	for _, s := range settings {
		if s.key == key {
			return s, true
		}
	}
	return setting{}, false
}

// writeSettings prints every key with its effective value, marking the
// ones that fall back to a built-in default.
func writeSettings(w io.Writer, cfg *Config) {
	for _, s := range settings {
		source := ""
		if s.value(cfg) == "" {
			source = "  (default)"
		}
		fmt.Fprintf(w, "%-22s %s%s\n", s.key, s.effective(cfg), source)
	}
}

func settingsHelp() string {
	var b strings.Builder
	b.WriteString("Keys:\n")
	for _, s := range settings {
		fmt.Fprintf(&b, "  %-22s %s\n", s.key, s.help)
	}
	b.WriteString("\nDurations use Go syntax: 90s, 5m, 1h30m.")
	return b.String()
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage marketsync configuration",
	Long:  "View or modify the CLI configuration stored in ~/.marketsync/config.toml\n(or $MARKETSYNC_HOME/config.toml).",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print every setting with the value the engine will use. Settings not\nin the file show their built-in default.",
	Example: "  marketsync config show\n" +
		"  marketsync config show --raw",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		path, err := configPath()
		if err != nil {
			return err
		}
		if configShowRaw {
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				fmt.Fprintln(out, "No configuration file found. Run 'marketsync init <token>' to create one.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("cannot read config file: %w", err)
			}
			_, err = out.Write(data)
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "# %s\n", path)
		writeSettings(out, cfg)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation. An empty value restores\nthe default.\n\n" + settingsHelp(),
	Example: "  marketsync config set cache.chats 90s\n" +
		"  marketsync config set polling.chat 3s\n" +
		"  marketsync config set cache.profile \"\"",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if s, ok := lookupSetting(key); ok {
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, s.effective(cfg))
		}
		return nil
	},
}
