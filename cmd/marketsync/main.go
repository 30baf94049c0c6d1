package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	marketsync "github.com/Prismer-AI/marketsync"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.marketsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Cache   ConfigCache   `toml:"cache"`
	Polling ConfigPolling `toml:"polling"`
}

// ConfigDefault holds connection settings.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url"`
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	Username string `toml:"username"`
	LogLevel string `toml:"log_level"`
}

// ConfigCache overrides the per-kind freshness windows. Values are Go
// durations such as "90s" or "5m".
type ConfigCache struct {
	Publications string `toml:"publications"`
	Favorites    string `toml:"favorites"`
	Chats        string `toml:"chats"`
	Profile      string `toml:"profile"`
}

type ConfigPolling struct {
	Chat         string `toml:"chat"`
	Verification string `toml:"verification"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.marketsync, creating it if needed.
func configDir() (string, error) {
	if dir := os.Getenv("MARKETSYNC_HOME"); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("cannot create config directory: %w", err)
		}
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".marketsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

func checkDuration(value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value, err)
	}
	if d <= 0 {
		return fmt.Errorf("duration %q must be positive", value)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "cache.chats").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "token":
			cfg.Default.Token = value
		case "user_id":
			cfg.Default.UserID = value
		case "username":
			cfg.Default.Username = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "cache":
		if err := checkDuration(value); err != nil {
			return err
		}
		switch field {
		case "publications":
			cfg.Cache.Publications = value
		case "favorites":
			cfg.Cache.Favorites = value
		case "chats":
			cfg.Cache.Chats = value
		case "profile":
			cfg.Cache.Profile = value
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	case "polling":
		if err := checkDuration(value); err != nil {
			return err
		}
		switch field {
		case "chat":
			cfg.Polling.Chat = value
		case "verification":
			cfg.Polling.Verification = value
		default:
			return fmt.Errorf("unknown field %q in section [polling]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, cache, polling)", section)
	}
	return nil
}

// ttls turns the [cache] section into engine TTL overrides. Empty values
// keep the defaults.
func (c *Config) ttls() (map[marketsync.ResourceKind]time.Duration, error) {
	out := make(map[marketsync.ResourceKind]time.Duration)
	for kind, value := range map[marketsync.ResourceKind]string{
		marketsync.KindPublications: c.Cache.Publications,
		marketsync.KindFavorites:    c.Cache.Favorites,
		marketsync.KindChats:        c.Cache.Chats,
		marketsync.KindProfile:      c.Cache.Profile,
	} {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("cache.%s: %w", kind, err)
		}
		out[kind] = d
	}
	return out, nil
}

func (c *Config) chatInterval() time.Duration {
	if d, err := time.ParseDuration(c.Polling.Chat); err == nil && d > 0 {
		return d
	}
	return marketsync.ChatPollInterval
}

func (c *Config) verificationInterval() time.Duration {
	if d, err := time.ParseDuration(c.Polling.Verification); err == nil && d > 0 {
		return d
	}
	return marketsync.VerificationPollInterval
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "marketsync",
	Short:        "Marketplace sync CLI",
	Long:         "Command-line interface for the marketplace sync core.\nBrowse the feed, like and comment on publications, and chat.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
