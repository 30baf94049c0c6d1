package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	marketsync "github.com/Prismer-AI/marketsync"
)

const requestTimeout = 15 * time.Second

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func newClient(cfg *Config) *marketsync.Client {
	opts := []marketsync.ClientOption{marketsync.WithUserAgent("marketsync-cli")}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, marketsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return marketsync.NewClient(cfg.Default.Token, opts...)
}

// getEngine builds an engine from the config file. Mutating commands need
// a token; reads work anonymously.
func getEngine() (*marketsync.Engine, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	ttls, err := cfg.ttls()
	if err != nil {
		return nil, nil, err
	}
	engine := marketsync.NewEngine(newClient(cfg), &marketsync.EngineOptions{
		Logger: newLogger(cfg.Default.LogLevel),
		TTLs:   ttls,
		Self:   marketsync.UserRef{ID: cfg.Default.UserID, Username: cfg.Default.Username},
		Authenticated: func() bool {
			return cfg.Default.Token != ""
		},
	})
	return engine, cfg, nil
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskKey shows the first 4 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
