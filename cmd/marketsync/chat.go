package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	marketsync "github.com/Prismer-AI/marketsync"
	"github.com/spf13/cobra"
)

var (
	chatsJSON    bool
	chatsRefresh bool

	chatSendJSON bool

	chatWatchInterval time.Duration
	chatWatchRealtime bool
)

func init() {
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output raw JSON")
	chatsCmd.Flags().BoolVar(&chatsRefresh, "refresh", false, "Ignore the cache and refetch")
	chatSendCmd.Flags().BoolVar(&chatSendJSON, "json", false, "Output raw JSON")
	chatWatchCmd.Flags().DurationVar(&chatWatchInterval, "interval", 0, "Poll interval (default from config, else 6s)")
	chatWatchCmd.Flags().BoolVar(&chatWatchRealtime, "realtime", false, "Also listen for pushed messages over WebSocket")

	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatWatchCmd)
	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(chatCmd)
}

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List chats",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _, err := getEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		ctx, cancel := requestContext()
		defer cancel()

		data, err := engine.Load(ctx, marketsync.KindChats, chatsRefresh)
		if err != nil {
			return fmt.Errorf("load chats: %w", err)
		}
		chats := marketsync.Items[marketsync.Chat](data)

		out := cmd.OutOrStdout()
		if chatsJSON {
			return printJSON(out, chats)
		}
		if len(chats) == 0 {
			fmt.Fprintln(out, "No chats.")
			return nil
		}
		for _, c := range chats {
			last := ""
			if c.LastMessage != nil {
				last = truncate(c.LastMessage.Text, 50)
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf("(%d)", c.UnreadCount)
			}
			fmt.Fprintf(out, "%-10s %-24s %-5s %s\n", c.ID, truncate(c.Title, 24), unread, last)
		}
		return nil
	},
}

// ============================================================================
// chat send / chat watch
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Send and watch chat messages",
}

var chatSendCmd = &cobra.Command{
	Use:   "send <chat-id> <text>",
	Short: "Send a message to a chat",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _, err := getEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		ctx, cancel := requestContext()
		defer cancel()

		rec, err := engine.SendMessage(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if chatSendJSON {
			return printJSON(out, rec.Payload)
		}
		fmt.Fprintf(out, "Message %s sent to %s\n", rec.RealID, args[0])
		return nil
	},
}

var chatWatchCmd = &cobra.Command{
	Use:   "watch <chat-id>",
	Short: "Follow a chat until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := args[0]
		engine, cfg, err := getEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		interval := chatWatchInterval
		if interval <= 0 {
			interval = cfg.chatInterval()
		}

		task, err := engine.WatchChat(ctx, chatID, interval)
		if err != nil {
			return fmt.Errorf("watch chat %s: %w", chatID, err)
		}
		defer task.Stop()

		if chatWatchRealtime {
			rt := engine.NewRealtime(valueOrDefault(cfg.Default.BaseURL, marketsync.DefaultBaseURL), &marketsync.RealtimeConfig{
				Token:         cfg.Default.Token,
				AutoReconnect: true,
			})
			if err := rt.Connect(ctx); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "realtime unavailable, polling only: %v\n", err)
			} else {
				defer rt.Disconnect()
			}
		}

		out := cmd.OutOrStdout()
		thread := engine.ChatThread(chatID)
		seen := make(map[string]struct{})
		printNew(out, thread, seen)

		refresh := time.NewTicker(time.Second)
		defer refresh.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-task.Done():
				if err := task.StopReason(); err != nil && ctx.Err() == nil {
					return fmt.Errorf("watch stopped: %w", err)
				}
				return nil
			case <-refresh.C:
				printNew(out, thread, seen)
			}
		}
	},
}

// printNew prints thread records not printed yet, oldest first.
func printNew(w io.Writer, thread *marketsync.Thread[marketsync.Message], seen map[string]struct{}) {
	recs := thread.Records()
	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		if r.State != marketsync.StateConfirmed {
			continue
		}
		if _, ok := seen[r.RealID]; ok {
			continue
		}
		seen[r.RealID] = struct{}{}
		m := r.Payload
		fmt.Fprintf(w, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), valueOrDefault(m.Sender.Username, m.Sender.ID), m.Text)
	}
}
