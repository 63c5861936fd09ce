package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/LuminPulse-AI/chatsync/pebblestate"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and persisted windows",
	Long:  "Display the current configuration and the conversation windows restored on the next start.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL))
		fmt.Printf("  Self ID:     %s\n", valueOrDefault(cfg.Auth.SelfID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		pageSize := cfg.Engine.PageSize
		if pageSize <= 0 {
			pageSize = chatsync.DefaultPageSize
		}
		fmt.Printf("  Page size:   %d\n", pageSize)

		path, err := statePath(cfg)
		if err != nil {
			return err
		}
		store, err := pebblestate.Open(path)
		if err != nil {
			fmt.Printf("\nWindow state unavailable: %v\n", err)
			return nil
		}
		defer store.Close()

		windows, err := store.List()
		if err != nil {
			return fmt.Errorf("failed to read window state: %w", err)
		}
		fmt.Println()
		fmt.Printf("Windows (%s):\n", humanize.Comma(int64(len(windows))))
		if len(windows) == 0 {
			fmt.Println("  (none)")
		}
		for _, w := range windows {
			state := "closed"
			switch {
			case w.Open && w.Minimized:
				state = "minimized"
			case w.Open:
				state = "open"
			}
			fmt.Printf("  %-28s %-8s %-10s %s\n", w.ConversationID, w.Surface, state, humanize.Time(w.UpdatedAt))
		}
		return nil
	},
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
