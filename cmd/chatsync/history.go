package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

var (
	historyPages  int
	historyAround string
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyPages, "pages", "n", 1, "Number of pages to load")
	historyCmd.Flags().StringVar(&historyAround, "around", "", "Load the window around this message id")
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the loaded window of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]

		s, err := openSession(nil)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		surface := s.engine.Surface(chatsync.SurfaceFull)
		if err := s.engine.Open(ctx, chatsync.SurfaceFull, conversationID); err != nil {
			return err
		}
		if historyAround != "" {
			if err := surface.JumpToMessage(ctx, historyAround); err != nil {
				return err
			}
		} else {
			for i := 1; i < historyPages; i++ {
				if err := surface.LoadOlder(ctx); err != nil {
					return err
				}
			}
		}

		for _, m := range surface.Messages(conversationID) {
			marker := " "
			if m.ID == historyAround {
				marker = ">"
			}
			if m.System {
				fmt.Printf("%s %-12s  -- %s --\n", marker, humanize.Time(m.SentAt), m.Content)
				continue
			}
			fmt.Printf("%s %-12s  %s: %s\n", marker, humanize.Time(m.SentAt), m.SenderID, m.Content)
		}
		if st, ok := surface.State(conversationID); ok {
			fmt.Printf("\nmode=%s more_older=%t more_newer=%t\n", st.Mode, st.HasMoreOlder, st.HasMoreNewer)
		}
		return nil
	},
}
