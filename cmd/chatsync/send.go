package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

var (
	sendFiles   []string
	sendTo      string
	sendReplyTo string
	sendTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringArrayVarP(&sendFiles, "file", "f", nil, "Attach a file (repeatable)")
	sendCmd.Flags().StringVar(&sendTo, "to", "", "Start a private conversation with this account instead of using a conversation id")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Message id to reply to")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "Request timeout")
}

var sendCmd = &cobra.Command{
	Use:   "send [conversation-id] <text>",
	Short: "Send a message",
	Long:  "Send a message to a conversation. With --to, a private conversation is created on first send.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var conversationID, text string
		switch {
		case sendTo != "" && len(args) == 1:
			conversationID, text = chatsync.PlaceholderID(sendTo), args[0]
		case sendTo == "" && len(args) == 2:
			conversationID, text = args[0], args[1]
		default:
			return fmt.Errorf("pass either <conversation-id> <text> or --to <account> <text>")
		}

		files, err := readFiles(sendFiles)
		if err != nil {
			return err
		}

		s, err := openSession(nil)
		if err != nil {
			return err
		}
		defer s.Close()
		printEvents(s.engine)

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		if err := s.engine.Open(ctx, chatsync.SurfaceFull, conversationID); err != nil {
			return err
		}
		draft := chatsync.Draft{Content: text, Files: files}
		if sendReplyTo != "" {
			if m, ok := s.engine.Surface(chatsync.SurfaceFull).Message(conversationID, sendReplyTo); ok {
				draft.ReplyTo = &chatsync.ReplyRef{MessageID: m.ID, Content: m.Content, SenderID: m.SenderID}
			} else {
				draft.ReplyTo = &chatsync.ReplyRef{MessageID: sendReplyTo}
			}
		}

		m, err := s.engine.Send(ctx, chatsync.SurfaceFull, conversationID, draft)
		if err != nil {
			for _, op := range s.engine.PendingSends(conversationID) {
				fmt.Printf("Not delivered: %s (attempt %d, queued %s): %s\n",
					op.TempID, op.Attempt, humanize.Time(op.CreatedAt), op.Error)
			}
			return err
		}
		fmt.Printf("Message %s delivered to %s\n", m.ID, m.ConversationID)
		for _, md := range m.Medias {
			fmt.Printf("  %s %s (%s)\n", md.Type, md.FileName, humanize.Bytes(uint64(md.FileSize)))
		}
		return nil
	},
}

func readFiles(paths []string) ([]chatsync.OutgoingFile, error) {
	out := make([]chatsync.OutgoingFile, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", p, err)
		}
		out = append(out, chatsync.OutgoingFile{
			Name: filepath.Base(p),
			Type: mediaTypeOf(p),
			Size: int64(len(data)),
			Data: data,
		})
	}
	return out, nil
}

func mediaTypeOf(path string) chatsync.MediaType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".heic":
		return chatsync.MediaImage
	case ".mp4", ".mov", ".webm", ".mkv":
		return chatsync.MediaVideo
	}
	return chatsync.MediaDocument
}
