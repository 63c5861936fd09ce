package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LuminPulse-AI/chatsync"
)

var (
	watchCompact     []string
	watchMetricsAddr string
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringArrayVar(&watchCompact, "compact", nil, "Open this conversation on the compact surface instead (repeatable)")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
}

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id]",
	Short: "Follow conversations over the realtime connection",
	Long:  "Connect to the realtime service, open conversations and print every reconciled event until interrupted.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireSession()
		if err != nil {
			return err
		}
		logger, err := newLogger()
		if err != nil {
			return err
		}

		rt := chatsync.NewRealtimeWSClient(valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL), chatsync.RealtimeConfig{
			Token:         cfg.Auth.Token,
			AutoReconnect: true,
			Logger:        logger.Named("realtime"),
		})
		rt.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Printf("reconnecting (attempt %d in %s)\n", attempt, delay)
		})

		metrics := chatsync.NewMetrics(prometheus.DefaultRegisterer)
		s, err := openSession(rt, chatsync.WithMetrics(metrics))
		if err != nil {
			return err
		}
		defer s.Close()
		printEvents(s.engine)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if watchMetricsAddr != "" {
			srv := &http.Server{Addr: watchMetricsAddr, Handler: promhttp.Handler()}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.logger.Error("metrics_server_failed", zap.Error(err))
				}
			}()
			defer srv.Close()
		}

		if err := s.engine.Start(ctx); err != nil {
			return err
		}
		if err := rt.Connect(ctx); err != nil {
			return fmt.Errorf("realtime connect: %w", err)
		}
		defer rt.Disconnect()

		if len(args) == 1 {
			if err := s.engine.Open(ctx, chatsync.SurfaceFull, args[0]); err != nil {
				return err
			}
		}
		for _, id := range watchCompact {
			if err := s.engine.Open(ctx, chatsync.SurfaceCompact, id); err != nil {
				return err
			}
		}
		if len(args) == 0 && len(watchCompact) == 0 {
			if err := restoreWindows(ctx, s); err != nil {
				return err
			}
		}

		fmt.Println("Watching. Press Ctrl+C to stop.")
		<-ctx.Done()
		if n := s.engine.Outstanding(); n > 0 {
			fmt.Printf("%d sends still waiting for the server\n", n)
		}
		return nil
	},
}

// restoreWindows reopens the windows that were open when the last session
// ended, newest first, one per surface.
func restoreWindows(ctx context.Context, s *session) error {
	windows, err := s.engine.Windows()
	if err != nil {
		return err
	}
	opened := map[chatsync.SurfaceKind]bool{}
	for _, w := range windows {
		if !w.Open || w.Minimized || opened[w.Surface] {
			continue
		}
		if err := s.engine.Open(ctx, w.Surface, w.ConversationID); err != nil {
			s.logger.Warn("restore_window_failed", zap.String("conversation", w.ConversationID), zap.Error(err))
			continue
		}
		opened[w.Surface] = true
		fmt.Printf("restored %s on %s\n", w.ConversationID, w.Surface)
	}
	return nil
}
