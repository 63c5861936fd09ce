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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LuminPulse-AI/chatsync"
)

var (
	pushAddr   string
	pushSecret string
	pushPath   string
)

func init() {
	rootCmd.AddCommand(pushCmd)
	pushCmd.Flags().StringVar(&pushAddr, "addr", ":8787", "Listen address")
	pushCmd.Flags().StringVar(&pushSecret, "secret", os.Getenv("CHATSYNC_PUSH_SECRET"), "Shared push signing secret")
	pushCmd.Flags().StringVar(&pushPath, "path", "/push", "Request path")
}

var pushCmd = &cobra.Command{
	Use:   "push [conversation-id]",
	Short: "Receive signed push events over HTTP",
	Long:  "Serve an HTTP endpoint that verifies signed push events and feeds them into the engine, for hosts without a realtime socket.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if pushSecret == "" {
			return fmt.Errorf("--secret or CHATSYNC_PUSH_SECRET is required")
		}
		s, err := openSession(nil)
		if err != nil {
			return err
		}
		defer s.Close()
		printEvents(s.engine)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if len(args) == 1 {
			if err := s.engine.Open(ctx, chatsync.SurfaceFull, args[0]); err != nil {
				return err
			}
		}

		handler, err := chatsync.NewPushHandler(pushSecret, s.engine, s.logger.Named("push"))
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle(pushPath, handler.HTTPHandler())
		srv := &http.Server{Addr: pushAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		fmt.Printf("Listening on %s%s\n", pushAddr, pushPath)

		select {
		case err := <-errc:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("push_shutdown_failed", zap.Error(err))
		}
		return nil
	},
}
